package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/epicrisis/internal/api"
	"github.com/samcharles93/epicrisis/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		mf            modelFlags
		addr          string
		readTimeout   time.Duration
		idleTTL       time.Duration
		retention     time.Duration
		maxSteps      int64
		maxStored     int64
		modelDefaults bool
	)

	flags := append(mf.flags(),
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.DurationFlag{
			Name:        "idle-ttl",
			Usage:       "unload a model after this long without requests (0 = never)",
			Value:       15 * time.Minute,
			Destination: &idleTTL,
		},
		&cli.DurationFlag{
			Name:        "retention",
			Usage:       "how long finished generations stay retrievable",
			Value:       api.DefaultRetention,
			Destination: &retention,
		},
		&cli.Int64Flag{
			Name:        "max-steps",
			Usage:       "largest step budget a request may ask for",
			Value:       api.DefaultMaxSteps,
			Destination: &maxSteps,
		},
		&cli.Int64Flag{
			Name:        "max-stored",
			Usage:       "finished generations kept for retrieval (0 = unbounded)",
			Value:       1024,
			Destination: &maxStored,
		},
		&cli.BoolFlag{
			Name:        "model-defaults",
			Usage:       "apply generation_config.json sampling defaults to unset request fields",
			Destination: &modelDefaults,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation REST API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			mf.applyConfig(c, cfg)
			applyServeConfig(c, cfg, &addr, &idleTTL, &maxSteps)
			if !c.IsSet("model-defaults") && cfg.ModelDefaults != nil {
				modelDefaults = *cfg.ModelDefaults
			}

			loader, err := mf.loader(log)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			// Request prompts are text unless they carry prompt_tokens.
			loader.RequireTokenizer = false

			provider := api.NewCachedProvider(api.ProviderConfig{
				DefaultModelPath: mf.model,
				ModelsPath:       mf.modelsPath,
				Loader:           loader,
				IdleTTL:          idleTTL,
				Logger:           log,
			})
			defer provider.Close()

			service := api.NewInferenceService(provider)
			service.SetMaxSteps(int(maxSteps))
			service.UseModelDefaults(modelDefaults)

			store := api.NewResultStore(retention, uint64(max(maxStored, 0)))
			defer store.Close()

			server := api.NewServer(store, service, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "models_path", mf.modelsPath, "model", mf.model)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
