package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/epicrisis/internal/logger"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "epicrisis",
		Usage: "Incremental KV-cached decoding for exported decoder-only models",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			path := configFile
			if path == "" {
				path = configPath()
			}
			loaded, err := LoadConfig(path)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: config: %v", err), 1)
			}
			cfg = loaded
			applyLoggingConfig(cmd, cfg)
			if debug {
				logLevel = "debug"
			}
			log, err := logger.NewFormat(stderr(cmd), logFormat, logLevel)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			batchCmd(),
			serveCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
