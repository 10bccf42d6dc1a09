package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/epicrisis/internal/inference"
	"github.com/samcharles93/epicrisis/internal/logger"
	"github.com/samcharles93/epicrisis/internal/tokenizer"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	// cfg is loaded by the root command's Before hook.
	cfg Config
)

// modelFlags locate a model and its tokenizer.
type modelFlags struct {
	model        string
	modelsPath   string
	tokenizerDir string
	topology     string
	expect       string
	toyHidden    int64
	toySeed      int64
}

func (f *modelFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model directory or weights file",
			Destination: &f.model,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory containing model directories",
			Destination: &f.modelsPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "tokenizer directory (defaults to the model directory or its parent)",
			Destination: &f.tokenizerDir,
		},
		&cli.StringFlag{
			Name:        "topology",
			Usage:       "topology file (yaml, json or a Hugging Face config.json)",
			Destination: &f.topology,
		},
		&cli.StringFlag{
			Name:        "expect",
			Usage:       "tokenizer sanity check (none, qwen2)",
			Value:       "none",
			Destination: &f.expect,
		},
		&cli.Int64Flag{
			Name:        "toy-hidden",
			Usage:       "hidden size of the random reference decoder used when no weights are present",
			Value:       inference.DefaultToyHidden,
			Destination: &f.toyHidden,
		},
		&cli.Int64Flag{
			Name:        "toy-seed",
			Usage:       "seed for the random reference decoder",
			Destination: &f.toySeed,
		},
	}
}

func (f *modelFlags) applyConfig(c *cli.Command, cfg Config) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		f.modelsPath = cfg.ModelsDir
	}
	if cfg.Expect != "" && !c.IsSet("expect") {
		f.expect = cfg.Expect
	}
}

func (f *modelFlags) loader(log logger.Logger) (inference.Loader, error) {
	expect, err := parseExpect(f.expect)
	if err != nil {
		return inference.Loader{}, err
	}
	return inference.Loader{
		TokenizerDir: f.tokenizerDir,
		TopologyPath: f.topology,
		Expect:       expect,
		ToyHidden:    int(f.toyHidden),
		ToySeed:      f.toySeed,
		Logger:       log,
	}, nil
}

func parseExpect(s string) (*tokenizer.Expectation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return nil, nil
	case "qwen2":
		e := tokenizer.Qwen2Expectation()
		return &e, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer expectation %q (want none or qwen2)", s)
	}
}

// samplingFlags hold the per-generation knobs shared by run and batch.
type samplingFlags struct {
	steps         int64
	temperature   float64
	topK          int64
	topP          float64
	penalty       float64
	seed          int64
	noEOS         bool
	modelDefaults bool
}

func (f *samplingFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "autoregressive steps to run",
			Value:       inference.DefaultSteps,
			Destination: &f.steps,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       inference.DefaultTemperature,
			Destination: &f.temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling (0 = disabled)",
			Value:       inference.DefaultTopK,
			Destination: &f.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p (nucleus) sampling (0 = disabled)",
			Value:       inference.DefaultTopP,
			Destination: &f.topP,
		},
		&cli.Float64Flag{
			Name:        "repetition-penalty",
			Aliases:     []string{"repeat-penalty"},
			Usage:       "penalize repeated tokens (>1.0 applies penalty)",
			Value:       inference.DefaultRepetitionPenalty,
			Destination: &f.penalty,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for sampling (unset = nondeterministic)",
			Destination: &f.seed,
		},
		&cli.BoolFlag{
			Name:        "no-eos",
			Usage:       "prevent eos_token_id from being selected",
			Destination: &f.noEOS,
		},
		&cli.BoolFlag{
			Name:        "model-defaults",
			Usage:       "use sampling defaults from generation_config.json for unset flags",
			Destination: &f.modelDefaults,
		},
	}
}

// options returns the overrides in precedence order: explicit flags, then
// the config file. Anything left nil falls through to model and built-in
// defaults.
func (f *samplingFlags) options(c *cli.Command, cfg Config) inference.Options {
	var opts inference.Options
	if c.IsSet("steps") {
		opts.Steps = ptr(int(f.steps))
	} else if cfg.Steps != nil {
		opts.Steps = ptr(*cfg.Steps)
	}
	if c.IsSet("seed") {
		opts.Seed = ptr(f.seed)
	} else if cfg.Seed != nil {
		opts.Seed = ptr(*cfg.Seed)
	}
	if c.IsSet("temperature") {
		opts.Temperature = ptr(f.temperature)
	} else if cfg.Temperature != nil {
		opts.Temperature = ptr(*cfg.Temperature)
	}
	if c.IsSet("top-k") {
		opts.TopK = ptr(int(f.topK))
	} else if cfg.TopK != nil {
		opts.TopK = ptr(*cfg.TopK)
	}
	if c.IsSet("top-p") {
		opts.TopP = ptr(f.topP)
	} else if cfg.TopP != nil {
		opts.TopP = ptr(*cfg.TopP)
	}
	if c.IsSet("repetition-penalty") {
		opts.RepetitionPenalty = ptr(f.penalty)
	} else if cfg.RepetitionPenalty != nil {
		opts.RepetitionPenalty = ptr(*cfg.RepetitionPenalty)
	}
	if f.noEOS {
		opts.SuppressEOS = ptr(true)
	}
	return opts
}

func (f *samplingFlags) useModelDefaults(c *cli.Command, cfg Config) bool {
	if c.IsSet("model-defaults") {
		return f.modelDefaults
	}
	return cfg.ModelDefaults != nil && *cfg.ModelDefaults
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default: $XDG_CONFIG_HOME/epicrisis/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       logger.FormatPretty,
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func ptr[T any](v T) *T { return &v }
