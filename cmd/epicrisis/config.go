package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the epicrisis configuration file
// (~/.config/epicrisis/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Expect    string `yaml:"expect"`

	// Sampling defaults
	Steps             *int     `yaml:"steps"`
	Temperature       *float64 `yaml:"temperature"`
	TopK              *int     `yaml:"top_k"`
	TopP              *float64 `yaml:"top_p"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty"`
	Seed              *int64   `yaml:"seed"`
	ModelDefaults     *bool    `yaml:"model_defaults"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string         `yaml:"server_address"`
	IdleTTL       *time.Duration `yaml:"idle_ttl"`
	MaxSteps      *int           `yaml:"max_steps"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "epicrisis", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// applyLoggingConfig applies config file defaults to the root logging flags
// when they were not set on the command line.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, idleTTL *time.Duration, maxSteps *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.IdleTTL != nil && !c.IsSet("idle-ttl") {
		*idleTTL = *cfg.IdleTTL
	}
	if cfg.MaxSteps != nil && !c.IsSet("max-steps") {
		*maxSteps = int64(*cfg.MaxSteps)
	}
}
