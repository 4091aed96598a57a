package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the bergman configuration file
// (~/.config/bergman/config.yaml).  Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Params  string `yaml:"params"`
	Workers *int64 `yaml:"workers"`

	Encoder EncoderConfig `yaml:"encoder"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	StoreCapacity *int64 `yaml:"store_capacity"`
}

// EncoderConfig holds defaults for 'bergman init'.
type EncoderConfig struct {
	HiddenDim        *int64   `yaml:"hidden_dim"`
	AggDim           *int64   `yaml:"agg_dim"`
	OutputDim        *int64   `yaml:"output_dim"`
	AggregationMode  string   `yaml:"aggregation_mode"`
	InitialState     string   `yaml:"initial_state"`
	StateNorm        string   `yaml:"state_norm"`
	Dropout          *float64 `yaml:"dropout"`
	NormEps          *float64 `yaml:"norm_eps"`
	InitializerRange *float64 `yaml:"initializer_range"`
	Seed             *int64   `yaml:"seed"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "bergman", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty.  A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyInitConfig applies config file defaults to init flags that were not
// explicitly set.
func applyInitConfig(c *cli.Command, cfg Config, opts *initOptions) {
	ec := cfg.Encoder
	if ec.HiddenDim != nil && !c.IsSet("hidden-dim") {
		opts.hiddenDim = *ec.HiddenDim
	}
	if ec.AggDim != nil && !c.IsSet("agg-dim") {
		opts.aggDim = *ec.AggDim
	}
	if ec.OutputDim != nil && !c.IsSet("output-dim") {
		opts.outputDim = *ec.OutputDim
	}
	if ec.AggregationMode != "" && !c.IsSet("aggregation-mode") {
		opts.aggregationMode = ec.AggregationMode
	}
	if ec.InitialState != "" && !c.IsSet("initial-state") {
		opts.initialState = ec.InitialState
	}
	if ec.StateNorm != "" && !c.IsSet("state-norm") {
		opts.stateNorm = ec.StateNorm
	}
	if ec.Dropout != nil && !c.IsSet("dropout") {
		opts.dropout = *ec.Dropout
	}
	if ec.NormEps != nil && !c.IsSet("norm-eps") {
		opts.normEps = *ec.NormEps
	}
	if ec.InitializerRange != nil && !c.IsSet("initializer-range") {
		opts.initializerRange = *ec.InitializerRange
	}
	if ec.Seed != nil && !c.IsSet("seed") {
		opts.seed = *ec.Seed
	}
}

// applyEncodeConfig applies config file defaults to encode flags.
func applyEncodeConfig(c *cli.Command, cfg Config, params *string, workers *int64) {
	if cfg.Params != "" && !c.IsSet("params") {
		*params = cfg.Params
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
}

// applyServeConfig applies config file defaults to serve flags.
func applyServeConfig(c *cli.Command, cfg Config, params, addr *string, workers, storeCapacity *int64) {
	applyEncodeConfig(c, cfg, params, workers)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.StoreCapacity != nil && !c.IsSet("store-capacity") {
		*storeCapacity = *cfg.StoreCapacity
	}
}
