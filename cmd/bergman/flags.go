package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/samcharles93/bergman/internal/logger"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
	noColor    bool
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml (default: user config dir)",
		Sources:     cli.EnvVars("BERGMAN_CONFIG"),
		Destination: &configFile,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.BoolFlag{
			Name:        "no-color",
			Usage:       "disable colors in pretty output",
			Destination: &noColor,
		},
	}
}

func encoderFileFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "params",
		Aliases:     []string{"p"},
		Usage:       "path to a parameter checkpoint written by 'bergman init'",
		Destination: dst,
	}
}

func workersFlag(dst *int64) cli.Flag {
	return &cli.Int64Flag{
		Name:        "workers",
		Aliases:     []string{"j"},
		Usage:       "parallel encodes (0 = GOMAXPROCS)",
		Destination: dst,
	}
}

// setupLogging builds the process logger once config defaults have been
// applied, and hands it to subcommands through the context.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	applyLoggingConfig(cmd, cfg)

	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, err
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log := logger.Build(logger.Options{
		Writer:    os.Stderr,
		Level:     level,
		Format:    format,
		AddSource: level == slog.LevelDebug,
		NoColor:   noColor || !term.IsTerminal(int(os.Stderr.Fd())),
	})
	return logger.WithContext(ctx, log), nil
}
