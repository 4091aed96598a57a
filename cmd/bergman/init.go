package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bergman/internal/encoding"
	"github.com/samcharles93/bergman/internal/logger"
	"github.com/samcharles93/bergman/internal/rgma"
)

type initOptions struct {
	out              string
	force            bool
	hiddenDim        int64
	aggDim           int64
	outputDim        int64
	aggregationMode  string
	initialState     string
	stateNorm        string
	dropout          float64
	normEps          float64
	initializerRange float64
	seed             int64
}

func (o initOptions) config() rgma.Config {
	return rgma.Config{
		HiddenDim:        int(o.hiddenDim),
		AggDim:           int(o.aggDim),
		OutputDim:        int(o.outputDim),
		AggregationMode:  rgma.AggregationMode(o.aggregationMode),
		InitialState:     rgma.InitialState(o.initialState),
		Dropout:          o.dropout,
		StateNorm:        rgma.StateNorm(o.stateNorm),
		NormEps:          o.normEps,
		InitializerRange: o.initializerRange,
		Seed:             o.seed,
	}
}

func initFlags(opts *initOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "checkpoint path to write",
			Required:    true,
			Destination: &opts.out,
		},
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing checkpoint", Destination: &opts.force},
		&cli.Int64Flag{Name: "hidden-dim", Usage: "width of the incoming hidden states", Destination: &opts.hiddenDim},
		&cli.Int64Flag{Name: "agg-dim", Usage: "column count of the aggregation state", Destination: &opts.aggDim},
		&cli.Int64Flag{Name: "output-dim", Usage: "width of the encoder output", Destination: &opts.outputDim},
		&cli.StringFlag{
			Name:        "aggregation-mode",
			Usage:       "sequence summary (mean, attention)",
			Value:       string(rgma.AggregateMean),
			Destination: &opts.aggregationMode,
		},
		&cli.StringFlag{
			Name:        "initial-state",
			Usage:       "base aggregation state (zeros, learned)",
			Value:       string(rgma.InitialZeros),
			Destination: &opts.initialState,
		},
		&cli.StringFlag{
			Name:        "state-norm",
			Usage:       "state normalization (none, rows, cols, frobenius, det, ortho)",
			Value:       string(rgma.NormNone),
			Destination: &opts.stateNorm,
		},
		&cli.Float64Flag{Name: "dropout", Usage: "training dropout on layer inputs", Destination: &opts.dropout},
		&cli.Float64Flag{
			Name:        "norm-eps",
			Usage:       "normalization epsilon",
			Value:       rgma.DefaultNormEps,
			Destination: &opts.normEps,
		},
		&cli.Float64Flag{
			Name:        "initializer-range",
			Usage:       "standard deviation of initial weights",
			Value:       rgma.DefaultInitializerRange,
			Destination: &opts.initializerRange,
		},
		&cli.Int64Flag{Name: "seed", Usage: "parameter initialisation seed", Destination: &opts.seed},
	}
}

func initCmd() *cli.Command {
	var opts initOptions

	return &cli.Command{
		Name:  "init",
		Usage: "Initialise a parameter checkpoint",
		Flags: initFlags(&opts),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			applyInitConfig(cmd, cfg, &opts)

			if !opts.force {
				if _, err := os.Stat(opts.out); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", opts.out)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			enc, err := rgma.NewEncoder(opts.config())
			if err != nil {
				return err
			}
			if err := encoding.SaveCheckpoint(opts.out, enc); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			c := enc.Config()
			log.Info("wrote checkpoint",
				"path", opts.out,
				"hidden_dim", c.HiddenDim,
				"agg_dim", c.AggDim,
				"output_dim", c.OutputDim,
				"aggregation_mode", c.AggregationMode,
				"state_norm", c.StateNorm,
			)
			return nil
		},
	}
}
