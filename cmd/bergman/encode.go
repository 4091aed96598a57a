package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bergman/internal/encoding"
	"github.com/samcharles93/bergman/internal/logger"
	"github.com/samcharles93/bergman/internal/rgma"
)

type encodedFile struct {
	Input string `json:"input"`
	encoding.Result
}

func encodeCmd() *cli.Command {
	var (
		params        string
		inputs        []string
		output        string
		includeTokens bool
		workers       int64
	)

	return &cli.Command{
		Name:      "encode",
		Usage:     "Encode hidden-state files (.json or .safetensors)",
		ArgsUsage: "[FILE...]",
		Flags: []cli.Flag{
			encoderFileFlag(&params),
			&cli.StringSliceFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "hidden-state file; may be repeated",
				Destination: &inputs,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write results here instead of stdout",
				Value:       "-",
				Destination: &output,
			},
			&cli.BoolFlag{
				Name:        "include-tokens",
				Usage:       "include per-token outputs",
				Destination: &includeTokens,
			},
			workersFlag(&workers),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			applyEncodeConfig(cmd, cfg, &params, &workers)
			if params == "" {
				return errors.New("--params is required (or set params in config.yaml)")
			}
			paths := append(append([]string(nil), inputs...), cmd.Args().Slice()...)
			if len(paths) == 0 {
				return errors.New("no input files given")
			}

			enc, err := encoding.LoadCheckpoint(params)
			if err != nil {
				return fmt.Errorf("load params: %w", err)
			}
			bufs := make([]*rgma.HiddenStateBuffer, len(paths))
			for i, p := range paths {
				if bufs[i], err = encoding.LoadFile(p); err != nil {
					return fmt.Errorf("load %s: %w", p, err)
				}
			}

			svc := encoding.NewService(enc, int(workers))
			outs, err := svc.EncodeAll(ctx, bufs)
			if err != nil {
				return err
			}
			results := make([]encodedFile, len(outs))
			for i, out := range outs {
				results[i] = encodedFile{Input: paths[i], Result: encoding.NewResult(out, includeTokens)}
			}
			log.Debug("encoded inputs", "count", len(results), "params", params)

			return writeOutput(cmd.Root().Writer, output, func(w io.Writer) error {
				return encoding.WriteJSON(w, results)
			})
		},
	}
}

// writeOutput runs write against stdout for "-" and a new file otherwise.
func writeOutput(stdout io.Writer, path string, write func(io.Writer) error) (err error) {
	if path == "" || path == "-" {
		return write(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return write(f)
}
