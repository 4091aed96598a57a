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
)

func convertCmd() *cli.Command {
	var (
		out   string
		force bool
	)

	return &cli.Command{
		Name:      "convert",
		Usage:     "Rewrite a hidden-state dump as safetensors",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "destination .safetensors file",
				Required:    true,
				Destination: &out,
			},
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file", Destination: &force},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("convert takes exactly one FILE argument")
			}
			in := cmd.Args().First()
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", out)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			buf, err := encoding.LoadFile(in)
			if err != nil {
				return fmt.Errorf("load %s: %w", in, err)
			}
			if err := encoding.SaveSafetensors(out, buf); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("converted hidden states",
				"input", in,
				"output", out,
				"layers", buf.NumLayers(),
				"batch", buf.Batch(),
				"seq", buf.SeqLen(),
			)
			return nil
		},
	}
}
