package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	commands := []*cli.Command{
		initCmd(),
		encodeCmd(),
		convertCmd(),
		serveCmd(),
		inspectCmd(),
		versionCmd(),
	}
	// Global flags may follow the subcommand name, so logging is set up
	// once the subcommand has parsed them.
	for _, c := range commands {
		c.Before = setupLogging
	}
	return &cli.Command{
		Name:  "bergman",
		Usage: "Recurrent gated matrix aggregation over transformer hidden states",
		Flags: append(loggingFlags(), configFlag()),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: commands,
	}
}
