package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bergman/internal/encoding"
	"github.com/samcharles93/bergman/internal/safetensors"
)

type inspectTensor struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Bytes int64  `json:"bytes"`
}

type inspectReport struct {
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Tensors  []inspectTensor   `json:"tensors"`
}

func inspectCmd() *cli.Command {
	var (
		asJSON bool
		filter string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors and metadata of a safetensors file",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print as JSON", Destination: &asJSON},
			&cli.StringFlag{Name: "filter", Usage: "only show tensors whose name contains this", Destination: &filter},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("inspect takes exactly one FILE argument")
			}
			rep, err := inspectFile(cmd.Args().First(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return encoding.WriteJSON(cmd.Root().Writer, rep)
			}
			return printReport(cmd.Root().Writer, rep)
		},
	}
}

func inspectFile(path, filter string) (inspectReport, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return inspectReport{}, err
	}
	defer func() { _ = f.Close() }()

	rep := inspectReport{Path: path, Metadata: f.Metadata, Tensors: []inspectTensor{}}
	for name, info := range f.Tensors {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		rep.Tensors = append(rep.Tensors, inspectTensor{
			Name:  name,
			DType: info.DType,
			Shape: info.Shape,
			Bytes: info.End - info.Start,
		})
	}
	rep.Tensors = sortedTensors(rep.Tensors)
	return rep, nil
}

func sortedTensors(ts []inspectTensor) []inspectTensor {
	slices.SortFunc(ts, func(a, b inspectTensor) int {
		return compareTensorNames(a.Name, b.Name)
	})
	return ts
}

// compareTensorNames orders numeric suffixes numerically, so hidden_states.10
// follows hidden_states.9.
func compareTensorNames(a, b string) int {
	ap, an, aok := splitIndex(a)
	bp, bn, bok := splitIndex(b)
	if aok && bok && ap == bp {
		return an - bn
	}
	return strings.Compare(a, b)
}

func splitIndex(name string) (string, int, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return name, 0, false
	}
	n := 0
	for _, r := range name[i+1:] {
		if r < '0' || r > '9' {
			return name, 0, false
		}
		n = n*10 + int(r-'0')
	}
	return name[:i], n, true
}

func printReport(w io.Writer, rep inspectReport) error {
	_, _ = fmt.Fprintf(w, "file: %s\n", rep.Path)
	if len(rep.Metadata) > 0 {
		_, _ = fmt.Fprintln(w, "metadata:")
		keys := make([]string, 0, len(rep.Metadata))
		for k := range rep.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", k, rep.Metadata[k])
		}
	}
	_, _ = fmt.Fprintf(w, "tensors: %d\n", len(rep.Tensors))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, t := range rep.Tensors {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%v\t%d bytes\n", t.Name, t.DType, t.Shape, t.Bytes)
	}
	return tw.Flush()
}
