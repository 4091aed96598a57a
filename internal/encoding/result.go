package encoding

import (
	"io"

	"github.com/goccy/go-json"

	"github.com/samcharles93/bergman/internal/rgma"
)

// Warning is the wire form of an rgma.EmptySequenceWarning.
type Warning struct {
	Batch   int    `json:"batch"`
	Layer   int    `json:"layer"`
	Message string `json:"message"`
}

// Result is the JSON rendering of one encoder output.
type Result struct {
	Pooled   [][]float64   `json:"pooled"`
	Tokens   [][][]float64 `json:"tokens,omitempty"`
	Warnings []Warning     `json:"warnings"`
}

// NewResult converts out.  Per-token outputs are included only when asked
// for; they dominate the payload size.
func NewResult(out *rgma.EncoderOutput, includeTokens bool) Result {
	r, _ := out.Pooled.Dims()
	res := Result{
		Pooled:   make([][]float64, r),
		Warnings: make([]Warning, 0, len(out.Warnings)),
	}
	for b := range r {
		res.Pooled[b] = append([]float64(nil), out.Pooled.RawRowView(b)...)
	}
	if includeTokens {
		res.Tokens = out.Tokens.Nested()
	}
	for _, w := range out.Warnings {
		res.Warnings = append(res.Warnings, Warning{Batch: w.Batch, Layer: w.Layer, Message: w.Error()})
	}
	return res
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
