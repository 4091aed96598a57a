package rgma

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/bergman/internal/tensor"
)

// OutputHead is the contract for downstream task heads.  A head consumes the
// pooled and/or per-token outputs; the encoder makes no assumption about the
// loss behind it.
type OutputHead interface {
	Apply(out *EncoderOutput) (*mat.Dense, error)
}

// LinearHead is a dense layer over the pooled representation, optionally
// followed by tanh, producing [batch x labels] scores.
type LinearHead struct {
	Weight *mat.Dense // [labels x output]
	Bias   []float64  // [labels]
	Tanh   bool
}

// NewLinearHead initialises a head with N(0, std²) weights.
func NewLinearHead(outputDim, labels int, std float64, seed int64) (*LinearHead, error) {
	if outputDim <= 0 || labels <= 0 {
		return nil, configErrorf("head", "dimensions must be positive, got %d and %d", outputDim, labels)
	}
	w := mat.NewDense(labels, outputDim, nil)
	tensor.FillNormal(w.RawMatrix().Data, std, rand.New(rand.NewSource(seed)))
	return &LinearHead{Weight: w, Bias: make([]float64, labels)}, nil
}

// Apply implements OutputHead.
func (h *LinearHead) Apply(out *EncoderOutput) (*mat.Dense, error) {
	if out == nil || out.Pooled == nil {
		return nil, configErrorf("head", "encoder output has no pooled representation")
	}
	batch, width := out.Pooled.Dims()
	labels, in := h.Weight.Dims()
	if in != width {
		return nil, &ShapeError{What: "pooled output", Layer: -1, Want: []int{batch, in}, Got: []int{batch, width}}
	}
	var scores mat.Dense
	scores.Mul(out.Pooled, h.Weight.T())
	res := mat.NewDense(batch, labels, nil)
	res.Apply(func(i, j int, v float64) float64 {
		v += h.Bias[j]
		if h.Tanh {
			v = math.Tanh(v)
		}
		return v
	}, &scores)
	return res, nil
}
