package rgma

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/bergman/internal/tensor"
)

// Cell is the MatrixAggregationCell: one recurrent step folding a layer's
// hidden states into the aggregation state.  A Cell only references the
// shared parameters; it carries no state between calls.
type Cell struct {
	mode        AggregationMode
	hidden, agg int
	params      *CellParameters
}

// NewCell binds the shared cell parameters for the given configuration.
func NewCell(cfg Config, params *CellParameters) (*Cell, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := params.checkShapes(cfg); err != nil {
		return nil, err
	}
	return &Cell{
		mode:   cfg.AggregationMode,
		hidden: cfg.HiddenDim,
		agg:    cfg.AggDim,
		params: params,
	}, nil
}

// StepResult is the outcome of one Cell.Step over a batch.
type StepResult struct {
	// State holds the new aggregation state per batch element
	// [hidden x agg].
	State []*mat.Dense
	// Summary holds the masked layer summary per batch element [batch x hidden].
	Summary *mat.Dense
	// Empty lists batch elements whose mask had no real tokens.  Their
	// summary is the zero vector.
	Empty []int
}

// Step combines prev with layer under mask.  prev must hold one
// [hidden x agg] matrix per batch element; it is not modified.
func (c *Cell) Step(prev []*mat.Dense, layer tensor.Tensor3, mask Mask) (StepResult, error) {
	if err := c.checkStep(prev, layer, mask); err != nil {
		return StepResult{}, err
	}
	res := StepResult{
		State:   make([]*mat.Dense, layer.B),
		Summary: mat.NewDense(layer.B, c.hidden, nil),
	}
	for b := range layer.B {
		it := c.stepItem(prev[b], layer, mask, b, nil)
		res.State[b] = it.next
		res.Summary.SetRow(b, it.raw)
		if it.empty {
			res.Empty = append(res.Empty, b)
		}
	}
	return res, nil
}

func (c *Cell) checkStep(prev []*mat.Dense, layer tensor.Tensor3, mask Mask) error {
	if layer.D != c.hidden {
		return &ShapeError{What: "layer hidden states", Layer: -1, Want: []int{layer.B, layer.T, c.hidden}, Got: []int{layer.B, layer.T, layer.D}}
	}
	if mask.B != layer.B {
		return &ShapeError{What: "attention_mask", Layer: -1, Want: []int{layer.B, layer.T}, Got: []int{mask.B, mask.T}}
	}
	if mask.T != layer.T {
		return &maskLengthError{row: -1, got: mask.T, want: layer.T}
	}
	if len(prev) != layer.B {
		return &ShapeError{What: "aggregation state batch", Layer: -1, Want: []int{layer.B}, Got: []int{len(prev)}}
	}
	for _, s := range prev {
		if r, cc := s.Dims(); r != c.hidden || cc != c.agg {
			return &ShapeError{What: "aggregation state", Layer: -1, Want: []int{c.hidden, c.agg}, Got: []int{r, cc}}
		}
	}
	return nil
}

// dropout holds the per-call randomness of a training forward pass.
type dropout struct {
	rate float64
	rng  *rand.Rand
}

// itemTrace records what backward needs from one batch element's step.
type itemTrace struct {
	next    *mat.Dense
	raw     []float64 // summary before dropout
	summary []float64 // summary after dropout, fed to the projections
	keep    []float64 // dropout scale per hidden unit, nil when disabled
	alpha   []float64 // attention weights per position, nil in mean mode
	proj    []float64 // candidate projection p [agg]
	gate    []float64 // sigmoid gate z [hidden]
	empty   bool
}

func (c *Cell) stepItem(prev *mat.Dense, layer tensor.Tensor3, mask Mask, b int, drop *dropout) itemTrace {
	h, a := c.hidden, c.agg
	p := c.params
	it := itemTrace{raw: make([]float64, h)}
	if c.mode == AggregateAttention {
		it.alpha = make([]float64, layer.T)
	}
	it.empty = c.summarize(it.raw, layer, mask, b, it.alpha)

	it.summary = it.raw
	if drop != nil && drop.rate > 0 {
		it.keep = make([]float64, h)
		it.summary = make([]float64, h)
		scale := 1 / (1 - drop.rate)
		for i := range it.keep {
			if drop.rng.Float64() >= drop.rate {
				it.keep[i] = scale
			}
			it.summary[i] = it.raw[i] * it.keep[i]
		}
	}
	s := mat.NewVecDense(h, it.summary)

	// p = W_in s + b_in
	it.proj = make([]float64, a)
	pv := mat.NewVecDense(a, it.proj)
	pv.MulVec(p.InputWeight, s)
	floats.Add(it.proj, p.InputBias)

	// g = W_g s + S_prev v_g + b_g
	it.gate = make([]float64, h)
	gv := mat.NewVecDense(h, it.gate)
	gv.MulVec(p.GateWeight, s)
	var read mat.VecDense
	read.MulVec(prev, mat.NewVecDense(a, p.GateState))
	for i := range it.gate {
		it.gate[i] = tensor.Sigmoid(it.gate[i] + read.AtVec(i) + p.GateBias[i])
	}

	// S_new = z ⊙ S_prev + (1 - z) ⊙ (s ⊗ p), z broadcast over agg.
	it.next = mat.NewDense(h, a, nil)
	for i := range h {
		z := it.gate[i]
		dst := it.next.RawRowView(i)
		src := prev.RawRowView(i)
		si := it.summary[i]
		for j := range a {
			dst[j] = z*src[j] + (1-z)*si*it.proj[j]
		}
	}
	return it
}

// summarize writes the masked summary of sequence b into dst and reports
// whether the sequence had no real tokens.  A fully padded sequence yields
// the zero vector.  alpha, when non-nil, receives the attention weights.
func (c *Cell) summarize(dst []float64, layer tensor.Tensor3, mask Mask, b int, alpha []float64) bool {
	tensor.Zero(dst)
	n := mask.Count(b)
	if n == 0 {
		return true
	}
	switch c.mode {
	case AggregateAttention:
		scale := 1 / math.Sqrt(float64(c.hidden))
		scores := make([]float64, 0, n)
		for t := range layer.T {
			if mask.Valid(b, t) {
				scores = append(scores, tensor.Dot(c.params.Query, layer.Vec(b, t))*scale)
			}
		}
		tensor.Softmax(scores)
		k := 0
		for t := range layer.T {
			if !mask.Valid(b, t) {
				continue
			}
			alpha[t] = scores[k]
			tensor.AddScaled(dst, scores[k], layer.Vec(b, t))
			k++
		}
	default:
		for t := range layer.T {
			if mask.Valid(b, t) {
				floats.Add(dst, layer.Vec(b, t))
			}
		}
		floats.Scale(1/float64(n), dst)
	}
	return false
}
