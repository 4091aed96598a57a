package rgma

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/bergman/internal/tensor"
)

func newTestCell(t *testing.T, cfg Config) (*Cell, *Parameters) {
	t.Helper()
	p, err := NewParameters(cfg)
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	c, err := NewCell(cfg, &p.Cell)
	if err != nil {
		t.Fatalf("NewCell: %v", err)
	}
	return c, p
}

func zeroStates(b, h, a int) []*mat.Dense {
	out := make([]*mat.Dense, b)
	for i := range out {
		out[i] = mat.NewDense(h, a, nil)
	}
	return out
}

// With a zero state and zero gate parameters the gate is exactly 0.5, so the
// new state is half of the candidate s ⊗ (W_in s + b_in).
func TestCellStepHalfGate(t *testing.T) {
	t.Parallel()
	cfg := Config{HiddenDim: 4, AggDim: 4, OutputDim: 2, InitializerRange: 0.3, Seed: 5}
	c, p := newTestCell(t, cfg)
	p.Cell.GateWeight.Zero()
	tensor.Zero(p.Cell.GateState)
	tensor.Zero(p.Cell.GateBias)
	p.Cell.InputBias = []float64{0.1, -0.2, 0.3, 0}

	layer := randomLayers(1, 1, 3, 4, 9)[0]
	res, err := c.Step(zeroStates(1, 4, 4), layer, FullMask(1, 3))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	s := make([]float64, 4)
	for tok := range 3 {
		tensor.AddScaled(s, 1.0/3, layer.Vec(0, tok))
	}
	var proj mat.VecDense
	proj.MulVec(p.Cell.InputWeight, mat.NewVecDense(4, s))
	want := mat.NewDense(4, 4, nil)
	for i := range 4 {
		for j := range 4 {
			want.Set(i, j, 0.5*s[i]*(proj.AtVec(j)+p.Cell.InputBias[j]))
		}
	}
	if !denseClose(res.State[0], want, 1e-12) {
		t.Fatalf("state mismatch:\n got %v\nwant %v", mat.Formatted(res.State[0]), mat.Formatted(want))
	}
	if !sliceClose(res.Summary.RawRowView(0), s, 1e-12) {
		t.Fatalf("summary mismatch: got %v want %v", res.Summary.RawRowView(0), s)
	}
}

// Each summary row is the plain average of that row's real tokens, and the
// state is built from it.
func TestCellMaskedMeanPerRow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	c, p := newTestCell(t, cfg)
	rows := [][]float64{
		{1, 1, 1, 1},
		{1, 0, 1, 0},
		{0, 0, 0, 1},
	}
	layer := randomLayers(1, 3, 4, 3, 11)[0]

	res, err := c.Step(zeroStates(3, 3, 2), layer, mustMask(t, rows))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	for b, row := range rows {
		want := make([]float64, 3)
		var n float64
		for tok, m := range row {
			if m == 0 {
				continue
			}
			n++
			for i, v := range layer.Vec(b, tok) {
				want[i] += v
			}
		}
		for i := range want {
			want[i] /= n
		}
		if !sliceClose(res.Summary.RawRowView(b), want, 1e-10) {
			t.Fatalf("row %d summary = %v, want %v", b, res.Summary.RawRowView(b), want)
		}

		// Zero state: S = (1 - z) s pᵀ with z = σ(W_g s + b_g).
		s := mat.NewVecDense(3, want)
		var g, proj mat.VecDense
		g.MulVec(p.Cell.GateWeight, s)
		proj.MulVec(p.Cell.InputWeight, s)
		for i := range 3 {
			z := 1 / (1 + math.Exp(-(g.AtVec(i) + p.Cell.GateBias[i])))
			for j := range 2 {
				w := (1 - z) * want[i] * (proj.AtVec(j) + p.Cell.InputBias[j])
				if math.Abs(res.State[b].At(i, j)-w) > 1e-10 {
					t.Fatalf("row %d state[%d][%d] = %v, want %v", b, i, j, res.State[b].At(i, j), w)
				}
			}
		}
	}
}

func TestNewCellRejectsMisshapedParameters(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	tests := []struct {
		name string
		edit func(*CellParameters)
		want string
	}{
		{"input weight", func(p *CellParameters) { p.InputWeight = mat.NewDense(3, 3, nil) }, nameInputWeight},
		{"input bias", func(p *CellParameters) { p.InputBias = make([]float64, 3) }, nameInputBias},
		{"gate weight", func(p *CellParameters) { p.GateWeight = mat.NewDense(2, 2, nil) }, nameGateWeight},
		{"gate state", func(p *CellParameters) { p.GateState = make([]float64, 3) }, nameGateState},
		{"gate bias", func(p *CellParameters) { p.GateBias = nil }, nameGateBias},
		{"query", func(p *CellParameters) { p.Query = make([]float64, 2) }, nameQuery},
		{"missing matrix", func(p *CellParameters) { p.GateWeight = nil }, nameGateWeight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewParameters(cfg)
			if err != nil {
				t.Fatalf("NewParameters: %v", err)
			}
			tt.edit(&p.Cell)
			_, err = NewCell(cfg, &p.Cell)
			if !errors.Is(err, ErrShapeMismatch) {
				t.Fatalf("expected shape mismatch, got %v", err)
			}
			var se *ShapeError
			if !errors.As(err, &se) || se.What != tt.want {
				t.Fatalf("expected error on %s, got %v", tt.want, err)
			}
		})
	}

	if _, err := NewCell(cfg, nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error for nil parameters, got %v", err)
	}
}

func TestCellPaddingIgnored(t *testing.T) {
	t.Parallel()
	for _, mode := range []AggregationMode{AggregateMean, AggregateAttention} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.AggregationMode = mode
			c, _ := newTestCell(t, cfg)
			mask := mustMask(t, [][]float64{{1, 1, 0}})

			a := randomLayers(1, 1, 3, 3, 2)[0]
			b := a.Clone()
			for i := range b.Vec(0, 2) {
				b.Vec(0, 2)[i] += 100
			}
			ra, err := c.Step(zeroStates(1, 3, 2), a, mask)
			if err != nil {
				t.Fatalf("Step: %v", err)
			}
			rb, _ := c.Step(zeroStates(1, 3, 2), b, mask)
			if !denseClose(ra.State[0], rb.State[0], 0) {
				t.Fatal("padded position influenced the state")
			}
		})
	}
}

func TestCellEmptySequence(t *testing.T) {
	t.Parallel()
	for _, mode := range []AggregationMode{AggregateMean, AggregateAttention} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.AggregationMode = mode
			c, _ := newTestCell(t, cfg)
			mask := mustMask(t, [][]float64{{1, 0, 1}, {0, 0, 0}})
			layer := randomLayers(1, 2, 3, 3, 4)[0]

			res, err := c.Step(zeroStates(2, 3, 2), layer, mask)
			if err != nil {
				t.Fatalf("Step: %v", err)
			}
			if len(res.Empty) != 1 || res.Empty[0] != 1 {
				t.Fatalf("expected batch 1 reported empty, got %v", res.Empty)
			}
			for _, v := range res.Summary.RawRowView(1) {
				if v != 0 {
					t.Fatalf("empty summary should be zero, got %v", res.Summary.RawRowView(1))
				}
			}
			for b := range 2 {
				if !tensor.AllFinite(res.State[b].RawMatrix().Data) {
					t.Fatalf("non-finite state for batch %d", b)
				}
			}
		})
	}
}

func TestCellAttentionWeightsSumToOne(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.AggregationMode = AggregateAttention
	cfg.InitializerRange = 1
	c, _ := newTestCell(t, cfg)
	mask := mustMask(t, [][]float64{{1, 1, 0, 1}})
	layer := randomLayers(1, 1, 4, 3, 8)[0]

	it := c.stepItem(mat.NewDense(3, 2, nil), layer, mask, 0, nil)
	var sum float64
	for tok, a := range it.alpha {
		if !mask.Valid(0, tok) && a != 0 {
			t.Fatalf("padded position has weight %v", a)
		}
		sum += a
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("attention weights sum to %v", sum)
	}
}

func TestCellStepShapeErrors(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	c, _ := newTestCell(t, cfg)
	layer := randomLayers(1, 2, 3, 3, 1)[0]

	if _, err := c.Step(zeroStates(2, 3, 2), layer, FullMask(2, 4)); !errors.Is(err, ErrMaskLengthMismatch) {
		t.Fatalf("expected mask length error, got %v", err)
	}
	if _, err := c.Step(zeroStates(2, 2, 2), layer, FullMask(2, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape error for state, got %v", err)
	}
	wide := randomLayers(1, 2, 3, 5, 1)[0]
	if _, err := c.Step(zeroStates(2, 3, 2), wide, FullMask(2, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape error for layer, got %v", err)
	}
}

func TestCellStepDoesNotModifyPrev(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	c, _ := newTestCell(t, cfg)
	prev := []*mat.Dense{mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})}
	snapshot := mat.DenseCopyOf(prev[0])
	layer := randomLayers(1, 1, 2, 3, 1)[0]
	res, err := c.Step(prev, layer, FullMask(1, 2))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !mat.Equal(prev[0], snapshot) {
		t.Fatal("Step modified the previous state")
	}
	if r, cc := res.State[0].Dims(); r != 3 || cc != 2 {
		t.Fatalf("state shape %dx%d, want 3x2", r, cc)
	}
}

func BenchmarkCellStep(b *testing.B) {
	cfg := Config{HiddenDim: 64, AggDim: 32, OutputDim: 16}
	p, _ := NewParameters(cfg)
	c, _ := NewCell(cfg, &p.Cell)
	layer := randomLayers(1, 4, 32, 64, 1)[0]
	prev := zeroStates(4, 64, 32)
	mask := FullMask(4, 32)
	for b.Loop() {
		_, _ = c.Step(prev, layer, mask)
	}
}
