package rgma

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/bergman/internal/tensor"
)

func testConfig() Config {
	return Config{
		HiddenDim: 3,
		AggDim:    2,
		OutputDim: 2,
		Seed:      1,
	}
}

// randomLayers returns n layers of (b, t, d) hidden states drawn from
// N(0, 1).
func randomLayers(n, b, t, d int, seed int64) []tensor.Tensor3 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]tensor.Tensor3, n)
	for i := range out {
		out[i] = tensor.New3(b, t, d)
		tensor.FillNormal(out[i].Data, 1, rng)
	}
	return out
}

func mustMask(t *testing.T, rows [][]float64) Mask {
	t.Helper()
	m, err := NewMask(rows)
	if err != nil {
		t.Fatalf("NewMask: %v", err)
	}
	return m
}

func mustBuffer(t *testing.T, layers []tensor.Tensor3, mask Mask) *HiddenStateBuffer {
	t.Helper()
	buf, err := NewHiddenStateBuffer(layers, mask)
	if err != nil {
		t.Fatalf("NewHiddenStateBuffer: %v", err)
	}
	return buf
}

func mustEncoder(t *testing.T, cfg Config) *Encoder {
	t.Helper()
	e, err := NewEncoder(cfg)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	return e
}

// randomizeParameters overwrites every parameter, including biases and the
// learned initial state, so gradient checks exercise all terms.
func randomizeParameters(p *Parameters, std float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for _, nt := range p.Tensors() {
		tensor.FillNormal(nt.Data, std, rng)
	}
}

func denseClose(a, b *mat.Dense, tol float64) bool {
	return mat.EqualApprox(a, b, tol)
}

func sliceClose(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := range n {
		m.Set(i, i, 1)
	}
	return m
}
