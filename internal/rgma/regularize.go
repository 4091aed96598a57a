package rgma

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/bergman/internal/tensor"
)

// Regularization penalises the aggregation state left by every layer, pushing
// it towards an orthogonal matrix.  Zero weights disable a term.
type Regularization struct {
	// NormWeight scales the mean over all state rows of (|row| - 1)².
	NormWeight float64
	// UnitaryWeight scales, summed over layers, the mean over the batch and
	// all entries of (SᵀS - I)².
	UnitaryWeight float64
}

func (r Regularization) enabled() bool {
	return r.NormWeight != 0 || r.UnitaryWeight != 0
}

// RegularizationLoss evaluates r on the states recorded in tr.  Backward adds
// the gradient of this value when Upstream.Regularization is set.
func (tr *Trace) RegularizationLoss(r Regularization) float64 {
	if tr == nil || len(tr.states) < 2 || !r.enabled() {
		return 0
	}
	var normSum, unitary float64
	rows := 0
	for _, layer := range tr.states[1:] {
		for _, s := range layer {
			h, a := s.Dims()
			rows += h
			for i := range h {
				d := tensor.L2Norm(s.RawRowView(i)) - 1
				normSum += d * d
			}
			gram := gramMinusIdentity(s)
			f := mat.Norm(gram, 2)
			unitary += f * f / float64(a*a*len(layer))
		}
	}
	return r.NormWeight*normSum/float64(rows) + r.UnitaryWeight*unitary
}

// addGradient accumulates the gradient of the penalty on one state s into
// ds.  rows is the number of rows penalised across the trace and batch the
// number of states per layer.
func (r Regularization) addGradient(ds, s *mat.Dense, rows, batch int) {
	h, a := s.Dims()
	if r.NormWeight != 0 {
		k := 2 * r.NormWeight / float64(rows)
		for i := range h {
			x := s.RawRowView(i)
			n := tensor.L2Norm(x)
			if n == 0 {
				continue
			}
			floats.AddScaled(ds.RawRowView(i), k*(n-1)/n, x)
		}
	}
	if r.UnitaryWeight != 0 {
		// d|SᵀS - I|² / dS = 4 S (SᵀS - I)
		var g mat.Dense
		g.Mul(s, gramMinusIdentity(s))
		k := 4 * r.UnitaryWeight / float64(a*a*batch)
		floats.AddScaled(ds.RawMatrix().Data, k, g.RawMatrix().Data)
	}
}

func gramMinusIdentity(s *mat.Dense) *mat.Dense {
	_, a := s.Dims()
	var g mat.Dense
	g.Mul(s.T(), s)
	for j := range a {
		g.Set(j, j, g.At(j, j)-1)
	}
	return &g
}
