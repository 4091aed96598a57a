package rgma

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestNormalizeState(t *testing.T) {
	t.Parallel()
	src := []float64{
		3, 4, 0,
		1, 2, 2,
	}
	const eps = 1e-9

	t.Run("rows", func(t *testing.T) {
		t.Parallel()
		s := mat.NewDense(2, 3, append([]float64(nil), src...))
		normalizeState(NormRows, eps, s)
		for i := range 2 {
			if n := floats.Norm(s.RawRowView(i), 2); math.Abs(n-1) > 1e-8 {
				t.Fatalf("row %d norm %v", i, n)
			}
		}
	})

	t.Run("cols", func(t *testing.T) {
		t.Parallel()
		s := mat.NewDense(2, 3, append([]float64(nil), src...))
		normalizeState(NormCols, eps, s)
		col := make([]float64, 2)
		for j := range 3 {
			mat.Col(col, j, s)
			if n := floats.Norm(col, 2); math.Abs(n-1) > 1e-8 {
				t.Fatalf("col %d norm %v", j, n)
			}
		}
	})

	t.Run("frobenius", func(t *testing.T) {
		t.Parallel()
		s := mat.NewDense(2, 3, append([]float64(nil), src...))
		normalizeState(NormFrobenius, eps, s)
		if n := mat.Norm(s, 2); math.Abs(n-math.Sqrt(3)) > 1e-8 {
			t.Fatalf("frobenius norm %v, want sqrt(3)", n)
		}
	})

	t.Run("none", func(t *testing.T) {
		t.Parallel()
		s := mat.NewDense(2, 3, append([]float64(nil), src...))
		normalizeState(NormNone, eps, s)
		if !sliceClose(s.RawMatrix().Data, src, 0) {
			t.Fatal("none modified the state")
		}
	})
}

func TestNormalizeStateZeroRow(t *testing.T) {
	t.Parallel()
	s := mat.NewDense(2, 2, []float64{0, 0, 1, 1})
	normalizeState(NormRows, DefaultNormEps, s)
	if s.At(0, 0) != 0 || s.At(0, 1) != 0 {
		t.Fatalf("zero row should stay zero, got %v", s.RawRowView(0))
	}
}

func TestDetScale(t *testing.T) {
	t.Parallel()
	s := mat.NewDense(2, 2, []float64{2, 0, 0, 2})
	k := normalizeState(NormDet, 1e-12, s).scale
	if math.Abs(k-0.5) > 1e-9 {
		t.Fatalf("det factor %v, want 0.5", k)
	}
	if math.Abs(mat.Det(s)-1) > 1e-9 {
		t.Fatalf("normalized det %v, want 1", mat.Det(s))
	}

	singular := mat.NewDense(2, 2, []float64{1, 2, 2, 4})
	if k := normalizeState(NormDet, 1e-6, singular).scale; k != 1 {
		t.Fatalf("singular state should be left unscaled, got factor %v", k)
	}
	if singular.At(1, 1) != 4 {
		t.Fatalf("singular state modified: %v", mat.Formatted(singular))
	}
}

func TestOrthogonalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		r, c int
		data []float64
	}{
		{"square", 3, 3, []float64{2, -1, 0, 1, 3, 1, 0, 1, -4}},
		{"negative diagonal", 2, 2, []float64{-3, 1, 0, -2}},
		{"tall", 4, 2, []float64{1, 2, -1, 0, 3, 1, 0.5, -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pre := mat.NewDense(tt.r, tt.c, append([]float64(nil), tt.data...))
			s := mat.DenseCopyOf(pre)
			f := normalizeState(NormOrtho, DefaultNormEps, s)
			if f.m == nil {
				t.Fatal("full-rank state reported singular")
			}

			var gram mat.Dense
			gram.Mul(s.T(), s)
			if !denseClose(&gram, identity(tt.c), 1e-12) {
				t.Fatalf("QᵀQ != I:\n%v", mat.Formatted(&gram))
			}
			// R = Qᵀ pre must be upper triangular with a positive diagonal.
			var r mat.Dense
			r.Mul(s.T(), pre)
			for i := range tt.c {
				if r.At(i, i) <= 0 {
					t.Fatalf("R[%d][%d] = %v, want > 0", i, i, r.At(i, i))
				}
				for j := range i {
					if math.Abs(r.At(i, j)) > 1e-12 {
						t.Fatalf("R[%d][%d] = %v, want 0", i, j, r.At(i, j))
					}
				}
			}
			var back mat.Dense
			back.Mul(pre, f.m)
			if !denseClose(&back, s, 1e-10) {
				t.Fatalf("pre·M != Q:\n%v\n%v", mat.Formatted(&back), mat.Formatted(s))
			}
		})
	}
}

func TestOrthogonalizeSingular(t *testing.T) {
	t.Parallel()
	s := mat.NewDense(2, 2, []float64{1, 2, 2, 4})
	f := normalizeState(NormOrtho, DefaultNormEps, s)
	if f.m != nil {
		t.Fatal("singular state should not carry a gradient factor")
	}
	var gram mat.Dense
	gram.Mul(s.T(), s)
	if !denseClose(&gram, identity(2), 1e-12) {
		t.Fatalf("singular state not orthogonalized:\n%v", mat.Formatted(&gram))
	}

	dy := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	normBackward(NormOrtho, DefaultNormEps, f, s, dy, dy)
	if mat.Norm(dy, 2) != 0 {
		t.Fatalf("gradient passed a singular ortho step: %v", mat.Formatted(dy))
	}
}

func TestNormBackwardOrthoUsesFactor(t *testing.T) {
	t.Parallel()
	pre := mat.NewDense(2, 2, []float64{2, 1, -1, 3})
	s := mat.DenseCopyOf(pre)
	f := normalizeState(NormOrtho, DefaultNormEps, s)

	dy := mat.NewDense(2, 2, []float64{0.5, -1, 2, 0.25})
	var want mat.Dense
	want.Mul(dy, f.m.T())
	normBackward(NormOrtho, DefaultNormEps, f, pre, dy, dy)
	if !denseClose(dy, &want, 1e-12) {
		t.Fatalf("got %v want %v", mat.Formatted(dy), mat.Formatted(&want))
	}
}
