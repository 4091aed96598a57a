package rgma

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// normFactor is the part of a normalization that backward treats as a
// constant: y = scale*x for det and y = x*m for ortho.  A nil m stops the
// gradient through an ortho step whose R factor was singular.
type normFactor struct {
	scale float64
	m     *mat.Dense
}

// normalizeState applies the configured state normalization in place.
func normalizeState(kind StateNorm, eps float64, s *mat.Dense) normFactor {
	r, c := s.Dims()
	switch kind {
	case NormRows:
		for i := range r {
			row := s.RawRowView(i)
			floats.Scale(1/(floats.Norm(row, 2)+eps), row)
		}
	case NormCols:
		col := make([]float64, r)
		for j := range c {
			mat.Col(col, j, s)
			floats.Scale(1/(floats.Norm(col, 2)+eps), col)
			s.SetCol(j, col)
		}
	case NormFrobenius:
		n := mat.Norm(s, 2)
		s.Scale(math.Sqrt(float64(c))/(n+eps), s)
	case NormDet:
		k := detScale(s, eps)
		s.Scale(k, s)
		return normFactor{scale: k}
	case NormOrtho:
		return normFactor{scale: 1, m: orthogonalize(s, eps)}
	}
	return normFactor{scale: 1}
}

// detScale returns 1/(|det s|^(1/n) + eps).  Singular states, whose
// determinant root is not above eps, are left unscaled.
func detScale(s *mat.Dense, eps float64) float64 {
	_, n := s.Dims()
	d := math.Abs(mat.Det(s))
	root := math.Pow(d, 1/float64(n))
	if !(root > eps) || math.IsInf(root, 0) {
		return 1
	}
	return 1 / (root + eps)
}

// orthogonalize overwrites the tall matrix s = QR with Q·D, where
// D = diag(sign(diag R)) and zero signs count as positive.  It returns
// M = R⁻¹D so that the result equals s·M, or nil when some |R_jj| <= eps.
func orthogonalize(s *mat.Dense, eps float64) *mat.Dense {
	r, c := s.Dims()
	var qr mat.QR
	qr.Factorize(s)
	var q, rf mat.Dense
	qr.QTo(&q)
	qr.RTo(&rf)

	sign := make([]float64, c)
	singular := false
	for j := range c {
		d := rf.At(j, j)
		sign[j] = 1
		if d < 0 {
			sign[j] = -1
		}
		if !(math.Abs(d) > eps) {
			singular = true
		}
	}
	for i := range r {
		row := s.RawRowView(i)
		for j := range c {
			row[j] = q.At(i, j) * sign[j]
		}
	}
	if singular {
		return nil
	}

	var m mat.Dense
	if err := m.Inverse(rf.Slice(0, c, 0, c)); err != nil {
		return nil
	}
	for i := range c {
		floats.Mul(m.RawRowView(i), sign)
	}
	return &m
}

// normBackward maps the gradient of a normalized state back to the gradient
// of its input pre.  dst and dy may alias.
func normBackward(kind StateNorm, eps float64, f normFactor, pre, dy, dst *mat.Dense) {
	r, c := pre.Dims()
	switch kind {
	case NormRows:
		for i := range r {
			vecNormBackward(dst.RawRowView(i), pre.RawRowView(i), dy.RawRowView(i), eps, 1)
		}
	case NormCols:
		x := make([]float64, r)
		g := make([]float64, r)
		out := make([]float64, r)
		for j := range c {
			mat.Col(x, j, pre)
			mat.Col(g, j, dy)
			vecNormBackward(out, x, g, eps, 1)
			dst.SetCol(j, out)
		}
	case NormFrobenius:
		vecNormBackward(dst.RawMatrix().Data, pre.RawMatrix().Data, dy.RawMatrix().Data, eps, math.Sqrt(float64(c)))
	case NormDet:
		dst.Scale(f.scale, dy)
	case NormOrtho:
		if f.m == nil {
			dst.Zero()
			return
		}
		var tmp mat.Dense
		tmp.Mul(dy, f.m.T())
		dst.Copy(&tmp)
	default:
		if dst != dy {
			dst.Copy(dy)
		}
	}
}

// vecNormBackward is the gradient of y = scale * x / (|x| + eps).  dst may
// alias dy.
func vecNormBackward(dst, x, dy []float64, eps, scale float64) {
	n := floats.Norm(x, 2)
	inv := 1 / (n + eps)
	if n == 0 {
		for i := range dst {
			dst[i] = scale * dy[i] * inv
		}
		return
	}
	proj := floats.Dot(x, dy) / (n * (n + eps) * (n + eps))
	for i := range dst {
		dst[i] = scale * (dy[i]*inv - x[i]*proj)
	}
}
