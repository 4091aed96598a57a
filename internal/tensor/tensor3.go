package tensor

import (
	"math/rand"
)

// Tensor3 represents a dense row‑major (batch, sequence, dim) tensor of
// float64 values.
//
// B, T and D are the batch, sequence and feature dimensions.  Data holds the
// flattened values with the feature axis varying fastest, so the vector for
// position (b, t) starts at (b*T+t)*D.
//
// Tensor3 performs no bounds checking beyond Go's slice checks; out‑of‑range
// indices will panic.
type Tensor3 struct {
	B, T, D int
	Data    []float64
}

// New3 allocates a zero initialised tensor with the given dimensions.
func New3(b, t, d int) Tensor3 {
	if b < 0 || t < 0 || d < 0 {
		panic("negative dimension for tensor")
	}
	return Tensor3{
		B:    b,
		T:    t,
		D:    d,
		Data: make([]float64, b*t*d),
	}
}

// New3FromData wraps existing data without copying.
// It checks that the data length matches b*t*d.
func New3FromData(b, t, d int, data []float64) (Tensor3, error) {
	if b < 0 || t < 0 || d < 0 {
		return Tensor3{}, errNegativeDim
	}
	want := b * t * d
	if d != 0 && t != 0 && want/(t*d) != b {
		return Tensor3{}, errTensorTooLarge
	}
	if len(data) != want {
		return Tensor3{}, errDataSizeMismatch
	}
	return Tensor3{B: b, T: t, D: d, Data: data}, nil
}

// FromNested builds a tensor from a [batch][seq][dim] nested slice.  All
// inner slices must agree in length.
func FromNested(v [][][]float64) (Tensor3, error) {
	b := len(v)
	if b == 0 {
		return Tensor3{}, nil
	}
	t := len(v[0])
	d := 0
	if t > 0 {
		d = len(v[0][0])
	}
	out := New3(b, t, d)
	for i := range v {
		if len(v[i]) != t {
			return Tensor3{}, errRaggedInput
		}
		for j := range v[i] {
			if len(v[i][j]) != d {
				return Tensor3{}, errRaggedInput
			}
			copy(out.Vec(i, j), v[i][j])
		}
	}
	return out, nil
}

// Shape returns (B, T, D).
func (x Tensor3) Shape() [3]int {
	return [3]int{x.B, x.T, x.D}
}

// Vec returns a view of the feature vector at (b, t).  Modifications to the
// returned slice update the tensor.
func (x *Tensor3) Vec(b, t int) []float64 {
	if b < 0 || b >= x.B || t < 0 || t >= x.T {
		panic("tensor index out of range")
	}
	start := (b*x.T + t) * x.D
	return x.Data[start : start+x.D]
}

// Clone returns a deep copy.
func (x Tensor3) Clone() Tensor3 {
	data := make([]float64, len(x.Data))
	copy(data, x.Data)
	return Tensor3{B: x.B, T: x.T, D: x.D, Data: data}
}

// Nested converts the tensor back to a [batch][seq][dim] slice.
func (x Tensor3) Nested() [][][]float64 {
	out := make([][][]float64, x.B)
	for b := range x.B {
		out[b] = make([][]float64, x.T)
		for t := range x.T {
			row := make([]float64, x.D)
			copy(row, x.Vec(b, t))
			out[b][t] = row
		}
	}
	return out
}

// FillNormal fills x with samples from N(0, std²) drawn from rng.
func FillNormal(x []float64, std float64, rng *rand.Rand) {
	for i := range x {
		x[i] = rng.NormFloat64() * std
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for tensor")
	errTensorTooLarge   = fmtError("tensor too large")
	errDataSizeMismatch = fmtError("data length mismatch")
	errRaggedInput      = fmtError("ragged nested input")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
