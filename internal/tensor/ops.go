package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Dot computes the dot product of a and b.
func Dot(a, b []float64) float64 {
	return floats.Dot(a, b)
}

// AddScaled adds alpha*src to dst element-wise.
func AddScaled(dst []float64, alpha float64, src []float64) {
	floats.AddScaled(dst, alpha, src)
}

// Sigmoid computes the logistic sigmoid activation.  Large negative inputs
// are evaluated through exp(x) to avoid overflow in exp(-x).
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1.0 + e)
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	maxv := floats.Max(x)
	var sum float64
	for i := range x {
		v := math.Exp(x[i] - maxv)
		x[i] = v
		sum += v
	}
	if sum == 0 {
		return
	}
	floats.Scale(1.0/sum, x)
}

// L2Norm returns the euclidean norm of x.
func L2Norm(x []float64) float64 {
	return floats.Norm(x, 2)
}

// AllFinite reports whether x contains no NaN or Inf values.
func AllFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Zero clears x.
func Zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}
