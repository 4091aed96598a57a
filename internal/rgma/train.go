package rgma

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Norm returns the global L2 norm over all parameter gradients.
func (g *Gradients) Norm() float64 {
	var sum float64
	for _, t := range g.Params.Tensors() {
		n := floats.Norm(t.Data, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// ApplyGradients performs one SGD update, p -= lr * g.  When maxNorm is
// positive, gradients are rescaled so their global norm does not exceed it.
// The update waits for in-flight forward and backward passes and invalidates
// every outstanding Trace.
func (e *Encoder) ApplyGradients(g *Gradients, lr, maxNorm float64) error {
	if g == nil || g.Params == nil {
		return configErrorf("gradients", "nil gradients")
	}
	if !(lr > 0) || math.IsInf(lr, 0) {
		return configErrorf("learning_rate", "must be positive and finite, got %v", lr)
	}

	if e == nil {
		return errNotInitialised()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	if err := g.Params.checkShapes(e.cfg); err != nil {
		return err
	}

	step := lr
	if maxNorm > 0 {
		if n := g.Norm(); n > maxNorm {
			step *= maxNorm / n
		}
	}
	params := e.params.Tensors()
	grads := g.Params.Tensors()
	for i := range params {
		floats.AddScaled(params[i].Data, -step, grads[i].Data)
	}
	e.version++
	return nil
}
