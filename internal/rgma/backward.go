package rgma

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/bergman/internal/tensor"
)

// Upstream carries the loss gradient with respect to the encoder outputs.
// Either field may be left empty when the loss does not depend on it.
type Upstream struct {
	Pooled *mat.Dense     // [batch x output]
	Tokens tensor.Tensor3 // (batch, seq, output)

	// Regularization adds Trace.RegularizationLoss to the loss.
	Regularization Regularization
}

// Gradients holds dLoss/dParam for every parameter plus dLoss/dHidden for
// every input layer, which an external backbone can continue to
// back-propagate.
type Gradients struct {
	Params *Parameters
	Layers []tensor.Tensor3
}

// Backward back-propagates up through the trajectory recorded in tr.  It
// fails with ErrStaleTrace if the parameters changed since tr was recorded.
func (e *Encoder) Backward(tr *Trace, up Upstream) (*Gradients, error) {
	if e == nil {
		return nil, errNotInitialised()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if tr == nil || tr.buf == nil {
		return nil, configErrorf("trace", "nil trace")
	}
	if tr.version != e.version {
		return nil, ErrStaleTrace
	}
	buf := tr.buf
	batch, seq, layers := buf.Batch(), buf.SeqLen(), buf.NumLayers()
	h, a, o := e.cfg.HiddenDim, e.cfg.AggDim, e.cfg.OutputDim
	if up.Pooled != nil {
		if r, c := up.Pooled.Dims(); r != batch || c != o {
			return nil, &ShapeError{What: "pooled gradient", Layer: -1, Want: []int{batch, o}, Got: []int{r, c}}
		}
	}
	hasTokens := up.Tokens.Data != nil
	if got := up.Tokens.Shape(); hasTokens && got != [3]int{batch, seq, o} {
		return nil, &ShapeError{What: "token gradient", Layer: -1, Want: []int{batch, seq, o}, Got: got[:]}
	}

	g := &Gradients{
		Params: zeroParameters(e.cfg),
		Layers: make([]tensor.Tensor3, layers),
	}
	for l := range g.Layers {
		g.Layers[l] = tensor.New3(batch, seq, h)
	}

	dState := make([]*mat.Dense, batch)
	final := tr.states[layers]
	for b := range batch {
		dState[b] = mat.NewDense(h, a, nil)
		e.projectBackward(g, dState[b], final[b], buf.layers[layers-1], &g.Layers[layers-1], buf.mask, b, up, hasTokens)
	}

	p := &e.params.Cell
	reg := up.Regularization
	for l := layers - 1; l >= 0; l-- {
		for b := range batch {
			it := &tr.items[l][b]
			prev := tr.states[l][b]
			dHat := dState[b]
			if reg.enabled() {
				reg.addGradient(dHat, tr.states[l+1][b], layers*batch*h, batch)
			}
			if e.cfg.StateNorm != NormNone {
				normBackward(e.cfg.StateNorm, e.cfg.NormEps, tr.factor[l][b], tr.pre[l][b], dHat, dHat)
			}
			dState[b] = e.stepBackward(g, p, it, prev, dHat, buf.layers[l], &g.Layers[l], buf.mask, b)
		}
	}

	if e.cfg.InitialState == InitialLearned {
		for b := range batch {
			g.Params.InitialState.Add(g.Params.InitialState, dState[b])
		}
	}
	return g, nil
}

func (e *Encoder) projectBackward(g *Gradients, dS, s *mat.Dense, top tensor.Tensor3, dTop *tensor.Tensor3, mask Mask, b int, up Upstream, hasTokens bool) {
	h, a := e.cfg.HiddenDim, e.cfg.AggDim
	p := &e.params.Output
	gp := &g.Params.Output

	dRead := mat.NewVecDense(a, nil)
	read := mat.NewVecDense(a, nil)
	if up.Pooled != nil {
		dy := mat.NewVecDense(e.cfg.OutputDim, up.Pooled.RawRowView(b))
		key := mat.NewVecDense(h, p.PoolKey)
		read.MulVec(s.T(), key)
		dRead.MulVec(p.ProjWeight.T(), dy)
		gp.ProjWeight.RankOne(gp.ProjWeight, 1, dy, read)
		floats.Add(gp.Bias, dy.RawVector().Data)
		dS.RankOne(dS, 1, key, dRead)
		var dKey mat.VecDense
		dKey.MulVec(s, dRead)
		floats.Add(gp.PoolKey, dKey.RawVector().Data)
	}
	if !hasTokens {
		return
	}
	var dx, dSkip mat.VecDense
	for t := range top.T {
		if !mask.Valid(b, t) {
			continue
		}
		dy := mat.NewVecDense(e.cfg.OutputDim, up.Tokens.Vec(b, t))
		x := mat.NewVecDense(h, top.Vec(b, t))
		read.MulVec(s.T(), x)
		dRead.MulVec(p.ProjWeight.T(), dy)
		gp.ProjWeight.RankOne(gp.ProjWeight, 1, dy, read)
		gp.SkipWeight.RankOne(gp.SkipWeight, 1, dy, x)
		floats.Add(gp.Bias, dy.RawVector().Data)
		dS.RankOne(dS, 1, x, dRead)

		dx.MulVec(s, dRead)
		dSkip.MulVec(p.SkipWeight.T(), dy)
		dst := dTop.Vec(b, t)
		floats.Add(dst, dx.RawVector().Data)
		floats.Add(dst, dSkip.RawVector().Data)
	}
}

// stepBackward accumulates parameter and input gradients of one batch
// element's step and returns the gradient of the previous state.
func (e *Encoder) stepBackward(g *Gradients, p *CellParameters, it *itemTrace, prev, dHat *mat.Dense, layer tensor.Tensor3, dLayer *tensor.Tensor3, mask Mask, b int) *mat.Dense {
	h, a := e.cfg.HiddenDim, e.cfg.AggDim
	gc := &g.Params.Cell

	dPrev := mat.NewDense(h, a, nil)
	dGate := make([]float64, h)
	dProj := make([]float64, a)
	dSummary := make([]float64, h)
	for i := range h {
		z := it.gate[i]
		si := it.summary[i]
		dh := dHat.RawRowView(i)
		pr := prev.RawRowView(i)
		var dz, ds float64
		for j := range a {
			c := si * it.proj[j]
			dz += dh[j] * (pr[j] - c)
			dc := dh[j] * (1 - z)
			ds += dc * it.proj[j]
			dProj[j] += dc * si
		}
		dGate[i] = dz * z * (1 - z)
		dSummary[i] = ds
	}

	// Gate: g = W_g s + S_prev v_g + b_g.
	for i := range h {
		dp := dPrev.RawRowView(i)
		pr := prev.RawRowView(i)
		dh := dHat.RawRowView(i)
		z := it.gate[i]
		for j := range a {
			dp[j] = dh[j]*z + dGate[i]*p.GateState[j]
			gc.GateState[j] += dGate[i] * pr[j]
		}
	}
	s := mat.NewVecDense(h, it.summary)
	dg := mat.NewVecDense(h, dGate)
	gc.GateWeight.RankOne(gc.GateWeight, 1, dg, s)
	floats.Add(gc.GateBias, dGate)
	var back mat.VecDense
	back.MulVec(p.GateWeight.T(), dg)
	floats.Add(dSummary, back.RawVector().Data)

	// Candidate: p = W_in s + b_in.
	dpv := mat.NewVecDense(a, dProj)
	gc.InputWeight.RankOne(gc.InputWeight, 1, dpv, s)
	floats.Add(gc.InputBias, dProj)
	back.MulVec(p.InputWeight.T(), dpv)
	floats.Add(dSummary, back.RawVector().Data)

	if it.keep != nil {
		floats.Mul(dSummary, it.keep)
	}
	if !it.empty {
		e.summaryBackward(gc, p, it, dSummary, layer, dLayer, mask, b)
	}
	return dPrev
}

func (e *Encoder) summaryBackward(gc, p *CellParameters, it *itemTrace, ds []float64, layer tensor.Tensor3, dLayer *tensor.Tensor3, mask Mask, b int) {
	if it.alpha == nil {
		inv := 1 / float64(mask.Count(b))
		for t := range layer.T {
			if mask.Valid(b, t) {
				tensor.AddScaled(dLayer.Vec(b, t), inv, ds)
			}
		}
		return
	}

	scale := 1 / math.Sqrt(float64(e.cfg.HiddenDim))
	dAlpha := make([]float64, layer.T)
	var mean float64
	for t := range layer.T {
		if mask.Valid(b, t) {
			dAlpha[t] = tensor.Dot(ds, layer.Vec(b, t))
			mean += it.alpha[t] * dAlpha[t]
		}
	}
	for t := range layer.T {
		if !mask.Valid(b, t) {
			continue
		}
		x := layer.Vec(b, t)
		de := it.alpha[t] * (dAlpha[t] - mean) * scale
		tensor.AddScaled(gc.Query, de, x)
		dx := dLayer.Vec(b, t)
		tensor.AddScaled(dx, it.alpha[t], ds)
		tensor.AddScaled(dx, de, p.Query)
	}
}
