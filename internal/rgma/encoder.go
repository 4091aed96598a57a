package rgma

import (
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/bergman/internal/tensor"
)

// Encoder drives the MatrixAggregationCell over all layers of a
// HiddenStateBuffer and projects the final aggregation state to pooled and
// per-token outputs.
//
// Forward and backward passes may run concurrently; ApplyGradients waits for
// them and blocks new ones while it updates the parameters.
type Encoder struct {
	mu      sync.RWMutex
	cfg     Config
	params  *Parameters
	version uint64
}

// EncoderOutput is owned by the caller once returned.
type EncoderOutput struct {
	// Pooled is the [batch x output] sequence representation.
	Pooled *mat.Dense
	// Tokens is the (batch, seq, output) per-token representation.  Padded
	// positions are zero.
	Tokens tensor.Tensor3
	// States holds the final [hidden x agg] aggregation state per batch
	// element.
	States []*mat.Dense
	// Warnings lists every (batch, layer) where the empty-sequence policy was
	// applied.
	Warnings []*EmptySequenceWarning
}

// ForwardOptions control a recorded forward pass.
type ForwardOptions struct {
	// Train enables dropout.  Rand must then be non-nil when the configured
	// dropout is positive.
	Train bool
	Rand  *rand.Rand
}

// NewEncoder validates cfg and initialises fresh parameters from cfg.Seed.
func NewEncoder(cfg Config) (*Encoder, error) {
	cfg = cfg.WithDefaults()
	params, err := NewParameters(cfg)
	if err != nil {
		return nil, err
	}
	return &Encoder{cfg: cfg, params: params}, nil
}

// NewEncoderWithParameters wraps an existing parameter set, e.g. one loaded
// from a checkpoint.  The encoder takes ownership of params.
func NewEncoderWithParameters(cfg Config, params *Parameters) (*Encoder, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := params.checkShapes(cfg); err != nil {
		return nil, err
	}
	return &Encoder{cfg: cfg, params: params}, nil
}

// Config returns the validated configuration.
func (e *Encoder) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.cfg
}

// Parameters returns a snapshot of the current parameters.
func (e *Encoder) Parameters() (*Parameters, error) {
	if e == nil {
		return nil, errNotInitialised()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.params.Clone(), nil
}

// Version increments on every ApplyGradients.
func (e *Encoder) Version() uint64 {
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// ready reports whether e was built by a constructor.  Callers check for a
// nil receiver before taking the lock.
func (e *Encoder) ready() error {
	if e.params == nil || e.cfg.AggDim <= 0 || e.cfg.OutputDim <= 0 || e.cfg.HiddenDim <= 0 {
		return errNotInitialised()
	}
	return nil
}

func errNotInitialised() error {
	return configErrorf("encoder", "not initialised; construct with NewEncoder")
}

// Encode runs an evaluation forward pass.  Dropout is disabled and the
// result is a deterministic function of buf and the parameters.
func (e *Encoder) Encode(buf *HiddenStateBuffer) (*EncoderOutput, error) {
	if e == nil {
		return nil, errNotInitialised()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out, _, err := e.forward(buf, ForwardOptions{}, false)
	return out, err
}

// Forward runs a forward pass and records the trajectory needed by
// Backward.
func (e *Encoder) Forward(buf *HiddenStateBuffer, opts ForwardOptions) (*EncoderOutput, *Trace, error) {
	if e == nil {
		return nil, nil, errNotInitialised()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.forward(buf, opts, true)
}

// Trace is the recorded trajectory of one forward pass.
type Trace struct {
	version uint64
	buf     *HiddenStateBuffer

	// states[l] is the state entering layer l; states[L] is final.
	states [][]*mat.Dense
	// pre[l] is the state produced by layer l before normalization.
	pre    [][]*mat.Dense
	factor [][]normFactor
	items  [][]itemTrace
}

func (e *Encoder) forward(buf *HiddenStateBuffer, opts ForwardOptions, record bool) (*EncoderOutput, *Trace, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if buf == nil || len(buf.layers) == 0 {
		return nil, nil, ErrNoLayers
	}
	if buf.HiddenDim() != e.cfg.HiddenDim {
		return nil, nil, &ShapeError{
			What:  "hidden states",
			Layer: -1,
			Want:  []int{buf.Batch(), buf.SeqLen(), e.cfg.HiddenDim},
			Got:   []int{buf.Batch(), buf.SeqLen(), buf.HiddenDim()},
		}
	}

	var drop *dropout
	if opts.Train && e.cfg.Dropout > 0 {
		if opts.Rand == nil {
			return nil, nil, configErrorf("forward", "training with dropout requires a random source")
		}
		drop = &dropout{rate: e.cfg.Dropout, rng: opts.Rand}
	}

	cell := &Cell{
		mode:   e.cfg.AggregationMode,
		hidden: e.cfg.HiddenDim,
		agg:    e.cfg.AggDim,
		params: &e.params.Cell,
	}
	batch, layers := buf.Batch(), buf.NumLayers()
	mask := buf.mask

	state := e.initialState(batch)
	var tr *Trace
	if record {
		tr = &Trace{
			version: e.version,
			buf:     buf,
			states:  make([][]*mat.Dense, 0, layers+1),
			pre:     make([][]*mat.Dense, 0, layers),
			factor:  make([][]normFactor, 0, layers),
			items:   make([][]itemTrace, 0, layers),
		}
		tr.states = append(tr.states, state)
	}

	out := &EncoderOutput{}
	for l := range layers {
		layer := buf.layers[l]
		next := make([]*mat.Dense, batch)
		var (
			pre    []*mat.Dense
			factor []normFactor
			items  []itemTrace
		)
		if record {
			pre = make([]*mat.Dense, batch)
			factor = make([]normFactor, batch)
			items = make([]itemTrace, batch)
		}
		for b := range batch {
			it := cell.stepItem(state[b], layer, mask, b, drop)
			if it.empty {
				out.Warnings = append(out.Warnings, &EmptySequenceWarning{Batch: b, Layer: l})
			}
			s := it.next
			if record && e.cfg.StateNorm != NormNone {
				pre[b] = mat.DenseCopyOf(s)
			}
			f := normalizeState(e.cfg.StateNorm, e.cfg.NormEps, s)
			next[b] = s
			if record {
				factor[b] = f
				it.next = nil
				items[b] = it
			}
		}
		state = next
		if record {
			tr.states = append(tr.states, state)
			tr.pre = append(tr.pre, pre)
			tr.factor = append(tr.factor, factor)
			tr.items = append(tr.items, items)
		}
	}

	e.project(out, state, buf.layers[layers-1], mask)
	if record {
		// tr.states[layers] must survive caller edits to out.States.
		out.States = make([]*mat.Dense, batch)
		for b, s := range state {
			out.States[b] = mat.DenseCopyOf(s)
		}
	}
	return out, tr, nil
}

func (e *Encoder) initialState(batch int) []*mat.Dense {
	state := make([]*mat.Dense, batch)
	for b := range state {
		if e.cfg.InitialState == InitialLearned {
			state[b] = mat.DenseCopyOf(e.params.InitialState)
		} else {
			state[b] = mat.NewDense(e.cfg.HiddenDim, e.cfg.AggDim, nil)
		}
	}
	return state
}

// project computes pooled = W_o (Sᵀ k) + b_o and, for every real position t
// of the top layer, token = W_o (Sᵀ x_t) + W_x x_t + b_o.
func (e *Encoder) project(out *EncoderOutput, state []*mat.Dense, top tensor.Tensor3, mask Mask) {
	h, a, o := e.cfg.HiddenDim, e.cfg.AggDim, e.cfg.OutputDim
	p := &e.params.Output
	batch := len(state)

	out.States = state
	out.Pooled = mat.NewDense(batch, o, nil)
	out.Tokens = tensor.New3(batch, top.T, o)

	read := mat.NewVecDense(a, nil)
	dst := mat.NewVecDense(o, nil)
	skip := mat.NewVecDense(o, nil)
	for b := range batch {
		s := state[b]
		read.MulVec(s.T(), mat.NewVecDense(h, p.PoolKey))
		dst.MulVec(p.ProjWeight, read)
		row := out.Pooled.RawRowView(b)
		copy(row, dst.RawVector().Data)
		floats.Add(row, p.Bias)

		for t := range top.T {
			if !mask.Valid(b, t) {
				continue
			}
			x := mat.NewVecDense(h, top.Vec(b, t))
			read.MulVec(s.T(), x)
			dst.MulVec(p.ProjWeight, read)
			skip.MulVec(p.SkipWeight, x)
			tok := out.Tokens.Vec(b, t)
			copy(tok, dst.RawVector().Data)
			floats.Add(tok, skip.RawVector().Data)
			floats.Add(tok, p.Bias)
		}
	}
}
