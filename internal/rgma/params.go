package rgma

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/bergman/internal/tensor"
)

// CellParameters are the learned weights of the MatrixAggregationCell.  A
// single set is reused for every layer step.
type CellParameters struct {
	InputWeight *mat.Dense // [agg x hidden]
	InputBias   []float64  // [agg]
	GateWeight  *mat.Dense // [hidden x hidden]
	GateState   []float64  // [agg] reads the previous state into the gate
	GateBias    []float64  // [hidden]
	Query       []float64  // [hidden] attention-mode summary query
}

// OutputParameters project the final aggregation state to output width.
type OutputParameters struct {
	ProjWeight *mat.Dense // [output x agg]
	SkipWeight *mat.Dense // [output x hidden]
	Bias       []float64  // [output]
	PoolKey    []float64  // [hidden]
}

// Parameters is the complete learned parameter set of an Encoder.
type Parameters struct {
	Cell         CellParameters
	Output       OutputParameters
	InitialState *mat.Dense // [hidden x agg], used when InitialState is "learned"
}

// NamedTensor is a flat view over one parameter.  Data aliases the
// parameter storage.
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Parameter names as stored in checkpoints.
const (
	nameInputWeight  = "cell.input_proj.weight"
	nameInputBias    = "cell.input_proj.bias"
	nameGateWeight   = "cell.gate.weight"
	nameGateState    = "cell.gate.state"
	nameGateBias     = "cell.gate.bias"
	nameQuery        = "cell.query"
	nameInitialState = "encoder.initial_state"
	nameProjWeight   = "output.proj.weight"
	nameSkipWeight   = "output.skip.weight"
	nameOutputBias   = "output.bias"
	namePoolKey      = "output.pool_key"
)

// zeroParameters allocates a parameter set of the right shapes filled with
// zeros.  It is also the layout of a gradient.
func zeroParameters(cfg Config) *Parameters {
	h, a, o := cfg.HiddenDim, cfg.AggDim, cfg.OutputDim
	return &Parameters{
		Cell: CellParameters{
			InputWeight: mat.NewDense(a, h, nil),
			InputBias:   make([]float64, a),
			GateWeight:  mat.NewDense(h, h, nil),
			GateState:   make([]float64, a),
			GateBias:    make([]float64, h),
			Query:       make([]float64, h),
		},
		Output: OutputParameters{
			ProjWeight: mat.NewDense(o, a, nil),
			SkipWeight: mat.NewDense(o, h, nil),
			Bias:       make([]float64, o),
			PoolKey:    make([]float64, h),
		},
		InitialState: mat.NewDense(h, a, nil),
	}
}

// NewParameters initialises a parameter set deterministically from
// cfg.Seed.  Weights are drawn from N(0, initializer_range²); biases and the
// learned initial state start at zero and the pooling key is uniform.
func NewParameters(cfg Config) (*Parameters, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := zeroParameters(cfg)
	rng := rand.New(rand.NewSource(cfg.Seed))
	std := cfg.InitializerRange
	tensor.FillNormal(p.Cell.InputWeight.RawMatrix().Data, std, rng)
	tensor.FillNormal(p.Cell.GateWeight.RawMatrix().Data, std, rng)
	tensor.FillNormal(p.Cell.GateState, std, rng)
	tensor.FillNormal(p.Cell.Query, std, rng)
	tensor.FillNormal(p.Output.ProjWeight.RawMatrix().Data, std, rng)
	tensor.FillNormal(p.Output.SkipWeight.RawMatrix().Data, std, rng)
	k := 1 / math.Sqrt(float64(cfg.HiddenDim))
	for i := range p.Output.PoolKey {
		p.Output.PoolKey[i] = k
	}
	return p, nil
}

// Tensors lists every parameter in checkpoint order.
func (p *Parameters) Tensors() []NamedTensor {
	return append(p.Cell.tensors(),
		denseTensor(nameInitialState, p.InitialState),
		denseTensor(nameProjWeight, p.Output.ProjWeight),
		denseTensor(nameSkipWeight, p.Output.SkipWeight),
		vecTensor(nameOutputBias, p.Output.Bias),
		vecTensor(namePoolKey, p.Output.PoolKey),
	)
}

func (c *CellParameters) tensors() []NamedTensor {
	return []NamedTensor{
		denseTensor(nameInputWeight, c.InputWeight),
		vecTensor(nameInputBias, c.InputBias),
		denseTensor(nameGateWeight, c.GateWeight),
		vecTensor(nameGateState, c.GateState),
		vecTensor(nameGateBias, c.GateBias),
		vecTensor(nameQuery, c.Query),
	}
}

// TensorSource resolves a parameter by checkpoint name.
type TensorSource func(name string) (data []float64, shape []int, err error)

// LoadParameters assembles a parameter set for cfg from src, checking every
// tensor against the shape cfg implies.
func LoadParameters(cfg Config, src TensorSource) (*Parameters, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := zeroParameters(cfg)
	for _, nt := range p.Tensors() {
		data, shape, err := src(nt.Name)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", nt.Name, err)
		}
		if !slices.Equal(shape, nt.Shape) || len(data) != len(nt.Data) {
			return nil, &ShapeError{What: nt.Name, Layer: -1, Want: nt.Shape, Got: shape}
		}
		copy(nt.Data, data)
	}
	return p, nil
}

// Clone returns a deep copy.
func (p *Parameters) Clone() *Parameters {
	out := &Parameters{
		Cell: CellParameters{
			InputWeight: mat.DenseCopyOf(p.Cell.InputWeight),
			InputBias:   cloneVec(p.Cell.InputBias),
			GateWeight:  mat.DenseCopyOf(p.Cell.GateWeight),
			GateState:   cloneVec(p.Cell.GateState),
			GateBias:    cloneVec(p.Cell.GateBias),
			Query:       cloneVec(p.Cell.Query),
		},
		Output: OutputParameters{
			ProjWeight: mat.DenseCopyOf(p.Output.ProjWeight),
			SkipWeight: mat.DenseCopyOf(p.Output.SkipWeight),
			Bias:       cloneVec(p.Output.Bias),
			PoolKey:    cloneVec(p.Output.PoolKey),
		},
		InitialState: mat.DenseCopyOf(p.InitialState),
	}
	return out
}

// checkShapes verifies p against cfg.
func (p *Parameters) checkShapes(cfg Config) error {
	if p == nil {
		return configErrorf("parameters", "nil parameter set")
	}
	return compareShapes(zeroParameters(cfg).Tensors(), p.Tensors())
}

// checkShapes verifies the cell tensors against cfg.
func (c *CellParameters) checkShapes(cfg Config) error {
	if c == nil {
		return configErrorf("cell", "nil parameters")
	}
	return compareShapes(zeroParameters(cfg).Cell.tensors(), c.tensors())
}

func compareShapes(want, got []NamedTensor) error {
	for i := range want {
		if !slices.Equal(want[i].Shape, got[i].Shape) || len(got[i].Data) != len(want[i].Data) {
			return &ShapeError{What: got[i].Name, Layer: -1, Want: want[i].Shape, Got: got[i].Shape}
		}
	}
	return nil
}

func denseTensor(name string, m *mat.Dense) NamedTensor {
	if m == nil {
		return NamedTensor{Name: name, Shape: []int{0, 0}}
	}
	r, c := m.Dims()
	raw := m.RawMatrix()
	if raw.Stride != c {
		panic("parameter matrix is not contiguous")
	}
	return NamedTensor{Name: name, Shape: []int{r, c}, Data: raw.Data[:r*c]}
}

func vecTensor(name string, v []float64) NamedTensor {
	return NamedTensor{Name: name, Shape: []int{len(v)}, Data: v}
}

func cloneVec(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
