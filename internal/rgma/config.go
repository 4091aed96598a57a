package rgma

import "math"

// AggregationMode selects how a layer is summarised across the sequence.
type AggregationMode string

const (
	AggregateMean      AggregationMode = "mean"
	AggregateAttention AggregationMode = "attention"
)

// InitialState selects the base aggregation state of every forward pass.
type InitialState string

const (
	InitialZeros   InitialState = "zeros"
	InitialLearned InitialState = "learned"
)

// StateNorm selects the normalization applied to the aggregation state after
// every layer step.
type StateNorm string

const (
	NormNone      StateNorm = "none"
	NormRows      StateNorm = "rows"
	NormCols      StateNorm = "cols"
	NormFrobenius StateNorm = "frobenius"
	NormDet       StateNorm = "det"
	// NormOrtho replaces the state by the Q factor of its QR decomposition,
	// with column signs chosen so that R has a non-negative diagonal.
	NormOrtho StateNorm = "ortho"
)

const (
	DefaultNormEps          = 1e-6
	DefaultInitializerRange = 0.02
)

// Config is consumed by NewEncoder.  HiddenDim, AggDim and OutputDim have no
// defaults; empty option strings take the first listed value.
type Config struct {
	HiddenDim       int             `yaml:"hidden_dim" json:"hidden_dim"`
	AggDim          int             `yaml:"agg_dim" json:"agg_dim"`
	OutputDim       int             `yaml:"output_dim" json:"output_dim"`
	AggregationMode AggregationMode `yaml:"aggregation_mode" json:"aggregation_mode"`
	InitialState    InitialState    `yaml:"initial_state" json:"initial_state"`
	Dropout         float64         `yaml:"dropout" json:"dropout"`

	StateNorm        StateNorm `yaml:"state_norm" json:"state_norm"`
	NormEps          float64   `yaml:"norm_eps" json:"norm_eps"`
	InitializerRange float64   `yaml:"initializer_range" json:"initializer_range"`
	Seed             int64     `yaml:"seed" json:"seed"`
}

// WithDefaults fills empty option fields.  Dimensions are left untouched.
func (c Config) WithDefaults() Config {
	if c.AggregationMode == "" {
		c.AggregationMode = AggregateMean
	}
	if c.InitialState == "" {
		c.InitialState = InitialZeros
	}
	if c.StateNorm == "" {
		c.StateNorm = NormNone
	}
	if c.NormEps == 0 {
		c.NormEps = DefaultNormEps
	}
	if c.InitializerRange == 0 {
		c.InitializerRange = DefaultInitializerRange
	}
	return c
}

// Validate reports the first problem found as a *ConfigError.
func (c Config) Validate() error {
	if c.HiddenDim <= 0 {
		return configErrorf("hidden_dim", "must be positive, got %d", c.HiddenDim)
	}
	if c.AggDim <= 0 {
		return configErrorf("agg_dim", "must be positive, got %d", c.AggDim)
	}
	if c.OutputDim <= 0 {
		return configErrorf("output_dim", "must be positive, got %d", c.OutputDim)
	}
	switch c.AggregationMode {
	case AggregateMean, AggregateAttention:
	default:
		return configErrorf("aggregation_mode", "unrecognised mode %q", c.AggregationMode)
	}
	switch c.InitialState {
	case InitialZeros, InitialLearned:
	default:
		return configErrorf("initial_state", "unrecognised value %q", c.InitialState)
	}
	if math.IsNaN(c.Dropout) || c.Dropout < 0 || c.Dropout >= 1 {
		return configErrorf("dropout", "must be in [0,1), got %v", c.Dropout)
	}
	switch c.StateNorm {
	case NormNone, NormRows, NormCols, NormFrobenius:
	case NormDet:
		if c.HiddenDim != c.AggDim {
			return configErrorf("state_norm", "det requires hidden_dim == agg_dim, got %d and %d", c.HiddenDim, c.AggDim)
		}
	case NormOrtho:
		if c.HiddenDim < c.AggDim {
			return configErrorf("state_norm", "ortho requires hidden_dim >= agg_dim, got %d and %d", c.HiddenDim, c.AggDim)
		}
	default:
		return configErrorf("state_norm", "unrecognised value %q", c.StateNorm)
	}
	if !(c.NormEps > 0) {
		return configErrorf("norm_eps", "must be positive, got %v", c.NormEps)
	}
	if !(c.InitializerRange > 0) {
		return configErrorf("initializer_range", "must be positive, got %v", c.InitializerRange)
	}
	return nil
}
