package rgma

import (
	"errors"
	"fmt"
)

var (
	ErrShapeMismatch              = errors.New("shape mismatch")
	ErrMaskLengthMismatch         = errors.New("mask length mismatch")
	ErrConfiguration              = errors.New("configuration error")
	ErrEmptySequencePolicyApplied = errors.New("empty sequence policy applied")

	// ErrStaleTrace is returned by Backward when parameters were updated after
	// the trace was recorded.
	ErrStaleTrace = errors.New("trace recorded against older parameters")
)

// ErrNoLayers is returned when a buffer is built from zero layer tensors.
// It is a configuration error: errors.Is(ErrNoLayers, ErrConfiguration) holds.
var ErrNoLayers = &ConfigError{Field: "layers", Msg: "no hidden-state layers supplied"}

// ShapeError describes a tensor whose dimensions disagree with the reference.
type ShapeError struct {
	What  string
	Layer int
	Want  []int
	Got   []int
}

func (e *ShapeError) Error() string {
	if e.Layer >= 0 {
		return fmt.Sprintf("%s: layer %d has shape %v, want %v", ErrShapeMismatch, e.Layer, e.Got, e.Want)
	}
	return fmt.Sprintf("%s: %s has shape %v, want %v", ErrShapeMismatch, e.What, e.Got, e.Want)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }

// maskLengthError uses row -1 when the whole mask disagrees with the
// sequence length of the layer tensors.
type maskLengthError struct {
	row       int
	got, want int
}

func (e *maskLengthError) Error() string {
	if e.row < 0 {
		return fmt.Sprintf("%s: mask length %d, sequence length %d", ErrMaskLengthMismatch, e.got, e.want)
	}
	return fmt.Sprintf("%s: mask row %d has length %d, want %d", ErrMaskLengthMismatch, e.row, e.got, e.want)
}

func (e *maskLengthError) Unwrap() error { return ErrMaskLengthMismatch }

// ConfigError reports an unset dimension or unrecognised option.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// EmptySequenceWarning records that a fully padded sequence was summarised as
// a zero vector.  It is reported, never returned as a failure.
type EmptySequenceWarning struct {
	Batch int
	Layer int
}

func (w *EmptySequenceWarning) Error() string {
	return fmt.Sprintf("%s: batch %d layer %d has no unmasked tokens", ErrEmptySequencePolicyApplied, w.Batch, w.Layer)
}

func (w *EmptySequenceWarning) Unwrap() error { return ErrEmptySequencePolicyApplied }
