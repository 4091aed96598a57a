package rgma

import (
	"github.com/samcharles93/bergman/internal/tensor"
)

// Mask is a (batch, seq) attention mask.  true marks a real token.
type Mask struct {
	B, T  int
	valid []bool
}

// NewMask builds a mask from 0/1 rows as produced by a tokenizer.  Any
// non-zero value marks a real token.  All rows must have the same length.
func NewMask(rows [][]float64) (Mask, error) {
	m := Mask{B: len(rows)}
	if m.B == 0 {
		return m, nil
	}
	m.T = len(rows[0])
	m.valid = make([]bool, m.B*m.T)
	for b, row := range rows {
		if len(row) != m.T {
			return Mask{}, &maskLengthError{row: b, got: len(row), want: m.T}
		}
		for t, v := range row {
			m.valid[b*m.T+t] = v != 0
		}
	}
	return m, nil
}

// FullMask returns a mask with every position marked real.
func FullMask(b, t int) Mask {
	m := Mask{B: b, T: t, valid: make([]bool, b*t)}
	for i := range m.valid {
		m.valid[i] = true
	}
	return m
}

// Valid reports whether (b, t) is a real token.
func (m Mask) Valid(b, t int) bool {
	if b < 0 || b >= m.B || t < 0 || t >= m.T {
		panic("mask index out of range")
	}
	return m.valid[b*m.T+t]
}

// Count returns the number of real tokens in sequence b.
func (m Mask) Count(b int) int {
	n := 0
	for t := range m.T {
		if m.valid[b*m.T+t] {
			n++
		}
	}
	return n
}

// Rows converts the mask back to 0/1 rows.
func (m Mask) Rows() [][]float64 {
	out := make([][]float64, m.B)
	for b := range m.B {
		row := make([]float64, m.T)
		for t := range m.T {
			if m.valid[b*m.T+t] {
				row[t] = 1
			}
		}
		out[b] = row
	}
	return out
}

func (m Mask) clone() Mask {
	v := make([]bool, len(m.valid))
	copy(v, m.valid)
	return Mask{B: m.B, T: m.T, valid: v}
}

// HiddenStateBuffer is an immutable snapshot of backbone output: the
// per-layer hidden states in bottom-to-top order plus the attention mask.
// Layer 0 is whatever the backbone reported first (input embeddings or the
// first transformer layer).
type HiddenStateBuffer struct {
	layers []tensor.Tensor3
	mask   Mask
}

// NewHiddenStateBuffer validates and copies the backbone output.
func NewHiddenStateBuffer(layers []tensor.Tensor3, mask Mask) (*HiddenStateBuffer, error) {
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}
	ref := layers[0].Shape()
	if ref[0] == 0 || ref[2] == 0 {
		return nil, &ShapeError{What: "hidden states", Layer: -1, Want: []int{1, ref[1], 1}, Got: ref[:]}
	}
	for i, l := range layers {
		if l.Shape() != ref || len(l.Data) != l.B*l.T*l.D {
			return nil, &ShapeError{Layer: i, Want: ref[:], Got: []int{l.B, l.T, l.D}}
		}
	}
	if mask.B != ref[0] {
		return nil, &ShapeError{What: "attention_mask", Layer: -1, Want: []int{ref[0], ref[1]}, Got: []int{mask.B, mask.T}}
	}
	if mask.T != ref[1] {
		return nil, &maskLengthError{row: -1, got: mask.T, want: ref[1]}
	}

	buf := &HiddenStateBuffer{
		layers: make([]tensor.Tensor3, len(layers)),
		mask:   mask.clone(),
	}
	for i, l := range layers {
		buf.layers[i] = l.Clone()
	}
	return buf, nil
}

// NumLayers returns the number of layer tensors.
func (b *HiddenStateBuffer) NumLayers() int { return len(b.layers) }

// Batch returns the batch size.
func (b *HiddenStateBuffer) Batch() int { return b.layers[0].B }

// SeqLen returns the padded sequence length.
func (b *HiddenStateBuffer) SeqLen() int { return b.layers[0].T }

// HiddenDim returns the hidden width shared by all layers.
func (b *HiddenStateBuffer) HiddenDim() int { return b.layers[0].D }

// Layer returns layer i (0-based).  The returned tensor shares storage with
// the buffer and must not be modified.
func (b *HiddenStateBuffer) Layer(i int) tensor.Tensor3 {
	if i < 0 || i >= len(b.layers) {
		panic("layer index out of range")
	}
	return b.layers[i]
}

// Mask returns the attention mask.
func (b *HiddenStateBuffer) Mask() Mask { return b.mask }
