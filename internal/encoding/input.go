package encoding

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/bergman/internal/rgma"
	"github.com/samcharles93/bergman/internal/safetensors"
	"github.com/samcharles93/bergman/internal/tensor"
)

const (
	hiddenStatePrefix = "hidden_states."
	maskTensor        = "attention_mask"
)

// Input is the JSON form of a backbone dump: hidden_states is indexed
// [layer][batch][seq][hidden].  A missing attention_mask marks every
// position real.
type Input struct {
	HiddenStates  [][][][]float64 `json:"hidden_states"`
	AttentionMask [][]float64     `json:"attention_mask,omitempty"`
}

// DecodeInput reads one JSON Input from r.
func DecodeInput(r io.Reader) (Input, error) {
	var in Input
	dec := json.NewDecoder(r)
	if err := dec.Decode(&in); err != nil {
		return Input{}, fmt.Errorf("decode input: %w", err)
	}
	return in, nil
}

// Buffer validates in and converts it to a HiddenStateBuffer.
func (in Input) Buffer() (*rgma.HiddenStateBuffer, error) {
	layers := make([]tensor.Tensor3, len(in.HiddenStates))
	for i, nested := range in.HiddenStates {
		t, err := tensor.FromNested(nested)
		if err != nil {
			return nil, fmt.Errorf("%w: hidden_states layer %d: %v", rgma.ErrShapeMismatch, i, err)
		}
		layers[i] = t
	}
	if len(layers) == 0 {
		return nil, rgma.ErrNoLayers
	}
	mask, err := in.mask(layers[0])
	if err != nil {
		return nil, err
	}
	return rgma.NewHiddenStateBuffer(layers, mask)
}

func (in Input) mask(ref tensor.Tensor3) (rgma.Mask, error) {
	if in.AttentionMask == nil {
		return rgma.FullMask(ref.B, ref.T), nil
	}
	return rgma.NewMask(in.AttentionMask)
}

// LoadFile reads a hidden-state dump.  Files ending in .json are decoded as
// Input; anything else is read as safetensors.
func LoadFile(path string) (*rgma.HiddenStateBuffer, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		in, err := DecodeInput(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return in.Buffer()
	}
	return LoadSafetensors(path)
}

// LoadSafetensors reads layers named hidden_states.0 .. hidden_states.N-1,
// each (batch, seq, hidden), plus an optional (batch, seq) attention_mask.
func LoadSafetensors(path string) (*rgma.HiddenStateBuffer, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	buf, err := bufferFromTensors(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return buf, nil
}

// DecodeSafetensors reads a hidden-state dump held in memory, in the layout
// LoadSafetensors expects.
func DecodeSafetensors(data []byte) (*rgma.HiddenStateBuffer, error) {
	f, err := safetensors.Parse(data)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return bufferFromTensors(f)
}

func bufferFromTensors(f *safetensors.File) (*rgma.HiddenStateBuffer, error) {
	indices, err := layerIndices(f)
	if err != nil {
		return nil, err
	}
	layers := make([]tensor.Tensor3, len(indices))
	for i := range indices {
		name := hiddenStatePrefix + strconv.Itoa(i)
		data, info, err := f.ReadTensorF64(name)
		if err != nil {
			return nil, err
		}
		if len(info.Shape) != 3 {
			return nil, &rgma.ShapeError{What: name, Layer: i, Want: []int{-1, -1, -1}, Got: info.Shape}
		}
		layers[i], err = tensor.New3FromData(info.Shape[0], info.Shape[1], info.Shape[2], data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	var mask rgma.Mask
	if _, ok := f.Tensor(maskTensor); ok {
		data, info, err := f.ReadTensorF64(maskTensor)
		if err != nil {
			return nil, err
		}
		if len(info.Shape) != 2 {
			return nil, &rgma.ShapeError{What: maskTensor, Layer: -1, Want: []int{-1, -1}, Got: info.Shape}
		}
		rows := make([][]float64, info.Shape[0])
		for b := range rows {
			rows[b] = data[b*info.Shape[1] : (b+1)*info.Shape[1]]
		}
		if mask, err = rgma.NewMask(rows); err != nil {
			return nil, err
		}
	} else if len(layers) > 0 {
		mask = rgma.FullMask(layers[0].B, layers[0].T)
	}
	return rgma.NewHiddenStateBuffer(layers, mask)
}

// layerIndices returns the sorted hidden-state indices and checks that they
// run contiguously from zero.
func layerIndices(f *safetensors.File) ([]int, error) {
	var idx []int
	for name := range f.Tensors {
		rest, ok := strings.CutPrefix(name, hiddenStatePrefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid hidden-state tensor name %q", name)
		}
		idx = append(idx, n)
	}
	sort.Ints(idx)
	for i, n := range idx {
		if n != i {
			return nil, fmt.Errorf("hidden-state layers are not contiguous: missing %s%d", hiddenStatePrefix, i)
		}
	}
	return idx, nil
}

// SaveSafetensors writes buf in the layout LoadSafetensors reads.
func SaveSafetensors(path string, buf *rgma.HiddenStateBuffer) error {
	tensors := make([]safetensors.Tensor, 0, buf.NumLayers()+1)
	for i := range buf.NumLayers() {
		l := buf.Layer(i)
		tensors = append(tensors, safetensors.Tensor{
			Name:  hiddenStatePrefix + strconv.Itoa(i),
			Shape: []int{l.B, l.T, l.D},
			Data:  l.Data,
		})
	}
	m := buf.Mask()
	flat := make([]float64, 0, m.B*m.T)
	for _, row := range m.Rows() {
		flat = append(flat, row...)
	}
	tensors = append(tensors, safetensors.Tensor{Name: maskTensor, Shape: []int{m.B, m.T}, Data: flat})
	return safetensors.WriteFile(path, tensors, map[string]string{"format": "bergman-hidden-states"})
}
