package rgma

import (
	"errors"
	"fmt"
	"testing"
)

func sourceOf(p *Parameters) TensorSource {
	byName := make(map[string]NamedTensor)
	for _, nt := range p.Tensors() {
		byName[nt.Name] = nt
	}
	return func(name string) ([]float64, []int, error) {
		nt, ok := byName[name]
		if !ok {
			return nil, nil, fmt.Errorf("missing %s", name)
		}
		return nt.Data, nt.Shape, nil
	}
}

func TestLoadParametersRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	want, err := NewParameters(cfg)
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	got, err := LoadParameters(cfg, sourceOf(want))
	if err != nil {
		t.Fatalf("LoadParameters: %v", err)
	}
	wt, gt := want.Tensors(), got.Tensors()
	for i := range wt {
		if !sliceClose(wt[i].Data, gt[i].Data, 0) {
			t.Fatalf("%s differs after load", wt[i].Name)
		}
	}
	gt[0].Data[0] += 1
	if wt[0].Data[0] == gt[0].Data[0] {
		t.Fatal("loaded parameters alias the source")
	}
}

func TestLoadParametersShapeMismatch(t *testing.T) {
	t.Parallel()
	other, _ := NewParameters(Config{HiddenDim: 5, AggDim: 2, OutputDim: 2})
	_, err := LoadParameters(testConfig(), sourceOf(other))
	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
	if se.What != nameInputWeight {
		t.Fatalf("expected first mismatch on %s, got %s", nameInputWeight, se.What)
	}
}

func TestLoadParametersMissingTensor(t *testing.T) {
	t.Parallel()
	empty := func(name string) ([]float64, []int, error) {
		return nil, nil, fmt.Errorf("missing %s", name)
	}
	if _, err := LoadParameters(testConfig(), empty); err == nil {
		t.Fatal("expected error for missing tensors")
	}
}

func TestParametersCloneIsDeep(t *testing.T) {
	t.Parallel()
	p, _ := NewParameters(testConfig())
	c := p.Clone()
	c.Cell.Query[0] += 1
	c.Cell.InputWeight.Set(0, 0, 42)
	if p.Cell.Query[0] == c.Cell.Query[0] || p.Cell.InputWeight.At(0, 0) == 42 {
		t.Fatal("clone shares storage")
	}
}

func TestEncoderParametersSnapshot(t *testing.T) {
	t.Parallel()
	e := mustEncoder(t, testConfig())
	snap, err := e.Parameters()
	if err != nil {
		t.Fatalf("Parameters: %v", err)
	}
	snap.Output.Bias[0] = 7
	if e.params.Output.Bias[0] == 7 {
		t.Fatal("snapshot aliases encoder parameters")
	}
	e2, err := NewEncoderWithParameters(e.Config(), snap)
	if err != nil {
		t.Fatalf("NewEncoderWithParameters: %v", err)
	}
	if e2.Config() != e.Config() {
		t.Fatalf("config changed: %+v vs %+v", e2.Config(), e.Config())
	}
}
