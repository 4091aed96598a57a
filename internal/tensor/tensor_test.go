package tensor

import (
	"math"
	"math/rand"
	"testing"
)

// TestNew3Dimensions verifies that New3 allocates the expected backing slice.
func TestNew3Dimensions(t *testing.T) {
	x := New3(2, 3, 4)
	if x.Shape() != [3]int{2, 3, 4} {
		t.Fatalf("unexpected shape %v", x.Shape())
	}
	if len(x.Data) != 24 {
		t.Fatalf("expected backing slice length 24, got %d", len(x.Data))
	}
}

// TestVecSlicing ensures that Vec returns a view into the tensor.
func TestVecSlicing(t *testing.T) {
	x := New3(2, 3, 4)
	v := x.Vec(1, 2)
	if len(v) != 4 {
		t.Fatalf("expected vec length 4, got %d", len(v))
	}
	v[3] = 42
	idx := (1*3+2)*4 + 3
	if x.Data[idx] != 42 {
		t.Fatalf("expected Data[%d] to be 42, got %f", idx, x.Data[idx])
	}
}

func TestVecOutOfRangePanics(t *testing.T) {
	x := New3(1, 2, 3)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range index")
		}
	}()
	_ = x.Vec(0, 2)
}

func TestNew3FromDataMismatch(t *testing.T) {
	if _, err := New3FromData(2, 2, 2, make([]float64, 7)); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, err := New3FromData(-1, 2, 2, nil); err == nil {
		t.Fatal("expected negative dimension error")
	}
	x, err := New3FromData(2, 2, 2, make([]float64, 8))
	if err != nil {
		t.Fatalf("New3FromData: %v", err)
	}
	if x.D != 2 {
		t.Fatalf("unexpected dim %d", x.D)
	}
}

func TestNestedRoundTrip(t *testing.T) {
	in := [][][]float64{
		{{1, 2}, {3, 4}, {5, 6}},
		{{7, 8}, {9, 10}, {11, 12}},
	}
	x, err := FromNested(in)
	if err != nil {
		t.Fatalf("FromNested: %v", err)
	}
	if x.Shape() != [3]int{2, 3, 2} {
		t.Fatalf("unexpected shape %v", x.Shape())
	}
	if got := x.Vec(1, 1)[1]; got != 10 {
		t.Fatalf("Vec(1,1)[1]=%v want 10", got)
	}
	out := x.Nested()
	for b := range in {
		for s := range in[b] {
			for d := range in[b][s] {
				if out[b][s][d] != in[b][s][d] {
					t.Fatalf("mismatch at %d,%d,%d", b, s, d)
				}
			}
		}
	}
}

func TestFromNestedRagged(t *testing.T) {
	_, err := FromNested([][][]float64{{{1, 2}}, {{1, 2}, {3, 4}}})
	if err == nil {
		t.Fatal("expected ragged input error")
	}
	_, err = FromNested([][][]float64{{{1, 2}, {3}}})
	if err == nil {
		t.Fatal("expected ragged feature error")
	}
}

func TestCloneIsDeep(t *testing.T) {
	x := New3(1, 1, 2)
	y := x.Clone()
	y.Data[0] = 3
	if x.Data[0] != 0 {
		t.Fatal("Clone shares backing data")
	}
}

func TestFillNormalStd(t *testing.T) {
	x := make([]float64, 20000)
	FillNormal(x, 0.02, rand.New(rand.NewSource(7)))
	var sum, sq float64
	for _, v := range x {
		sum += v
		sq += v * v
	}
	mean := sum / float64(len(x))
	std := math.Sqrt(sq/float64(len(x)) - mean*mean)
	if math.Abs(std-0.02) > 0.002 {
		t.Fatalf("std=%v want ~0.02", std)
	}
}
