package simd

import (
	"math"
	"testing"
)

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{5, 4, 3, 2, 1, 100}
	if got := Dot(a, b); got != 35 {
		t.Errorf("Expected 35, got %v", got)
	}
	if got := DotInt8([]int8{127, -1}, []int8{2, 3}); got != 251 {
		t.Errorf("Expected 251, got %v", got)
	}
}

func TestAxpyScale(t *testing.T) {
	y := []float32{1, 1, 1}
	Axpy(2, []float32{1, 2, 3}, y)
	Scale(0.5, y)
	want := []float32{1.5, 2.5, 3.5}
	for i := range y {
		if y[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, y)
		}
	}
}

func TestRMSNorm(t *testing.T) {
	x := []float32{3, 4}
	w := []float32{1, 2}
	out := make([]float32, 2)
	RMSNorm(x, w, out, 0)
	rms := math.Sqrt(12.5)
	if math.Abs(float64(out[0])-3/rms) > 1e-6 || math.Abs(float64(out[1])-8/rms) > 1e-6 {
		t.Errorf("unexpected rmsnorm output %v", out)
	}
}

func TestSiLU(t *testing.T) {
	x := []float32{0, 1}
	SiLU(x)
	if x[0] != 0 || math.Abs(float64(x[1])-1/(1+math.Exp(-1))) > 1e-6 {
		t.Errorf("unexpected silu output %v", x)
	}
	if AbsMax([]float32{-3, 2}) != 3 {
		t.Error("AbsMax wrong")
	}
}
