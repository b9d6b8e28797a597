package simd

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	testCases := []struct {
		name     string
		input    []float32
		expected []float64
	}{
		{
			name:     "simple",
			input:    []float32{1, 2, 3},
			expected: []float64{0.09003057, 0.24472847, 0.66524096},
		},
		{
			name:     "negative",
			input:    []float32{-1, -2, -3},
			expected: []float64{0.66524096, 0.24472847, 0.09003057},
		},
		{
			name:     "zero",
			input:    []float32{0, 0, 0},
			expected: []float64{0.33333333, 0.33333333, 0.33333333},
		},
		{
			name:     "masked",
			input:    []float32{0, float32(math.Inf(-1)), 0},
			expected: []float64{0.5, 0, 0.5},
		},
		{
			name:     "empty",
			input:    []float32{},
			expected: []float64{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input := make([]float32, len(tc.input))
			copy(input, tc.input)
			Softmax(input)
			if len(input) != len(tc.expected) {
				t.Errorf("expected length %d, got %d", len(tc.expected), len(input))
			}
			for i := range input {
				if math.Abs(float64(input[i])-tc.expected[i]) > 1e-6 {
					t.Errorf("expected %v, got %v", tc.expected, input)
					break
				}
			}
		})
	}
}

func TestSoftmaxStability(t *testing.T) {
	x := []float32{1000, 1001, 1002}
	Softmax(x)
	var sum float32
	for _, v := range x {
		if math.IsNaN(float64(v)) {
			t.Fatalf("NaN in output: %v", x)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("Softmax output doesn't sum to 1.0: %f", sum)
	}
}
