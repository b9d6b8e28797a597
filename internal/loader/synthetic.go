package loader

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// Synthetic generates deterministic weights from each tensor's name, so a
// graph can run without a model file. The same name and shape always
// produce the same values.
type Synthetic struct {
	Seed uint64
}

// Entry builds the entry that Load would apply to a tensor with this name
// and shape.
func (s Synthetic) Entry(name string, shape tensor.Shape) *Entry {
	h := fnv.New64a()
	h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(s.Seed, h.Sum64()))

	vals := make([]float32, shape.Numel())
	switch {
	case strings.Contains(name, "norm"):
		for i := range vals {
			vals[i] = 1 + float32(rng.NormFloat64()*0.02)
		}
	case strings.HasSuffix(name, ".bias"):
		for i := range vals {
			vals[i] = float32(rng.NormFloat64() * 0.01)
		}
	default:
		std := 1 / math.Sqrt(float64(max(shape.Dimension(), 1)))
		for i := range vals {
			vals[i] = float32(rng.NormFloat64() * std)
		}
	}
	return NewF32Entry(name, shape, vals)
}

func (s Synthetic) Load(t *tensor.Tensor) error {
	return Apply(s.Entry(t.Name(), t.Shape()), t)
}
