// Package op defines the operator lifecycle shared by all backends, the
// operator-kind enum and the per-backend capability table that maps kinds
// to constructors.
package op

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/rope"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// Kind tags an operator's computation independent of its backend.
type Kind int

const (
	Linear Kind = iota
	LinearInt8
	RMSNorm
	RoPE
	KVCache
	Attention
	Matmul
	Softmax
	Add
	Mul
	SiLU
	Embedding
	View
	Quantize
	Dequantize
	Merge
	Split
	ShadowMerge
	ShadowReconcile
)

var kindNames = [...]string{
	Linear:          "linear",
	LinearInt8:      "linear_int8",
	RMSNorm:         "rmsnorm",
	RoPE:            "rope",
	KVCache:         "kvcache",
	Attention:       "attention",
	Matmul:          "matmul",
	Softmax:         "softmax",
	Add:             "add",
	Mul:             "mul",
	SiLU:            "silu",
	Embedding:       "embedding",
	View:            "view",
	Quantize:        "quantize",
	Dequantize:      "dequantize",
	Merge:           "merge",
	Split:           "split",
	ShadowMerge:     "shadow_merge",
	ShadowReconcile: "shadow_reconcile",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsMerge reports whether k produces a boundary tensor.
func (k Kind) IsMerge() bool { return k == Merge || k == ShadowMerge }

// IsSplit reports whether k consumes a boundary tensor.
func (k Kind) IsSplit() bool { return k == Split || k == ShadowReconcile }

// Loader fills a tensor's storage from the entry named after it.
type Loader interface {
	Load(t *tensor.Tensor) error
}

// Operator is one computation step. The driver calls Reshape, then Setup,
// then Load (first pass only) or Execute, and finally Free.
type Operator interface {
	Name() string
	Kind() Kind
	Device() tensor.Device

	// Reshape sets output shapes from input shapes.
	Reshape(inputs, outputs []*tensor.Tensor) error
	// Setup binds storage for inputs and outputs and any parameters.
	Setup(inputs, outputs []*tensor.Tensor) error
	// Load pulls parameters from l in declaration order.
	Load(l Loader) error
	Execute(inputs, outputs []*tensor.Tensor) error
	// Free releases operator-owned buffers only.
	Free() error
}

// Params carries the construction parameters of every kind; each kind
// reads the fields it needs.
type Params struct {
	InFeatures  int
	OutFeatures int
	Bias        bool
	Eps         float32

	CacheLimit  int
	Replication int
	CacheDType  tensor.DType
	// Layout is the axis order of operator-owned state such as the cache.
	Layout tensor.Layout

	RoPE rope.Config

	Causal bool

	Axis   tensor.Axis
	Count  int
	Shapes []tensor.Shape
	DTypes []tensor.DType

	// Heads is the output head count of a View.
	Heads int

	// Scale fixes the quantization step; zero derives it from the data.
	Scale      float32
	PerChannel bool

	VocabSize int
	Dim       int

	ShadowMode string
	// Weight names a parameter entry when it differs from the operator name.
	Weight string
}

// Spec resolves one operator of the scheduled graph.
type Spec struct {
	Name   string
	Kind   Kind
	Device tensor.Device
	Params Params
}

// Factory builds the backend implementation of one kind.
type Factory func(spec Spec) (Operator, error)

// Capabilities is a backend's kind-to-constructor table.
type Capabilities map[Kind]Factory

func (c Capabilities) Supports(k Kind) bool {
	_, ok := c[k]
	return ok
}

// New constructs spec on the backend owning c.
func (c Capabilities) New(spec Spec) (Operator, error) {
	f, ok := c[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s (%s)", ErrUnsupported, spec.Kind, spec.Device, spec.Name)
	}
	return f(spec)
}

// Backend owns allocation policy and the operator factory for one device.
type Backend interface {
	Device() tensor.Device
	Capabilities() Capabilities
}

// Compiler is implemented by backends that run a subgraph as one
// ahead-of-time compiled program. BeginGraph and EndGraph bracket the
// setup pass of subgraph id; Invoke runs its program after the execute
// pass and blocks until the device returns.
type Compiler interface {
	Backend
	BeginGraph(id int, inputs []*tensor.Tensor) error
	EndGraph(id int) error
	Invoke(ctx context.Context, id int) error
}

// Base carries the identity shared by all operator implementations.
type Base struct {
	Spec Spec
}

func (b *Base) Name() string { return b.Spec.Name }
func (b *Base) Kind() Kind { return b.Spec.Kind }
func (b *Base) Device() tensor.Device { return b.Spec.Device }
func (b *Base) Load(Loader) error { return nil }
func (b *Base) Free() error { return nil }

// Arity checks input and output counts.
func (b *Base) Arity(inputs, outputs []*tensor.Tensor, nin, nout int) error {
	if nin >= 0 && len(inputs) != nin {
		return &ShapeError{Op: b.Spec.Name, Detail: "input count", Want: nin, Got: len(inputs)}
	}
	if nout >= 0 && len(outputs) != nout {
		return &ShapeError{Op: b.Spec.Name, Detail: "output count", Want: nout, Got: len(outputs)}
	}
	return nil
}

// Bind allocates any unallocated inputs and every output on dev. It
// returns the number of bytes newly bound to masters.
func Bind(dev tensor.Device, inputs, outputs []*tensor.Tensor) (int64, error) {
	var n int64
	alloc := func(t *tensor.Tensor) error {
		fresh := !t.IsView() && !t.Allocated()
		t.SetDevice(dev)
		if err := t.Alloc(); err != nil {
			return err
		}
		if fresh {
			n += int64(t.Bytes())
		}
		return nil
	}
	for _, t := range inputs {
		if t.Allocated() {
			continue
		}
		if err := alloc(t); err != nil {
			return n, err
		}
	}
	for _, t := range outputs {
		if err := alloc(t); err != nil {
			return n, err
		}
	}
	return n, nil
}

// DefaultDType sets d on t unless its dtype is already fixed.
func DefaultDType(t *tensor.Tensor, d tensor.DType) {
	if !t.Fixed() {
		_ = t.SetDType(d)
	}
}

// RequireDType fails when t's dtype is fixed to something other than d, and
// otherwise fixes it to d.
func RequireDType(opName string, t *tensor.Tensor, d tensor.DType) error {
	DefaultDType(t, d)
	if t.DType() != d {
		return fmt.Errorf("%w: %s: %s is %s, want %s", ErrUnsupported, opName, t.Name(), t.DType(), d)
	}
	return nil
}

// LoadParam fills p from l, checking the entry against p's reshaped shape.
func LoadParam(opName string, l Loader, p *tensor.Tensor) error {
	want := p.Shape()
	if err := l.Load(p); err != nil {
		return fmt.Errorf("%s: load %s: %w", opName, p.Name(), err)
	}
	if p.Shape() != want {
		return &WeightShapeMismatchError{Op: opName, Tensor: p.Name(), Want: want, Got: p.Shape()}
	}
	return nil
}

// ViewShape computes the reinterpreted shape for heads output heads.
func ViewShape(opName string, in tensor.Shape, heads int) (tensor.Shape, error) {
	width := in[1] * in[3]
	if width%heads != 0 {
		return tensor.Shape{}, &ShapeError{Op: opName, Detail: "head*dim not divisible by output heads", Want: heads, Got: width}
	}
	return tensor.S(in[0], heads, in[2], width/heads), nil
}
