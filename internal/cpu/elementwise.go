package cpu

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/kernel"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

type binary struct {
	op.Base
	b *Backend
	f func(x, y float32) float32
}

func (b *Backend) newBinary(spec op.Spec) (op.Operator, error) {
	f := kernel.Add
	if spec.Kind == op.Mul {
		f = kernel.Mul
	}
	return &binary{Base: op.Base{Spec: spec}, b: b, f: f}, nil
}

func (e *binary) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := e.Arity(inputs, outputs, 2, 1); err != nil {
		return err
	}
	if x, y := inputs[0].Shape(), inputs[1].Shape(); x != y {
		return &op.ShapeError{Op: e.Name(), Detail: fmt.Sprintf("operand shapes %s and %s", x, y), Want: x.Numel(), Got: y.Numel()}
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(inputs[0].Shape())
}

func (e *binary) Setup(inputs, outputs []*tensor.Tensor) error {
	return e.b.bind(inputs, outputs)
}

func (e *binary) Execute(inputs, outputs []*tensor.Tensor) error {
	kernel.Binary(e.b.pool, inputs[0], inputs[1], outputs[0], e.f)
	return nil
}

type silu struct {
	op.Base
	b *Backend
}

func (b *Backend) newSiLU(spec op.Spec) (op.Operator, error) {
	return &silu{Base: op.Base{Spec: spec}, b: b}, nil
}

func (s *silu) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := s.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(inputs[0].Shape())
}

func (s *silu) Setup(inputs, outputs []*tensor.Tensor) error {
	return s.b.bind(inputs, outputs)
}

func (s *silu) Execute(inputs, outputs []*tensor.Tensor) error {
	kernel.SiLU(s.b.pool, inputs[0], outputs[0])
	return nil
}

type rmsNorm struct {
	op.Base
	b      *Backend
	weight *tensor.Tensor
}

func (b *Backend) newRMSNorm(spec op.Spec) (op.Operator, error) {
	d := spec.Params.Dim
	if d <= 0 {
		return nil, fmt.Errorf("%s: invalid dim: %d (must be positive)", spec.Name, d)
	}
	return &rmsNorm{
		Base:   op.Base{Spec: spec},
		b:      b,
		weight: tensor.New(spec.Name+".weight", tensor.S(1, 1, 1, d), tensor.F32),
	}, nil
}

func (n *rmsNorm) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := n.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	if err := op.CheckWidth(n.Name(), "dim", n.Spec.Params.Dim, inputs[0].Dimension()); err != nil {
		return err
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(inputs[0].Shape())
}

func (n *rmsNorm) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := n.b.bind(inputs, outputs); err != nil {
		return err
	}
	return n.b.own(n.weight)
}

func (n *rmsNorm) Load(l op.Loader) error {
	return op.LoadParam(n.Name(), l, n.weight)
}

func (n *rmsNorm) Execute(inputs, outputs []*tensor.Tensor) error {
	kernel.RMSNorm(n.b.pool, inputs[0], n.weight, outputs[0], n.Spec.Params.Eps)
	return nil
}

func (n *rmsNorm) Free() error {
	n.b.release(n.weight)
	return nil
}

// embedding maps i32 token ids (b, 1, s, 1) to rows of (1, 1, vocab, dim).
type embedding struct {
	op.Base
	b      *Backend
	weight *tensor.Tensor
}

func (b *Backend) newEmbedding(spec op.Spec) (op.Operator, error) {
	p := spec.Params
	if p.VocabSize <= 0 || p.Dim <= 0 {
		return nil, fmt.Errorf("%s: invalid embedding %dx%d (must be positive)", spec.Name, p.VocabSize, p.Dim)
	}
	return &embedding{
		Base:   op.Base{Spec: spec},
		b:      b,
		weight: tensor.New(spec.Name+".weight", tensor.S(1, 1, p.VocabSize, p.Dim), tensor.F32),
	}, nil
}

func (e *embedding) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := e.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	in := inputs[0]
	if err := op.CheckWidth(e.Name(), "token id width", 1, in.Dimension()); err != nil {
		return err
	}
	if err := op.RequireDType(e.Name(), in, tensor.I32); err != nil {
		return err
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(tensor.S(in.Batch(), 1, in.Sequence(), e.Spec.Params.Dim))
}

func (e *embedding) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := e.b.bind(inputs, outputs); err != nil {
		return err
	}
	return e.b.own(e.weight)
}

func (e *embedding) Load(l op.Loader) error {
	return op.LoadParam(e.Name(), l, e.weight)
}

func (e *embedding) Execute(inputs, outputs []*tensor.Tensor) error {
	if err := kernel.Embedding(inputs[0], e.weight, outputs[0]); err != nil {
		return fmt.Errorf("%s: %w", e.Name(), err)
	}
	return nil
}

func (e *embedding) Free() error {
	e.b.release(e.weight)
	return nil
}

// view reinterprets (b, h, s, d) as (b, heads, s, h*d/heads) without
// copying.
type view struct {
	op.Base
	b *Backend
}

func (b *Backend) newView(spec op.Spec) (op.Operator, error) {
	if spec.Params.Heads <= 0 {
		return nil, fmt.Errorf("%s: invalid heads: %d (must be positive)", spec.Name, spec.Params.Heads)
	}
	return &view{Base: op.Base{Spec: spec}, b: b}, nil
}

func (v *view) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := v.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	in := inputs[0]
	s, err := op.ViewShape(v.Name(), in.Shape(), v.Spec.Params.Heads)
	if err != nil {
		return err
	}
	return outputs[0].Reinterpret(in, s, in.Layout())
}

func (v *view) Setup(inputs, outputs []*tensor.Tensor) error {
	return v.b.bind(inputs, outputs)
}

func (v *view) Execute(inputs, outputs []*tensor.Tensor) error { return nil }
