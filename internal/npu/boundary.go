package npu

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

type merge struct {
	op.Base
	b *Backend
}

func (b *Backend) newMerge(spec op.Spec) (op.Operator, error) {
	return &merge{Base: op.Base{Spec: spec}, b: b}, nil
}

func (m *merge) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := m.Arity(inputs, outputs, -1, 1); err != nil {
		return err
	}
	return op.ReshapeMerge(m.Spec, inputs, outputs[0])
}

func (m *merge) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := m.b.bind(inputs, outputs); err != nil {
		return err
	}
	srcs, bnd := append([]*tensor.Tensor(nil), inputs...), outputs[0]
	m.b.emit(node(&m.Base, inputs, outputs, func() error {
		return op.Pack(m.Name(), bnd, srcs)
	}))
	return nil
}

func (m *merge) Execute(inputs, outputs []*tensor.Tensor) error { return nil }

// shadowMerge packs pre-activation i8, post-projection i8 and the f32
// reference, in that order, along the dimension axis.
type shadowMerge struct {
	merge
}

func (b *Backend) newShadowMerge(spec op.Spec) (op.Operator, error) {
	if spec.Params.Count != 0 && spec.Params.Count != 3 {
		return nil, fmt.Errorf("%s: invalid shadow merge count: %d (must be 3)", spec.Name, spec.Params.Count)
	}
	spec.Params.Count = 3
	spec.Params.Axis = tensor.Dimension
	return &shadowMerge{merge{Base: op.Base{Spec: spec}, b: b}}, nil
}

func (m *shadowMerge) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := m.Arity(inputs, outputs, 3, 1); err != nil {
		return err
	}
	for i, want := range []tensor.DType{tensor.I8, tensor.I8, tensor.F32} {
		if inputs[i].DType() != want {
			return op.Boundary(m.Name(), fmt.Sprintf("shadow source %d (%s) dtype", i, inputs[i].Name()), want, inputs[i].DType())
		}
	}
	if inputs[1].Shape() != inputs[2].Shape() {
		return op.Boundary(m.Name(), "post-projection and reference shapes", inputs[2].Shape(), inputs[1].Shape())
	}
	return op.ReshapeMerge(m.Spec, inputs, outputs[0])
}

type split struct {
	op.Base
	b *Backend
}

func (b *Backend) newSplit(spec op.Spec) (op.Operator, error) {
	return &split{Base: op.Base{Spec: spec}, b: b}, nil
}

func (s *split) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := s.Arity(inputs, outputs, 1, -1); err != nil {
		return err
	}
	return op.ReshapeSplit(s.Spec, inputs[0], outputs)
}

func (s *split) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := s.b.bind(inputs, outputs); err != nil {
		return err
	}
	bnd, outs := inputs[0], append([]*tensor.Tensor(nil), outputs...)
	s.b.emit(node(&s.Base, inputs, outputs, func() error {
		return op.Unpack(s.Name(), bnd, outs)
	}))
	return nil
}

func (s *split) Execute(inputs, outputs []*tensor.Tensor) error { return nil }
