package cpu

import (
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// merge concatenates its inputs into one boundary tensor.
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
	return m.b.bind(inputs, outputs)
}

func (m *merge) Execute(inputs, outputs []*tensor.Tensor) error {
	return op.Pack(m.Name(), outputs[0], inputs)
}

// split restores the tensors a merge packed, in merge order.
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
	return s.b.bind(inputs, outputs)
}

func (s *split) Execute(inputs, outputs []*tensor.Tensor) error {
	return op.Unpack(s.Name(), inputs[0], outputs)
}
