package cpu

import (
	"github.com/23skdu/longbow-tandem/internal/kernel"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// attention takes q (b, hq, s, d), k and v (b, hk, t, d).
type attention struct {
	op.Base
	b *Backend
}

func (b *Backend) newAttention(spec op.Spec) (op.Operator, error) {
	return &attention{Base: op.Base{Spec: spec}, b: b}, nil
}

func (a *attention) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := a.Arity(inputs, outputs, 3, 1); err != nil {
		return err
	}
	q, k, v := inputs[0].Shape(), inputs[1].Shape(), inputs[2].Shape()
	checks := []struct {
		detail    string
		want, got int
	}{
		{"key batch", q[0], k[0]},
		{"key head dim", q[3], k[3]},
		{"value head dim", q[3], v[3]},
		{"value heads", k[1], v[1]},
		{"value length", k[2], v[2]},
	}
	for _, c := range checks {
		if err := op.CheckWidth(a.Name(), c.detail, c.want, c.got); err != nil {
			return err
		}
	}
	if k[1] == 0 || q[1]%k[1] != 0 {
		return &op.ShapeError{Op: a.Name(), Detail: "query heads not a multiple of key heads", Want: k[1], Got: q[1]}
	}
	if a.Spec.Params.Causal && q[2] > k[2] {
		return &op.ShapeError{Op: a.Name(), Detail: "more queries than cached keys", Want: k[2], Got: q[2]}
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(q)
}

func (a *attention) Setup(inputs, outputs []*tensor.Tensor) error {
	return a.b.bind(inputs, outputs)
}

func (a *attention) Execute(inputs, outputs []*tensor.Tensor) error {
	kernel.Attention(a.b.pool, inputs[0], inputs[1], inputs[2], outputs[0], a.Spec.Params.Causal)
	return nil
}

type matmul struct {
	op.Base
	b *Backend
}

func (b *Backend) newMatmul(spec op.Spec) (op.Operator, error) {
	return &matmul{Base: op.Base{Spec: spec}, b: b}, nil
}

func (m *matmul) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := m.Arity(inputs, outputs, 2, 1); err != nil {
		return err
	}
	a, bm := inputs[0].Shape(), inputs[1].Shape()
	if err := op.CheckWidth(m.Name(), "inner dim", a[3], bm[2]); err != nil {
		return err
	}
	if a[0] != bm[0] || a[1] != bm[1] {
		return &op.ShapeError{Op: m.Name(), Detail: "batch*heads", Want: a[0] * a[1], Got: bm[0] * bm[1]}
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(a.With(tensor.Dimension, bm[3]))
}

func (m *matmul) Setup(inputs, outputs []*tensor.Tensor) error {
	return m.b.bind(inputs, outputs)
}

func (m *matmul) Execute(inputs, outputs []*tensor.Tensor) error {
	kernel.Matmul(m.b.pool, inputs[0], inputs[1], outputs[0])
	return nil
}

type softmax struct {
	op.Base
	b *Backend
}

func (b *Backend) newSoftmax(spec op.Spec) (op.Operator, error) {
	return &softmax{Base: op.Base{Spec: spec}, b: b}, nil
}

func (s *softmax) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := s.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(inputs[0].Shape())
}

func (s *softmax) Setup(inputs, outputs []*tensor.Tensor) error {
	return s.b.bind(inputs, outputs)
}

func (s *softmax) Execute(inputs, outputs []*tensor.Tensor) error {
	kernel.Softmax(s.b.pool, inputs[0], outputs[0])
	return nil
}
