package npu

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/kernel"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/rope"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// node wraps a kernel for the operator named by base.
func node(base *op.Base, inputs, outputs []*tensor.Tensor, run Kernel) Node {
	return Node{
		Name:    base.Name(),
		Kind:    base.Kind().String(),
		Run:     run,
		Inputs:  names(inputs),
		Outputs: names(outputs),
	}
}

// linearInt8 consumes and produces i8 activations. The output requantizes
// with Params.Scale, or an absmax scale when zero.
type linearInt8 struct {
	op.Base
	b      *Backend
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

func (b *Backend) newLinearInt8(spec op.Spec) (op.Operator, error) {
	p := spec.Params
	if p.InFeatures <= 0 || p.OutFeatures <= 0 {
		return nil, fmt.Errorf("%s: invalid features %dx%d (must be positive)", spec.Name, p.InFeatures, p.OutFeatures)
	}
	l := &linearInt8{
		Base:   op.Base{Spec: spec},
		b:      b,
		weight: tensor.New(spec.Name+".weight", tensor.S(1, 1, p.OutFeatures, p.InFeatures), tensor.I8),
	}
	if p.Bias {
		l.bias = tensor.New(spec.Name+".bias", tensor.S(1, 1, 1, p.OutFeatures), tensor.F32)
	}
	return l, nil
}

func (l *linearInt8) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := l.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	in := inputs[0]
	if err := op.CheckWidth(l.Name(), "in_features", l.Spec.Params.InFeatures, in.Dimension()); err != nil {
		return err
	}
	if err := op.RequireDType(l.Name(), in, tensor.I8); err != nil {
		return err
	}
	if err := op.RequireDType(l.Name(), outputs[0], tensor.I8); err != nil {
		return err
	}
	return outputs[0].Reshape(in.Shape().With(tensor.Dimension, l.Spec.Params.OutFeatures))
}

func (l *linearInt8) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := l.b.bind(inputs, outputs); err != nil {
		return err
	}
	if err := l.b.own(l.weight); err != nil {
		return err
	}
	l.b.static(l.weight)
	if l.bias != nil {
		if err := l.b.own(l.bias); err != nil {
			return err
		}
		l.b.static(l.bias)
	}
	in, out := inputs[0], outputs[0]
	scale := l.Spec.Params.Scale
	l.b.emit(node(&l.Base, inputs, outputs, func() error {
		kernel.LinearInt8(l.b.pool, in, l.weight, l.bias, out, scale)
		return nil
	}))
	return nil
}

func (l *linearInt8) Load(ld op.Loader) error {
	if err := op.LoadParam(l.Name(), ld, l.weight); err != nil {
		return err
	}
	if l.bias != nil {
		return op.LoadParam(l.Name(), ld, l.bias)
	}
	return nil
}

func (l *linearInt8) Execute(inputs, outputs []*tensor.Tensor) error { return nil }

func (l *linearInt8) Free() error {
	l.b.release(l.weight)
	l.b.release(l.bias)
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
	if err := n.b.own(n.weight); err != nil {
		return err
	}
	n.b.static(n.weight)
	in, out, eps := inputs[0], outputs[0], n.Spec.Params.Eps
	n.b.emit(node(&n.Base, inputs, outputs, func() error {
		kernel.RMSNorm(n.b.pool, in, n.weight, out, eps)
		return nil
	}))
	return nil
}

func (n *rmsNorm) Load(l op.Loader) error { return op.LoadParam(n.Name(), l, n.weight) }

func (n *rmsNorm) Execute(inputs, outputs []*tensor.Tensor) error { return nil }

func (n *rmsNorm) Free() error {
	n.b.release(n.weight)
	return nil
}

// ropeOp bakes the sin/cos tables into the program as static tensors. The
// position is an app-write scalar, written on execute before the program
// runs.
type ropeOp struct {
	op.Base
	b        *Backend
	cfg      rope.Config
	table    *rope.Table
	sin, cos *tensor.Tensor
	hCnt     *Scalar
	pos      int
}

func (b *Backend) newRoPE(spec op.Spec) (op.Operator, error) {
	cfg := spec.Params.RoPE
	if cfg.MaxPosition <= 0 {
		return nil, fmt.Errorf("%s: invalid max position: %d (must be positive)", spec.Name, cfg.MaxPosition)
	}
	if spec.Params.Dim <= 0 {
		return nil, fmt.Errorf("%s: invalid dim: %d (must be positive)", spec.Name, spec.Params.Dim)
	}
	tab := b.ropes.Get(cfg, cfg.Width(spec.Params.Dim))
	half := tab.Width / 2
	return &ropeOp{
		Base:  op.Base{Spec: spec},
		b:     b,
		cfg:   cfg,
		table: tab,
		sin:   tensor.New(spec.Name+".sin", tensor.S(1, 1, tab.MaxPosition, half), tensor.F32),
		cos:   tensor.New(spec.Name+".cos", tensor.S(1, 1, tab.MaxPosition, half), tensor.F32),
		hCnt:  NewScalar(spec.Name + ".h_cnt"),
	}, nil
}

func (r *ropeOp) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := r.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	in := inputs[0]
	if err := op.CheckWidth(r.Name(), "head dim", r.Spec.Params.Dim, in.Dimension()); err != nil {
		return err
	}
	if end := r.pos + in.Sequence(); end > r.cfg.MaxPosition {
		return &op.ShapeError{Op: r.Name(), Detail: "position past rope max_position", Want: r.cfg.MaxPosition, Got: end}
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(in.Shape())
}

func (r *ropeOp) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := r.b.bind(inputs, outputs); err != nil {
		return err
	}
	if !r.sin.Allocated() {
		if err := r.b.own(r.sin); err != nil {
			return err
		}
		if err := r.b.own(r.cos); err != nil {
			return err
		}
		copy(r.sin.Float32s(), r.table.Sin)
		copy(r.cos.Float32s(), r.table.Cos)
	}
	r.b.static(r.sin)
	r.b.static(r.cos)
	r.b.scalar(r.hCnt)
	baked := &rope.Table{
		Scheme:      r.table.Scheme,
		Width:       r.table.Width,
		MaxPosition: r.table.MaxPosition,
		Sin:         r.sin.Float32s(),
		Cos:         r.cos.Float32s(),
	}
	in, out := inputs[0], outputs[0]
	r.b.emit(node(&r.Base, inputs, outputs, func() error {
		kernel.RoPE(r.b.pool, baked, in, out, r.hCnt.Get())
		return nil
	}))
	return nil
}

func (r *ropeOp) Execute(inputs, outputs []*tensor.Tensor) error {
	r.hCnt.Set(r.pos)
	r.pos += inputs[0].Sequence()
	return nil
}

func (r *ropeOp) Position() int { return r.pos }

func (r *ropeOp) Free() error {
	r.b.release(r.sin)
	r.b.release(r.cos)
	return nil
}

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
	if err := e.b.bind(inputs, outputs); err != nil {
		return err
	}
	x, y, out := inputs[0], inputs[1], outputs[0]
	e.b.emit(node(&e.Base, inputs, outputs, func() error {
		kernel.Binary(e.b.pool, x, y, out, e.f)
		return nil
	}))
	return nil
}

func (e *binary) Execute(inputs, outputs []*tensor.Tensor) error { return nil }

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
	if err := s.b.bind(inputs, outputs); err != nil {
		return err
	}
	in, out := inputs[0], outputs[0]
	s.b.emit(node(&s.Base, inputs, outputs, func() error {
		kernel.SiLU(s.b.pool, in, out)
		return nil
	}))
	return nil
}

func (s *silu) Execute(inputs, outputs []*tensor.Tensor) error { return nil }

// view is zero-copy and adds no node.
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

func (v *view) Setup(inputs, outputs []*tensor.Tensor) error { return v.b.bind(inputs, outputs) }

func (v *view) Execute(inputs, outputs []*tensor.Tensor) error { return nil }

type quantize struct {
	op.Base
	b *Backend
}

func (b *Backend) newQuantize(spec op.Spec) (op.Operator, error) {
	return &quantize{Base: op.Base{Spec: spec}, b: b}, nil
}

func (q *quantize) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := q.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	if err := op.RequireDType(q.Name(), outputs[0], tensor.I8); err != nil {
		return err
	}
	return outputs[0].Reshape(inputs[0].Shape())
}

func (q *quantize) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := q.b.bind(inputs, outputs); err != nil {
		return err
	}
	in, out, p := inputs[0], outputs[0], q.Spec.Params
	q.b.emit(node(&q.Base, inputs, outputs, func() error {
		kernel.Quantize(q.b.pool, in, out, p.Scale, p.PerChannel)
		return nil
	}))
	return nil
}

func (q *quantize) Execute(inputs, outputs []*tensor.Tensor) error { return nil }

type dequantize struct {
	op.Base
	b *Backend
}

func (b *Backend) newDequantize(spec op.Spec) (op.Operator, error) {
	return &dequantize{Base: op.Base{Spec: spec}, b: b}, nil
}

func (q *dequantize) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := q.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	if err := op.RequireDType(q.Name(), inputs[0], tensor.I8); err != nil {
		return err
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(inputs[0].Shape())
}

func (q *dequantize) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := q.b.bind(inputs, outputs); err != nil {
		return err
	}
	in, out := inputs[0], outputs[0]
	q.b.emit(node(&q.Base, inputs, outputs, func() error {
		kernel.Dequantize(q.b.pool, in, out)
		return nil
	}))
	return nil
}

func (q *dequantize) Execute(inputs, outputs []*tensor.Tensor) error { return nil }
