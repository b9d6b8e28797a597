package cpu

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/kernel"
	"github.com/23skdu/longbow-tandem/internal/metrics"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

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
	return q.b.bind(inputs, outputs)
}

func (q *quantize) Execute(inputs, outputs []*tensor.Tensor) error {
	p := q.Spec.Params
	kernel.Quantize(q.b.pool, inputs[0], outputs[0], p.Scale, p.PerChannel)
	return nil
}

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
	return q.b.bind(inputs, outputs)
}

func (q *dequantize) Execute(inputs, outputs []*tensor.Tensor) error {
	kernel.Dequantize(q.b.pool, inputs[0], outputs[0])
	return nil
}

// shadowReconcile splits a shadow boundary tensor (pre-activation i8,
// post-projection i8, f32 reference, concatenated on the dimension axis)
// and writes the reconciled f32 result. The projection weight is the same
// i8 entry the accelerator uses, dequantized once after load.
type shadowReconcile struct {
	op.Base
	b      *Backend
	mode   kernel.ShadowMode
	weight *tensor.Tensor
	wf     []float32
}

func (b *Backend) newShadowReconcile(spec op.Spec) (op.Operator, error) {
	p := spec.Params
	if p.InFeatures <= 0 || p.OutFeatures <= 0 {
		return nil, fmt.Errorf("%s: invalid features %dx%d (must be positive)", spec.Name, p.InFeatures, p.OutFeatures)
	}
	mode, err := kernel.ParseShadowMode(p.ShadowMode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	name := p.Weight
	if name == "" {
		name = spec.Name + ".weight"
	}
	return &shadowReconcile{
		Base:   op.Base{Spec: spec},
		b:      b,
		mode:   mode,
		weight: tensor.New(name, tensor.S(1, 1, p.OutFeatures, p.InFeatures), tensor.I8),
	}, nil
}

func (r *shadowReconcile) segments(bnd *tensor.Tensor) ([]tensor.Segment, error) {
	segs, err := op.PlanSplit(r.Name(), bnd, 3, tensor.Dimension, nil, []tensor.DType{tensor.I8, tensor.I8})
	if err != nil {
		return nil, err
	}
	p := r.Spec.Params
	if err := op.CheckWidth(r.Name(), "pre-activation width", p.InFeatures, segs[0].Shape[3]); err != nil {
		return nil, err
	}
	if err := op.CheckWidth(r.Name(), "post-projection width", p.OutFeatures, segs[1].Shape[3]); err != nil {
		return nil, err
	}
	if err := op.CheckWidth(r.Name(), "reference width", p.OutFeatures, segs[2].Shape[3]); err != nil {
		return nil, err
	}
	return segs, nil
}

func (r *shadowReconcile) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := r.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	segs, err := r.segments(inputs[0])
	if err != nil {
		return err
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(segs[2].Shape)
}

func (r *shadowReconcile) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := r.b.bind(inputs, outputs); err != nil {
		return err
	}
	return r.b.own(r.weight)
}

func (r *shadowReconcile) Load(l op.Loader) error {
	if err := op.LoadParam(r.Name(), l, r.weight); err != nil {
		return err
	}
	r.wf = kernel.Dequantized(r.weight)
	return nil
}

func (r *shadowReconcile) Execute(inputs, outputs []*tensor.Tensor) error {
	if r.wf == nil {
		return fmt.Errorf("%w: %s: execute before load", op.ErrLifecycle, r.Name())
	}
	segs := inputs[0].Segments()
	n := kernel.Reconcile(r.b.pool, inputs[0], segs[0], segs[1], segs[2], r.wf, r.mode, outputs[0])
	metrics.RecordShadowOverrides(n)
	return nil
}

func (r *shadowReconcile) Free() error {
	r.b.release(r.weight)
	r.wf = nil
	return nil
}
