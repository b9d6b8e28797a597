package cpu

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/kernel"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// linear is a dense layer with weight (1, 1, out, in) and optional bias
// (1, 1, 1, out). The int8 variant stores i8 weights with their scales and
// accepts f32 or i8 activations.
type linear struct {
	op.Base
	b         *Backend
	quantized bool
	weight    *tensor.Tensor
	bias      *tensor.Tensor
}

func (b *Backend) newLinear(quantized bool) op.Factory {
	return func(spec op.Spec) (op.Operator, error) {
		p := spec.Params
		if p.InFeatures <= 0 || p.OutFeatures <= 0 {
			return nil, fmt.Errorf("%s: invalid features %dx%d (must be positive)", spec.Name, p.InFeatures, p.OutFeatures)
		}
		wt := tensor.F32
		if quantized {
			wt = tensor.I8
		}
		l := &linear{
			Base:      op.Base{Spec: spec},
			b:         b,
			quantized: quantized,
			weight:    tensor.New(spec.Name+".weight", tensor.S(1, 1, p.OutFeatures, p.InFeatures), wt),
		}
		if p.Bias {
			l.bias = tensor.New(spec.Name+".bias", tensor.S(1, 1, 1, p.OutFeatures), tensor.F32)
		}
		return l, nil
	}
}

func (l *linear) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := l.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	in := inputs[0]
	if err := op.CheckWidth(l.Name(), "in_features", l.Spec.Params.InFeatures, in.Dimension()); err != nil {
		return err
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(in.Shape().With(tensor.Dimension, l.Spec.Params.OutFeatures))
}

func (l *linear) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := l.b.bind(inputs, outputs); err != nil {
		return err
	}
	if err := l.b.own(l.weight); err != nil {
		return err
	}
	if l.bias != nil {
		return l.b.own(l.bias)
	}
	return nil
}

// Load reads the weight, then the bias when declared.
func (l *linear) Load(ld op.Loader) error {
	if err := op.LoadParam(l.Name(), ld, l.weight); err != nil {
		return err
	}
	if l.bias != nil {
		return op.LoadParam(l.Name(), ld, l.bias)
	}
	return nil
}

func (l *linear) Execute(inputs, outputs []*tensor.Tensor) error {
	if l.quantized {
		kernel.LinearInt8(l.b.pool, inputs[0], l.weight, l.bias, outputs[0], l.Spec.Params.Scale)
		return nil
	}
	kernel.Linear(l.b.pool, inputs[0], l.weight, l.bias, outputs[0])
	return nil
}

func (l *linear) Free() error {
	l.b.release(l.weight)
	l.b.release(l.bias)
	return nil
}

// Weight exposes the parameter tensor.
func (l *linear) Weight() *tensor.Tensor { return l.weight }
