package cpu

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/kernel"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/rope"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// ropeOp rotates its input by absolute position. Tables come from the
// backend's cache; the position counter advances by the sequence length on
// every execute.
type ropeOp struct {
	op.Base
	b     *Backend
	cfg   rope.Config
	width int
	table *rope.Table
	pos   int
}

func (b *Backend) newRoPE(spec op.Spec) (op.Operator, error) {
	cfg := spec.Params.RoPE
	if cfg.MaxPosition <= 0 {
		return nil, fmt.Errorf("%s: invalid max position: %d (must be positive)", spec.Name, cfg.MaxPosition)
	}
	r := &ropeOp{Base: op.Base{Spec: spec}, b: b, cfg: cfg}
	if d := spec.Params.Dim; d > 0 {
		r.width = cfg.Width(d)
		r.table = b.ropes.Get(cfg, r.width)
	}
	return r, nil
}

func (r *ropeOp) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := r.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	in := inputs[0]
	if d := r.Spec.Params.Dim; d > 0 {
		if err := op.CheckWidth(r.Name(), "head dim", d, in.Dimension()); err != nil {
			return err
		}
	}
	if w := r.cfg.Width(in.Dimension()); r.table == nil || w != r.width {
		r.width = w
		r.table = r.b.ropes.Get(r.cfg, w)
	}
	if end := r.pos + in.Sequence(); end > r.cfg.MaxPosition {
		return &op.ShapeError{Op: r.Name(), Detail: "position past rope max_position", Want: r.cfg.MaxPosition, Got: end}
	}
	op.DefaultDType(outputs[0], tensor.F32)
	return outputs[0].Reshape(in.Shape())
}

func (r *ropeOp) Setup(inputs, outputs []*tensor.Tensor) error {
	return r.b.bind(inputs, outputs)
}

func (r *ropeOp) Execute(inputs, outputs []*tensor.Tensor) error {
	kernel.RoPE(r.b.pool, r.table, inputs[0], outputs[0], r.pos)
	r.pos += inputs[0].Sequence()
	return nil
}

// Position is the number of positions consumed so far.
func (r *ropeOp) Position() int { return r.pos }
