package op

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/tensor"
)

type stage int

const (
	stageNew stage = iota
	stageReshaped
	stageSetup
	stageFreed
)

// Guard enforces lifecycle ordering around an operator: Setup needs a
// preceding Reshape, Load and Execute need Setup, nothing runs after Free.
// Execute is also checked against the shapes Reshape predicted and must
// leave input shapes untouched.
type Guard struct {
	Operator
	stage     stage
	loaded    bool
	predicted []tensor.Shape
}

func NewGuard(o Operator) *Guard {
	if g, ok := o.(*Guard); ok {
		return g
	}
	return &Guard{Operator: o}
}

// Unwrap returns the guarded operator.
func (g *Guard) Unwrap() Operator { return g.Operator }

func (g *Guard) violation(call, detail string) error {
	return fmt.Errorf("%w: %s: %s %s", ErrLifecycle, g.Name(), call, detail)
}

func (g *Guard) Reshape(inputs, outputs []*tensor.Tensor) error {
	if g.stage == stageFreed {
		return g.violation("reshape", "after free")
	}
	if err := g.Operator.Reshape(inputs, outputs); err != nil {
		return err
	}
	g.predicted = g.predicted[:0]
	for _, t := range outputs {
		g.predicted = append(g.predicted, t.Shape())
	}
	g.stage = stageReshaped
	return nil
}

func (g *Guard) Setup(inputs, outputs []*tensor.Tensor) error {
	switch g.stage {
	case stageNew:
		return g.violation("setup", "before reshape")
	case stageFreed:
		return g.violation("setup", "after free")
	}
	if err := g.Operator.Setup(inputs, outputs); err != nil {
		return err
	}
	g.stage = stageSetup
	return nil
}

func (g *Guard) Load(l Loader) error {
	if g.stage != stageSetup {
		return g.violation("load", "before setup")
	}
	if err := g.Operator.Load(l); err != nil {
		return err
	}
	g.loaded = true
	return nil
}

func (g *Guard) Loaded() bool { return g.loaded }

func (g *Guard) Execute(inputs, outputs []*tensor.Tensor) error {
	if g.stage != stageSetup {
		return g.violation("execute", "without setup since last reshape")
	}
	before := make([]tensor.Shape, len(inputs))
	for i, t := range inputs {
		before[i] = t.Shape()
	}
	if err := g.Operator.Execute(inputs, outputs); err != nil {
		return err
	}
	for i, t := range inputs {
		if t.Shape() != before[i] {
			return fmt.Errorf("%w: %s: execute changed input %s from %s to %s", ErrLifecycle, g.Name(), t.Name(), before[i], t.Shape())
		}
	}
	for i, t := range outputs {
		if i < len(g.predicted) && t.Shape() != g.predicted[i] {
			return fmt.Errorf("%w: %s: output %s is %s, reshape predicted %s", ErrLifecycle, g.Name(), t.Name(), t.Shape(), g.predicted[i])
		}
	}
	return nil
}

func (g *Guard) Free() error {
	if g.stage == stageFreed {
		return nil
	}
	g.stage = stageFreed
	return g.Operator.Free()
}
