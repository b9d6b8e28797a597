package npu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// Kernel is the work of one graph node. It reads its operands through
// tensors captured at setup time, so one compiled program serves every
// shape that shares its signature.
type Kernel func() error

// Node is one entry of a compiled graph.
type Node struct {
	Name    string
	Kind    string
	Run     Kernel
	Inputs  []string
	Outputs []string
}

// Scalar is an app-write parameter: the host writes it between
// invocations and nodes read it at run time.
type Scalar struct {
	name string
	v    atomic.Int64
}

func NewScalar(name string) *Scalar { return &Scalar{name: name} }

func (s *Scalar) Name() string { return s.name }
func (s *Scalar) Set(v int) { s.v.Store(int64(v)) }
func (s *Scalar) Get() int { return int(s.v.Load()) }

// Builder accumulates a graph description. The first error is kept and
// reported by Finalize; later additions are ignored after a failure.
type Builder struct {
	id      int
	sig     string
	nodes   []Node
	names   map[string]struct{}
	statics []*tensor.Tensor
	scalars []*Scalar
	err     error
}

func NewBuilder(id int, sig string) *Builder {
	return &Builder{id: id, sig: sig, names: make(map[string]struct{})}
}

// Fail records err unless an earlier error was recorded.
func (g *Builder) Fail(err error) {
	if g.err == nil && err != nil {
		g.err = err
	}
}

func (g *Builder) Err() error { return g.err }

// AddNode appends a node. Node names must be unique within a graph.
func (g *Builder) AddNode(n Node) {
	if g.err != nil {
		return
	}
	if n.Run == nil {
		g.Fail(fmt.Errorf("npu graph %d: node %s has no kernel", g.id, n.Name))
		return
	}
	if _, dup := g.names[n.Name]; dup {
		g.Fail(fmt.Errorf("npu graph %d: duplicate node %s", g.id, n.Name))
		return
	}
	g.names[n.Name] = struct{}{}
	g.nodes = append(g.nodes, n)
}

// AddStatic registers a tensor whose contents are baked into the program.
// It must be allocated.
func (g *Builder) AddStatic(t *tensor.Tensor) {
	if g.err != nil {
		return
	}
	if !t.Allocated() {
		g.Fail(fmt.Errorf("npu graph %d: static tensor %s is %s", g.id, t.Name(), t.State()))
		return
	}
	for _, s := range g.statics {
		if s == t {
			return
		}
	}
	g.statics = append(g.statics, t)
}

func (g *Builder) AddScalar(s *Scalar) {
	for _, x := range g.scalars {
		if x == s {
			return
		}
	}
	g.scalars = append(g.scalars, s)
}

// Finalize freezes the graph into a Program.
func (g *Builder) Finalize() (*Program, error) {
	if g.err != nil {
		return nil, g.err
	}
	if len(g.nodes) == 0 {
		return nil, errors.New("npu: empty graph")
	}
	return &Program{
		ID:        g.id,
		Signature: g.sig,
		nodes:     g.nodes,
		statics:   g.statics,
		scalars:   g.scalars,
	}, nil
}

// Program is a finalized graph, invoked once per step.
type Program struct {
	ID        int
	Signature string

	nodes   []Node
	statics []*tensor.Tensor
	scalars []*Scalar
}

func (p *Program) Nodes() []Node { return p.nodes }
func (p *Program) Statics() []*tensor.Tensor { return p.statics }
func (p *Program) Scalars() []*Scalar { return p.scalars }

// StaticBytes is the size of the baked tensors.
func (p *Program) StaticBytes() int {
	n := 0
	for _, t := range p.statics {
		n += t.Bytes()
	}
	return n
}
