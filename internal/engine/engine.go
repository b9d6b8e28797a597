// Package engine drives a partitioned operator graph. Each step walks the
// subgraphs in order; within a subgraph every operator is reshaped, then
// set up, then executed, and compiling backends run their program last.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/23skdu/longbow-tandem/internal/logger"
	"github.com/23skdu/longbow-tandem/internal/metrics"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

type boundOp struct {
	g       *op.Guard
	inputs  []*tensor.Tensor
	outputs []*tensor.Tensor
}

type subgraph struct {
	id       int
	device   tensor.Device
	backend  op.Backend
	compiler op.Compiler
	ops      []*boundOp
}

// Engine owns the tensors and operators of one graph. It is not safe for
// concurrent use; steps run strictly in sequence.
type Engine struct {
	graph     *Graph
	subgraphs []*subgraph
	tensors   map[string]*tensor.Tensor
	input     *tensor.Tensor
	output    *tensor.Tensor

	loaded bool
	pos    int
	steps  int
}

// New validates g and instantiates every node on the backend for its
// subgraph's device.
func New(g *Graph, backends ...op.Backend) (*Engine, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	byDev := make(map[tensor.Device]op.Backend, len(backends))
	for _, b := range backends {
		byDev[b.Device()] = b
	}

	e := &Engine{
		graph:   g,
		tensors: make(map[string]*tensor.Tensor),
	}
	e.input = e.tensor(g.Input)
	if err := e.input.SetDType(tensor.I32); err != nil {
		return nil, err
	}

	nodes := g.Nodes()
	for id, sp := range g.Subgraphs() {
		b, ok := byDev[sp.Device]
		if !ok {
			return nil, fmt.Errorf("%w: no backend for %s (subgraph %d)", op.ErrUnsupported, sp.Device, id)
		}
		sg := &subgraph{id: id, device: sp.Device, backend: b}
		sg.compiler, _ = b.(op.Compiler)
		for _, n := range nodes[sp.Start:sp.End] {
			spec := n.Spec
			spec.Device = sp.Device
			o, err := b.Capabilities().New(spec)
			if err != nil {
				return nil, fmt.Errorf("subgraph %d: %w", id, err)
			}
			bo := &boundOp{g: op.NewGuard(o)}
			for _, name := range n.Inputs {
				bo.inputs = append(bo.inputs, e.tensor(name))
			}
			for _, name := range n.Outputs {
				bo.outputs = append(bo.outputs, e.tensor(name))
			}
			sg.ops = append(sg.ops, bo)
		}
		e.subgraphs = append(e.subgraphs, sg)
	}
	e.output = e.tensors[g.Output]

	e.log().Info("Graph built",
		"ops", g.Len(),
		"subgraphs", len(e.subgraphs),
		"tensors", len(e.tensors),
		"devices", e.devices(),
	)
	return e, nil
}

func (e *Engine) tensor(name string) *tensor.Tensor {
	t, ok := e.tensors[name]
	if !ok {
		t = tensor.Empty(name)
		e.tensors[name] = t
	}
	return t
}

func (e *Engine) devices() []string {
	var d []string
	for _, sg := range e.subgraphs {
		d = append(d, sg.device.String())
	}
	return d
}

// Load runs the first pass: reshape and setup with a one-token input,
// then pull every operator's parameters from l in graph order.
func (e *Engine) Load(ctx context.Context, l op.Loader) error {
	if e.loaded {
		return fmt.Errorf("%w: engine: weights already loaded", op.ErrLifecycle)
	}
	if err := e.prepareInput([]int32{0}, false); err != nil {
		return err
	}
	for _, sg := range e.subgraphs {
		if err := e.runSubgraph(ctx, sg, l); err != nil {
			return e.fail(err)
		}
	}
	e.loaded = true
	e.log().Info("Weights loaded", "ops", e.graph.Len())
	return nil
}

// Step runs one graph pass over tokens and returns the logits tensor,
// shaped (1, 1, len(tokens), vocab). Cache and position counters advance
// by len(tokens).
func (e *Engine) Step(ctx context.Context, tokens []int32) (*tensor.Tensor, error) {
	if !e.loaded {
		return nil, fmt.Errorf("%w: engine: step before load", op.ErrLifecycle)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("engine: empty token batch")
	}
	start := time.Now()
	if err := e.prepareInput(tokens, true); err != nil {
		return nil, err
	}
	for _, sg := range e.subgraphs {
		if err := e.runSubgraph(ctx, sg, nil); err != nil {
			return nil, e.fail(err)
		}
	}
	e.pos += len(tokens)
	e.steps++
	dur := time.Since(start)
	metrics.RecordStep(len(tokens), dur)
	metrics.RecordContextLength(e.pos)
	e.log().Debug("Step done",
		"tokens", len(tokens),
		"position", e.pos,
		"duration_ms", float64(dur.Microseconds())/1000,
	)
	return e.output, nil
}

// prepareInput sizes the token tensor; with fill it also writes the ids,
// which needs storage and so happens after the first subgraph's setup.
func (e *Engine) prepareInput(tokens []int32, fill bool) error {
	if err := e.input.Reshape(tensor.S(1, 1, len(tokens), 1)); err != nil {
		return err
	}
	if !fill {
		return nil
	}
	if err := e.input.Alloc(); err != nil {
		return err
	}
	copy(e.input.Int32s(), tokens)
	return nil
}

func (e *Engine) fail(err error) error {
	if op.Fatal(err) {
		metrics.RecordFatal(op.ErrorKind(err))
	}
	return err
}

// runSubgraph does reshape, setup (bracketed by BeginGraph/EndGraph on
// compiling backends), then either load or execute and invoke.
func (e *Engine) runSubgraph(ctx context.Context, sg *subgraph, l op.Loader) error {
	wrap := func(err error) error {
		return fmt.Errorf("subgraph %d (%s): %w", sg.id, sg.device, err)
	}
	for _, o := range sg.ops {
		if err := o.g.Reshape(o.inputs, o.outputs); err != nil {
			return wrap(err)
		}
	}
	if sg.compiler != nil {
		if err := sg.compiler.BeginGraph(sg.id, sg.ops[0].inputs); err != nil {
			return wrap(err)
		}
	}
	for _, o := range sg.ops {
		if err := o.g.Setup(o.inputs, o.outputs); err != nil {
			return wrap(err)
		}
	}
	if sg.compiler != nil {
		if err := sg.compiler.EndGraph(sg.id); err != nil {
			return wrap(err)
		}
	}

	if l != nil {
		for _, o := range sg.ops {
			if err := o.g.Load(l); err != nil {
				return wrap(err)
			}
		}
		return nil
	}

	dev := sg.device.String()
	for _, o := range sg.ops {
		t0 := time.Now()
		if err := o.g.Execute(o.inputs, o.outputs); err != nil {
			return wrap(err)
		}
		metrics.RecordOp(o.g.Kind().String(), dev, time.Since(t0))
	}
	if sg.compiler != nil {
		t0 := time.Now()
		if err := sg.compiler.Invoke(ctx, sg.id); err != nil {
			return wrap(err)
		}
		metrics.RecordOp("program", dev, time.Since(t0))
	}
	if next := sg.id + 1; next < len(e.subgraphs) {
		last := sg.ops[len(sg.ops)-1]
		metrics.RecordBoundary(dev, e.subgraphs[next].device.String(), last.outputs[0].Bytes())
	}
	return nil
}

// Position is the number of tokens consumed so far.
func (e *Engine) Position() int { return e.pos }

// Tensor returns a named graph tensor, or nil.
func (e *Engine) Tensor(name string) *tensor.Tensor { return e.tensors[name] }

// Operator returns the operator implementation with the given name, or nil.
func (e *Engine) Operator(name string) op.Operator {
	for _, sg := range e.subgraphs {
		for _, o := range sg.ops {
			if o.g.Name() == name {
				return o.g.Unwrap()
			}
		}
	}
	return nil
}

type occupant interface {
	Occupancy() int
	Limit() int
}

// Occupancy reports cached positions per cache operator.
func (e *Engine) Occupancy() map[string]int {
	occ := make(map[string]int)
	for _, sg := range e.subgraphs {
		for _, o := range sg.ops {
			if c, ok := o.g.Unwrap().(occupant); ok {
				occ[o.g.Name()] = c.Occupancy()
			}
		}
	}
	return occ
}

// SubgraphStatus describes one partition.
type SubgraphStatus struct {
	ID     int      `json:"id"`
	Device string   `json:"device"`
	Ops    []string `json:"ops"`
}

// CacheStatus is one cache operator's fill level.
type CacheStatus struct {
	Name      string `json:"name"`
	Occupancy int    `json:"occupancy"`
	Limit     int    `json:"limit"`
}

// Status is a snapshot for the monitoring endpoint.
type Status struct {
	Loaded    bool             `json:"loaded"`
	Position  int              `json:"position"`
	Steps     int              `json:"steps"`
	Subgraphs []SubgraphStatus `json:"subgraphs"`
	Caches    []CacheStatus    `json:"caches"`
}

func (e *Engine) Status() Status {
	s := Status{Loaded: e.loaded, Position: e.pos, Steps: e.steps}
	for _, sg := range e.subgraphs {
		ss := SubgraphStatus{ID: sg.id, Device: sg.device.String()}
		for _, o := range sg.ops {
			ss.Ops = append(ss.Ops, o.g.Name())
			if c, ok := o.g.Unwrap().(occupant); ok {
				s.Caches = append(s.Caches, CacheStatus{Name: o.g.Name(), Occupancy: c.Occupancy(), Limit: c.Limit()})
			}
		}
		s.Subgraphs = append(s.Subgraphs, ss)
	}
	sort.Slice(s.Caches, func(i, j int) bool { return s.Caches[i].Name < s.Caches[j].Name })
	return s
}

// Free releases every operator's buffers. The engine is unusable afterward.
func (e *Engine) Free() {
	for _, sg := range e.subgraphs {
		for _, o := range sg.ops {
			if err := o.g.Free(); err != nil {
				e.log().Warn("Free failed", "op", o.g.Name(), "error", err)
			}
		}
	}
	for _, t := range e.tensors {
		t.Free()
	}
}

// log resolves the component logger on use so later logger.Setup or
// logger.SetOutput calls take effect.
func (e *Engine) log() *logger.Logger { return logger.Log.With("component", "engine") }
