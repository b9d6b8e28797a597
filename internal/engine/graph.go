package engine

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// Node is one scheduled operator and the names of the tensors it consumes
// and produces.
type Node struct {
	Spec    op.Spec
	Inputs  []string
	Outputs []string
}

// Graph is a resolved operator list with explicit subgraph markers. Per
// layer repetition is unrolled by whoever builds it.
type Graph struct {
	Input  string
	Output string

	nodes   []Node
	devices []tensor.Device
	starts  []int
}

// NewGraph starts a graph reading i32 token ids from input and producing
// output. Nodes added before the first marker run on the CPU.
func NewGraph(input, output string) *Graph {
	return &Graph{Input: input, Output: output}
}

// BeginSubgraph marks that the following nodes run on dev. A marker for
// the device already in effect is ignored.
func (g *Graph) BeginSubgraph(dev tensor.Device) {
	if n := len(g.devices); n > 0 && g.devices[n-1] == dev {
		return
	}
	if n := len(g.starts); n > 0 && g.starts[n-1] == len(g.nodes) {
		// empty marker: drop it and retry against the one before
		g.devices, g.starts = g.devices[:n-1], g.starts[:n-1]
		g.BeginSubgraph(dev)
		return
	}
	g.devices = append(g.devices, dev)
	g.starts = append(g.starts, len(g.nodes))
}

// Add appends a node to the current subgraph.
func (g *Graph) Add(spec op.Spec, inputs []string, outputs ...string) {
	if len(g.devices) == 0 {
		g.BeginSubgraph(tensor.CPU)
	}
	g.nodes = append(g.nodes, Node{Spec: spec, Inputs: inputs, Outputs: outputs})
}

func (g *Graph) Len() int { return len(g.nodes) }

// Subgraphs returns the device and node range of every subgraph.
func (g *Graph) Subgraphs() []Span {
	spans := make([]Span, len(g.starts))
	for i, s := range g.starts {
		end := len(g.nodes)
		if i+1 < len(g.starts) {
			end = g.starts[i+1]
		}
		spans[i] = Span{Device: g.devices[i], Start: s, End: end}
	}
	return spans
}

// Span is a subgraph's device and its [Start, End) node range.
type Span struct {
	Device     tensor.Device
	Start, End int
}

func (g *Graph) Nodes() []Node { return g.nodes }

// Validate checks the partitioning protocol: every subgraph but the first
// opens with a split (or shadow reconcile) of the boundary tensor the
// previous subgraph's closing merge produced, and no other tensor is read
// outside the subgraph that produced it.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph: no operators")
	}
	spans := g.Subgraphs()
	producer := map[string]int{g.Input: 0}
	for si, sp := range spans {
		if sp.Start == sp.End {
			return fmt.Errorf("graph: subgraph %d (%s) is empty", si, sp.Device)
		}
		first, last := g.nodes[sp.Start], g.nodes[sp.End-1]
		if si > 0 {
			if !first.Spec.Kind.IsSplit() {
				return op.Boundary(first.Spec.Name, fmt.Sprintf("subgraph %d must open with a split", si), "split", first.Spec.Kind)
			}
			if len(first.Inputs) != 1 || first.Inputs[0] != g.nodes[sp.Start-1].Outputs[0] {
				return op.Boundary(first.Spec.Name, "split input", g.nodes[sp.Start-1].Outputs, first.Inputs)
			}
		}
		if si < len(spans)-1 && !last.Spec.Kind.IsMerge() {
			return op.Boundary(last.Spec.Name, fmt.Sprintf("subgraph %d must close with a merge", si), "merge", last.Spec.Kind)
		}
		for ni := sp.Start; ni < sp.End; ni++ {
			n := g.nodes[ni]
			if n.Spec.Device != sp.Device && n.Spec.Device != tensor.CPU {
				return fmt.Errorf("graph: %s declares %s inside a %s subgraph", n.Spec.Name, n.Spec.Device, sp.Device)
			}
			crossing := si > 0 && ni == sp.Start
			for _, in := range n.Inputs {
				p, ok := producer[in]
				if !ok {
					return fmt.Errorf("graph: %s reads %s before it is produced", n.Spec.Name, in)
				}
				if p != si && !(crossing && p == si-1) {
					return op.Boundary(n.Spec.Name, fmt.Sprintf("tensor %s crosses from subgraph %d without merge/split", in, p), p, si)
				}
			}
			for _, out := range n.Outputs {
				if _, dup := producer[out]; dup {
					return fmt.Errorf("graph: %s produced twice (by %s)", out, n.Spec.Name)
				}
				producer[out] = si
			}
		}
	}
	if _, ok := producer[g.Output]; !ok {
		return fmt.Errorf("graph: output %s is never produced", g.Output)
	}
	return nil
}
