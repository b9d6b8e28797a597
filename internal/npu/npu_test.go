package npu

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/rope"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

type call struct {
	g       *op.Guard
	in, out []*tensor.Tensor
}

type mapLoader map[string][]float32

func (m mapLoader) Load(t *tensor.Tensor) error {
	v, ok := m[t.Name()]
	if !ok {
		return fmt.Errorf("no entry %s", t.Name())
	}
	return t.Fill(v)
}

func build(t *testing.T, b *Backend, spec op.Spec, in, out []*tensor.Tensor) call {
	t.Helper()
	spec.Device = tensor.NPU
	o, err := b.Capabilities().New(spec)
	if err != nil {
		t.Fatalf("New %s: %v", spec.Name, err)
	}
	return call{g: op.NewGuard(o), in: in, out: out}
}

// pass drives one subgraph the way the engine does. With a loader it is a
// load pass; otherwise fill runs before execute and the program is invoked.
func pass(b *Backend, id int, calls []call, ld op.Loader, fill func() error) error {
	for _, c := range calls {
		if err := c.g.Reshape(c.in, c.out); err != nil {
			return err
		}
	}
	if err := b.BeginGraph(id, calls[0].in); err != nil {
		return err
	}
	for _, c := range calls {
		if err := c.g.Setup(c.in, c.out); err != nil {
			return err
		}
	}
	if err := b.EndGraph(id); err != nil {
		return err
	}
	if ld != nil {
		for _, c := range calls {
			if err := c.g.Load(ld); err != nil {
				return err
			}
		}
		return nil
	}
	if fill != nil {
		if err := fill(); err != nil {
			return err
		}
	}
	for _, c := range calls {
		if err := c.g.Execute(c.in, c.out); err != nil {
			return err
		}
	}
	return b.Invoke(context.Background(), id)
}

func int8Chain(t *testing.T, b *Backend, x *tensor.Tensor) ([]call, *tensor.Tensor) {
	xq, yq, y := tensor.Empty("xq"), tensor.Empty("yq"), tensor.Empty("y")
	calls := []call{
		build(t, b, op.Spec{Name: "q", Kind: op.Quantize, Params: op.Params{Scale: 1}}, []*tensor.Tensor{x}, []*tensor.Tensor{xq}),
		build(t, b, op.Spec{Name: "proj", Kind: op.LinearInt8, Params: op.Params{InFeatures: 4, OutFeatures: 3, Scale: 4}}, []*tensor.Tensor{xq}, []*tensor.Tensor{yq}),
		build(t, b, op.Spec{Name: "dq", Kind: op.Dequantize}, []*tensor.Tensor{yq}, []*tensor.Tensor{y}),
	}
	return calls, y
}

var projWeights = mapLoader{"proj.weight": {
	1, 0, 0, 0,
	0, 0, 1, 1,
	1, 1, 1, 1,
}}

func TestInt8ChainCompilesOncePerSignature(t *testing.T) {
	b := NewBackend(Options{Threads: 2})
	defer b.Close()
	x := tensor.New("x", tensor.S(1, 1, 1, 4), tensor.F32)
	calls, y := int8Chain(t, b, x)

	if err := pass(b, 0, calls, projWeights, nil); err != nil {
		t.Fatalf("load pass: %v", err)
	}
	row := []float32{100, 0, -40, 8}
	for _, s := range []int{4, 1, 4, 1} {
		if err := x.Reshape(tensor.S(1, 1, s, 4)); err != nil {
			t.Fatal(err)
		}
		fill := func() error {
			vals := make([]float32, 0, 4*s)
			for i := 0; i < s; i++ {
				vals = append(vals, row...)
			}
			return x.Fill(vals)
		}
		if err := pass(b, 0, calls, nil, fill); err != nil {
			t.Fatalf("seq %d: %v", s, err)
		}
		if y.Sequence() != s {
			t.Fatalf("Expected output length %d, got %d", s, y.Sequence())
		}
		for i := 0; i < s; i++ {
			got := []float32{y.At(0, 0, i, 0), y.At(0, 0, i, 1), y.At(0, 0, i, 2)}
			if diff := cmp.Diff([]float32{100, -32, 68}, got); diff != "" {
				t.Fatalf("seq %d row %d (-want +got):\n%s", s, i, diff)
			}
		}
	}
	if n := b.Programs(); n != 2 {
		t.Errorf("Expected 2 programs (prefill and decode), got %d", n)
	}
	p := b.Program(0)
	if len(p.Nodes()) != 3 {
		t.Errorf("Expected 3 nodes, got %d", len(p.Nodes()))
	}
	if len(p.Statics()) != 1 || p.Statics()[0].Name() != "proj.weight" {
		t.Errorf("Expected the weight as the only static, got %v", p.Statics())
	}
}

func TestRoPEPositionIsAppWriteScalar(t *testing.T) {
	ropes := rope.NewTableCache()
	b := NewBackend(Options{Threads: 1, Ropes: ropes})
	defer b.Close()
	cfg := rope.Config{Scheme: rope.Llama, MaxPosition: 16}
	x := tensor.New("x", tensor.S(1, 2, 2, 4), tensor.F32)
	y := tensor.Empty("y")
	calls := []call{build(t, b, op.Spec{Name: "rot", Kind: op.RoPE, Params: op.Params{RoPE: cfg, Dim: 4}}, []*tensor.Tensor{x}, []*tensor.Tensor{y})}

	vals := []float32{1, 2, 3, 4}
	fill := func() error {
		all := make([]float32, 0, x.Numel())
		for i := 0; i < x.Numel()/4; i++ {
			all = append(all, vals...)
		}
		return x.Fill(all)
	}
	if err := pass(b, 3, calls, nil, fill); err != nil {
		t.Fatal(err)
	}
	if err := x.Reshape(tensor.S(1, 2, 1, 4)); err != nil {
		t.Fatal(err)
	}
	if err := pass(b, 3, calls, nil, fill); err != nil {
		t.Fatal(err)
	}

	tab := ropes.Get(cfg, 4)
	want := append([]float32(nil), vals...)
	tab.Rotate(want, 2)
	for h := 0; h < 2; h++ {
		for d := 0; d < 4; d++ {
			if got := y.At(0, h, 0, d); math.Abs(float64(got-want[d])) > 1e-5 {
				t.Errorf("h=%d d=%d: Expected %v, got %v", h, d, want[d], got)
			}
		}
	}
	if pos := calls[0].g.Unwrap().(*ropeOp).Position(); pos != 3 {
		t.Errorf("Expected position 3, got %d", pos)
	}
	p := b.Program(3)
	if len(p.Scalars()) != 1 || p.Scalars()[0].Name() != "rot.h_cnt" {
		t.Errorf("Expected h_cnt scalar, got %v", p.Scalars())
	}
	if len(p.Statics()) != 2 {
		t.Errorf("Expected sin and cos statics, got %d", len(p.Statics()))
	}
	if ropes.Rebuilds() != 1 {
		t.Errorf("Expected 1 table build, got %d", ropes.Rebuilds())
	}
}

func TestSplitMergeInsideProgram(t *testing.T) {
	b := NewBackend(Options{Threads: 1})
	defer b.Close()

	a := tensor.New("a", tensor.S(1, 1, 2, 2), tensor.I8)
	c := tensor.New("c", tensor.S(1, 1, 2, 3), tensor.I8)
	in := tensor.Empty("boundary_in")
	if err := op.ReshapeMerge(op.Spec{Name: "host_merge", Params: op.Params{Axis: tensor.Dimension}}, []*tensor.Tensor{a, c}, in); err != nil {
		t.Fatal(err)
	}
	for _, tt := range []*tensor.Tensor{a, c, in} {
		if err := tt.Alloc(); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Fill([]float32{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := c.Fill([]float32{-1, -2, -3, -4, -5, -6}); err != nil {
		t.Fatal(err)
	}
	a.SetScale(0.25)
	if err := op.Pack("host_merge", in, []*tensor.Tensor{a, c}); err != nil {
		t.Fatal(err)
	}

	a2, c2, out := tensor.Empty("a2"), tensor.Empty("c2"), tensor.Empty("boundary_out")
	axis := op.Params{Axis: tensor.Dimension, Count: 2}
	calls := []call{
		build(t, b, op.Spec{Name: "split", Kind: op.Split, Params: axis}, []*tensor.Tensor{in}, []*tensor.Tensor{a2, c2}),
		build(t, b, op.Spec{Name: "merge", Kind: op.Merge, Params: axis}, []*tensor.Tensor{a2, c2}, []*tensor.Tensor{out}),
	}
	if err := pass(b, 1, calls, nil, nil); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in.Floats(), out.Floats()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if a2.Scale() != 0.25 || out.Segments()[0].Scale != 0.25 {
		t.Errorf("Expected scale 0.25 carried through, got %v and %v", a2.Scale(), out.Segments()[0].Scale)
	}
}

func TestShadowMergeRejectsDTypes(t *testing.T) {
	b := NewBackend(Options{})
	defer b.Close()
	pre := tensor.New("pre", tensor.S(1, 1, 1, 4), tensor.I8)
	post := tensor.New("post", tensor.S(1, 1, 1, 2), tensor.F32)
	ref := tensor.New("ref", tensor.S(1, 1, 1, 2), tensor.F32)
	c := build(t, b, op.Spec{Name: "shadow_merge", Kind: op.ShadowMerge}, []*tensor.Tensor{pre, post, ref}, []*tensor.Tensor{tensor.Empty("bnd")})
	err := c.g.Reshape(c.in, c.out)
	if !errors.Is(err, op.ErrBoundary) {
		t.Fatalf("Expected boundary contract error, got %v", err)
	}

	if err := post.SetDType(tensor.I8); err != nil {
		t.Fatal(err)
	}
	if err := c.g.Reshape(c.in, c.out); err != nil {
		t.Fatalf("Expected valid shadow merge, got %v", err)
	}
	if got := c.out[0].Shape(); got != tensor.S(1, 1, 1, 8) {
		t.Errorf("Expected boundary [1 1 1 8], got %s", got)
	}
	if c.out[0].DType() != tensor.F32 {
		t.Errorf("Expected widened f32 boundary, got %s", c.out[0].DType())
	}
}

func TestUnsupportedKinds(t *testing.T) {
	b := NewBackend(Options{})
	defer b.Close()
	for _, k := range []op.Kind{op.KVCache, op.Attention, op.Linear, op.ShadowReconcile, op.Embedding} {
		if b.Capabilities().Supports(k) {
			t.Errorf("npu should not support %s", k)
		}
		_, err := b.Capabilities().New(op.Spec{Name: "x", Kind: k, Device: tensor.NPU})
		if !errors.Is(err, op.ErrUnsupported) {
			t.Errorf("%s: Expected unsupported, got %v", k, err)
		}
	}
}

func TestLinearInt8RequiresInt8Input(t *testing.T) {
	b := NewBackend(Options{})
	defer b.Close()
	x := tensor.New("x", tensor.S(1, 1, 1, 4), tensor.F32)
	if err := x.Alloc(); err != nil {
		t.Fatal(err)
	}
	c := build(t, b, op.Spec{Name: "proj", Kind: op.LinearInt8, Params: op.Params{InFeatures: 4, OutFeatures: 2}}, []*tensor.Tensor{x}, []*tensor.Tensor{tensor.Empty("y")})
	if err := c.g.Reshape(c.in, c.out); !errors.Is(err, op.ErrUnsupported) {
		t.Fatalf("Expected unsupported dtype, got %v", err)
	}
}

func TestGraphLifecycleErrors(t *testing.T) {
	b := NewBackend(Options{})
	defer b.Close()
	if err := b.Invoke(context.Background(), 7); !errors.Is(err, op.ErrLifecycle) {
		t.Errorf("Expected lifecycle error for uncompiled invoke, got %v", err)
	}
	if err := b.EndGraph(7); !errors.Is(err, op.ErrLifecycle) {
		t.Errorf("Expected lifecycle error for unopened graph, got %v", err)
	}
	if err := b.BeginGraph(1, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.BeginGraph(2, nil); !errors.Is(err, op.ErrLifecycle) {
		t.Errorf("Expected lifecycle error for nested graph, got %v", err)
	}
	if err := b.EndGraph(1); err == nil {
		t.Error("Expected empty graph to fail to compile")
	}
}

func TestBuilderKeepsFirstError(t *testing.T) {
	g := NewBuilder(0, "sig")
	ok := func() error { return nil }
	g.AddNode(Node{Name: "a", Run: ok})
	g.AddNode(Node{Name: "a", Run: ok})
	g.AddNode(Node{Name: "b"})
	g.AddStatic(tensor.New("w", tensor.S(1, 1, 1, 1), tensor.F32))
	_, err := g.Finalize()
	if err == nil || err.Error() != "npu graph 0: duplicate node a" {
		t.Fatalf("Expected duplicate node error first, got %v", err)
	}
}

func TestEmulatorRunsNodesInOrder(t *testing.T) {
	e := NewEmulator()
	var order []string
	g := NewBuilder(5, "")
	for _, n := range []string{"first", "second", "third"} {
		name := n
		g.AddNode(Node{Name: name, Run: func() error {
			order = append(order, name)
			return nil
		}})
	}
	g.AddNode(Node{Name: "boom", Run: func() error { return errors.New("bad") }})
	p, err := g.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	err = e.Run(context.Background(), p)
	if err == nil || err.Error() != "npu program 5 node boom: bad" {
		t.Fatalf("Expected node error, got %v", err)
	}
	if diff := cmp.Diff([]string{"first", "second", "third"}, order); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if e.Runs() != 1 {
		t.Errorf("Expected 1 run, got %d", e.Runs())
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(context.Background(), p); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
