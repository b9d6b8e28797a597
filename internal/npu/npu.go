// Package npu is the accelerator backend. Operators do not compute during
// execute: their setup emits nodes into a graph that is finalized once per
// (subgraph, input shape signature) and invoked as a single blocking call
// per step. Only app-write scalars change between invocations.
package npu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-tandem/internal/logger"
	"github.com/23skdu/longbow-tandem/internal/metrics"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/parallel"
	"github.com/23skdu/longbow-tandem/internal/rope"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

type Options struct {
	Threads int
	Ropes   *rope.TableCache
	// Device runs compiled programs; nil starts an Emulator.
	Device Device
}

type programKey struct {
	id  int
	sig string
}

type Backend struct {
	mu       sync.Mutex
	pool     *parallel.Pool
	ropes    *rope.TableCache
	dev      Device
	ownsDev  bool
	caps     op.Capabilities
	programs map[programKey]*Program
	current  map[int]*Program
	building *Builder

	allocatedBytes atomic.Int64
}

func NewBackend(opts Options) *Backend {
	b := &Backend{
		pool:     parallel.New(opts.Threads),
		ropes:    opts.Ropes,
		dev:      opts.Device,
		programs: make(map[programKey]*Program),
		current:  make(map[int]*Program),
	}
	if b.ropes == nil {
		b.ropes = rope.NewTableCache()
	}
	if b.dev == nil {
		b.dev = NewEmulator()
		b.ownsDev = true
	}
	b.caps = op.Capabilities{
		op.LinearInt8:  b.newLinearInt8,
		op.RMSNorm:     b.newRMSNorm,
		op.RoPE:        b.newRoPE,
		op.Add:         b.newBinary,
		op.Mul:         b.newBinary,
		op.SiLU:        b.newSiLU,
		op.View:        b.newView,
		op.Quantize:    b.newQuantize,
		op.Dequantize:  b.newDequantize,
		op.Merge:       b.newMerge,
		op.Split:       b.newSplit,
		op.ShadowMerge: b.newShadowMerge,
	}
	return b
}

func (b *Backend) Device() tensor.Device { return tensor.NPU }
func (b *Backend) Capabilities() op.Capabilities { return b.caps }

// AllocatedBytes reports storage bound through this backend.
func (b *Backend) AllocatedBytes() int64 { return b.allocatedBytes.Load() }

// Programs reports how many programs have been compiled.
func (b *Backend) Programs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.programs)
}

// Program returns the program selected for subgraph id by its last
// BeginGraph, or nil.
func (b *Backend) Program(id int) *Program {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current[id]
}

// Signature identifies the input shapes a program is compiled for.
func Signature(inputs []*tensor.Tensor) string {
	parts := make([]string, len(inputs))
	for i, t := range inputs {
		parts[i] = t.Shape().String() + t.DType().String()
	}
	return strings.Join(parts, ",")
}

// BeginGraph selects the cached program for the inputs' signature or
// starts compiling a new one.
func (b *Backend) BeginGraph(id int, inputs []*tensor.Tensor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.building != nil {
		return fmt.Errorf("%w: npu: graph %d begun while graph %d is open", op.ErrLifecycle, id, b.building.id)
	}
	key := programKey{id: id, sig: Signature(inputs)}
	if p, ok := b.programs[key]; ok {
		b.current[id] = p
		return nil
	}
	b.building = NewBuilder(id, key.sig)
	return nil
}

// EndGraph finalizes a graph opened by BeginGraph. It is a no-op when the
// program came from the cache.
func (b *Backend) EndGraph(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.building
	if g == nil {
		if b.current[id] == nil {
			return fmt.Errorf("%w: npu: end of graph %d that was never begun", op.ErrLifecycle, id)
		}
		return nil
	}
	b.building = nil
	if g.id != id {
		return fmt.Errorf("%w: npu: end of graph %d while graph %d is open", op.ErrLifecycle, id, g.id)
	}
	p, err := g.Finalize()
	if err != nil {
		return fmt.Errorf("npu: compile graph %d: %w", id, err)
	}
	b.programs[programKey{id: id, sig: g.sig}] = p
	b.current[id] = p
	metrics.RecordNPUCompile(len(p.nodes))
	logger.Log.Info("Compiled NPU program",
		"subgraph", id,
		"signature", p.Signature,
		"nodes", len(p.nodes),
		"static_bytes", p.StaticBytes(),
		"scalars", len(p.scalars),
	)
	return nil
}

// Invoke runs the current program of subgraph id and blocks until the
// device returns.
func (b *Backend) Invoke(ctx context.Context, id int) error {
	p := b.Program(id)
	if p == nil {
		return fmt.Errorf("%w: npu: invoke of uncompiled graph %d", op.ErrLifecycle, id)
	}
	metrics.RecordNPUInvoke()
	return b.dev.Run(ctx, p)
}

// emit adds a node when a graph is being compiled.
func (b *Backend) emit(n Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.building != nil {
		b.building.AddNode(n)
	}
}

func (b *Backend) static(t *tensor.Tensor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.building != nil {
		b.building.AddStatic(t)
	}
}

func (b *Backend) scalar(s *Scalar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.building != nil {
		b.building.AddScalar(s)
	}
}

func (b *Backend) traceAlloc(delta int64) {
	if delta == 0 {
		return
	}
	metrics.RecordTensorMemory(tensor.NPU.String(), b.allocatedBytes.Add(delta))
}

func (b *Backend) bind(inputs, outputs []*tensor.Tensor) error {
	n, err := op.Bind(tensor.NPU, inputs, outputs)
	b.traceAlloc(n)
	return err
}

// own allocates an operator-owned tensor on the device.
func (b *Backend) own(t *tensor.Tensor) error {
	if t.Allocated() {
		return nil
	}
	t.SetDevice(tensor.NPU)
	if err := t.Alloc(); err != nil {
		return err
	}
	b.traceAlloc(int64(t.Bytes()))
	return nil
}

func (b *Backend) release(t *tensor.Tensor) {
	if t == nil || !t.Allocated() {
		return
	}
	b.traceAlloc(-int64(t.Bytes()))
	t.Free()
}

// Close drops compiled programs and stops an owned emulator.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.programs = make(map[programKey]*Program)
	b.current = make(map[int]*Program)
	b.building = nil
	b.mu.Unlock()
	if b.ownsDev {
		return b.dev.Close()
	}
	return nil
}

func names(ts []*tensor.Tensor) []string {
	n := make([]string, len(ts))
	for i, t := range ts {
		n[i] = t.Name()
	}
	return n
}
