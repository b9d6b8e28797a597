// Package cpu is the general-purpose backend: operators execute eagerly on
// host memory with intra-operator loops spread over a worker pool.
package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-tandem/internal/metrics"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/parallel"
	"github.com/23skdu/longbow-tandem/internal/rope"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

type Options struct {
	// Threads sizes the worker pool; zero uses GOMAXPROCS.
	Threads int
	// Ropes is shared with other backends of the same engine; nil creates one.
	Ropes *rope.TableCache
}

type Backend struct {
	mu    sync.Mutex
	pool  *parallel.Pool
	ropes *rope.TableCache
	caps  op.Capabilities
	owned map[*tensor.Tensor]struct{}

	allocatedBytes atomic.Int64
}

func NewBackend(opts Options) *Backend {
	b := &Backend{
		pool:  parallel.New(opts.Threads),
		ropes: opts.Ropes,
		owned: make(map[*tensor.Tensor]struct{}),
	}
	if b.ropes == nil {
		b.ropes = rope.NewTableCache()
	}
	b.caps = op.Capabilities{
		op.Linear:          b.newLinear(false),
		op.LinearInt8:      b.newLinear(true),
		op.RMSNorm:         b.newRMSNorm,
		op.RoPE:            b.newRoPE,
		op.KVCache:         b.newKVCache,
		op.Attention:       b.newAttention,
		op.Matmul:          b.newMatmul,
		op.Softmax:         b.newSoftmax,
		op.Add:             b.newBinary,
		op.Mul:             b.newBinary,
		op.SiLU:            b.newSiLU,
		op.Embedding:       b.newEmbedding,
		op.View:            b.newView,
		op.Quantize:        b.newQuantize,
		op.Dequantize:      b.newDequantize,
		op.Merge:           b.newMerge,
		op.Split:           b.newSplit,
		op.ShadowReconcile: b.newShadowReconcile,
	}
	return b
}

func (b *Backend) Device() tensor.Device { return tensor.CPU }
func (b *Backend) Capabilities() op.Capabilities { return b.caps }
func (b *Backend) Pool() *parallel.Pool { return b.pool }
func (b *Backend) Ropes() *rope.TableCache { return b.ropes }

// AllocatedBytes reports storage bound through this backend.
func (b *Backend) AllocatedBytes() int64 {
	return b.allocatedBytes.Load()
}

func (b *Backend) traceAlloc(delta int64) {
	if delta == 0 {
		return
	}
	newVal := b.allocatedBytes.Add(delta)
	metrics.RecordTensorMemory(tensor.CPU.String(), newVal)
}

// bind allocates operator inputs and outputs on the host.
func (b *Backend) bind(inputs, outputs []*tensor.Tensor) error {
	n, err := op.Bind(tensor.CPU, inputs, outputs)
	b.traceAlloc(n)
	return err
}

// own allocates an operator-owned tensor (parameter or state) once.
func (b *Backend) own(t *tensor.Tensor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.owned[t]; ok && t.Allocated() {
		return nil
	}
	t.SetDevice(tensor.CPU)
	if err := t.Alloc(); err != nil {
		return err
	}
	b.owned[t] = struct{}{}
	b.traceAlloc(int64(t.Bytes()))
	return nil
}

// release frees an operator-owned tensor.
func (b *Backend) release(t *tensor.Tensor) {
	if t == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.owned[t]; !ok {
		return
	}
	delete(b.owned, t)
	if t.Allocated() {
		b.traceAlloc(-int64(t.Bytes()))
	}
	t.Free()
}

// Free releases every operator-owned tensor still bound.
func (b *Backend) Free() {
	b.mu.Lock()
	owned := make([]*tensor.Tensor, 0, len(b.owned))
	for t := range b.owned {
		owned = append(owned, t)
	}
	b.mu.Unlock()
	for _, t := range owned {
		b.release(t)
	}
}
