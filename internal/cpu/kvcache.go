package cpu

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-tandem/internal/metrics"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// kvCache accumulates key or value history across steps. The store is
// created on the first reshape, shaped (b, h*rep, limit, d); each execute
// appends the input at the write offset and replicates every head into
// its rep sibling slots. The output is a view over the written prefix.
//
// An i8 store keeps one per-tensor scale. A positive Params.Scale fixes
// it; otherwise it tracks absmax/127 of everything written and only grows,
// requantizing the stored prefix when a write needs more range.
type kvCache struct {
	op.Base
	b     *Backend
	limit int
	rep   int
	dtype tensor.DType
	fixed float32

	store *tensor.Tensor
	pos   int
	scale float32
}

func (b *Backend) newKVCache(spec op.Spec) (op.Operator, error) {
	p := spec.Params
	if p.CacheLimit <= 0 {
		return nil, fmt.Errorf("%s: invalid cache limit: %d (must be positive)", spec.Name, p.CacheLimit)
	}
	rep := p.Replication
	if rep <= 0 {
		rep = 1
	}
	return &kvCache{
		Base:  op.Base{Spec: spec},
		b:     b,
		limit: p.CacheLimit,
		rep:   rep,
		dtype: p.CacheDType,
		fixed: p.Scale,
	}, nil
}

func (c *kvCache) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := c.Arity(inputs, outputs, 1, 1); err != nil {
		return err
	}
	in := inputs[0]
	sh := in.Shape()
	want := tensor.S(sh[0], sh[1]*c.rep, c.limit, sh[3])
	if c.store == nil {
		c.store = tensor.New(c.Name()+".store", want, c.dtype)
		if err := c.store.SetLayout(c.Spec.Params.Layout); err != nil {
			return err
		}
		if err := c.b.own(c.store); err != nil {
			return err
		}
	}
	st := c.store.Shape()
	if err := op.CheckWidth(c.Name(), "batch", st[0], sh[0]); err != nil {
		return err
	}
	if err := op.CheckWidth(c.Name(), "cached heads", st[1], sh[1]*c.rep); err != nil {
		return err
	}
	if err := op.CheckWidth(c.Name(), "head dim", st[3], sh[3]); err != nil {
		return err
	}
	if c.pos+sh[2] > c.limit {
		metrics.RecordKVCacheOverflow(c.pos+sh[2], c.limit)
		return &op.CacheOverflowError{Op: c.Name(), Requested: c.pos + sh[2], Limit: c.limit}
	}
	op.DefaultDType(in, c.dtype)
	return outputs[0].ViewOf(c.store, tensor.Shape{}, tensor.S(st[0], st[1], c.pos+sh[2], st[3]))
}

func (c *kvCache) Setup(inputs, outputs []*tensor.Tensor) error {
	if err := c.b.own(c.store); err != nil {
		return err
	}
	return c.b.bind(inputs, outputs)
}

func (c *kvCache) Execute(inputs, outputs []*tensor.Tensor) error {
	in := inputs[0]
	if c.store.DType() == tensor.I8 {
		c.writeQuantized(in)
		outputs[0].SetScale(c.scale)
		outputs[0].SetChannelScales(nil)
	} else {
		c.write(in)
		outputs[0].SetScale(1)
	}
	c.pos += in.Sequence()
	metrics.RecordKVCacheOccupancy(c.Name(), c.pos)
	return nil
}

// write copies in into a float store at the current offset. The dense
// paths move whole rows (BSHD) or whole sequence runs (BHDS) per copy.
func (c *kvCache) write(in *tensor.Tensor) {
	sh := in.Shape()
	st := c.store
	same := in.DType() == st.DType()
	switch {
	case same && st.Layout() == tensor.BSHD && (in.Strides()[3] == 1 || sh[3] == 1):
		c.b.pool.For2(sh[0]*sh[2], sh[1], func(bs, h int) {
			b, s := bs/sh[2], bs%sh[2]
			src := in.Span(b, h, s, 0, sh[3])
			for r := 0; r < c.rep; r++ {
				copy(st.Span(b, h*c.rep+r, c.pos+s, 0, sh[3]), src)
			}
		})
	case same && st.Layout() == tensor.BHDS && (in.Strides()[2] == 1 || sh[2] == 1):
		c.b.pool.For2(sh[0]*sh[1], sh[3], func(bh, d int) {
			b, h := bh/sh[1], bh%sh[1]
			src := in.Span(b, h, 0, d, sh[2])
			for r := 0; r < c.rep; r++ {
				copy(st.Span(b, h*c.rep+r, c.pos, d, sh[2]), src)
			}
		})
	default:
		c.b.pool.For2(sh[0]*sh[1], sh[2], func(bh, s int) {
			b, h := bh/sh[1], bh%sh[1]
			for d := 0; d < sh[3]; d++ {
				v := in.At(b, h, s, d)
				if in.DType() == tensor.I8 {
					v *= in.ScaleAt(d)
				}
				for r := 0; r < c.rep; r++ {
					st.Set(b, h*c.rep+r, c.pos+s, d, v)
				}
			}
		})
	}
}

// writeQuantized stores in as i8 codes under the cache scale. Float inputs
// are taken as values; i8 inputs are dequantized with their own scales.
func (c *kvCache) writeQuantized(in *tensor.Tensor) {
	sh := in.Shape()
	value := func(b, h, s, d int) float32 {
		v := in.At(b, h, s, d)
		if in.DType() == tensor.I8 {
			v *= in.ScaleAt(d)
		}
		return v
	}

	need := c.fixed
	if need <= 0 {
		var m float32
		for b := 0; b < sh[0]; b++ {
			for h := 0; h < sh[1]; h++ {
				for s := 0; s < sh[2]; s++ {
					for d := 0; d < sh[3]; d++ {
						m = max(m, float32(math.Abs(float64(value(b, h, s, d)))))
					}
				}
			}
		}
		need = m / 127
	}
	if need > c.scale {
		c.rescale(need)
	}
	st := c.store
	st.SetScale(c.scale)

	c.b.pool.For2(sh[0]*sh[1], sh[2], func(bh, s int) {
		b, h := bh/sh[1], bh%sh[1]
		for d := 0; d < sh[3]; d++ {
			var q float32
			if c.scale > 0 {
				q = value(b, h, s, d) / c.scale
			}
			for r := 0; r < c.rep; r++ {
				st.Set(b, h*c.rep+r, c.pos+s, d, q)
			}
		}
	})
}

// rescale requantizes the written prefix from the current scale to next.
func (c *kvCache) rescale(next float32) {
	if c.pos > 0 && c.scale > 0 {
		st, sh := c.store, c.store.Shape()
		f := c.scale / next
		c.b.pool.For2(sh[0]*sh[1], c.pos, func(bh, s int) {
			b, h := bh/sh[1], bh%sh[1]
			for d := 0; d < sh[3]; d++ {
				st.Set(b, h, s, d, st.At(b, h, s, d)*f)
			}
		})
	}
	c.scale = next
}

func (c *kvCache) Free() error {
	c.b.release(c.store)
	c.store = nil
	c.pos = 0
	c.scale = 0
	return nil
}

// Scale is the current i8 store scale, or 0 before the first write.
func (c *kvCache) Scale() float32 { return c.scale }

// Occupancy is the number of positions written so far.
func (c *kvCache) Occupancy() int { return c.pos }

// Limit is the configured maximum sequence length.
func (c *kvCache) Limit() int { return c.limit }

// Store exposes the backing tensor.
func (c *kvCache) Store() *tensor.Tensor { return c.store }
