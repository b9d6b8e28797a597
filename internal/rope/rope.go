// Package rope builds rotary position embedding tables and keeps them in a
// cache owned by the caller instead of process globals.
package rope

import (
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-tandem/internal/metrics"
)

// Scheme selects the frequency base and channel pairing.
type Scheme int

const (
	// Llama rotates interleaved pairs (2i, 2i+1) with base 10000.
	Llama Scheme = iota
	// HF rotates halves (i, i+w/2) with a configurable theta.
	HF
	// Persimmon rotates halves over half the width with base 25000.
	Persimmon
	// PartialHF rotates halves over a leading fraction of the width.
	PartialHF
)

func (s Scheme) String() string {
	switch s {
	case Llama:
		return "llama"
	case HF:
		return "hf"
	case Persimmon:
		return "persimmon"
	case PartialHF:
		return "partial_hf"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "llama":
		return Llama, nil
	case "hf", "huggingface":
		return HF, nil
	case "persimmon":
		return Persimmon, nil
	case "partial_hf", "partial":
		return PartialHF, nil
	}
	return 0, fmt.Errorf("unknown rope scheme %q", s)
}

const (
	llamaBase     = 10000.0
	persimmonBase = 25000.0
)

type Config struct {
	Scheme        Scheme
	Theta         float64
	MaxPosition   int
	PartialRotary float64
}

// Base returns the frequency base used by the scheme.
func (c Config) Base() float64 {
	switch c.Scheme {
	case Llama:
		return llamaBase
	case Persimmon:
		return persimmonBase
	default:
		if c.Theta > 0 {
			return c.Theta
		}
		return llamaBase
	}
}

// Width returns how many leading channels of a dim-wide row are rotated.
// The result is always even.
func (c Config) Width(dim int) int {
	w := dim
	switch c.Scheme {
	case Persimmon:
		w = dim / 2
	case PartialHF:
		f := c.PartialRotary
		if f <= 0 || f > 1 {
			f = 1
		}
		w = int(float64(dim) * f)
	}
	return w &^ 1
}

// Table holds sin/cos for positions [0, MaxPosition) and Width/2 frequencies,
// row-major by position.
type Table struct {
	Scheme      Scheme
	Width       int
	MaxPosition int
	Sin         []float32
	Cos         []float32
}

func build(s Scheme, base float64, width, maxPos int) *Table {
	half := width / 2
	t := &Table{
		Scheme:      s,
		Width:       width,
		MaxPosition: maxPos,
		Sin:         make([]float32, maxPos*half),
		Cos:         make([]float32, maxPos*half),
	}
	for i := 0; i < half; i++ {
		freq := math.Pow(base, -2*float64(i)/float64(width))
		for p := 0; p < maxPos; p++ {
			a := float64(p) * freq
			t.Sin[p*half+i] = float32(math.Sin(a))
			t.Cos[p*half+i] = float32(math.Cos(a))
		}
	}
	return t
}

// Interleaved reports whether pairs are adjacent channels.
func (t *Table) Interleaved() bool { return t.Scheme == Llama }

// Rotate applies the rotation for position pos to the leading Width
// channels of x in place.
func (t *Table) Rotate(x []float32, pos int) {
	half := t.Width / 2
	sin := t.Sin[pos*half : (pos+1)*half]
	cos := t.Cos[pos*half : (pos+1)*half]
	for i := 0; i < half; i++ {
		a, b := i, i+half
		if t.Interleaved() {
			a, b = 2*i, 2*i+1
		}
		xa, xb := x[a], x[b]
		x[a] = xa*cos[i] - xb*sin[i]
		x[b] = xb*cos[i] + xa*sin[i]
	}
}

type key struct {
	scheme Scheme
	base   float64
	width  int
}

// TableCache owns the sin/cos tables of one engine. Tables are built on
// first use and rebuilt only when a larger position range is requested;
// a different width or scheme gets its own table.
type TableCache struct {
	mu       sync.Mutex
	tables   map[key]*Table
	rebuilds int
}

func NewTableCache() *TableCache {
	return &TableCache{tables: make(map[key]*Table)}
}

// Get returns the table for cfg at the given rotary width.
func (c *TableCache) Get(cfg Config, width int) *Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{scheme: cfg.Scheme, base: cfg.Base(), width: width}
	if t, ok := c.tables[k]; ok && t.MaxPosition >= cfg.MaxPosition {
		return t
	}
	t := build(cfg.Scheme, k.base, width, cfg.MaxPosition)
	c.tables[k] = t
	c.rebuilds++
	metrics.RecordRopeRebuild(cfg.Scheme.String())
	return t
}

// Rebuilds counts table computations since creation.
func (c *TableCache) Rebuilds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuilds
}

// Invalidate drops every table.
func (c *TableCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[key]*Table)
}

// Len is the number of cached tables.
func (c *TableCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tables)
}
