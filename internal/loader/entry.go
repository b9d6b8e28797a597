// Package loader implements the weight stream: operators ask for a tensor
// by name and the loader fills its storage from a stored entry, checking
// the stored shape against the tensor's reshaped shape.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

var ErrNotFound = errors.New("weight not found")

// Entry is one stored tensor. Data holds the elements in logical
// (b, h, s, d) order, little-endian, in DType's encoding.
type Entry struct {
	Name          string
	Shape         tensor.Shape
	DType         tensor.DType
	Scale         float32
	ChannelScales []float32
	Data          []byte
}

// EntryOf snapshots an allocated tensor.
func EntryOf(t *tensor.Tensor) *Entry {
	e := &Entry{
		Name:          t.Name(),
		Shape:         t.Shape(),
		DType:         t.DType(),
		Scale:         t.Scale(),
		ChannelScales: append([]float32(nil), t.ChannelScales()...),
	}
	vals := t.Floats()
	e.Data = make([]byte, len(vals)*t.DType().Size())
	for i, v := range vals {
		e.put(i, v)
	}
	return e
}

// NewF32Entry builds an f32 entry from values.
func NewF32Entry(name string, shape tensor.Shape, vals []float32) *Entry {
	e := &Entry{Name: name, Shape: shape, DType: tensor.F32, Scale: 1, Data: make([]byte, 4*len(vals))}
	for i, v := range vals {
		e.put(i, v)
	}
	return e
}

func (e *Entry) put(i int, v float32) {
	switch e.DType {
	case tensor.F32:
		binary.LittleEndian.PutUint32(e.Data[4*i:], math.Float32bits(v))
	case tensor.F16:
		binary.LittleEndian.PutUint16(e.Data[2*i:], float16.Fromfloat32(v).Bits())
	case tensor.I8:
		e.Data[i] = byte(tensor.SaturateI8(v))
	case tensor.I32:
		binary.LittleEndian.PutUint32(e.Data[4*i:], uint32(int32(math.Round(float64(v)))))
	}
}

func (e *Entry) raw(i int) float32 {
	switch e.DType {
	case tensor.F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(e.Data[4*i:]))
	case tensor.F16:
		return float16.Frombits(binary.LittleEndian.Uint16(e.Data[2*i:])).Float32()
	case tensor.I8:
		return float32(int8(e.Data[i]))
	case tensor.I32:
		return float32(int32(binary.LittleEndian.Uint32(e.Data[4*i:])))
	}
	return 0
}

// scaleAt is the scale for element i: per output row when channel scales
// are present.
func (e *Entry) scaleAt(i int) float32 {
	if len(e.ChannelScales) == 0 {
		return e.Scale
	}
	return e.ChannelScales[(i/e.Shape[3])%len(e.ChannelScales)]
}

// Floats decodes the entry, applying quantization scales to i8 data.
func (e *Entry) Floats() []float32 {
	n := e.Shape.Numel()
	out := make([]float32, n)
	for i := range out {
		v := e.raw(i)
		if e.DType == tensor.I8 {
			v *= e.scaleAt(i)
		}
		out[i] = v
	}
	return out
}

func (e *Entry) validate() error {
	if !e.Shape.Valid() {
		return fmt.Errorf("entry %s: invalid shape %s", e.Name, e.Shape)
	}
	if want := e.Shape.Numel() * e.DType.Size(); len(e.Data) != want {
		return fmt.Errorf("entry %s: %d data bytes, want %d", e.Name, len(e.Data), want)
	}
	return nil
}

// Apply fills t from e. Matching dtypes copy the stored encoding and
// scales; otherwise values are decoded and, for an i8 target, requantized
// per output row.
func Apply(e *Entry, t *tensor.Tensor) error {
	if e.Shape != t.Shape() {
		return &op.WeightShapeMismatchError{Op: "loader", Tensor: t.Name(), Want: t.Shape(), Got: e.Shape}
	}
	if err := e.validate(); err != nil {
		return err
	}
	if err := t.Alloc(); err != nil {
		return err
	}
	if e.DType == t.DType() {
		vals := make([]float32, e.Shape.Numel())
		for i := range vals {
			vals[i] = e.raw(i)
		}
		t.SetScale(e.Scale)
		t.SetChannelScales(append([]float32(nil), e.ChannelScales...))
		return t.Fill(vals)
	}
	vals := e.Floats()
	if t.DType() != tensor.I8 {
		t.SetScale(1)
		t.SetChannelScales(nil)
		return t.Fill(vals)
	}
	return quantizeRows(t, vals)
}

// quantizeRows stores vals into the i8 tensor t with one absmax scale per
// (b, h, s) row, the layout of linear weights (1, 1, out, in).
func quantizeRows(t *tensor.Tensor, vals []float32) error {
	d := t.Dimension()
	rows := len(vals) / d
	scales := make([]float32, rows)
	q := make([]float32, len(vals))
	for r := 0; r < rows; r++ {
		var m float32
		for _, v := range vals[r*d : (r+1)*d] {
			m = max(m, float32(math.Abs(float64(v))))
		}
		sc := float32(1)
		if m > 0 {
			sc = m / 127
		}
		scales[r] = sc
		for i, v := range vals[r*d : (r+1)*d] {
			q[r*d+i] = v / sc
		}
	}
	t.SetScale(1)
	t.SetChannelScales(scales)
	if rows == 1 {
		t.SetScale(scales[0])
		t.SetChannelScales(nil)
	}
	return t.Fill(q)
}

// Map is an in-memory weight stream.
type Map struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

func NewMap() *Map {
	return &Map{entries: make(map[string]*Entry)}
}

// Put stores e, replacing an entry with the same name.
func (m *Map) Put(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.Name]; !ok {
		m.order = append(m.order, e.Name)
	}
	m.entries[e.Name] = e
}

func (m *Map) Get(name string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return e, ok
}

// Entries returns the stored entries in insertion order.
func (m *Map) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, len(m.order))
	for i, n := range m.order {
		out[i] = m.entries[n]
	}
	return out
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Map) Load(t *tensor.Tensor) error {
	e, ok := m.Get(t.Name())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, t.Name())
	}
	return Apply(e, t)
}

// Capture forwards loads to Src and keeps a snapshot of every tensor it
// filled in Into.
type Capture struct {
	Src  op.Loader
	Into *Map
}

func (c Capture) Load(t *tensor.Tensor) error {
	if err := c.Src.Load(t); err != nil {
		return err
	}
	c.Into.Put(EntryOf(t))
	return nil
}
