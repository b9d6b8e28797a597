// Package tensor implements the typed, strided four-axis tensor shared by
// every backend. A master tensor owns a single byte arena; views are
// (offset, shape, stride) descriptors over their master's arena and never
// allocate on their own.
package tensor

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/x448/float16"
)

// Segment describes one source tensor packed into a boundary tensor.
type Segment struct {
	Name          string
	Shape         Shape
	DType         DType
	Layout        Layout
	Scale         float32
	ChannelScales []float32
	// Axis and Offset locate the segment inside the boundary tensor.
	Axis   Axis
	Offset int
}

type Tensor struct {
	name   string
	shape  Shape
	dtype  DType
	layout Layout
	device Device

	state State
	// frozen is set on first allocation or view binding; dtype and layout
	// cannot change afterwards.
	frozen bool

	// arena is only non-nil on masters.
	arena []byte

	master   *Tensor
	children []*Tensor
	offset   int
	strides  [4]int

	scale         float32
	channelScales []float32
	segments      []Segment
}

// New returns an unallocated master tensor in BSHD layout.
func New(name string, shape Shape, dtype DType) *Tensor {
	t := &Tensor{name: name, dtype: dtype, layout: BSHD, scale: 1}
	t.shape = shape
	t.strides = t.layout.strides(shape)
	return t
}

// Empty returns an unallocated tensor with zero extents; its shape is set
// later by a reshape pass.
func Empty(name string) *Tensor {
	return New(name, Shape{}, F32)
}

func (t *Tensor) Name() string { return t.name }
func (t *Tensor) SetName(name string) { t.name = name }

func (t *Tensor) Shape() Shape { return t.shape }
func (t *Tensor) Batch() int { return t.shape[0] }
func (t *Tensor) Head() int { return t.shape[1] }
func (t *Tensor) Sequence() int { return t.shape[2] }
func (t *Tensor) Dimension() int { return t.shape[3] }
func (t *Tensor) Numel() int { return t.shape.Numel() }
func (t *Tensor) Bytes() int { return t.shape.Numel() * t.dtype.Size() }
func (t *Tensor) DType() DType { return t.dtype }
func (t *Tensor) Layout() Layout { return t.layout }
func (t *Tensor) Device() Device { return t.device }
func (t *Tensor) Strides() [4]int { return t.strides }
func (t *Tensor) Master() *Tensor { return t.master }
func (t *Tensor) IsView() bool { return t.master != nil }
func (t *Tensor) Children() []*Tensor {
	return t.children
}

func (t *Tensor) SetDevice(d Device) { t.device = d }

// Fixed reports whether dtype and layout can no longer change.
func (t *Tensor) Fixed() bool { return t.frozen }

// SetDType fixes the element type. It fails once the tensor has been
// allocated or bound as a view with a different type.
func (t *Tensor) SetDType(d DType) error {
	if t.dtype == d {
		return nil
	}
	if t.frozen {
		return fmt.Errorf("tensor %s: dtype fixed at %s, cannot change to %s", t.name, t.dtype, d)
	}
	t.dtype = d
	return nil
}

// SetLayout fixes the axis-order tag under the same rule as SetDType.
func (t *Tensor) SetLayout(l Layout) error {
	if t.layout == l {
		return nil
	}
	if t.frozen {
		return fmt.Errorf("tensor %s: layout fixed at %s, cannot change to %s", t.name, t.layout, l)
	}
	t.layout = l
	if t.master == nil {
		t.strides = l.strides(t.shape)
	}
	return nil
}

// Reshape sets the logical extents. A master whose new size exceeds its
// arena drops the arena and must be allocated again; a view keeps its
// master's strides and is range-checked.
func (t *Tensor) Reshape(s Shape) error {
	if !s.Valid() {
		return fmt.Errorf("tensor %s: invalid shape %s", t.name, s)
	}
	t.shape = s
	if t.master != nil {
		return t.checkRange()
	}
	t.strides = t.layout.strides(s)
	if t.state == Allocated && len(t.arena) < s.Numel()*t.dtype.Size() {
		t.arena = nil
		t.state = Unallocated
	}
	return nil
}

func (t *Tensor) root() *Tensor {
	r := t
	for r.master != nil {
		r = r.master
	}
	return r
}

// State reports the allocation state; views report their master's.
func (t *Tensor) State() State {
	if t.master != nil {
		return t.root().state
	}
	return t.state
}

func (t *Tensor) Allocated() bool { return t.State() == Allocated }

// Alloc binds storage. It is idempotent: an allocated tensor whose arena
// already fits its shape is left untouched. Views delegate to their master.
func (t *Tensor) Alloc() error {
	if t.master != nil {
		if err := t.root().Alloc(); err != nil {
			return err
		}
		return t.checkRange()
	}
	need := t.shape.Numel() * t.dtype.Size()
	if t.state == Allocated && len(t.arena) >= need {
		return nil
	}
	t.arena = newArena(need)
	t.state = Allocated
	t.frozen = true
	return nil
}

// Free releases the arena. Only masters release storage; Free on a view
// is a no-op.
func (t *Tensor) Free() {
	if t.master != nil {
		return
	}
	t.arena = nil
	t.state = Freed
}

// ViewOf rebinds t as a zero-copy view over master's region that starts at
// origin and spans shape. Any storage t owned is dropped.
func (t *Tensor) ViewOf(master *Tensor, origin, shape Shape) error {
	for i := 0; i < 4; i++ {
		if origin[i] < 0 || shape[i] < 0 || origin[i]+shape[i] > master.shape[i] {
			return fmt.Errorf("view %s: region %s+%s outside master %s %s", t.name, origin, shape, master.name, master.shape)
		}
	}
	off := master.offset
	for i := 0; i < 4; i++ {
		off += origin[i] * master.strides[i]
	}
	t.bind(master, off, master.strides, shape, master.layout)
	return t.checkRange()
}

// Reinterpret rebinds t as a contiguous view of master with a new logical
// shape and axis order over the same elements.
func (t *Tensor) Reinterpret(master *Tensor, shape Shape, layout Layout) error {
	if !master.Contiguous() {
		return fmt.Errorf("view %s: master %s is not contiguous", t.name, master.name)
	}
	if shape.Numel() != master.Numel() {
		return fmt.Errorf("view %s: %s has %d elements, master %s has %d", t.name, shape, shape.Numel(), master.name, master.Numel())
	}
	t.bind(master, master.offset, layout.strides(shape), shape, layout)
	return t.checkRange()
}

func (t *Tensor) bind(master *Tensor, offset int, strides [4]int, shape Shape, layout Layout) {
	t.arena = nil
	t.state = Unallocated
	t.master = master
	t.offset = offset
	t.strides = strides
	t.shape = shape
	t.dtype = master.dtype
	t.layout = layout
	t.device = master.device
	t.frozen = true
	for _, c := range master.children {
		if c == t {
			return
		}
	}
	master.children = append(master.children, t)
}

// checkRange verifies a view's address range lies inside its master's
// allocated arena. Unallocated masters are checked on Alloc.
func (t *Tensor) checkRange() error {
	r := t.root()
	if r.state != Allocated || t.shape.Numel() == 0 {
		return nil
	}
	last := t.offset
	for i := 0; i < 4; i++ {
		last += (t.shape[i] - 1) * t.strides[i]
	}
	if t.offset < 0 || (last+1)*t.dtype.Size() > len(r.arena) {
		return fmt.Errorf("view %s: elements [%d,%d] outside master %s (%d bytes)", t.name, t.offset, last, r.name, len(r.arena))
	}
	return nil
}

// Contiguous reports whether the elements occupy one dense run in layout
// order. Axes of extent 1 are ignored.
func (t *Tensor) Contiguous() bool {
	want := t.layout.strides(t.shape)
	for i := 0; i < 4; i++ {
		if t.shape[i] > 1 && t.strides[i] != want[i] {
			return false
		}
	}
	return true
}

// Index returns the element index of (b, h, s, d) inside the master arena.
func (t *Tensor) Index(b, h, s, d int) int {
	return t.offset + b*t.strides[0] + h*t.strides[1] + s*t.strides[2] + d*t.strides[3]
}

func (t *Tensor) storage() []byte {
	r := t.root()
	if r.state != Allocated {
		panic(fmt.Sprintf("tensor %s: access before allocation (%s)", t.name, r.state))
	}
	return r.arena
}

// At reads one element as float32. Integer types are returned unscaled.
func (t *Tensor) At(b, h, s, d int) float32 {
	i := t.Index(b, h, s, d)
	buf := t.storage()
	switch t.dtype {
	case F32:
		return asF32(buf)[i]
	case F16:
		return asF16(buf)[i].Float32()
	case I8:
		return float32(asI8(buf)[i])
	case I32:
		return float32(asI32(buf)[i])
	}
	return 0
}

// Set writes one element, rounding and saturating for integer types.
func (t *Tensor) Set(b, h, s, d int, v float32) {
	i := t.Index(b, h, s, d)
	buf := t.storage()
	switch t.dtype {
	case F32:
		asF32(buf)[i] = v
	case F16:
		asF16(buf)[i] = float16.Fromfloat32(v)
	case I8:
		asI8(buf)[i] = SaturateI8(v)
	case I32:
		asI32(buf)[i] = int32(math.Round(float64(v)))
	}
}

// Span returns the raw bytes of n consecutive arena elements starting at
// (b, h, s, d). The caller guarantees the run is dense.
func (t *Tensor) Span(b, h, s, d, n int) []byte {
	sz := t.dtype.Size()
	i := t.Index(b, h, s, d) * sz
	return t.storage()[i : i+n*sz]
}

// Float32s returns the elements of a contiguous f32 tensor in memory order.
func (t *Tensor) Float32s() []float32 {
	t.mustDense(F32)
	return asF32(t.storage())[t.offset : t.offset+t.Numel()]
}

// Float16s returns the elements of a contiguous f16 tensor in memory order.
func (t *Tensor) Float16s() []float16.Float16 {
	t.mustDense(F16)
	return asF16(t.storage())[t.offset : t.offset+t.Numel()]
}

// Int8s returns the elements of a contiguous i8 tensor in memory order.
func (t *Tensor) Int8s() []int8 {
	t.mustDense(I8)
	return asI8(t.storage())[t.offset : t.offset+t.Numel()]
}

// Int32s returns the elements of a contiguous i32 tensor in memory order.
func (t *Tensor) Int32s() []int32 {
	t.mustDense(I32)
	return asI32(t.storage())[t.offset : t.offset+t.Numel()]
}

func (t *Tensor) mustDense(d DType) {
	if t.dtype != d {
		panic(fmt.Sprintf("tensor %s: is %s, not %s", t.name, t.dtype, d))
	}
	if !t.Contiguous() {
		panic(fmt.Sprintf("tensor %s: not contiguous", t.name))
	}
}

// RowF32 returns the dimension-axis row at (b, h, s) as a slice into
// storage, or nil when the tensor is not f32 or the row is strided.
func (t *Tensor) RowF32(b, h, s int) []float32 {
	if t.dtype != F32 || (t.strides[3] != 1 && t.shape[3] > 1) {
		return nil
	}
	i := t.Index(b, h, s, 0)
	return asF32(t.storage())[i : i+t.shape[3]]
}

// RowI8 is RowF32 for i8 tensors.
func (t *Tensor) RowI8(b, h, s int) []int8 {
	if t.dtype != I8 || (t.strides[3] != 1 && t.shape[3] > 1) {
		return nil
	}
	i := t.Index(b, h, s, 0)
	return asI8(t.storage())[i : i+t.shape[3]]
}

// Floats copies the tensor out in logical (b, h, s, d) order.
func (t *Tensor) Floats() []float32 {
	out := make([]float32, 0, t.Numel())
	sh := t.shape
	for b := 0; b < sh[0]; b++ {
		for h := 0; h < sh[1]; h++ {
			for s := 0; s < sh[2]; s++ {
				for d := 0; d < sh[3]; d++ {
					out = append(out, t.At(b, h, s, d))
				}
			}
		}
	}
	return out
}

// Fill writes values given in logical (b, h, s, d) order.
func (t *Tensor) Fill(values []float32) error {
	if len(values) != t.Numel() {
		return fmt.Errorf("tensor %s: fill with %d values, want %d", t.name, len(values), t.Numel())
	}
	sh := t.shape
	i := 0
	for b := 0; b < sh[0]; b++ {
		for h := 0; h < sh[1]; h++ {
			for s := 0; s < sh[2]; s++ {
				for d := 0; d < sh[3]; d++ {
					t.Set(b, h, s, d, values[i])
					i++
				}
			}
		}
	}
	return nil
}

// Scale is the per-tensor quantization scale; 1 for unquantized data.
func (t *Tensor) Scale() float32 { return t.scale }
func (t *Tensor) SetScale(s float32) { t.scale = s }
func (t *Tensor) ChannelScales() []float32 { return t.channelScales }

// SetChannelScales sets per-channel scales; nil falls back to the
// per-tensor scale.
func (t *Tensor) SetChannelScales(s []float32) { t.channelScales = s }

// ScaleAt returns the scale of channel c: the dimension index for
// activations, the output row for weights.
func (t *Tensor) ScaleAt(c int) float32 {
	if len(t.channelScales) > 0 {
		return t.channelScales[c]
	}
	return t.scale
}

func (t *Tensor) Segments() []Segment { return t.segments }
func (t *Tensor) SetSegments(s []Segment) { t.segments = s }

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%s %s %s %s", t.name, t.shape, t.dtype, t.layout, t.device)
}

// SaturateI8 rounds v to the nearest integer and clamps it to [-127, 127].
func SaturateI8(v float32) int8 {
	r := math.Round(float64(v))
	if r > 127 {
		return 127
	}
	if r < -127 {
		return -127
	}
	return int8(r)
}

// newArena allocates n bytes backed by 8-byte words so typed views are aligned.
func newArena(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), n)
}

func asF32(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}

func asF16(b []byte) []float16.Float16 {
	if len(b) < 2 {
		return nil
	}
	return unsafe.Slice((*float16.Float16)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/2)
}

func asI8(b []byte) []int8 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(unsafe.SliceData(b))), len(b))
}

func asI32(b []byte) []int32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}
