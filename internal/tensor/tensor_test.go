package tensor

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func seq(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i)
	}
	return v
}

func TestLayoutStrides(t *testing.T) {
	s := S(2, 3, 5, 7)
	tests := []struct {
		layout Layout
		want   [4]int
	}{
		{BSHD, [4]int{5 * 3 * 7, 7, 3 * 7, 1}},
		{BHSD, [4]int{3 * 5 * 7, 5 * 7, 7, 1}},
		{BHDS, [4]int{3 * 7 * 5, 7 * 5, 1, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.layout.String(), func(t *testing.T) {
			if got := tt.layout.strides(s); got != tt.want {
				t.Errorf("Expected strides %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAllocIdempotent(t *testing.T) {
	x := New("x", S(1, 2, 3, 4), F32)
	if x.Allocated() {
		t.Fatal("new tensor should be unallocated")
	}
	if err := x.Alloc(); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	x.Set(0, 1, 2, 3, 42)
	if err := x.Alloc(); err != nil {
		t.Fatalf("second Alloc failed: %v", err)
	}
	if got := x.At(0, 1, 2, 3); got != 42 {
		t.Errorf("re-Alloc clobbered data: got %v", got)
	}
	if x.Numel() != 24 || x.Bytes() != 96 {
		t.Errorf("Expected 24 elements / 96 bytes, got %d / %d", x.Numel(), x.Bytes())
	}
}

func TestDTypeFrozenAfterAlloc(t *testing.T) {
	x := New("x", S(1, 1, 2, 2), F32)
	if err := x.SetDType(I8); err != nil {
		t.Fatalf("SetDType before alloc failed: %v", err)
	}
	if err := x.Alloc(); err != nil {
		t.Fatal(err)
	}
	if err := x.SetDType(I8); err != nil {
		t.Errorf("SetDType to the same type should succeed: %v", err)
	}
	if err := x.SetDType(F32); err == nil {
		t.Error("SetDType after alloc should fail")
	}
	if err := x.SetLayout(BHDS); err == nil {
		t.Error("SetLayout after alloc should fail")
	}
}

func TestReshapeGrowDropsArena(t *testing.T) {
	x := New("x", S(1, 1, 4, 8), F32)
	if err := x.Alloc(); err != nil {
		t.Fatal(err)
	}
	if err := x.Reshape(S(1, 1, 1, 8)); err != nil {
		t.Fatal(err)
	}
	if !x.Allocated() {
		t.Error("shrinking reshape should keep storage")
	}
	if err := x.Reshape(S(1, 1, 8, 8)); err != nil {
		t.Fatal(err)
	}
	if x.Allocated() {
		t.Error("growing reshape should release storage")
	}
	if err := x.Reshape(S(1, -1, 1, 1)); err == nil {
		t.Error("negative extent should be rejected")
	}
}

func TestViewSharesStorage(t *testing.T) {
	m := New("m", S(1, 2, 4, 3), F32)
	if err := m.Alloc(); err != nil {
		t.Fatal(err)
	}
	if err := m.Fill(seq(m.Numel())); err != nil {
		t.Fatal(err)
	}

	v := Empty("v")
	if err := v.ViewOf(m, S(0, 1, 1, 0), S(1, 1, 2, 3)); err != nil {
		t.Fatalf("ViewOf failed: %v", err)
	}
	if !v.IsView() || v.Master() != m {
		t.Fatal("view is not linked to its master")
	}
	if len(m.Children()) != 1 {
		t.Errorf("Expected 1 child view, got %d", len(m.Children()))
	}
	if err := v.ViewOf(m, S(0, 1, 1, 0), S(1, 1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	if len(m.Children()) != 1 {
		t.Errorf("rebinding registered a duplicate child: %d", len(m.Children()))
	}

	want := []float32{m.At(0, 1, 1, 0), m.At(0, 1, 1, 1), m.At(0, 1, 1, 2), m.At(0, 1, 2, 0), m.At(0, 1, 2, 1), m.At(0, 1, 2, 2)}
	if diff := cmp.Diff(want, v.Floats()); diff != "" {
		t.Errorf("view contents mismatch (-want +got):\n%s", diff)
	}

	v.Set(0, 0, 0, 0, -1)
	if m.At(0, 1, 1, 0) != -1 {
		t.Error("write through view not visible in master")
	}

	v.Free()
	if !m.Allocated() {
		t.Error("freeing a view must not release the master")
	}
	m.Free()
	if v.State() != Freed {
		t.Errorf("view should report master state, got %s", v.State())
	}
}

func TestViewOutOfRange(t *testing.T) {
	m := New("m", S(1, 1, 4, 4), F32)
	v := Empty("v")
	if err := v.ViewOf(m, S(0, 0, 2, 0), S(1, 1, 3, 4)); err == nil {
		t.Error("view past the master extent should fail")
	}
}

func TestReinterpret(t *testing.T) {
	m := New("qkv", S(1, 1, 3, 8), F32)
	if err := m.Alloc(); err != nil {
		t.Fatal(err)
	}
	if err := m.Fill(seq(24)); err != nil {
		t.Fatal(err)
	}
	v := Empty("heads")
	if err := v.Reinterpret(m, S(1, 3, 1, 8), BHSD); err != nil {
		t.Fatalf("Reinterpret failed: %v", err)
	}
	if got := v.At(0, 2, 0, 5); got != 21 {
		t.Errorf("Expected 21, got %v", got)
	}
	if err := v.Reinterpret(m, S(1, 2, 1, 8), BHSD); err == nil {
		t.Error("element count mismatch should fail")
	}
}

func TestContiguousPrefix(t *testing.T) {
	cache := New("cache", S(1, 2, 16, 4), F32)
	if err := cache.Alloc(); err != nil {
		t.Fatal(err)
	}
	prefix := Empty("prefix")
	if err := prefix.ViewOf(cache, Shape{}, S(1, 2, 5, 4)); err != nil {
		t.Fatal(err)
	}
	if !prefix.Contiguous() {
		t.Error("BSHD sequence prefix with batch 1 should be contiguous")
	}
	sub := Empty("sub")
	if err := sub.ViewOf(cache, Shape{}, S(1, 1, 5, 4)); err != nil {
		t.Fatal(err)
	}
	if sub.Contiguous() {
		t.Error("single-head slice of a two-head BSHD tensor is strided")
	}
}

func TestQuantizedAccess(t *testing.T) {
	x := New("x", S(1, 1, 1, 4), I8)
	if err := x.Alloc(); err != nil {
		t.Fatal(err)
	}
	if err := x.Fill([]float32{1.4, -2.6, 300, -300}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int8{1, -3, 127, -127}, x.Int8s()); diff != "" {
		t.Errorf("int8 saturation mismatch (-want +got):\n%s", diff)
	}

	h := New("h", S(1, 1, 1, 2), F16)
	if err := h.Alloc(); err != nil {
		t.Fatal(err)
	}
	h.Set(0, 0, 0, 1, 0.5)
	if got := h.At(0, 0, 0, 1); got != 0.5 {
		t.Errorf("f16 round trip: Expected 0.5, got %v", got)
	}
}

func TestCopyRegionAcrossLayouts(t *testing.T) {
	src := New("src", S(1, 2, 3, 4), F32)
	if err := src.Alloc(); err != nil {
		t.Fatal(err)
	}
	if err := src.Fill(seq(24)); err != nil {
		t.Fatal(err)
	}
	for _, l := range []Layout{BSHD, BHSD, BHDS} {
		t.Run(l.String(), func(t *testing.T) {
			dst := New("dst", S(1, 2, 6, 4), F32)
			if err := dst.SetLayout(l); err != nil {
				t.Fatal(err)
			}
			if err := dst.Alloc(); err != nil {
				t.Fatal(err)
			}
			if err := CopyRegion(dst, S(0, 0, 2, 0), src, Shape{}, src.Shape()); err != nil {
				t.Fatalf("CopyRegion failed: %v", err)
			}
			back := New("back", src.Shape(), F32)
			if err := back.Alloc(); err != nil {
				t.Fatal(err)
			}
			if err := CopyRegion(back, Shape{}, dst, S(0, 0, 2, 0), src.Shape()); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(src.Floats(), back.Floats()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCopyRegionBounds(t *testing.T) {
	a := New("a", S(1, 1, 2, 2), F32)
	b := New("b", S(1, 1, 4, 2), F32)
	if err := CopyRegion(a, Shape{}, b, Shape{}, b.Shape()); err == nil {
		t.Error("copy larger than destination should fail")
	}
}

func TestParseNames(t *testing.T) {
	for _, d := range []DType{F32, F16, I8, I32} {
		got, err := ParseDType(d.String())
		if err != nil || got != d {
			t.Errorf("ParseDType(%q): expected %s, got %s (%v)", d.String(), d, got, err)
		}
	}
	for _, l := range []Layout{BSHD, BHSD, BHDS} {
		got, err := ParseLayout(strings.ToLower(l.String()))
		if err != nil || got != l {
			t.Errorf("ParseLayout(%q): expected %s, got %s (%v)", l.String(), l, got, err)
		}
	}
	if _, err := ParseLayout("sbhd"); err == nil {
		t.Error("Expected error for unknown layout")
	}
	if _, err := ParseDevice("gpu"); err == nil {
		t.Error("Expected error for unknown device")
	}
}
