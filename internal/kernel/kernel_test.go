package kernel

import (
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/parallel"
	"github.com/23skdu/longbow-tandem/internal/rope"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

func alloc(t *testing.T, name string, s tensor.Shape, d tensor.DType, vals []float32) *tensor.Tensor {
	t.Helper()
	x := tensor.New(name, s, d)
	if err := x.Alloc(); err != nil {
		t.Fatal(err)
	}
	if vals != nil {
		if err := x.Fill(vals); err != nil {
			t.Fatal(err)
		}
	}
	return x
}

func random(r *rand.Rand, n int, scale float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = (r.Float32()*2 - 1) * scale
	}
	return v
}

func near(a, b, tol float32) bool { return math.Abs(float64(a-b)) <= float64(tol) }

func TestLinearMatchesNaive(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	const rows, nIn, nOut = 40, 12, 7
	xv, wv, bv := random(r, rows*nIn, 1), random(r, nOut*nIn, 1), random(r, nOut, 1)
	in := alloc(t, "x", tensor.S(1, 1, rows, nIn), tensor.F32, xv)
	w := alloc(t, "w", tensor.S(1, 1, nOut, nIn), tensor.F32, wv)
	bias := alloc(t, "b", tensor.S(1, 1, 1, nOut), tensor.F32, bv)
	out := alloc(t, "y", tensor.S(1, 1, rows, nOut), tensor.F32, nil)

	Linear(parallel.New(4), in, w, bias, out)

	for s := 0; s < rows; s++ {
		for o := 0; o < nOut; o++ {
			want := bv[o]
			for i := 0; i < nIn; i++ {
				want += xv[s*nIn+i] * wv[o*nIn+i]
			}
			if got := out.At(0, 0, s, o); !near(got, want, 1e-4) {
				t.Fatalf("row %d col %d: Expected %v, got %v", s, o, want, got)
			}
		}
	}
}

func TestLinearInt8Paths(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	const rows, nIn, nOut = 3, 16, 5
	wq := make([]float32, nOut*nIn)
	for i := range wq {
		wq[i] = float32(r.Intn(255) - 127)
	}
	w := alloc(t, "w", tensor.S(1, 1, nOut, nIn), tensor.I8, wq)
	w.SetScale(0.01)
	p := parallel.New(2)

	xf := alloc(t, "xf", tensor.S(1, 1, rows, nIn), tensor.F32, random(r, rows*nIn, 1))
	xq := alloc(t, "xq", xf.Shape(), tensor.I8, nil)
	Quantize(p, xf, xq, 0, false)

	viaFloat := alloc(t, "yf", tensor.S(1, 1, rows, nOut), tensor.F32, nil)
	LinearInt8(p, xf, w, nil, viaFloat, 0)
	viaInt := alloc(t, "yi", viaFloat.Shape(), tensor.F32, nil)
	LinearInt8(p, xq, w, nil, viaInt, 0)

	tol := float32(nIn) * xq.Scale() * 127 * 0.01
	for i, want := range viaFloat.Floats() {
		if got := viaInt.Floats()[i]; !near(got, want, tol) {
			t.Errorf("element %d: int path %v, float path %v (tol %v)", i, got, want, tol)
		}
	}

	requant := alloc(t, "yq", viaFloat.Shape(), tensor.I8, nil)
	LinearInt8(p, xq, w, nil, requant, 0)
	var peak float32
	for _, v := range requant.Floats() {
		peak = max(peak, float32(math.Abs(float64(v))))
	}
	if peak != 127 {
		t.Errorf("dynamic output scale should map absmax to 127, got %v", peak)
	}

	clipped := alloc(t, "yc", viaFloat.Shape(), tensor.I8, nil)
	LinearInt8(p, xq, w, nil, clipped, 1e-6)
	if clipped.Scale() != 1e-6 {
		t.Errorf("fixed output scale not applied: %v", clipped.Scale())
	}
}

func TestQuantizeRoundTripBound(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	p := parallel.New(2)
	for _, perChannel := range []bool{false, true} {
		for trial := 0; trial < 20; trial++ {
			s := tensor.S(1, 2, 1+r.Intn(6), 1+r.Intn(24))
			x := alloc(t, "x", s, tensor.F32, random(r, s.Numel(), 1+r.Float32()*50))
			q := alloc(t, "q", s, tensor.I8, nil)
			back := alloc(t, "back", s, tensor.F32, nil)
			Quantize(p, x, q, 0, perChannel)
			Dequantize(p, q, back)
			orig, rec := x.Floats(), back.Floats()
			for i := range orig {
				d := i % s[3]
				bound := q.ScaleAt(d)/2 + 1e-6*q.ScaleAt(d)*127
				if !near(orig[i], rec[i], bound) {
					t.Fatalf("perChannel=%v: element %d error %v exceeds %v", perChannel, i, orig[i]-rec[i], bound)
				}
			}
		}
	}
}

func TestQuantizeZeroTensor(t *testing.T) {
	x := alloc(t, "x", tensor.S(1, 1, 1, 4), tensor.F32, nil)
	q := alloc(t, "q", x.Shape(), tensor.I8, nil)
	Quantize(parallel.New(1), x, q, 0, false)
	if q.Scale() != 1 {
		t.Errorf("all-zero input should get scale 1, got %v", q.Scale())
	}
}

func TestAttentionSingleKeyCopiesValue(t *testing.T) {
	q := alloc(t, "q", tensor.S(1, 2, 1, 4), tensor.F32, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	k := alloc(t, "k", tensor.S(1, 1, 1, 4), tensor.F32, []float32{1, 1, 1, 1})
	v := alloc(t, "v", tensor.S(1, 1, 1, 4), tensor.F32, []float32{9, 8, 7, 6})
	out := alloc(t, "o", q.Shape(), tensor.F32, nil)
	Attention(parallel.New(1), q, k, v, out, true)
	for h := 0; h < 2; h++ {
		for d, want := range []float32{9, 8, 7, 6} {
			if got := out.At(0, h, 0, d); !near(got, want, 1e-6) {
				t.Errorf("head %d dim %d: Expected %v, got %v", h, d, want, got)
			}
		}
	}
}

func TestAttentionDequantizesInt8(t *testing.T) {
	q := alloc(t, "q", tensor.S(1, 1, 1, 4), tensor.F32, []float32{1, 2, 3, 4})
	k := alloc(t, "k", tensor.S(1, 1, 1, 4), tensor.I8, []float32{2, 2, 2, 2})
	k.SetScale(0.5)
	v := alloc(t, "v", tensor.S(1, 1, 1, 4), tensor.I8, []float32{18, 16, 14, 12})
	v.SetScale(0.5)
	out := alloc(t, "o", q.Shape(), tensor.F32, nil)
	Attention(parallel.New(1), q, k, v, out, true)
	for d, want := range []float32{9, 8, 7, 6} {
		if got := out.At(0, 0, 0, d); !near(got, want, 1e-5) {
			t.Errorf("dim %d: Expected %v, got %v", d, want, got)
		}
	}
}

func TestAttentionCausalMask(t *testing.T) {
	// two queries over two keys: the first query must ignore the second key
	q := alloc(t, "q", tensor.S(1, 1, 2, 2), tensor.F32, []float32{0, 0, 0, 0})
	k := alloc(t, "k", tensor.S(1, 1, 2, 2), tensor.F32, []float32{0, 0, 0, 0})
	v := alloc(t, "v", tensor.S(1, 1, 2, 2), tensor.F32, []float32{1, 1, 3, 3})
	out := alloc(t, "o", q.Shape(), tensor.F32, nil)
	Attention(parallel.New(1), q, k, v, out, true)
	if got := out.At(0, 0, 0, 0); !near(got, 1, 1e-6) {
		t.Errorf("first query leaked future key: %v", got)
	}
	if got := out.At(0, 0, 1, 0); !near(got, 2, 1e-6) {
		t.Errorf("second query should average both values: %v", got)
	}
}

func TestRoPEKernelPassThrough(t *testing.T) {
	cfg := rope.Config{Scheme: rope.PartialHF, PartialRotary: 0.5, MaxPosition: 8}
	tab := rope.NewTableCache().Get(cfg, cfg.Width(8))
	in := alloc(t, "x", tensor.S(1, 1, 2, 8), tensor.F32, []float32{1, 2, 3, 4, 5, 6, 7, 8, 1, 2, 3, 4, 5, 6, 7, 8})
	out := alloc(t, "y", in.Shape(), tensor.F32, nil)
	RoPE(parallel.New(1), tab, in, out, 3)
	for s := 0; s < 2; s++ {
		for d := 4; d < 8; d++ {
			if out.At(0, 0, s, d) != in.At(0, 0, s, d) {
				t.Errorf("channel %d past rotary width changed", d)
			}
		}
	}
	if out.At(0, 0, 0, 0) == in.At(0, 0, 0, 0) {
		t.Error("rotated channel unchanged at position 3")
	}
}

func TestReconcile(t *testing.T) {
	// one row, in=2, out=2; output 0 saturated, output 1 not
	pre := alloc(t, "pre", tensor.S(1, 1, 1, 2), tensor.I8, []float32{10, 20})
	pre.SetScale(0.1)
	post := alloc(t, "post", tensor.S(1, 1, 1, 2), tensor.I8, []float32{127, 5})
	post.SetScale(0.5)
	ref := alloc(t, "ref", tensor.S(1, 1, 1, 2), tensor.F32, []float32{100, 7})

	shape, dtype, segs, err := op.PlanMerge("shadow", tensor.Dimension, []*tensor.Tensor{pre, post, ref})
	if err != nil {
		t.Fatal(err)
	}
	bnd := alloc(t, "bnd", shape, dtype, nil)
	bnd.SetSegments(segs)
	if err := op.Pack("shadow", bnd, []*tensor.Tensor{pre, post, ref}); err != nil {
		t.Fatal(err)
	}
	segs = bnd.Segments()

	w := []float32{1, 2, 3, 4}
	tests := []struct {
		mode      ShadowMode
		want      []float32
		overrides int
	}{
		// exact0 = 1*1 + 2*2 = 5; 100 - 63.5 + 5
		{ShadowSaturated, []float32{41.5, 7}, 1},
		// exact1 = 3*1 + 4*2 = 11; 7 - 2.5 + 11
		{ShadowAlways, []float32{41.5, 15.5}, 2},
	}
	for _, tt := range tests {
		out := alloc(t, "out", ref.Shape(), tensor.F32, nil)
		n := Reconcile(parallel.New(1), bnd, segs[0], segs[1], segs[2], w, tt.mode, out)
		if n != tt.overrides {
			t.Errorf("mode %d: Expected %d overrides, got %d", tt.mode, tt.overrides, n)
		}
		for i, want := range tt.want {
			if got := out.At(0, 0, 0, i); !near(got, want, 1e-4) {
				t.Errorf("mode %d element %d: Expected %v, got %v", tt.mode, i, want, got)
			}
		}
	}
}

func TestReconcileSaturatedInputRow(t *testing.T) {
	pre := alloc(t, "pre", tensor.S(1, 1, 1, 2), tensor.I8, []float32{127, 127})
	pre.SetScale(0.1)
	post := alloc(t, "post", tensor.S(1, 1, 1, 2), tensor.I8, []float32{10, 10})
	post.SetScale(0.5)
	ref := alloc(t, "ref", tensor.S(1, 1, 1, 2), tensor.F32, []float32{5, 5})

	shape, dtype, segs, err := op.PlanMerge("shadow", tensor.Dimension, []*tensor.Tensor{pre, post, ref})
	if err != nil {
		t.Fatal(err)
	}
	bnd := alloc(t, "bnd", shape, dtype, nil)
	bnd.SetSegments(segs)
	if err := op.Pack("shadow", bnd, []*tensor.Tensor{pre, post, ref}); err != nil {
		t.Fatal(err)
	}
	segs = bnd.Segments()

	out := alloc(t, "out", ref.Shape(), tensor.F32, nil)
	w := []float32{1, 0, 0, 1}
	if n := Reconcile(parallel.New(1), bnd, segs[0], segs[1], segs[2], w, ShadowSaturated, out); n != 2 {
		t.Errorf("Expected both outputs of the saturated row replaced, got %d", n)
	}
	// 5 - 10*0.5 + 12.7
	for i := 0; i < 2; i++ {
		if got := out.At(0, 0, 0, i); !near(got, 12.7, 1e-4) {
			t.Errorf("element %d: Expected 12.7, got %v", i, got)
		}
	}
}

func TestEmbeddingRejectsOutOfVocab(t *testing.T) {
	ids := alloc(t, "ids", tensor.S(1, 1, 1, 1), tensor.I32, []float32{5})
	w := alloc(t, "w", tensor.S(1, 1, 4, 2), tensor.F32, nil)
	out := alloc(t, "o", tensor.S(1, 1, 1, 2), tensor.F32, nil)
	if err := Embedding(ids, w, out); err == nil {
		t.Error("Expected error for id outside vocabulary")
	}
}
