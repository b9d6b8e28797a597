package kernel

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-tandem/internal/parallel"
	"github.com/23skdu/longbow-tandem/internal/simd"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

const qmax = 127

func scaleFor(absMax float32) float32 {
	if absMax == 0 {
		return 1
	}
	return absMax / qmax
}

// Quantize converts f32 in to i8 out. A positive fixed scale is used as
// is; otherwise the scale is absmax/127, per tensor or per dimension
// channel.
func Quantize(p *parallel.Pool, in, out *tensor.Tensor, fixed float32, perChannel bool) {
	sh := in.Shape()
	d := sh[3]
	scales := make([]float32, d)
	switch {
	case fixed > 0:
		for i := range scales {
			scales[i] = fixed
		}
		out.SetScale(fixed)
		out.SetChannelScales(nil)
	case perChannel:
		maxes := make([]float32, d)
		buf := make([]float32, d)
		for r := 0; r < numRows(sh); r++ {
			b, h, s := rowIndex(sh, r)
			for i, v := range readRow(in, b, h, s, buf) {
				maxes[i] = max(maxes[i], float32(math.Abs(float64(v))))
			}
		}
		for i, m := range maxes {
			scales[i] = scaleFor(m)
		}
		out.SetScale(1)
		out.SetChannelScales(scales)
	default:
		var m float32
		buf := make([]float32, d)
		for r := 0; r < numRows(sh); r++ {
			b, h, s := rowIndex(sh, r)
			m = max(m, simd.AbsMax(readRow(in, b, h, s, buf)))
		}
		sc := scaleFor(m)
		for i := range scales {
			scales[i] = sc
		}
		out.SetScale(sc)
		out.SetChannelScales(nil)
	}
	eachRow(p, sh, []int{d, d}, func(b, h, s int, scratch [][]float32) {
		x := readRow(in, b, h, s, scratch[0])
		y := scratch[1]
		for i, v := range x {
			y[i] = v / scales[i]
		}
		writeRow(out, b, h, s, y)
	})
}

// Dequantize converts i8 in to f32 out using in's scales.
func Dequantize(p *parallel.Pool, in, out *tensor.Tensor) {
	d := in.Dimension()
	eachRow(p, in.Shape(), []int{d, d}, func(b, h, s int, scratch [][]float32) {
		y := scratch[1]
		copy(y, readRow(in, b, h, s, scratch[0]))
		for i := range y {
			y[i] *= in.ScaleAt(i)
		}
		writeRow(out, b, h, s, y)
	})
}

// ShadowMode selects which elements the float reference replaces.
type ShadowMode int

const (
	// ShadowSaturated recomputes elements whose i8 input row or i8 result
	// saturated.
	ShadowSaturated ShadowMode = iota
	// ShadowAlways recomputes every element.
	ShadowAlways
)

func (m ShadowMode) String() string {
	if m == ShadowAlways {
		return "always"
	}
	return "saturated"
}

// ParseShadowMode accepts "saturated" (or empty) and "always".
func ParseShadowMode(s string) (ShadowMode, error) {
	switch s {
	case "", "saturated":
		return ShadowSaturated, nil
	case "always":
		return ShadowAlways, nil
	}
	return 0, fmt.Errorf("unknown shadow mode %q", s)
}

func saturated(q float32) bool { return q >= qmax || q <= -qmax }

// Reconcile reads the pre-activation i8, post-activation i8 and f32
// reference segments of a shadow boundary tensor and writes the corrected
// result to out. Saturated mode selects every output of a row with a
// saturated pre-activation code, plus each output whose post code
// saturated; always mode selects everything. For every selected element
// the accelerator contribution deq(post) is replaced by the float
// projection of deq(pre) through w (row-major (out, in) f32). It returns
// the number of replaced elements.
func Reconcile(p *parallel.Pool, bnd *tensor.Tensor, pre, post, ref tensor.Segment, w []float32, mode ShadowMode, out *tensor.Tensor) int {
	sh := ref.Shape
	nIn, nOut := pre.Shape[3], ref.Shape[3]
	counts := make([]int, numRows(sh))
	scaleOf := func(seg tensor.Segment, c int) float32 {
		if len(seg.ChannelScales) > 0 {
			return seg.ChannelScales[c]
		}
		return seg.Scale
	}
	eachRow(p, sh, []int{nIn, nOut}, func(b, h, s int, scratch [][]float32) {
		x := scratch[0]
		// a saturated input code taints every output of the row
		rowSat := false
		for i := range x {
			c := bnd.At(b, h, s, pre.Offset+i)
			rowSat = rowSat || saturated(c)
			x[i] = c * scaleOf(pre, i)
		}
		y := scratch[1]
		n := 0
		for o := 0; o < nOut; o++ {
			r := bnd.At(b, h, s, ref.Offset+o)
			q := bnd.At(b, h, s, post.Offset+o)
			if mode == ShadowAlways || rowSat || saturated(q) {
				exact := simd.Dot(x, w[o*nIn:(o+1)*nIn])
				r = r - q*scaleOf(post, o) + exact
				n++
			}
			y[o] = r
		}
		writeRow(out, b, h, s, y)
		counts[(b*sh[1]+h)*sh[2]+s] = n
	})
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
