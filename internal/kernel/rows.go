// Package kernel implements operator math over tensors. Both the CPU
// operators and the accelerator emulator run these; backends only differ in
// placement, allocation and when the kernels run.
package kernel

import (
	"github.com/23skdu/longbow-tandem/internal/parallel"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// rowIndex decodes a flat (b, h, s) row number.
func rowIndex(sh tensor.Shape, r int) (b, h, s int) {
	s = r % sh[2]
	r /= sh[2]
	h = r % sh[1]
	b = r / sh[1]
	return
}

func numRows(sh tensor.Shape) int { return sh[0] * sh[1] * sh[2] }

// readRow returns the dimension-axis row at (b, h, s). Dense f32 rows are
// returned without copying; anything else is converted into buf.
func readRow(t *tensor.Tensor, b, h, s int, buf []float32) []float32 {
	if r := t.RowF32(b, h, s); r != nil {
		return r
	}
	buf = buf[:t.Dimension()]
	for d := range buf {
		buf[d] = t.At(b, h, s, d)
	}
	return buf
}

// readValues is readRow with i8 codes scaled back to real values.
func readValues(t *tensor.Tensor, b, h, s int, buf []float32) []float32 {
	r := readRow(t, b, h, s, buf)
	if t.DType() == tensor.I8 {
		for d := range r {
			r[d] *= t.ScaleAt(d)
		}
	}
	return r
}

func writeRow(t *tensor.Tensor, b, h, s int, vals []float32) {
	if r := t.RowF32(b, h, s); r != nil {
		if len(vals) > 0 && &r[0] != &vals[0] {
			copy(r, vals)
		}
		return
	}
	for d, v := range vals {
		t.Set(b, h, s, d, v)
	}
}

// eachRow runs f for every (b, h, s) row of sh on the pool; each worker gets
// its own scratch buffers of the requested widths.
func eachRow(p *parallel.Pool, sh tensor.Shape, widths []int, f func(b, h, s int, scratch [][]float32)) {
	p.Range(numRows(sh), func(lo, hi int) {
		scratch := make([][]float32, len(widths))
		for i, w := range widths {
			scratch[i] = make([]float32, w)
		}
		for r := lo; r < hi; r++ {
			b, h, s := rowIndex(sh, r)
			f(b, h, s, scratch)
		}
	})
}
