package kernel

import (
	"math"

	"github.com/23skdu/longbow-tandem/internal/parallel"
	"github.com/23skdu/longbow-tandem/internal/rope"
	"github.com/23skdu/longbow-tandem/internal/simd"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// Attention computes scaled dot-product attention of q (b, hq, s, d) over
// k and v (b, hk, t, d). Query head h reads key/value head h/(hq/hk).
// i8 operands are dequantized with their scales.
// With causal masking query s sits at absolute position t-s_len+s and only
// sees keys at or before it.
func Attention(p *parallel.Pool, q, k, v, out *tensor.Tensor, causal bool) {
	sh := q.Shape()
	d, sLen, tLen := sh[3], sh[2], k.Sequence()
	group := sh[1] / k.Head()
	scale := float32(1 / math.Sqrt(float64(d)))
	negInf := float32(math.Inf(-1))

	eachRow(p, sh, []int{d, d, d, tLen}, func(b, h, s int, scratch [][]float32) {
		kh := h / group
		qr := readValues(q, b, h, s, scratch[0])
		scores := scratch[3]
		limit := tLen
		if causal {
			limit = tLen - sLen + s + 1
		}
		for t := 0; t < tLen; t++ {
			if t >= limit {
				scores[t] = negInf
				continue
			}
			scores[t] = simd.Dot(qr, readValues(k, b, kh, t, scratch[1])) * scale
		}
		simd.Softmax(scores)
		y := scratch[2]
		clear(y)
		for t := 0; t < limit; t++ {
			simd.Axpy(scores[t], readValues(v, b, kh, t, scratch[1]), y)
		}
		writeRow(out, b, h, s, y)
	})
}

// RoPE rotates every row of in into out; row s uses table position start+s.
// Channels past the table width pass through unchanged.
func RoPE(p *parallel.Pool, tab *rope.Table, in, out *tensor.Tensor, start int) {
	d := in.Dimension()
	eachRow(p, in.Shape(), []int{d, d}, func(b, h, s int, scratch [][]float32) {
		y := scratch[1]
		copy(y, readRow(in, b, h, s, scratch[0]))
		tab.Rotate(y, start+s)
		writeRow(out, b, h, s, y)
	})
}
