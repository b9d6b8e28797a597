package kernel

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/parallel"
	"github.com/23skdu/longbow-tandem/internal/simd"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

func RMSNorm(p *parallel.Pool, in, w, out *tensor.Tensor, eps float32) {
	d := in.Dimension()
	wv := w.Float32s()
	eachRow(p, in.Shape(), []int{d, d}, func(b, h, s int, scratch [][]float32) {
		x := readRow(in, b, h, s, scratch[0])
		y := scratch[1]
		simd.RMSNorm(x, wv, y, eps)
		writeRow(out, b, h, s, y)
	})
}

// Binary applies f elementwise to same-shaped a and b.
func Binary(p *parallel.Pool, a, b, out *tensor.Tensor, f func(x, y float32) float32) {
	d := a.Dimension()
	eachRow(p, a.Shape(), []int{d, d, d}, func(bi, h, s int, scratch [][]float32) {
		x := readRow(a, bi, h, s, scratch[0])
		y := readRow(b, bi, h, s, scratch[1])
		z := scratch[2]
		for i := range z {
			z[i] = f(x[i], y[i])
		}
		writeRow(out, bi, h, s, z)
	})
}

func Add(x, y float32) float32 { return x + y }
func Mul(x, y float32) float32 { return x * y }

func SiLU(p *parallel.Pool, in, out *tensor.Tensor) {
	d := in.Dimension()
	eachRow(p, in.Shape(), []int{d, d}, func(b, h, s int, scratch [][]float32) {
		y := scratch[1]
		copy(y, readRow(in, b, h, s, scratch[0]))
		simd.SiLU(y)
		writeRow(out, b, h, s, y)
	})
}

// Softmax normalizes each dimension-axis row.
func Softmax(p *parallel.Pool, in, out *tensor.Tensor) {
	d := in.Dimension()
	eachRow(p, in.Shape(), []int{d, d}, func(b, h, s int, scratch [][]float32) {
		y := scratch[1]
		copy(y, readRow(in, b, h, s, scratch[0]))
		simd.Softmax(y)
		writeRow(out, b, h, s, y)
	})
}

// Embedding gathers rows of w (1, 1, vocab, dim) for the i32 ids shaped
// (b, 1, s, 1).
func Embedding(ids, w, out *tensor.Tensor) error {
	vocab, dim := w.Sequence(), w.Dimension()
	wv := w.Float32s()
	for b := 0; b < ids.Batch(); b++ {
		for s := 0; s < ids.Sequence(); s++ {
			id := int(ids.At(b, 0, s, 0))
			if id < 0 || id >= vocab {
				return fmt.Errorf("token id %d outside vocabulary of %d", id, vocab)
			}
			writeRow(out, b, 0, s, wv[id*dim:(id+1)*dim])
		}
	}
	return nil
}

// Matmul computes out[b,h] = a[b,h] · bm[b,h] for a (b, h, m, k) and
// bm (b, h, k, n).
func Matmul(p *parallel.Pool, a, bm, out *tensor.Tensor) {
	k, n := a.Dimension(), bm.Dimension()
	eachRow(p, a.Shape(), []int{k, n}, func(b, h, m int, scratch [][]float32) {
		x := readRow(a, b, h, m, scratch[0])
		y := scratch[1]
		for j := 0; j < n; j++ {
			var acc float32
			for i := 0; i < k; i++ {
				acc += x[i] * bm.At(b, h, i, j)
			}
			y[j] = acc
		}
		writeRow(out, b, h, m, y)
	})
}
