package kernel

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-tandem/internal/parallel"
	"github.com/23skdu/longbow-tandem/internal/simd"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// Linear computes out = in · wᵀ + bias for f32 weights shaped
// (1, 1, out, in). Rows are processed in chunks, one GEMM per chunk.
func Linear(p *parallel.Pool, in, w, bias, out *tensor.Tensor) {
	sh := in.Shape()
	nOut, nIn := w.Sequence(), w.Dimension()
	W := blas32.General{Rows: nOut, Cols: nIn, Stride: nIn, Data: w.Float32s()}
	var bv []float32
	if bias != nil {
		bv = bias.Float32s()
	}
	p.Range(numRows(sh), func(lo, hi int) {
		m := hi - lo
		x := make([]float32, m*nIn)
		y := make([]float32, m*nOut)
		buf := make([]float32, nIn)
		for r := lo; r < hi; r++ {
			b, h, s := rowIndex(sh, r)
			copy(x[(r-lo)*nIn:], readRow(in, b, h, s, buf))
		}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: m, Cols: nIn, Stride: nIn, Data: x}, W,
			0, blas32.General{Rows: m, Cols: nOut, Stride: nOut, Data: y})
		for r := lo; r < hi; r++ {
			row := y[(r-lo)*nOut : (r-lo+1)*nOut]
			if bv != nil {
				simd.Axpy(1, bv, row)
			}
			b, h, s := rowIndex(sh, r)
			writeRow(out, b, h, s, row)
		}
	})
}

// LinearInt8 computes a linear layer with i8 weights shaped (1, 1, out, in)
// and per-tensor or per-output-row weight scales. An i8 input with a
// per-tensor scale uses integer dot products. An i8 output is requantized
// with outScale, or with absmax/127 over the result when outScale is zero;
// values beyond the scale saturate.
func LinearInt8(p *parallel.Pool, in, w, bias, out *tensor.Tensor, outScale float32) {
	sh := in.Shape()
	nOut, nIn := w.Sequence(), w.Dimension()
	wq := w.Int8s()
	var bv []float32
	if bias != nil {
		bv = bias.Float32s()
	}
	intPath := in.DType() == tensor.I8 && len(in.ChannelScales()) == 0
	xs := in.Scale()

	acc := make([]float32, numRows(sh)*nOut)
	p.Range(numRows(sh), func(lo, hi int) {
		buf := make([]float32, nIn)
		wf := make([]float32, nIn)
		for r := lo; r < hi; r++ {
			b, h, s := rowIndex(sh, r)
			y := acc[r*nOut : (r+1)*nOut]
			if intPath {
				x := in.RowI8(b, h, s)
				if x == nil {
					x = make([]int8, nIn)
					for i := range x {
						x[i] = int8(in.At(b, h, s, i))
					}
				}
				for o := 0; o < nOut; o++ {
					y[o] = float32(simd.DotInt8(x, wq[o*nIn:(o+1)*nIn])) * xs * w.ScaleAt(o)
				}
			} else {
				x := readRow(in, b, h, s, buf)
				if in.DType() == tensor.I8 {
					// per-channel activations: dequantize first
					if &x[0] != &buf[0] {
						copy(buf, x)
						x = buf
					}
					for i := range x {
						x[i] *= in.ScaleAt(i)
					}
				}
				for o := 0; o < nOut; o++ {
					for i, q := range wq[o*nIn : (o+1)*nIn] {
						wf[i] = float32(q)
					}
					y[o] = simd.Dot(x, wf) * w.ScaleAt(o)
				}
			}
			if bv != nil {
				simd.Axpy(1, bv, y)
			}
		}
	})

	if out.DType() == tensor.I8 {
		if outScale <= 0 {
			outScale = scaleFor(simd.AbsMax(acc))
		}
		out.SetScale(outScale)
		out.SetChannelScales(nil)
		inv := 1 / outScale
		simd.Scale(inv, acc)
	}
	eachRow(p, sh, nil, func(b, h, s int, _ [][]float32) {
		r := (b*sh[1]+h)*sh[2] + s
		writeRow(out, b, h, s, acc[r*nOut:(r+1)*nOut])
	})
}

// Dequantized returns the f32 weights of an i8 weight tensor.
func Dequantized(w *tensor.Tensor) []float32 {
	nOut, nIn := w.Sequence(), w.Dimension()
	wq := w.Int8s()
	f := make([]float32, len(wq))
	for o := 0; o < nOut; o++ {
		sc := w.ScaleAt(o)
		for i := 0; i < nIn; i++ {
			f[o*nIn+i] = float32(wq[o*nIn+i]) * sc
		}
	}
	return f
}
