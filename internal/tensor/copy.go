package tensor

import "fmt"

// CopyRegion copies an extent-shaped block from src (starting at srcOrigin)
// into dst (starting at dstOrigin). Differing dtypes are converted element by
// element; identical dtypes with a dense innermost run are copied as bytes.
func CopyRegion(dst *Tensor, dstOrigin Shape, src *Tensor, srcOrigin Shape, extent Shape) error {
	for i := 0; i < 4; i++ {
		if srcOrigin[i]+extent[i] > src.shape[i] {
			return fmt.Errorf("copy %s -> %s: source region %s+%s outside %s", src.name, dst.name, srcOrigin, extent, src.shape)
		}
		if dstOrigin[i]+extent[i] > dst.shape[i] {
			return fmt.Errorf("copy %s -> %s: destination region %s+%s outside %s", src.name, dst.name, dstOrigin, extent, dst.shape)
		}
	}
	if extent.Numel() == 0 {
		return nil
	}
	if src.dtype == dst.dtype {
		// innermost dense axis: dimension first, then sequence
		if src.strides[3] == 1 && dst.strides[3] == 1 {
			for b := 0; b < extent[0]; b++ {
				for h := 0; h < extent[1]; h++ {
					for s := 0; s < extent[2]; s++ {
						copy(dst.Span(dstOrigin[0]+b, dstOrigin[1]+h, dstOrigin[2]+s, dstOrigin[3], extent[3]),
							src.Span(srcOrigin[0]+b, srcOrigin[1]+h, srcOrigin[2]+s, srcOrigin[3], extent[3]))
					}
				}
			}
			return nil
		}
		if src.strides[2] == 1 && dst.strides[2] == 1 {
			for b := 0; b < extent[0]; b++ {
				for h := 0; h < extent[1]; h++ {
					for d := 0; d < extent[3]; d++ {
						copy(dst.Span(dstOrigin[0]+b, dstOrigin[1]+h, dstOrigin[2], dstOrigin[3]+d, extent[2]),
							src.Span(srcOrigin[0]+b, srcOrigin[1]+h, srcOrigin[2], srcOrigin[3]+d, extent[2]))
					}
				}
			}
			return nil
		}
	}
	for b := 0; b < extent[0]; b++ {
		for h := 0; h < extent[1]; h++ {
			for s := 0; s < extent[2]; s++ {
				for d := 0; d < extent[3]; d++ {
					dst.Set(dstOrigin[0]+b, dstOrigin[1]+h, dstOrigin[2]+s, dstOrigin[3]+d,
						src.At(srcOrigin[0]+b, srcOrigin[1]+h, srcOrigin[2]+s, srcOrigin[3]+d))
				}
			}
		}
	}
	return nil
}

// Copy copies all of src into dst; both must have the same shape.
func Copy(dst, src *Tensor) error {
	if dst.shape != src.shape {
		return fmt.Errorf("copy %s -> %s: shape %s != %s", src.name, dst.name, src.shape, dst.shape)
	}
	return CopyRegion(dst, Shape{}, src, Shape{}, src.shape)
}
