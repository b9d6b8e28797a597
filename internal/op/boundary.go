package op

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/tensor"
)

// PlanMerge computes the boundary tensor for concatenating sources along
// axis, in argument order. Every non-axis extent must agree. Sources of
// mixed dtype widen the boundary to f32; each Segment remembers what to
// restore.
func PlanMerge(opName string, axis tensor.Axis, sources []*tensor.Tensor) (tensor.Shape, tensor.DType, []tensor.Segment, error) {
	if len(sources) == 0 {
		return tensor.Shape{}, 0, nil, Boundary(opName, "merge needs at least one source", ">=1", 0)
	}
	shape := sources[0].Shape().With(axis, 0)
	dtype := sources[0].DType()
	segs := make([]tensor.Segment, len(sources))
	off := 0
	for i, src := range sources {
		s := src.Shape()
		for a := tensor.Batch; a <= tensor.Dimension; a++ {
			if a != axis && s[a] != shape[a] {
				return tensor.Shape{}, 0, nil, Boundary(opName, fmt.Sprintf("source %d (%s) %s extent", i, src.Name(), a), shape[a], s[a])
			}
		}
		if src.DType() != dtype {
			dtype = tensor.F32
		}
		segs[i] = tensor.Segment{
			Name:   src.Name(),
			Shape:  s,
			DType:  src.DType(),
			Layout: src.Layout(),
			Axis:   axis,
			Offset: off,
		}
		off += s[axis]
	}
	return shape.With(axis, off), dtype, segs, nil
}

// Pack copies sources into boundary at the offsets recorded in its
// segments, and stamps each segment with the source's current scales.
func Pack(opName string, boundary *tensor.Tensor, sources []*tensor.Tensor) error {
	segs := boundary.Segments()
	if len(segs) != len(sources) {
		return Boundary(opName, "packed source count", len(segs), len(sources))
	}
	for i, src := range sources {
		seg := &segs[i]
		if src.Shape() != seg.Shape {
			return Boundary(opName, fmt.Sprintf("source %d (%s) shape", i, src.Name()), seg.Shape, src.Shape())
		}
		origin := tensor.Shape{}.With(seg.Axis, seg.Offset)
		if err := tensor.CopyRegion(boundary, origin, src, tensor.Shape{}, seg.Shape); err != nil {
			return fmt.Errorf("%s: %w", opName, err)
		}
		seg.Scale = src.Scale()
		seg.ChannelScales = src.ChannelScales()
	}
	return nil
}

// ReshapeMerge plans the boundary tensor out for sources and records the
// segments on it.
func ReshapeMerge(spec Spec, sources []*tensor.Tensor, out *tensor.Tensor) error {
	if n := spec.Params.Count; n > 0 && n != len(sources) {
		return Boundary(spec.Name, "merge count", n, len(sources))
	}
	shape, dtype, segs, err := PlanMerge(spec.Name, spec.Params.Axis, sources)
	if err != nil {
		return err
	}
	DefaultDType(out, dtype)
	if out.DType() != dtype {
		return Boundary(spec.Name, out.Name()+" dtype", dtype, out.DType())
	}
	if err := out.Reshape(shape); err != nil {
		return err
	}
	out.SetSegments(segs)
	return nil
}

// ReshapeSplit checks the split contract against boundary and shapes outputs.
func ReshapeSplit(spec Spec, boundary *tensor.Tensor, outputs []*tensor.Tensor) error {
	p := spec.Params
	if p.Count > 0 && p.Count != len(outputs) {
		return Boundary(spec.Name, "split count", p.Count, len(outputs))
	}
	segs, err := PlanSplit(spec.Name, boundary, len(outputs), p.Axis, p.Shapes, p.DTypes)
	if err != nil {
		return err
	}
	return ShapeOutputs(spec.Name, segs, outputs)
}

// PlanSplit checks that boundary can be split into n tensors and, when
// given, that the segments match the expected shapes and dtypes. It
// returns the segments in merge order.
func PlanSplit(opName string, boundary *tensor.Tensor, n int, axis tensor.Axis, shapes []tensor.Shape, dtypes []tensor.DType) ([]tensor.Segment, error) {
	segs := boundary.Segments()
	if len(segs) == 0 {
		return nil, Boundary(opName, fmt.Sprintf("%s carries no merge segments", boundary.Name()), n, 0)
	}
	if len(segs) != n {
		return nil, Boundary(opName, "split count", n, len(segs))
	}
	for i, seg := range segs {
		if seg.Axis != axis {
			return nil, Boundary(opName, "split axis", axis, seg.Axis)
		}
		if i < len(shapes) && shapes[i] != seg.Shape {
			return nil, Boundary(opName, fmt.Sprintf("output %d shape", i), shapes[i], seg.Shape)
		}
		if i < len(dtypes) && dtypes[i] != seg.DType {
			return nil, Boundary(opName, fmt.Sprintf("output %d dtype", i), dtypes[i], seg.DType)
		}
	}
	return segs, nil
}

// ShapeOutputs reshapes outputs to the segments and restores dtype and layout.
func ShapeOutputs(opName string, segs []tensor.Segment, outputs []*tensor.Tensor) error {
	for i, seg := range segs {
		out := outputs[i]
		if err := out.Reshape(seg.Shape); err != nil {
			return err
		}
		if out.Fixed() && (out.DType() != seg.DType || out.Layout() != seg.Layout) {
			return Boundary(opName, fmt.Sprintf("output %d (%s) type", i, out.Name()),
				seg.DType.String()+"/"+seg.Layout.String(), out.DType().String()+"/"+out.Layout().String())
		}
		_ = out.SetDType(seg.DType)
		_ = out.SetLayout(seg.Layout)
	}
	return nil
}

// Unpack copies each segment of boundary into its output and restores scales.
func Unpack(opName string, boundary *tensor.Tensor, outputs []*tensor.Tensor) error {
	segs := boundary.Segments()
	if len(segs) != len(outputs) {
		return Boundary(opName, "split count", len(outputs), len(segs))
	}
	for i, seg := range segs {
		out := outputs[i]
		origin := tensor.Shape{}.With(seg.Axis, seg.Offset)
		if err := tensor.CopyRegion(out, tensor.Shape{}, boundary, origin, seg.Shape); err != nil {
			return fmt.Errorf("%s: %w", opName, err)
		}
		out.SetScale(seg.Scale)
		out.SetChannelScales(seg.ChannelScales)
	}
	return nil
}
