package op

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/tensor"
)

var (
	ErrShape         = errors.New("shape error")
	ErrWeightShape   = errors.New("weight shape mismatch")
	ErrBoundary      = errors.New("boundary contract error")
	ErrCacheOverflow = errors.New("cache overflow")
	ErrLifecycle     = errors.New("lifecycle violation")
	ErrUnsupported   = errors.New("unsupported operator")
)

// ShapeError is raised at reshape time when axis arithmetic is inconsistent.
type ShapeError struct {
	Op     string
	Detail string
	Want   int
	Got    int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s: %s (want %d, got %d)", e.Op, ErrShape, e.Detail, e.Want, e.Got)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShape }

// WeightShapeMismatchError is raised at load time when a stored entry
// disagrees with the operator's reshaped parameter.
type WeightShapeMismatchError struct {
	Op     string
	Tensor string
	Want   tensor.Shape
	Got    tensor.Shape
}

func (e *WeightShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: %s: %s want %s, got %s", e.Op, ErrWeightShape, e.Tensor, e.Want, e.Got)
}

func (e *WeightShapeMismatchError) Is(target error) bool { return target == ErrWeightShape }

// BoundaryContractError covers merge/split arity, axis, shape and dtype
// disagreements as well as illegal cross-subgraph tensor use.
type BoundaryContractError struct {
	Op     string
	Detail string
	Want   string
	Got    string
}

func (e *BoundaryContractError) Error() string {
	if e.Want == "" && e.Got == "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, ErrBoundary, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s (want %s, got %s)", e.Op, ErrBoundary, e.Detail, e.Want, e.Got)
}

func (e *BoundaryContractError) Is(target error) bool { return target == ErrBoundary }

// CacheOverflowError reports a write past the configured cache limit.
type CacheOverflowError struct {
	Op        string
	Requested int
	Limit     int
}

func (e *CacheOverflowError) Error() string {
	return fmt.Sprintf("%s: %s: requested %d positions (limit %d)", e.Op, ErrCacheOverflow, e.Requested, e.Limit)
}

func (e *CacheOverflowError) Is(target error) bool { return target == ErrCacheOverflow }

// Fatal reports whether err is one of the non-recoverable kinds that must
// terminate a run.
func Fatal(err error) bool {
	return errors.Is(err, ErrShape) ||
		errors.Is(err, ErrWeightShape) ||
		errors.Is(err, ErrBoundary) ||
		errors.Is(err, ErrCacheOverflow)
}

// ErrorKind names the fatal kind of err for diagnostics and metrics, or
// returns "" for non-fatal errors.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrCacheOverflow):
		return "cache_overflow"
	case errors.Is(err, ErrWeightShape):
		return "weight_shape"
	case errors.Is(err, ErrBoundary):
		return "boundary"
	case errors.Is(err, ErrShape):
		return "shape"
	}
	return ""
}

// Boundary is shorthand for a BoundaryContractError with formatted values.
func Boundary(op, detail string, want, got interface{}) error {
	return &BoundaryContractError{Op: op, Detail: detail, Want: fmt.Sprint(want), Got: fmt.Sprint(got)}
}

// CheckWidth returns a ShapeError when got differs from want.
func CheckWidth(op, detail string, want, got int) error {
	if want != got {
		return &ShapeError{Op: op, Detail: detail, Want: want, Got: got}
	}
	return nil
}
