package tensor

import (
	"fmt"
	"strings"
)

// DType is the element type of a tensor's storage.
type DType int

const (
	F32 DType = iota
	F16
	I8
	I32
)

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case F32, I32:
		return 4
	case F16:
		return 2
	case I8:
		return 1
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case I8:
		return "i8"
	case I32:
		return "i32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType maps the names produced by String back to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "float32":
		return F32, nil
	case "f16", "float16":
		return F16, nil
	case "i8", "int8":
		return I8, nil
	case "i32", "int32":
		return I32, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// Layout is the axis-order tag: the order in which the four logical axes
// are laid out in memory, outermost first.
type Layout int

const (
	// BSHD is batch, sequence, head, dimension.
	BSHD Layout = iota
	// BHSD is batch, head, sequence, dimension.
	BHSD
	// BHDS is batch, head, dimension, sequence.
	BHDS
)

func (l Layout) String() string {
	switch l {
	case BSHD:
		return "BSHD"
	case BHSD:
		return "BHSD"
	case BHDS:
		return "BHDS"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout accepts the names produced by String in either case.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToUpper(s) {
	case "BSHD", "":
		return BSHD, nil
	case "BHSD":
		return BHSD, nil
	case "BHDS":
		return BHDS, nil
	}
	return 0, fmt.Errorf("unknown layout %q", s)
}

// strides returns element strides in logical (b, h, s, d) order.
func (l Layout) strides(s Shape) [4]int {
	h, q, d := s[1], s[2], s[3]
	switch l {
	case BHSD:
		return [4]int{h * q * d, q * d, d, 1}
	case BHDS:
		return [4]int{h * d * q, d * q, 1, q}
	default:
		return [4]int{q * h * d, d, h * d, 1}
	}
}

// Device identifies the execution substrate a tensor or operator is bound to.
type Device int

const (
	CPU Device = iota
	NPU
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case NPU:
		return "npu"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ParseDevice accepts "cpu" and "npu".
func ParseDevice(s string) (Device, error) {
	switch s {
	case "cpu", "CPU":
		return CPU, nil
	case "npu", "NPU", "qnn":
		return NPU, nil
	}
	return 0, fmt.Errorf("unknown device %q", s)
}

// State is the allocation state of a tensor.
type State int

const (
	Unallocated State = iota
	Allocated
	Freed
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "allocated"
	case Freed:
		return "freed"
	default:
		return "unallocated"
	}
}
