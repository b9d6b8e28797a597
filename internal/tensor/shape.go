package tensor

import "fmt"

// Axis indexes the four logical axes.
type Axis int

const (
	Batch Axis = iota
	Head
	Sequence
	Dimension
)

func (a Axis) String() string {
	switch a {
	case Batch:
		return "batch"
	case Head:
		return "head"
	case Sequence:
		return "sequence"
	case Dimension:
		return "dimension"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Shape holds the logical extents (batch, head, sequence, dimension).
type Shape [4]int

// S is shorthand for building a Shape.
func S(b, h, s, d int) Shape {
	return Shape{b, h, s, d}
}

func (s Shape) Batch() int { return s[0] }
func (s Shape) Head() int { return s[1] }
func (s Shape) Sequence() int { return s[2] }
func (s Shape) Dimension() int { return s[3] }

// Numel is the element count, the product of the four extents.
func (s Shape) Numel() int {
	return s[0] * s[1] * s[2] * s[3]
}

// Valid reports whether every extent is non-negative.
func (s Shape) Valid() bool {
	return s[0] >= 0 && s[1] >= 0 && s[2] >= 0 && s[3] >= 0
}

// With returns a copy of s with axis a set to n.
func (s Shape) With(a Axis, n int) Shape {
	s[a] = n
	return s
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d %d]", s[0], s[1], s[2], s[3])
}
