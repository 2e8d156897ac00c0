// Package shapes defines partially known tensor shapes: a rank that may be unknown, and per-axis dimensions
// that may be exact, bounded by an interval, or unknown.
//
// Shapes are values: every operation returns a new Shape and never modifies its arguments.
// Element types are not part of a Shape: they are given separately as dtypes.DType.
package shapes

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Shape is an ordered list of dimensions, or "rank unknown".
//
// The zero value is the rank-unknown shape.
type Shape struct {
	dims   []Dimension
	ranked bool
}

// Make returns a ranked shape with the given dimensions. Negative dimensions (e.g. DimUnknown) are unknown.
// Make() with no dimensions returns a scalar.
func Make(dimensions ...int) Shape {
	s := Shape{dims: make([]Dimension, len(dimensions)), ranked: true}
	for axis, dim := range dimensions {
		s.dims[axis] = Dim(dim)
	}
	return s
}

// MakeDims returns a ranked shape with the given dimensions.
func MakeDims(dimensions ...Dimension) Shape {
	return Shape{dims: slices.Clone(dimensions), ranked: true}
}

// Scalar returns the shape of a scalar: rank 0.
func Scalar() Shape {
	return Shape{ranked: true}
}

// Dynamic returns a shape with known rank and all dimensions unknown.
func Dynamic(rank int) Shape {
	if rank < 0 {
		return Shape{}
	}
	return Shape{dims: make([]Dimension, rank), ranked: true}
}

// DynamicRank returns the rank-unknown shape, the same as the zero value.
func DynamicRank() Shape {
	return Shape{}
}

// HasRank returns whether the rank is known.
func (s Shape) HasRank() bool {
	return s.ranked
}

// Rank returns the number of axes, or -1 if the rank is unknown.
func (s Shape) Rank() int {
	if !s.ranked {
		return -1
	}
	return len(s.dims)
}

// IsScalar returns whether the shape is known to be a scalar.
func (s Shape) IsScalar() bool {
	return s.ranked && len(s.dims) == 0
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
//
// It panics if the rank is unknown or the axis is out of range.
func (s Shape) Dim(axis int) Dimension {
	if !s.ranked {
		exceptions.Panicf("Shape.Dim(%d) called on a shape of unknown rank", axis)
	}
	adjusted := axis
	if adjusted < 0 {
		adjusted += len(s.dims)
	}
	if adjusted < 0 || adjusted >= len(s.dims) {
		exceptions.Panicf("Shape.Dim(%d) out of range for shape %s", axis, s)
	}
	return s.dims[adjusted]
}

// Dimensions returns a copy of the dimensions, nil if the rank is unknown.
func (s Shape) Dimensions() []Dimension {
	if !s.ranked {
		return nil
	}
	return slices.Clone(s.dims)
}

// WithDim returns a copy of the shape with the given axis replaced.
func (s Shape) WithDim(axis int, dim Dimension) Shape {
	dims := s.Dimensions()
	if axis < 0 {
		axis += len(dims)
	}
	if !s.ranked || axis < 0 || axis >= len(dims) {
		exceptions.Panicf("Shape.WithDim(%d) out of range for shape %s", axis, s)
	}
	dims[axis] = dim
	return Shape{dims: dims, ranked: true}
}

// IsStatic returns whether the rank is known and every dimension is exact.
func (s Shape) IsStatic() bool {
	if !s.ranked {
		return false
	}
	for _, d := range s.dims {
		if !d.IsStatic() {
			return false
		}
	}
	return true
}

// ToInts returns the dimensions as integers, with ok false if the shape is not static.
func (s Shape) ToInts() (dims []int, ok bool) {
	if !s.IsStatic() {
		return nil, false
	}
	dims = make([]int, len(s.dims))
	for axis, d := range s.dims {
		dims[axis], _ = d.Length()
	}
	return dims, true
}

// Size returns the number of elements, with ok false if the shape is not static.
func (s Shape) Size() (size int, ok bool) {
	dims, ok := s.ToInts()
	if !ok {
		return 0, false
	}
	size = 1
	for _, d := range dims {
		size *= d
	}
	return size, true
}

// Compatible returns whether the two shapes can describe the same tensor: same rank (or either rank unknown) and
// every pair of dimensions compatible.
func (s Shape) Compatible(other Shape) bool {
	if !s.ranked || !other.ranked {
		return true
	}
	if len(s.dims) != len(other.dims) {
		return false
	}
	for axis, d := range s.dims {
		if !d.Compatible(other.dims[axis]) {
			return false
		}
	}
	return true
}

// Equal returns whether the two shapes are identical, including unknown and interval dimensions.
func (s Shape) Equal(other Shape) bool {
	if s.ranked != other.ranked || len(s.dims) != len(other.dims) {
		return false
	}
	for axis, d := range s.dims {
		if !d.Equal(other.dims[axis]) {
			return false
		}
	}
	return true
}

// Refines returns whether s is at least as specific as other.
func (s Shape) Refines(other Shape) bool {
	if !other.ranked {
		return true
	}
	if !s.ranked || len(s.dims) != len(other.dims) {
		return false
	}
	for axis, d := range s.dims {
		if !d.Refines(other.dims[axis]) {
			return false
		}
	}
	return true
}

// Merge returns the most specific shape compatible with a and b, narrowing every dimension to the intersection
// of both sides. It fails, wrapping ErrIncompatible, if the shapes are not compatible.
func Merge(a, b Shape) (Shape, error) {
	if !a.ranked {
		return b.clone(), nil
	}
	if !b.ranked {
		return a.clone(), nil
	}
	if len(a.dims) != len(b.dims) {
		return Shape{}, errors.Wrapf(ErrIncompatible, "ranks differ: %s and %s", a, b)
	}
	dims := make([]Dimension, len(a.dims))
	for axis := range a.dims {
		d, err := MergeDims(a.dims[axis], b.dims[axis])
		if err != nil {
			return Shape{}, errors.WithMessagef(err, "merging axis %d of %s and %s", axis, a, b)
		}
		dims[axis] = d
	}
	return Shape{dims: dims, ranked: true}, nil
}

// Join returns the most specific shape that holds both s and other. Ranks that differ yield a rank-unknown shape.
func (s Shape) Join(other Shape) Shape {
	if !s.ranked || !other.ranked || len(s.dims) != len(other.dims) {
		return Shape{}
	}
	dims := make([]Dimension, len(s.dims))
	for axis, d := range s.dims {
		dims[axis] = d.Join(other.dims[axis])
	}
	return Shape{dims: dims, ranked: true}
}

func (s Shape) clone() Shape {
	return Shape{dims: slices.Clone(s.dims), ranked: s.ranked}
}

// String implements fmt.Stringer. E.g.: "[?,3,1..10]", "[]" for scalars and "[...]" for rank unknown.
func (s Shape) String() string {
	if !s.ranked {
		return "[...]"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for axis, d := range s.dims {
		if axis > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(d.String())
	}
	sb.WriteByte(']')
	return sb.String()
}
