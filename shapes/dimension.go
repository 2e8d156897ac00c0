package shapes

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrIncompatible is returned (wrapped) whenever two dimensions or two shapes are required to merge
// but describe disjoint sets of possible values.
var ErrIncompatible = errors.New("incompatible shapes")

// DimUnknown can be used in Make to mark a dimension as fully unknown.
const DimUnknown = -1

// Dimension describes the extent of one axis: an exact value, a closed interval of possible values
// (optionally unbounded above), or fully unknown.
//
// The zero value is the unknown dimension.
type Dimension struct {
	lower, upper int
	// bounded is false when there is no upper bound, in which case upper is ignored.
	bounded bool
}

// Dim returns the exact dimension n. A negative n returns the unknown dimension.
func Dim(n int) Dimension {
	if n < 0 {
		return Dimension{}
	}
	return Dimension{lower: n, upper: n, bounded: true}
}

// Interval returns a dimension that can take any value in [lower, upper].
// A negative upper means unbounded. A negative lower is clamped to 0.
//
// It panics if both bounds are known and lower > upper.
func Interval(lower, upper int) Dimension {
	if lower < 0 {
		lower = 0
	}
	if upper < 0 {
		return Dimension{lower: lower}
	}
	if lower > upper {
		exceptions.Panicf("shapes.Interval(%d, %d): lower bound larger than upper bound", lower, upper)
	}
	return Dimension{lower: lower, upper: upper, bounded: true}
}

// UnknownDim returns the fully unknown dimension, the same as the zero value.
func UnknownDim() Dimension {
	return Dimension{}
}

// IsStatic returns whether the dimension has one exact value.
func (d Dimension) IsStatic() bool {
	return d.bounded && d.lower == d.upper
}

// IsUnknown returns whether nothing is known about the dimension.
func (d Dimension) IsUnknown() bool {
	return !d.bounded && d.lower == 0
}

// Length returns the exact value of a static dimension. ok is false otherwise.
func (d Dimension) Length() (length int, ok bool) {
	if !d.IsStatic() {
		return 0, false
	}
	return d.lower, true
}

// Lower returns the lower bound, 0 for an unknown dimension.
func (d Dimension) Lower() int {
	return d.lower
}

// Upper returns the upper bound, with ok false if unbounded.
func (d Dimension) Upper() (upper int, ok bool) {
	return d.upper, d.bounded
}

// Contains returns whether the value n is a possible value of d.
func (d Dimension) Contains(n int) bool {
	if n < d.lower {
		return false
	}
	return !d.bounded || n <= d.upper
}

// Compatible returns whether the two dimensions have at least one possible value in common.
func (d Dimension) Compatible(other Dimension) bool {
	_, ok := intersect(d, other)
	return ok
}

// Refines returns whether d is at least as specific as other: every possible value of d is a possible value of other.
func (d Dimension) Refines(other Dimension) bool {
	if d.lower < other.lower {
		return false
	}
	if !other.bounded {
		return true
	}
	return d.bounded && d.upper <= other.upper
}

// Equal returns whether both dimensions describe exactly the same set of values.
func (d Dimension) Equal(other Dimension) bool {
	if d.lower != other.lower || d.bounded != other.bounded {
		return false
	}
	return !d.bounded || d.upper == other.upper
}

func intersect(a, b Dimension) (Dimension, bool) {
	r := Dimension{lower: max(a.lower, b.lower)}
	switch {
	case a.bounded && b.bounded:
		r.upper, r.bounded = min(a.upper, b.upper), true
	case a.bounded:
		r.upper, r.bounded = a.upper, true
	case b.bounded:
		r.upper, r.bounded = b.upper, true
	}
	if r.bounded && r.lower > r.upper {
		return Dimension{}, false
	}
	return r, true
}

// MergeDims returns the most specific dimension compatible with both a and b: the intersection of their possible values.
//
// Merging two exact dimensions requires equality, merging an interval with an exact value requires the value to lie in
// the interval (and yields the exact value), and merging with an unknown dimension yields the other side.
func MergeDims(a, b Dimension) (Dimension, error) {
	r, ok := intersect(a, b)
	if !ok {
		return Dimension{}, errors.Wrapf(ErrIncompatible, "dimensions %s and %s", a, b)
	}
	return r, nil
}

// Join returns the least specific dimension that holds both a and b: the hull of their possible values.
func (d Dimension) Join(other Dimension) Dimension {
	r := Dimension{lower: min(d.lower, other.lower)}
	if d.bounded && other.bounded {
		r.upper, r.bounded = max(d.upper, other.upper), true
	}
	return r
}

// Add returns the dimension of the sum of two axes, e.g. along a concatenation.
func (d Dimension) Add(other Dimension) Dimension {
	r := Dimension{lower: d.lower + other.lower}
	if d.bounded && other.bounded {
		r.upper, r.bounded = d.upper+other.upper, true
	}
	return r
}

// Mul returns the dimension of the product of two axes.
func (d Dimension) Mul(other Dimension) Dimension {
	r := Dimension{lower: d.lower * other.lower}
	switch {
	case d.bounded && other.bounded:
		r.upper, r.bounded = d.upper*other.upper, true
	case d.IsStatic() && d.lower == 0, other.IsStatic() && other.lower == 0:
		// Zero times anything is zero.
		r.upper, r.bounded = 0, true
	}
	return r
}

// MulInt multiplies the dimension by a non-negative constant. A negative factor yields the unknown dimension.
func (d Dimension) MulInt(factor int) Dimension {
	if factor < 0 {
		return Dimension{}
	}
	return d.Mul(Dim(factor))
}

// String implements fmt.Stringer: "3", "?", "1..10" or "2..".
func (d Dimension) String() string {
	switch {
	case d.IsStatic():
		return fmt.Sprintf("%d", d.lower)
	case d.IsUnknown():
		return "?"
	case !d.bounded:
		return fmt.Sprintf("%d..", d.lower)
	default:
		return fmt.Sprintf("%d..%d", d.lower, d.upper)
	}
}
