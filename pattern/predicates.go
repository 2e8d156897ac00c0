package pattern

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/graphpass/graph"
)

// Predicate is a named condition on a graph output, attached to a pattern node with Pattern.Where.
//
// Predicates must not modify the graph.
type Predicate struct {
	// Name is used when printing patterns.
	Name string

	Fn func(o graph.Output) bool
}

// NewPredicate returns a Predicate with the given name.
func NewPredicate(name string, fn func(o graph.Output) bool) Predicate {
	return Predicate{Name: name, Fn: fn}
}

// ConsumersCount requires the output to have exactly n consumers.
//
// Fusions use ConsumersCount(1) on intermediate values, so the values removed by the rewrite are not used
// elsewhere.
func ConsumersCount(n int) Predicate {
	return NewPredicate(fmt.Sprintf("consumers=%d", n), func(o graph.Output) bool {
		return o.NumConsumers() == n
	})
}

// HasStaticRank requires the rank of the output to be known.
func HasStaticRank() Predicate {
	return NewPredicate("static_rank", func(o graph.Output) bool {
		return o.Shape().HasRank()
	})
}

// HasStaticShape requires every dimension of the output to be known exactly.
func HasStaticShape() Predicate {
	return NewPredicate("static_shape", func(o graph.Output) bool {
		return o.IsStatic()
	})
}

// HasDType requires the output element type to be one of the given dtypes.
func HasDType(dtypeList ...dtypes.DType) Predicate {
	return NewPredicate(fmt.Sprintf("dtype in %v", dtypeList), func(o graph.Output) bool {
		return slices.Contains(dtypeList, o.DType())
	})
}

// HasFloatDType requires the output element type to be a floating point type.
func HasFloatDType() Predicate {
	return NewPredicate("float", func(o graph.Output) bool {
		return o.DType().IsFloat()
	})
}
