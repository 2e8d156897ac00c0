package graph

import (
	"fmt"

	"github.com/gomlx/graphpass/shapes"
	"github.com/pkg/errors"
)

var (
	// ErrDanglingReference is returned when a mutation references a node or output that is not in the graph.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrCycleDetected is returned by TopologicalOrder when the graph is not acyclic.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrShapeMismatch is returned (wrapped) when two shapes required to merge are incompatible.
	// It is the same value as shapes.ErrIncompatible, so errors.Is works with either.
	ErrShapeMismatch = shapes.ErrIncompatible

	// ErrAttributeOutOfRange is returned (wrapped) when an attribute, typically an axis after negative-axis
	// normalization, is out of range.
	ErrAttributeOutOfRange = errors.New("attribute out of range")

	// ErrDidNotConverge is returned (wrapped) when the fixed-point inference of a control-flow node exceeds
	// its iteration ceiling.
	ErrDidNotConverge = errors.New("shape inference did not converge")
)

// ValidationError is a failure tied to one node of the graph.
// Use errors.Is on it to check for the underlying error kind, e.g. ErrShapeMismatch.
type ValidationError struct {
	// Node is the name of the failing node.
	Node string

	// Kind of the failing node.
	Kind Kind

	Err error
}

// NewValidationError returns a ValidationError for the given node.
func NewValidationError(node *Node, err error) *ValidationError {
	return &ValidationError{Node: node.Name(), Kind: node.Kind(), Err: err}
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("node %q (%s): %v", e.Node, e.Kind, e.Err)
}

// Unwrap allows errors.Is and errors.As to see the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
