package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/graphpass/shapes"
)

// Node is one operation of a Graph.
//
// Nodes live in an arena owned by the graph, indexed by their id. Removing a node leaves a tombstone
// (see IsRemoved), so pointers held by a pass remain safe to inspect.
type Node struct {
	graph   *Graph
	id      int
	name    string
	kind    Kind
	inputs  []Output
	outputs []outputSlot
	attrs   Attributes
	bodies  []*Body
	removed bool
}

type outputSlot struct {
	dtype     dtypes.DType
	shape     shapes.Shape
	consumers []Input
}

// ID is the index of the node in the graph's arena. It is stable for the life of the graph, and preserved by Clone.
func (n *Node) ID() int { return n.id }

// Name is unique within the graph.
func (n *Node) Name() string { return n.name }

// Kind of the node.
func (n *Node) Kind() Kind { return n.kind }

// Graph that owns the node.
func (n *Node) Graph() *Graph { return n.graph }

// IsRemoved returns whether the node has been removed from its graph.
func (n *Node) IsRemoved() bool { return n.removed }

// Attributes of the node. They must not be modified after the node is created.
func (n *Node) Attributes() Attributes { return n.attrs }

// NumInputs returns the number of inputs.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the output bound to the i-th input port.
func (n *Node) Input(i int) Output { return n.inputs[i] }

// Inputs returns a copy of the outputs bound to the input ports.
func (n *Node) Inputs() []Output { return slices.Clone(n.inputs) }

// NumOutputs returns the number of output ports.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Output returns the i-th output port of the node.
func (n *Node) Output(i int) Output {
	if i < 0 || i >= len(n.outputs) {
		exceptions.Panicf("node %q has %d outputs, Output(%d) requested", n.name, len(n.outputs), i)
	}
	return Output{node: n, index: i}
}

// Outputs returns all output ports of the node.
func (n *Node) Outputs() []Output {
	outs := make([]Output, len(n.outputs))
	for i := range outs {
		outs[i] = Output{node: n, index: i}
	}
	return outs
}

// Bodies returns the body graphs owned by a control-flow node.
func (n *Node) Bodies() []*Body { return n.bodies }

// Body returns the i-th body owned by the node.
func (n *Node) Body(i int) *Body { return n.bodies[i] }

// SetOutputType sets the inferred element type and shape of the i-th output.
//
// It is meant to be called only by shape inference: rewrites never set types directly. It doesn't count as a
// mutation of the graph (the generation is unchanged).
func (n *Node) SetOutputType(i int, dtype dtypes.DType, shape shapes.Shape) {
	n.outputs[i].dtype = dtype
	n.outputs[i].shape = shape
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)", n.name, n.kind)
}

// Output identifies one output port of a node. It carries the port's current element type and shape.
//
// The zero value is not a valid output.
type Output struct {
	node  *Node
	index int
}

// Node that produces the output.
func (o Output) Node() *Node { return o.node }

// Index of the output port.
func (o Output) Index() int { return o.index }

// IsValid returns whether the output refers to an existing port of a node that has not been removed.
func (o Output) IsValid() bool {
	return o.node != nil && !o.node.removed && o.index >= 0 && o.index < len(o.node.outputs)
}

// Shape returns the current (inferred) shape of the output.
func (o Output) Shape() shapes.Shape { return o.node.outputs[o.index].shape }

// DType returns the current (inferred) element type of the output.
func (o Output) DType() dtypes.DType { return o.node.outputs[o.index].dtype }

// IsStatic returns whether the shape is fully known.
func (o Output) IsStatic() bool { return o.Shape().IsStatic() }

// Consumers returns the input ports bound to this output, in the order they were bound.
func (o Output) Consumers() []Input {
	return slices.Clone(o.node.outputs[o.index].consumers)
}

// NumConsumers returns the number of input ports bound to this output.
func (o Output) NumConsumers() int {
	return len(o.node.outputs[o.index].consumers)
}

// String implements fmt.Stringer. E.g.: "add_3:0".
func (o Output) String() string {
	if o.node == nil {
		return "<invalid output>"
	}
	return fmt.Sprintf("%s:%d", o.node.name, o.index)
}

// Input identifies one input port of a node.
type Input struct {
	node  *Node
	index int
}

// Node that owns the input port.
func (in Input) Node() *Node { return in.node }

// Index of the input port.
func (in Input) Index() int { return in.index }

// Source returns the output currently bound to the input port.
func (in Input) Source() Output { return in.node.inputs[in.index] }

// String implements fmt.Stringer.
func (in Input) String() string {
	return fmt.Sprintf("%s<-%d", in.node.name, in.index)
}
