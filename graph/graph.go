// Package graph defines the dataflow graph IR: nodes with typed input and output ports, kind-specific
// attributes, and body graphs owned by control-flow nodes.
//
// The graph owns no execution semantics: the element type and shape of each output are set by the
// shapeinference package, and rewrites are driven by the rewrite package.
//
// A Graph is not safe for concurrent mutation.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphpass/shapes"
	"github.com/pkg/errors"
)

// Graph is the set of nodes reachable from its declared results, plus its declared parameters.
//
// Every input of every live node refers to an output of a live node of the same graph.
type Graph struct {
	name       string
	nodes      []*Node
	byName     map[string]*Node
	parameters []*Node
	results    []Output

	generation uint64
	touched    sets.Set[*Node]
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:    name,
		byName:  make(map[string]*Node),
		touched: sets.Make[*Node](),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Generation is bumped on every mutation of the graph: new nodes, re-wired inputs, removed nodes and changes of the
// declared results. Shape inference doesn't change it.
func (g *Graph) Generation() uint64 { return g.generation }

func (g *Graph) mutated(touched ...*Node) {
	g.generation++
	g.touched.Insert(touched...)
}

// TakeTouched returns the live nodes created or re-wired since the last call, sorted by id, and resets the set.
func (g *Graph) TakeTouched() []*Node {
	nodes := make([]*Node, 0, len(g.touched))
	for node := range g.touched {
		if !node.removed {
			nodes = append(nodes, node)
		}
	}
	g.touched = sets.Make[*Node]()
	slices.SortFunc(nodes, func(a, b *Node) int { return a.id - b.id })
	return nodes
}

// CheckOutput returns ErrDanglingReference (wrapped) if the output is not a port of a live node of g.
func (g *Graph) CheckOutput(o Output) error {
	return g.checkOutput(o)
}

func (g *Graph) checkOutput(o Output) error {
	if o.node == nil {
		return errors.Wrapf(ErrDanglingReference, "invalid (zero) output in graph %q", g.name)
	}
	if o.node.graph != g {
		return errors.Wrapf(ErrDanglingReference, "output %s belongs to graph %q, not to graph %q",
			o, o.node.graph.name, g.name)
	}
	if o.node.removed {
		return errors.Wrapf(ErrDanglingReference, "output %s refers to a removed node", o)
	}
	if o.index < 0 || o.index >= len(o.node.outputs) {
		return errors.Wrapf(ErrDanglingReference, "node %s has %d outputs, port %d requested",
			o.node, len(o.node.outputs), o.index)
	}
	return nil
}

func (g *Graph) checkNode(node *Node) error {
	if node == nil || node.graph != g || node.removed {
		return errors.Wrapf(ErrDanglingReference, "node %s is not in graph %q", node, g.name)
	}
	return nil
}

func (g *Graph) uniqueName(kind Kind) string {
	base := strings.ToLower(string(kind))
	name := fmt.Sprintf("%s_%d", base, len(g.nodes))
	for suffix := 1; ; suffix++ {
		if _, found := g.byName[name]; !found {
			return name
		}
		name = fmt.Sprintf("%s_%d_%d", base, len(g.nodes), suffix)
	}
}

// AddNode creates a node with an automatically generated name. See AddNamedNode.
func (g *Graph) AddNode(kind Kind, inputs []Output, attrs Attributes, bodies ...*Body) (*Node, error) {
	return g.AddNamedNode("", kind, inputs, attrs, bodies...)
}

// AddNamedNode creates a node of the given kind consuming the given inputs.
//
// Every input must be an output of a live node of this graph, otherwise it fails with ErrDanglingReference.
// Names must be unique within the graph; an empty name is replaced by a generated one.
//
// Control-flow nodes take ownership of their bodies: KindLoop takes one body and has one output per
// body output description; KindIf takes [then, else] bodies and has one output per result of the branches.
// Other kinds have exactly one output.
//
// The outputs of the new node have no type until shape inference runs.
func (g *Graph) AddNamedNode(name string, kind Kind, inputs []Output, attrs Attributes, bodies ...*Body) (*Node, error) {
	for i, in := range inputs {
		if err := g.checkOutput(in); err != nil {
			return nil, errors.WithMessagef(err, "input #%d of new %s node", i, kind)
		}
	}
	for i, body := range bodies {
		if body == nil || body.Graph == nil {
			return nil, errors.Errorf("body #%d of new %s node is nil", i, kind)
		}
		if body.owner != nil {
			return nil, errors.Errorf("body #%d of new %s node is already owned by node %s", i, kind, body.owner)
		}
		if err := body.Validate(len(inputs)); err != nil {
			return nil, errors.WithMessagef(err, "body #%d of new %s node", i, kind)
		}
	}
	numOutputs := 1
	switch kind {
	case KindLoop:
		if len(bodies) != 1 {
			return nil, errors.Errorf("%s node requires exactly 1 body, got %d", kind, len(bodies))
		}
		numOutputs = len(bodies[0].Outputs)
	case KindIf:
		if len(bodies) != 2 {
			return nil, errors.Errorf("%s node requires exactly 2 bodies (then and else), got %d", kind, len(bodies))
		}
		numOutputs = len(bodies[0].Graph.results)
		if len(bodies[1].Graph.results) != numOutputs {
			return nil, errors.Errorf("%s node branches have different number of results: %d and %d",
				kind, numOutputs, len(bodies[1].Graph.results))
		}
	default:
		if len(bodies) > 0 {
			return nil, errors.Errorf("%s node doesn't take bodies, got %d", kind, len(bodies))
		}
	}
	if name == "" {
		name = g.uniqueName(kind)
	} else if _, found := g.byName[name]; found {
		return nil, errors.Errorf("duplicate node name %q in graph %q", name, g.name)
	}

	node := &Node{
		graph:   g,
		id:      len(g.nodes),
		name:    name,
		kind:    kind,
		inputs:  slices.Clone(inputs),
		outputs: make([]outputSlot, numOutputs),
		attrs:   attrs.Clone(),
		bodies:  slices.Clone(bodies),
	}
	for i, in := range node.inputs {
		slot := &in.node.outputs[in.index]
		slot.consumers = append(slot.consumers, Input{node: node, index: i})
	}
	for _, body := range node.bodies {
		body.owner = node
	}
	g.nodes = append(g.nodes, node)
	g.byName[name] = node
	g.mutated(node)
	return node, nil
}

// AddParameter declares a parameter (a source) of the graph, with the given element type and shape.
// An empty name is replaced by a generated one.
func (g *Graph) AddParameter(name string, dtype dtypes.DType, shape shapes.Shape) (*Node, error) {
	node, err := g.AddNamedNode(name, KindParameter, nil, Attributes{AttrDType: dtype, AttrShape: shape})
	if err != nil {
		return nil, err
	}
	node.SetOutputType(0, dtype, shape)
	g.parameters = append(g.parameters, node)
	return node, nil
}

// UpdateParameter changes the element type and shape of a parameter, e.g. to refine a dynamic dimension.
// Consumers are not re-inferred: call shape inference with the parameter as dirty.
func (g *Graph) UpdateParameter(param *Node, dtype dtypes.DType, shape shapes.Shape) error {
	if err := g.checkNode(param); err != nil {
		return err
	}
	if param.kind != KindParameter {
		return errors.Errorf("UpdateParameter(%s): node is not a parameter", param)
	}
	param.attrs[AttrDType] = dtype
	param.attrs[AttrShape] = shape
	param.SetOutputType(0, dtype, shape)
	g.mutated(param)
	return nil
}

// AddConstant creates a constant node holding the given tensor. An empty name is replaced by a generated one.
func (g *Graph) AddConstant(name string, value *tensors.Tensor) (*Node, error) {
	if value == nil {
		return nil, errors.Errorf("AddConstant(%q) with a nil tensor", name)
	}
	node, err := g.AddNamedNode(name, KindConstant, nil, Attributes{AttrValue: value})
	if err != nil {
		return nil, err
	}
	node.SetOutputType(0, value.DType(), shapes.Make(value.Shape().Dimensions...))
	return node, nil
}

// DeclareResult appends the output to the results (sinks) of the graph, and returns its result index.
func (g *Graph) DeclareResult(o Output) (int, error) {
	if err := g.checkOutput(o); err != nil {
		return 0, errors.WithMessagef(err, "DeclareResult()")
	}
	g.results = append(g.results, o)
	g.mutated()
	return len(g.results) - 1, nil
}

// SetResult replaces the i-th result of the graph.
func (g *Graph) SetResult(i int, o Output) error {
	if i < 0 || i >= len(g.results) {
		return errors.Wrapf(ErrDanglingReference, "SetResult(%d): graph %q has %d results", i, g.name, len(g.results))
	}
	if err := g.checkOutput(o); err != nil {
		return errors.WithMessagef(err, "SetResult(%d)", i)
	}
	g.results[i] = o
	g.mutated()
	return nil
}

// Results returns the declared results of the graph.
func (g *Graph) Results() []Output { return slices.Clone(g.results) }

// Result returns the i-th declared result.
func (g *Graph) Result(i int) Output { return g.results[i] }

// NumResults returns the number of declared results.
func (g *Graph) NumResults() int { return len(g.results) }

// Parameters returns the declared parameters in declaration order.
func (g *Graph) Parameters() []*Node { return slices.Clone(g.parameters) }

// Parameter returns the i-th declared parameter.
func (g *Graph) Parameter(i int) *Node { return g.parameters[i] }

// NumParameters returns the number of declared parameters.
func (g *Graph) NumParameters() int { return len(g.parameters) }

// isParameter returns whether node is one of the declared parameters.
func (g *Graph) isParameter(node *Node) bool {
	return node.kind == KindParameter && slices.Contains(g.parameters, node)
}

// Nodes returns the live nodes in id (creation) order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		if !node.removed {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int {
	count := 0
	for _, node := range g.nodes {
		if !node.removed {
			count++
		}
	}
	return count
}

// NodeByID returns the node with the given id, which may be a removed node, or nil if the id was never used.
func (g *Graph) NodeByID(id int) *Node {
	if id < 0 || id >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// NodeByName returns the live node with the given name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	node, found := g.byName[name]
	return node, found
}

// OutputsOf returns the output ports of the node.
func (g *Graph) OutputsOf(node *Node) []Output {
	return node.Outputs()
}

func (g *Graph) removeConsumer(source Output, consumer Input) {
	slot := &source.node.outputs[source.index]
	slot.consumers = slices.DeleteFunc(slot.consumers, func(c Input) bool { return c == consumer })
}

// ReplaceOutput redirects every consumer of oldOutput, and every declared result equal to it, to newOutput.
//
// Consumers keep their input port index and are re-wired in the order they were bound. An input of newOutput's own
// node is not redirected, so a replacement that wraps oldOutput (e.g. Identity(old)) doesn't become a cycle.
//
// Whether the element type of newOutput is acceptable for the consumers is the caller's policy.
func (g *Graph) ReplaceOutput(oldOutput, newOutput Output) error {
	if err := g.checkOutput(oldOutput); err != nil {
		return errors.WithMessagef(err, "ReplaceOutput(): old output")
	}
	if err := g.checkOutput(newOutput); err != nil {
		return errors.WithMessagef(err, "ReplaceOutput(): new output")
	}
	if oldOutput == newOutput {
		return nil
	}
	oldSlot := &oldOutput.node.outputs[oldOutput.index]
	newSlot := &newOutput.node.outputs[newOutput.index]
	var kept []Input
	for _, consumer := range oldSlot.consumers {
		if consumer.node == newOutput.node {
			kept = append(kept, consumer)
			continue
		}
		consumer.node.inputs[consumer.index] = newOutput
		newSlot.consumers = append(newSlot.consumers, consumer)
		g.touched.Insert(consumer.node)
	}
	oldSlot.consumers = kept
	for i, result := range g.results {
		if result == oldOutput {
			g.results[i] = newOutput
		}
	}
	g.mutated()
	return nil
}

// ReplaceNode replaces each output of oldNode by the output of newNode with the same index.
// Both nodes must have the same number of outputs.
func (g *Graph) ReplaceNode(oldNode, newNode *Node) error {
	if err := g.checkNode(oldNode); err != nil {
		return err
	}
	if err := g.checkNode(newNode); err != nil {
		return err
	}
	if len(oldNode.outputs) != len(newNode.outputs) {
		return errors.Errorf("ReplaceNode(%s, %s): number of outputs differ (%d and %d)",
			oldNode, newNode, len(oldNode.outputs), len(newNode.outputs))
	}
	for i := range oldNode.outputs {
		if err := g.ReplaceOutput(oldNode.Output(i), newNode.Output(i)); err != nil {
			return err
		}
	}
	return nil
}

// SetInput binds the input port index of consumer to the given output.
func (g *Graph) SetInput(consumer *Node, index int, o Output) error {
	if err := g.checkNode(consumer); err != nil {
		return err
	}
	if index < 0 || index >= len(consumer.inputs) {
		return errors.Wrapf(ErrDanglingReference, "SetInput(%s, %d): node has %d inputs", consumer, index, len(consumer.inputs))
	}
	if err := g.checkOutput(o); err != nil {
		return errors.WithMessagef(err, "SetInput(%s, %d)", consumer, index)
	}
	in := Input{node: consumer, index: index}
	g.removeConsumer(consumer.inputs[index], in)
	consumer.inputs[index] = o
	slot := &o.node.outputs[o.index]
	slot.consumers = append(slot.consumers, in)
	g.mutated(consumer)
	return nil
}

// RemoveNode removes a node that has no consumers and that is neither a parameter nor referenced by a result.
// It is meant to roll back nodes created by a rewrite that could not be completed.
func (g *Graph) RemoveNode(node *Node) error {
	if err := g.checkNode(node); err != nil {
		return err
	}
	if g.isParameter(node) {
		return errors.Errorf("RemoveNode(%s): node is a parameter of graph %q", node, g.name)
	}
	for i, slot := range node.outputs {
		if len(slot.consumers) > 0 {
			return errors.Errorf("RemoveNode(%s): output #%d still has %d consumers", node, i, len(slot.consumers))
		}
	}
	for _, result := range g.results {
		if result.node == node {
			return errors.Errorf("RemoveNode(%s): node is a result of graph %q", node, g.name)
		}
	}
	g.tombstone(node)
	g.mutated()
	return nil
}

// tombstone marks the node as removed and unbinds its inputs.
func (g *Graph) tombstone(node *Node) {
	for i, in := range node.inputs {
		if !in.node.removed {
			g.removeConsumer(in, Input{node: node, index: i})
		}
	}
	node.removed = true
	delete(g.byName, node.name)
	delete(g.touched, node)
}

// RemoveUnreachable removes the nodes that are not reachable backward from the declared results.
// Parameters are always kept. It returns the number of removed nodes.
func (g *Graph) RemoveUnreachable() int {
	reachable := sets.MakeWith(g.parameters...)
	stack := make([]*Node, 0, len(g.results))
	for _, result := range g.results {
		stack = append(stack, result.node)
	}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable.Has(node) {
			continue
		}
		reachable.Insert(node)
		for _, in := range node.inputs {
			if !reachable.Has(in.node) {
				stack = append(stack, in.node)
			}
		}
	}
	count := 0
	for _, node := range g.nodes {
		if !node.removed && !reachable.Has(node) {
			g.tombstone(node)
			count++
		}
	}
	if count > 0 {
		g.mutated()
	}
	return count
}
