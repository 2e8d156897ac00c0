package graph

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// Clone returns a deep copy of the graph, including the bodies of control-flow nodes.
//
// Node ids are preserved, so g.NodeByID(n.ID()) and clone.NodeByID(n.ID()) are corresponding nodes.
// Removed nodes are kept as tombstones. Tensor payloads of constants are shared, since they are never mutated.
// The clone starts at generation 0 with no touched nodes.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		name:    g.name,
		nodes:   make([]*Node, len(g.nodes)),
		byName:  make(map[string]*Node, len(g.byName)),
		touched: sets.Make[*Node](),
	}
	for id, node := range g.nodes {
		cn := &Node{
			graph:   c,
			id:      id,
			name:    node.name,
			kind:    node.kind,
			outputs: make([]outputSlot, len(node.outputs)),
			attrs:   node.attrs.Clone(),
			removed: node.removed,
		}
		for i, slot := range node.outputs {
			cn.outputs[i].dtype = slot.dtype
			cn.outputs[i].shape = slot.shape
		}
		for _, body := range node.bodies {
			cb := body.clone()
			cb.owner = cn
			cn.bodies = append(cn.bodies, cb)
		}
		c.nodes[id] = cn
		if !node.removed {
			c.byName[node.name] = cn
		}
	}
	mapOutput := func(o Output) Output { return Output{node: c.nodes[o.node.id], index: o.index} }
	for id, node := range g.nodes {
		if node.removed {
			continue
		}
		cn := c.nodes[id]
		cn.inputs = make([]Output, len(node.inputs))
		for i, in := range node.inputs {
			cn.inputs[i] = mapOutput(in)
		}
		for i, slot := range node.outputs {
			consumers := make([]Input, len(slot.consumers))
			for j, consumer := range slot.consumers {
				consumers[j] = Input{node: c.nodes[consumer.node.id], index: consumer.index}
			}
			cn.outputs[i].consumers = consumers
		}
	}
	c.parameters = make([]*Node, len(g.parameters))
	for i, param := range g.parameters {
		c.parameters[i] = c.nodes[param.id]
	}
	c.results = make([]Output, len(g.results))
	for i, result := range g.results {
		c.results[i] = mapOutput(result)
	}
	return c
}

// Equal returns whether other has the same structure as g: same live node ids, names, kinds, wiring, results
// and inferred types. Bodies are compared recursively. Attributes are not compared.
func (g *Graph) Equal(other *Graph) bool {
	if len(g.nodes) != len(other.nodes) || !slices.Equal(outputIDs(g.results), outputIDs(other.results)) {
		return false
	}
	for id, node := range g.nodes {
		on := other.nodes[id]
		if node.removed != on.removed {
			return false
		}
		if node.removed {
			continue
		}
		if node.name != on.name || node.kind != on.kind || len(node.outputs) != len(on.outputs) ||
			!slices.Equal(outputIDs(node.inputs), outputIDs(on.inputs)) || len(node.bodies) != len(on.bodies) {
			return false
		}
		for i, slot := range node.outputs {
			if slot.dtype != on.outputs[i].dtype || !slot.shape.Equal(on.outputs[i].shape) {
				return false
			}
		}
		for i, body := range node.bodies {
			if !body.Graph.Equal(on.bodies[i].Graph) {
				return false
			}
		}
	}
	return true
}

type outputID struct{ node, index int }

func outputIDs(outputs []Output) []outputID {
	ids := make([]outputID, len(outputs))
	for i, o := range outputs {
		ids[i] = outputID{o.node.id, o.index}
	}
	return ids
}
