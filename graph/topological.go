package graph

import (
	"slices"

	"github.com/pkg/errors"
)

// TopologicalOrder returns the live nodes such that every node comes after the producers of its inputs.
//
// The order is deterministic: it is the concatenation of TopologicalLevels.
// It fails with ErrCycleDetected if the graph is not acyclic. Back-edges of body graphs are described by
// the Body port descriptions, not by inputs, so they are never cycles.
func (g *Graph) TopologicalOrder() ([]*Node, error) {
	levels, err := g.TopologicalLevels()
	if err != nil {
		return nil, err
	}
	order := make([]*Node, 0, len(g.nodes))
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// TopologicalLevels groups the live nodes in levels: the first level holds the nodes without inputs, and every
// other node is in the level after the last of its producers. Within a level, nodes are sorted by id.
//
// Nodes of the same level don't depend on each other.
func (g *Graph) TopologicalLevels() ([][]*Node, error) {
	pending := make([]int, len(g.nodes))
	var ready []*Node
	numLive := 0
	for _, node := range g.nodes {
		if node.removed {
			continue
		}
		numLive++
		pending[node.id] = len(node.inputs)
		if len(node.inputs) == 0 {
			ready = append(ready, node)
		}
	}

	var levels [][]*Node
	numVisited := 0
	for len(ready) > 0 {
		levels = append(levels, ready)
		numVisited += len(ready)
		var next []*Node
		for _, node := range ready {
			for _, slot := range node.outputs {
				for _, consumer := range slot.consumers {
					pending[consumer.node.id]--
					if pending[consumer.node.id] == 0 {
						next = append(next, consumer.node)
					}
				}
			}
		}
		slices.SortFunc(next, func(a, b *Node) int { return a.id - b.id })
		ready = next
	}
	if numVisited != numLive {
		return nil, errors.Wrapf(ErrCycleDetected, "graph %q: %d out of %d nodes are part of, or depend on, a cycle",
			g.name, numLive-numVisited, numLive)
	}
	return levels, nil
}
