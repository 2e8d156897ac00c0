package rewrite

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapeinference"
	"github.com/pkg/errors"
)

// Edit records the nodes a rewrite callback creates, so that it can validate them and roll them back if the
// rewrite can't be completed.
//
// Typical use in a Callback:
//
//	edit := rewrite.NewEdit(m.Graph())
//	gelu, err := edit.AddNode(graph.KindGelu, []graph.Output{x}, nil)
//	if err != nil || edit.Validate(engine) != nil {
//		edit.Rollback()
//		return false
//	}
//	return edit.Commit(m.Output(root), gelu.Output(0)) == nil
type Edit struct {
	g       *graph.Graph
	created []*graph.Node
}

// NewEdit starts an edit of g.
func NewEdit(g *graph.Graph) *Edit {
	return &Edit{g: g}
}

// Graph returns the graph being edited.
func (e *Edit) Graph() *graph.Graph {
	return e.g
}

// AddNode creates a node (see graph.Graph.AddNode) and records it.
func (e *Edit) AddNode(kind graph.Kind, inputs []graph.Output, attrs graph.Attributes, bodies ...*graph.Body) (*graph.Node, error) {
	node, err := e.g.AddNode(kind, inputs, attrs, bodies...)
	if err != nil {
		return nil, err
	}
	e.created = append(e.created, node)
	return node, nil
}

// AddConstant creates a constant (see graph.Graph.AddConstant) and records it.
func (e *Edit) AddConstant(value *tensors.Tensor) (*graph.Node, error) {
	node, err := e.g.AddConstant("", value)
	if err != nil {
		return nil, err
	}
	e.created = append(e.created, node)
	return node, nil
}

// Created returns the nodes created so far, in creation order.
func (e *Edit) Created() []*graph.Node {
	return slices.Clone(e.created)
}

// Validate infers the created nodes in creation order, setting their output types. It fails with the first
// *graph.ValidationError, in which case the caller is expected to Rollback.
func (e *Edit) Validate(engine *shapeinference.Engine) error {
	for _, node := range e.created {
		types, err := engine.InferNode(node)
		if err != nil {
			return err
		}
		for i, t := range types {
			node.SetOutputType(i, t.DType, t.Shape)
		}
	}
	return nil
}

// Rollback removes the created nodes, most recent first. Nodes created by the edit must not have been wired to
// nodes outside of it.
func (e *Edit) Rollback() {
	for _, node := range slices.Backward(e.created) {
		if node.IsRemoved() {
			continue
		}
		if err := e.g.RemoveNode(node); err != nil {
			exceptions.Panicf("rolling back rewrite: %v", err)
		}
	}
	e.created = nil
}

// Commit replaces each of the old outputs by the corresponding new output, in order.
// It fails if the number of outputs differ or if any output is not in the graph, in which case nothing is replaced.
func (e *Edit) Commit(oldAndNew ...graph.Output) error {
	if len(oldAndNew)%2 != 0 {
		return errors.Errorf("Edit.Commit() requires pairs of (old, new) outputs, got %d outputs", len(oldAndNew))
	}
	for i, o := range oldAndNew {
		if err := e.g.CheckOutput(o); err != nil {
			return errors.WithMessagef(err, "Edit.Commit() pair #%d", i/2)
		}
	}
	for i := 0; i < len(oldAndNew); i += 2 {
		if err := e.g.ReplaceOutput(oldAndNew[i], oldAndNew[i+1]); err != nil {
			return err
		}
	}
	return nil
}
