package togomlx

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	gomlxshapes "github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphpass/graph"
	"github.com/pkg/errors"
)

// Shape converts the type of an output to a GoMLX shapes.Shape (it includes the dtype).
//
// GoMLX shapes are static: it fails if the dtype is unknown or any dimension is not exact.
func Shape(o graph.Output) (shape gomlxshapes.Shape, err error) {
	if o.DType() == dtypes.InvalidDType {
		err = errors.Errorf("output %s has no dtype, was shape inference run?", o)
		return
	}
	dims, ok := o.Shape().ToInts()
	if !ok {
		err = errors.Errorf("output %s has non-static shape %s", o, o.Shape())
		return
	}
	shape = gomlxshapes.Make(o.DType(), dims...)
	return
}

// Tensor returns the value of a Constant node.
func Tensor(node *graph.Node) (*tensors.Tensor, error) {
	if node.Kind() != graph.KindConstant {
		return nil, errors.Errorf("node %s is not a constant", node)
	}
	t := node.Attributes().Tensor(graph.AttrValue)
	if t == nil {
		return nil, errors.Errorf("constant %s has no value", node)
	}
	return t, nil
}
