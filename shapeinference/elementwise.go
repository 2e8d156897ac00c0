package shapeinference

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
	"github.com/pkg/errors"
)

func init() {
	Register(graph.KindParameter, inferParameter)
	Register(graph.KindConstant, inferConstant)
	Register(graph.KindIdentity, inferUnary)
	for _, kind := range []graph.Kind{
		graph.KindErf, graph.KindTanh, graph.KindSqrt, graph.KindExp, graph.KindLog, graph.KindNeg, graph.KindAbs,
		graph.KindRelu, graph.KindSigmoid} {
		Register(kind, inferUnary)
	}
	Register(graph.KindGelu, inferGelu)
	for _, kind := range []graph.Kind{
		graph.KindAdd, graph.KindSub, graph.KindMul, graph.KindDiv, graph.KindPow, graph.KindMax, graph.KindMin} {
		Register(kind, inferBinary)
	}
	for _, kind := range []graph.Kind{graph.KindEqual, graph.KindLess, graph.KindGreater} {
		Register(kind, inferComparison)
	}
	Register(graph.KindAnd, inferLogical)
	Register(graph.KindOr, inferLogical)
	Register(graph.KindConvert, inferConvert)
}

func checkNumInputs(node *graph.Node, want int) error {
	if node.NumInputs() != want {
		return errors.Errorf("%s requires %d inputs, got %d", node.Kind(), want, node.NumInputs())
	}
	return nil
}

func single(dtype dtypes.DType, shape shapes.Shape) []OutputType {
	return []OutputType{{DType: dtype, Shape: shape}}
}

// inferParameter keeps the type set on the parameter: by AddParameter, or by the owner of the body it belongs to.
func inferParameter(_ *Engine, node *graph.Node) ([]OutputType, error) {
	o := node.Output(0)
	if o.DType() == dtypes.InvalidDType {
		attrs := node.Attributes()
		return single(attrs.DType(graph.AttrDType, dtypes.InvalidDType), attrs.Shape(graph.AttrShape, shapes.DynamicRank())), nil
	}
	return []OutputType{TypeOf(o)}, nil
}

func inferConstant(_ *Engine, node *graph.Node) ([]OutputType, error) {
	t := node.Attributes().Tensor(graph.AttrValue)
	if t == nil {
		return nil, errors.Errorf("constant has no %q attribute", graph.AttrValue)
	}
	return single(t.DType(), shapes.Make(t.Shape().Dimensions...)), nil
}

func inferUnary(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 1); err != nil {
		return nil, err
	}
	return []OutputType{TypeOf(node.Input(0))}, nil
}

// mergeDTypes requires both dtypes to be equal, an unknown (invalid) dtype matching anything.
func mergeDTypes(a, b dtypes.DType) (dtypes.DType, error) {
	switch {
	case a == dtypes.InvalidDType:
		return b, nil
	case b == dtypes.InvalidDType, a == b:
		return a, nil
	}
	return dtypes.InvalidDType, errors.Wrapf(graph.ErrShapeMismatch, "dtype mismatch: %s and %s", a, b)
}

// broadcastDim returns the dimension of the NumPy-style broadcast of two aligned axes.
func broadcastDim(a, b shapes.Dimension) (shapes.Dimension, error) {
	one := shapes.Dim(1)
	switch {
	case a.Equal(one):
		return b, nil
	case b.Equal(one):
		return a, nil
	}
	aCanBeOne, bCanBeOne := a.Contains(1), b.Contains(1)
	switch {
	case !aCanBeOne && !bCanBeOne:
		return shapes.MergeDims(a, b)
	case !aCanBeOne:
		// b is either 1, which broadcasts, or equal to a.
		return a, nil
	case !bCanBeOne:
		return b, nil
	}
	return a.Join(b), nil
}

// BroadcastShapes returns the shape of the NumPy-style broadcast of a and b: axes are aligned to the right, and
// axes of dimension 1 broadcast to the other side.
// It fails, wrapping graph.ErrShapeMismatch, if two axes can't be broadcast.
func BroadcastShapes(a, b shapes.Shape) (shapes.Shape, error) {
	if !a.HasRank() || !b.HasRank() {
		return shapes.DynamicRank(), nil
	}
	rank := max(a.Rank(), b.Rank())
	dims := make([]shapes.Dimension, rank)
	for axis := range rank {
		da, db := shapes.Dim(1), shapes.Dim(1)
		if axisA := axis - (rank - a.Rank()); axisA >= 0 {
			da = a.Dim(axisA)
		}
		if axisB := axis - (rank - b.Rank()); axisB >= 0 {
			db = b.Dim(axisB)
		}
		d, err := broadcastDim(da, db)
		if err != nil {
			return shapes.Shape{}, errors.WithMessagef(err, "broadcasting %s and %s", a, b)
		}
		dims[axis] = d
	}
	return shapes.MakeDims(dims...), nil
}

func inferGelu(e *Engine, node *graph.Node) ([]OutputType, error) {
	switch approximate := node.Attributes().Str(graph.AttrApproximate, graph.GeluExact); approximate {
	case graph.GeluExact, graph.GeluTanh:
	default:
		return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "Gelu approximation %q not supported", approximate)
	}
	return inferUnary(e, node)
}

func inferBinary(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 2); err != nil {
		return nil, err
	}
	lhs, rhs := node.Input(0), node.Input(1)
	dtype, err := mergeDTypes(lhs.DType(), rhs.DType())
	if err != nil {
		return nil, err
	}
	shape, err := BroadcastShapes(lhs.Shape(), rhs.Shape())
	if err != nil {
		return nil, err
	}
	return single(dtype, shape), nil
}

func inferComparison(e *Engine, node *graph.Node) ([]OutputType, error) {
	types, err := inferBinary(e, node)
	if err != nil {
		return nil, err
	}
	return single(dtypes.Bool, types[0].Shape), nil
}

func inferLogical(e *Engine, node *graph.Node) ([]OutputType, error) {
	types, err := inferBinary(e, node)
	if err != nil {
		return nil, err
	}
	if types[0].DType != dtypes.InvalidDType && types[0].DType != dtypes.Bool {
		return nil, errors.Errorf("%s requires boolean inputs, got %s", node.Kind(), types[0].DType)
	}
	return single(dtypes.Bool, types[0].Shape), nil
}

func inferConvert(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 1); err != nil {
		return nil, err
	}
	dtype := node.Attributes().DType(graph.AttrDType, dtypes.InvalidDType)
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("Convert requires a %q attribute", graph.AttrDType)
	}
	return single(dtype, node.Input(0).Shape()), nil
}
