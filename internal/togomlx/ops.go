package togomlx

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapeinference"
)

// convertNode converts one node of the source graph to GoMLX, given the already converted outputs.
//
// It panics (throw exceptions) in case of errors.
func convertNode(ctx *context.Context, g *Graph, node *graph.Node, converted map[graph.Output]*Node) *Node {
	inputs := make([]*Node, node.NumInputs())
	for i, input := range node.Inputs() {
		inputs[i] = converted[input]
		if inputs[i] == nil {
			exceptions.Panicf("input #%d (%s) of %s was not converted", i, input, node)
		}
	}
	attrs := node.Attributes()
	switch node.Kind() {
	// Binary operators, with NumPy broadcasting.
	case graph.KindAdd:
		return convertBinaryOp(Add, inputs[0], inputs[1])
	case graph.KindSub:
		return convertBinaryOp(Sub, inputs[0], inputs[1])
	case graph.KindMul:
		return convertBinaryOp(Mul, inputs[0], inputs[1])
	case graph.KindDiv:
		return convertBinaryOp(Div, inputs[0], inputs[1])
	case graph.KindPow:
		return convertBinaryOp(Pow, inputs[0], inputs[1])
	case graph.KindMax:
		return convertBinaryOp(Max, inputs[0], inputs[1])
	case graph.KindMin:
		return convertBinaryOp(Min, inputs[0], inputs[1])
	case graph.KindEqual:
		return convertBinaryOp(Equal, inputs[0], inputs[1])
	case graph.KindLess:
		return convertBinaryOp(LessThan, inputs[0], inputs[1])
	case graph.KindGreater:
		return convertBinaryOp(GreaterThan, inputs[0], inputs[1])
	case graph.KindAnd:
		return convertBinaryOp(LogicalAnd, inputs[0], inputs[1])
	case graph.KindOr:
		return convertBinaryOp(LogicalOr, inputs[0], inputs[1])

	// Unary operators.
	case graph.KindIdentity, graph.KindShapeAssert:
		return inputs[0]
	case graph.KindErf:
		return Erf(inputs[0])
	case graph.KindTanh:
		return Tanh(inputs[0])
	case graph.KindSqrt:
		return Sqrt(inputs[0])
	case graph.KindExp:
		return Exp(inputs[0])
	case graph.KindLog:
		return Log(inputs[0])
	case graph.KindNeg:
		return Neg(inputs[0])
	case graph.KindAbs:
		return Abs(inputs[0])
	case graph.KindRelu:
		return activations.Relu(inputs[0])
	case graph.KindSigmoid:
		return Sigmoid(inputs[0])
	case graph.KindGelu:
		if attrs.Str(graph.AttrApproximate, graph.GeluExact) == graph.GeluTanh {
			return activations.GeluApproximate(inputs[0])
		}
		return activations.Gelu(inputs[0])

	// Ops with attributes.
	case graph.KindConstant:
		return convertConstant(ctx, g, node)
	case graph.KindConvert:
		return ConvertDType(inputs[0], attrs.DType(graph.AttrDType, node.Output(0).DType()))
	case graph.KindSoftmax:
		return Softmax(inputs[0], mustNormalizeAxis(node, attrs.Int(graph.AttrAxis, -1), inputs[0].Rank()))
	case graph.KindConcat:
		return Concatenate(inputs, mustNormalizeAxis(node, attrs.Int(graph.AttrAxis, 0), inputs[0].Rank()))
	case graph.KindTranspose:
		return convertTranspose(node, inputs[0])
	case graph.KindGather:
		return convertGather(node, inputs)
	case graph.KindMatMul:
		return MatMul(inputs[0], inputs[1])
	case graph.KindDense:
		return convertDense(node, inputs)
	case graph.KindShapeOf:
		return Const(g, sliceMap(inputs[0].Shape().Dimensions, func(dim int) int64 { return int64(dim) }))

	// Ops whose output shape is given by their inputs' values or by the inferred type: the (static) inferred
	// shape is used.
	case graph.KindReshape, graph.KindSqueeze, graph.KindUnsqueeze:
		return Reshape(inputs[0], mustStaticDims(node)...)
	}
	exceptions.Panicf("lowering of %s not implemented", node)
	return nil
}

// convertConstant returns the context variable holding the constant (see VariablesToContext), or a GoMLX constant.
func convertConstant(ctx *context.Context, g *Graph, node *graph.Node) *Node {
	if ctx != nil {
		if v := ctx.InspectVariableInScope(SafeVarName(node.Name())); v != nil {
			return v.ValueGraph(g)
		}
	}
	t, err := Tensor(node)
	if err != nil {
		panic(err)
	}
	return Const(g, t)
}

// gomlxBinaryOp is a GoMLX binary op. Used by convertBinaryOp.
type gomlxBinaryOp func(lhs, rhs *Node) *Node

// implicitBroadcast expands operands to the largest rank, expanding to the left, as in NumPy broadcasting.
// Scalars are left untouched, because GoMLX broadcasts them.
func implicitBroadcast(operands []*Node) []*Node {
	ranks := sliceMap(operands, func(n *Node) int { return n.Rank() })
	maxRank := slices.Max(ranks)
	return sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || n.Rank() == maxRank {
			return n
		}
		return ExpandLeftToRank(n, maxRank)
	})
}

// convertBinaryOp applies the NumPy broadcasting rule before calling the fn.
//
// It differs from GoMLX in that it prepends axes of dimension 1 to the operand of lower rank, and it broadcasts
// axes of dimension 1 of either operand.
func convertBinaryOp(fn gomlxBinaryOp, lhs, rhs *Node) *Node {
	operands := implicitBroadcast([]*Node{lhs, rhs})
	lhs, rhs = operands[0], operands[1]
	if !lhs.IsScalar() && !rhs.IsScalar() {
		dims := slices.Clone(lhs.Shape().Dimensions)
		for axis, dim := range rhs.Shape().Dimensions {
			dims[axis] = max(dims[axis], dim)
		}
		if !slices.Equal(dims, lhs.Shape().Dimensions) {
			lhs = BroadcastToDims(lhs, dims...)
		}
		if !slices.Equal(dims, rhs.Shape().Dimensions) {
			rhs = BroadcastToDims(rhs, dims...)
		}
	}
	return fn(lhs, rhs)
}

func convertTranspose(node *graph.Node, operand *Node) *Node {
	permutations := node.Attributes().Ints(graph.AttrPerm, nil)
	if permutations == nil {
		// Reverse axes.
		permutations = make([]int, operand.Rank())
		for axis := range permutations {
			permutations[axis] = operand.Rank() - axis - 1
		}
	}
	permutations = sliceMap(permutations, func(axis int) int { return mustNormalizeAxis(node, axis, operand.Rank()) })
	return TransposeAllDims(operand, permutations...)
}

func convertGather(node *graph.Node, inputs []*Node) *Node {
	attrs := node.Attributes()
	if attrs.Int(graph.AttrBatchDims, 0) != 0 {
		exceptions.Panicf("lowering of %s with %s != 0 not implemented", node, graph.AttrBatchDims)
	}
	gatherAxis := mustNormalizeAxis(node, attrs.Int(graph.AttrAxis, 0), inputs[0].Rank())
	return gatherOnAxis(inputs[0], inputs[1], gatherAxis)
}

// gatherOnAxis gathers the slices of data along gatherAxis selected by indices: the output is shaped
// data[:gatherAxis] + indices + data[gatherAxis+1:].
func gatherOnAxis(data, indices *Node, gatherAxis int) *Node {
	expandedIndices := ExpandAxes(indices, -1)
	if gatherAxis == 0 {
		// Trivial case, like GoMLX version.
		return Gather(data, expandedIndices)
	}

	// Transpose data, such that we can gather on the first axis.
	axesPermutation := make([]int, data.Rank())
	for axis := range axesPermutation {
		switch {
		case axis == 0:
			axesPermutation[axis] = gatherAxis
		case axis <= gatherAxis:
			axesPermutation[axis] = axis - 1
		default:
			axesPermutation[axis] = axis
		}
	}
	transposed := Gather(TransposeAllDims(data, axesPermutation...), expandedIndices)

	// transposed is shaped [<indices_dims...>, <data_dims...>] and we want [<data_prefix_dims...>,
	// <indices_dims...>, <data_suffix_dims...>], where data prefix and suffix are divided by the gatherAxis.
	axesPermutation = make([]int, transposed.Rank())
	for axis := range axesPermutation {
		switch {
		case axis < gatherAxis:
			axesPermutation[axis] = indices.Rank() + axis
		case axis < gatherAxis+indices.Rank():
			axesPermutation[axis] = axis - gatherAxis
		default:
			axesPermutation[axis] = axis
		}
	}
	return TransposeAllDims(transposed, axesPermutation...)
}

// convertDense lowers a Dense node with nn.Dense, which fuses the activation where the backend supports it.
func convertDense(node *graph.Node, inputs []*Node) *Node {
	x, weight := inputs[0], inputs[1]
	var bias *Node
	if len(inputs) > 2 {
		bias = inputs[2]
		if bias.IsScalar() {
			bias = BroadcastToDims(bias, weight.Shape().Dimensions[1])
		}
	}
	switch activation := node.Attributes().Str(graph.AttrActivation, graph.ActivationNone); activation {
	case graph.ActivationGelu:
		return nn.Dense(x, weight, bias, activations.TypeGelu)
	case graph.ActivationGeluTanh:
		return nn.Dense(x, weight, bias, activations.TypeGeluApprox)
	case graph.ActivationNone:
		return nn.Dense(x, weight, bias)
	default:
		exceptions.Panicf("lowering of %s: activation %q not implemented", node, activation)
		return nil
	}
}

func mustNormalizeAxis(node *graph.Node, axis, rank int) int {
	normalized, err := shapeinference.NormalizeAxis(axis, rank)
	if err != nil {
		exceptions.Panicf("lowering %s: %v", node, err)
	}
	return normalized
}

func mustStaticDims(node *graph.Node) []int {
	dims, ok := node.Output(0).Shape().ToInts()
	if !ok {
		exceptions.Panicf("lowering %s: output shape %s is not static", node, node.Output(0).Shape())
	}
	return dims
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
