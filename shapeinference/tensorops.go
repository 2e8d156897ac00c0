package shapeinference

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
	"github.com/pkg/errors"
)

func init() {
	Register(graph.KindSoftmax, inferSoftmax)
	Register(graph.KindConcat, inferConcat)
	Register(graph.KindGather, inferGather)
	Register(graph.KindReshape, inferReshape)
	Register(graph.KindTranspose, inferTranspose)
	Register(graph.KindMatMul, inferMatMul)
	Register(graph.KindDense, inferDense)
	Register(graph.KindSqueeze, inferSqueeze)
	Register(graph.KindUnsqueeze, inferUnsqueeze)
	Register(graph.KindShapeOf, inferShapeOf)
	Register(graph.KindShapeAssert, inferShapeAssert)
}

// NormalizeAxis adds rank to negative axes, and fails with graph.ErrAttributeOutOfRange (wrapped) if the axis is
// not in [0, rank) after normalization.
func NormalizeAxis(axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return 0, errors.Wrapf(graph.ErrAttributeOutOfRange, "axis %d out of range for rank %d", axis, rank)
	}
	if axis < 0 {
		axis += rank
	}
	return axis, nil
}

func inferSoftmax(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 1); err != nil {
		return nil, err
	}
	operand := node.Input(0)
	if operand.Shape().HasRank() {
		if _, err := NormalizeAxis(node.Attributes().Int(graph.AttrAxis, -1), operand.Shape().Rank()); err != nil {
			return nil, err
		}
	}
	return []OutputType{TypeOf(operand)}, nil
}

func inferConcat(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if node.NumInputs() == 0 {
		return nil, errors.New("Concat requires at least one input")
	}
	dtype := dtypes.InvalidDType
	rank := -1
	for i, operand := range node.Inputs() {
		var err error
		if dtype, err = mergeDTypes(dtype, operand.DType()); err != nil {
			return nil, errors.WithMessagef(err, "Concat input #%d", i)
		}
		if !operand.Shape().HasRank() {
			continue
		}
		if rank == -1 {
			rank = operand.Shape().Rank()
		} else if rank != operand.Shape().Rank() {
			return nil, errors.Wrapf(graph.ErrShapeMismatch, "Concat input #%d has rank %d, previous inputs have rank %d",
				i, operand.Shape().Rank(), rank)
		}
	}
	if rank == -1 {
		return single(dtype, shapes.DynamicRank()), nil
	}
	axis, err := NormalizeAxis(node.Attributes().Int(graph.AttrAxis, 0), rank)
	if err != nil {
		return nil, err
	}
	dims := make([]shapes.Dimension, rank)
	concatDim := shapes.Dim(0)
	for i, operand := range node.Inputs() {
		if !operand.Shape().HasRank() {
			concatDim = concatDim.Add(shapes.UnknownDim())
			continue
		}
		for a := range rank {
			d := operand.Shape().Dim(a)
			if a == axis {
				concatDim = concatDim.Add(d)
				continue
			}
			if dims[a], err = shapes.MergeDims(dims[a], d); err != nil {
				return nil, errors.WithMessagef(err, "Concat input #%d, axis %d", i, a)
			}
		}
	}
	dims[axis] = concatDim
	return single(dtype, shapes.MakeDims(dims...)), nil
}

// inferGather: output is data[:axis] + indices[batch_dims:] + data[axis+1:], where the first batch_dims axes of
// data and indices must match.
func inferGather(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 2); err != nil {
		return nil, err
	}
	data, indices := node.Input(0), node.Input(1)
	if !isIntegerDType(indices.DType()) {
		return nil, errors.Errorf("Gather indices must be integers, got %s", indices.DType())
	}
	dataShape, indicesShape := data.Shape(), indices.Shape()
	if !dataShape.HasRank() || !indicesShape.HasRank() {
		return single(data.DType(), shapes.DynamicRank()), nil
	}
	attrs := node.Attributes()
	axis, err := NormalizeAxis(attrs.Int(graph.AttrAxis, 0), dataShape.Rank())
	if err != nil {
		return nil, err
	}
	batchDims := attrs.Int(graph.AttrBatchDims, 0)
	if batchDims < 0 {
		batchDims += indicesShape.Rank()
	}
	if batchDims < 0 || batchDims > indicesShape.Rank() {
		return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "batch_dims %d out of range for indices rank %d",
			attrs.Int(graph.AttrBatchDims, 0), indicesShape.Rank())
	}
	if batchDims > axis {
		return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "batch_dims (%d) must be <= axis (%d)", batchDims, axis)
	}
	dims := make([]shapes.Dimension, 0, dataShape.Rank()+indicesShape.Rank()-batchDims-1)
	for a := range axis {
		d := dataShape.Dim(a)
		if a < batchDims {
			if d, err = shapes.MergeDims(d, indicesShape.Dim(a)); err != nil {
				return nil, errors.WithMessagef(err, "Gather batch axis %d", a)
			}
		}
		dims = append(dims, d)
	}
	for a := batchDims; a < indicesShape.Rank(); a++ {
		dims = append(dims, indicesShape.Dim(a))
	}
	for a := axis + 1; a < dataShape.Rank(); a++ {
		dims = append(dims, dataShape.Dim(a))
	}
	return single(data.DType(), shapes.MakeDims(dims...)), nil
}

// inferReshape: the target shape must be a constant 1D tensor. A 0 copies the input dimension at the same
// position (if "special_zero", the default), and one -1 is inferred from the remaining size.
func inferReshape(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 2); err != nil {
		return nil, err
	}
	data, target := node.Input(0), node.Input(1)
	if target.Shape().HasRank() && target.Shape().Rank() != 1 {
		return nil, errors.Wrapf(graph.ErrShapeMismatch, "Reshape target shape must be 1D, got shape %s", target.Shape())
	}
	values, ok := ConstantInts(target)
	if !ok {
		if target.Shape().HasRank() {
			if length, ok := target.Shape().Dim(0).Length(); ok {
				return single(data.DType(), shapes.Dynamic(length)), nil
			}
		}
		return single(data.DType(), shapes.DynamicRank()), nil
	}

	specialZero := node.Attributes().Bool(graph.AttrSpecialZero, true)
	dataShape := data.Shape()
	dims := make([]shapes.Dimension, len(values))
	inferredAxis := -1
	for i, v := range values {
		switch {
		case v == 0 && specialZero:
			if !dataShape.HasRank() {
				dims[i] = shapes.UnknownDim()
			} else if i >= dataShape.Rank() {
				return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "Reshape target has 0 (copy) at position %d, "+
					"but input has rank %d", i, dataShape.Rank())
			} else {
				dims[i] = dataShape.Dim(i)
			}
		case v == -1:
			if inferredAxis >= 0 {
				return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "Reshape target %v has more than one -1", values)
			}
			inferredAxis = i
		case v < 0:
			return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "Reshape target %v has invalid value %d", values, v)
		default:
			dims[i] = shapes.Dim(v)
		}
	}

	size, sizeKnown := dataShape.Size()
	others := 1
	othersKnown := true
	for i, d := range dims {
		if i == inferredAxis {
			continue
		}
		length, ok := d.Length()
		if !ok {
			othersKnown = false
			break
		}
		others *= length
	}
	switch {
	case inferredAxis >= 0 && sizeKnown && othersKnown && others > 0:
		if size%others != 0 {
			return nil, errors.Wrapf(graph.ErrShapeMismatch, "Reshape of %s to %v: size %d is not divisible by %d",
				dataShape, values, size, others)
		}
		dims[inferredAxis] = shapes.Dim(size / others)
	case inferredAxis >= 0:
		dims[inferredAxis] = shapes.UnknownDim()
	case sizeKnown && othersKnown && size != others:
		return nil, errors.Wrapf(graph.ErrShapeMismatch, "Reshape of %s (size %d) to %v (size %d)",
			dataShape, size, values, others)
	}
	return single(data.DType(), shapes.MakeDims(dims...)), nil
}

func inferTranspose(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 1); err != nil {
		return nil, err
	}
	operand := node.Input(0)
	perm := node.Attributes().Ints(graph.AttrPerm, nil)
	if !operand.Shape().HasRank() {
		if perm != nil {
			return single(operand.DType(), shapes.Dynamic(len(perm))), nil
		}
		return single(operand.DType(), shapes.DynamicRank()), nil
	}
	rank := operand.Shape().Rank()
	if perm == nil {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	if len(perm) != rank {
		return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "Transpose perm %v doesn't match rank %d", perm, rank)
	}
	seen := sets.Make[int](rank)
	dims := make([]shapes.Dimension, rank)
	for i, p := range perm {
		axis, err := NormalizeAxis(p, rank)
		if err != nil {
			return nil, errors.WithMessagef(err, "Transpose perm %v", perm)
		}
		if seen.Has(axis) {
			return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "Transpose perm %v repeats axis %d", perm, axis)
		}
		seen.Insert(axis)
		dims[i] = operand.Shape().Dim(axis)
	}
	return single(operand.DType(), shapes.MakeDims(dims...)), nil
}

// inferMatMul follows NumPy's matmul: 1D operands are promoted to matrices and the promoted axis removed from the
// output; leading (batch) axes broadcast.
func inferMatMul(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 2); err != nil {
		return nil, err
	}
	lhs, rhs := node.Input(0), node.Input(1)
	dtype, err := mergeDTypes(lhs.DType(), rhs.DType())
	if err != nil {
		return nil, err
	}
	if !lhs.Shape().HasRank() || !rhs.Shape().HasRank() {
		return single(dtype, shapes.DynamicRank()), nil
	}
	if lhs.Shape().IsScalar() || rhs.Shape().IsScalar() {
		return nil, errors.Wrapf(graph.ErrShapeMismatch, "MatMul of %s and %s: scalars not accepted", lhs.Shape(), rhs.Shape())
	}
	lhsDims, rhsDims := lhs.Shape().Dimensions(), rhs.Shape().Dimensions()
	lhsVector, rhsVector := len(lhsDims) == 1, len(rhsDims) == 1
	if lhsVector {
		lhsDims = []shapes.Dimension{shapes.Dim(1), lhsDims[0]}
	}
	if rhsVector {
		rhsDims = []shapes.Dimension{rhsDims[0], shapes.Dim(1)}
	}
	if _, err := shapes.MergeDims(lhsDims[len(lhsDims)-1], rhsDims[len(rhsDims)-2]); err != nil {
		return nil, errors.WithMessagef(err, "MatMul contracting axes of %s and %s", lhs.Shape(), rhs.Shape())
	}
	batch, err := BroadcastShapes(
		shapes.MakeDims(lhsDims[:len(lhsDims)-2]...), shapes.MakeDims(rhsDims[:len(rhsDims)-2]...))
	if err != nil {
		return nil, errors.WithMessagef(err, "MatMul batch axes")
	}
	dims := batch.Dimensions()
	if !lhsVector {
		dims = append(dims, lhsDims[len(lhsDims)-2])
	}
	if !rhsVector {
		dims = append(dims, rhsDims[len(rhsDims)-1])
	}
	return single(dtype, shapes.MakeDims(dims...)), nil
}

// inferDense: x is shaped [..., in], weight [in, out] and the optional bias [out] (or a scalar); the output is
// [..., out].
func inferDense(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if node.NumInputs() != 2 && node.NumInputs() != 3 {
		return nil, errors.Errorf("Dense requires 2 or 3 inputs, got %d", node.NumInputs())
	}
	switch activation := node.Attributes().Str(graph.AttrActivation, graph.ActivationNone); activation {
	case graph.ActivationNone, graph.ActivationGelu, graph.ActivationGeluTanh:
	default:
		return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "Dense activation %q not supported", activation)
	}
	x, weight := node.Input(0), node.Input(1)
	dtype, err := mergeDTypes(x.DType(), weight.DType())
	if err != nil {
		return nil, err
	}
	outDim := shapes.UnknownDim()
	if weight.Shape().HasRank() {
		if weight.Shape().Rank() != 2 {
			return nil, errors.Wrapf(graph.ErrShapeMismatch, "Dense weight must be shaped [in, out], got %s", weight.Shape())
		}
		outDim = weight.Shape().Dim(1)
	}
	if node.NumInputs() == 3 {
		bias := node.Input(2)
		if dtype, err = mergeDTypes(dtype, bias.DType()); err != nil {
			return nil, errors.WithMessagef(err, "Dense bias")
		}
		if bias.Shape().HasRank() {
			switch bias.Shape().Rank() {
			case 0:
			case 1:
				if outDim, err = shapes.MergeDims(outDim, bias.Shape().Dim(0)); err != nil {
					return nil, errors.WithMessagef(err, "Dense bias %s and weight %s", bias.Shape(), weight.Shape())
				}
			default:
				return nil, errors.Wrapf(graph.ErrShapeMismatch, "Dense bias must be a scalar or shaped [out], got %s", bias.Shape())
			}
		}
	}
	if !x.Shape().HasRank() {
		return single(dtype, shapes.DynamicRank()), nil
	}
	if x.Shape().IsScalar() {
		return nil, errors.Wrapf(graph.ErrShapeMismatch, "Dense input must have at least one axis")
	}
	dims := x.Shape().Dimensions()
	last := len(dims) - 1
	if weight.Shape().HasRank() {
		if _, err := shapes.MergeDims(dims[last], weight.Shape().Dim(0)); err != nil {
			return nil, errors.WithMessagef(err, "Dense contracting axes of %s and %s", x.Shape(), weight.Shape())
		}
	}
	dims[last] = outDim
	return single(dtype, shapes.MakeDims(dims...)), nil
}

func inferSqueeze(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 1); err != nil {
		return nil, err
	}
	operand := node.Input(0)
	shape := operand.Shape()
	axes := node.Attributes().Ints(graph.AttrAxes, nil)
	if !shape.HasRank() {
		return single(operand.DType(), shapes.DynamicRank()), nil
	}
	one := shapes.Dim(1)
	var dims []shapes.Dimension
	if len(axes) == 0 {
		// Squeeze all axes of dimension 1: the rank is unknown if any axis may or may not be 1.
		for _, d := range shape.Dimensions() {
			switch {
			case d.Equal(one):
				continue
			case d.Contains(1):
				return single(operand.DType(), shapes.DynamicRank()), nil
			}
			dims = append(dims, d)
		}
		return single(operand.DType(), shapes.MakeDims(dims...)), nil
	}

	squeezed := sets.Make[int](len(axes))
	for _, axis := range axes {
		normalized, err := NormalizeAxis(axis, shape.Rank())
		if err != nil {
			return nil, errors.WithMessagef(err, "Squeeze axes %v", axes)
		}
		if !shape.Dim(normalized).Contains(1) {
			return nil, errors.Wrapf(graph.ErrShapeMismatch, "Squeeze axis %d of shape %s is not 1", axis, shape)
		}
		squeezed.Insert(normalized)
	}
	for axis, d := range shape.Dimensions() {
		if !squeezed.Has(axis) {
			dims = append(dims, d)
		}
	}
	return single(operand.DType(), shapes.MakeDims(dims...)), nil
}

func inferUnsqueeze(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 1); err != nil {
		return nil, err
	}
	operand := node.Input(0)
	axes := node.Attributes().Ints(graph.AttrAxes, nil)
	if len(axes) == 0 {
		return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "Unsqueeze requires non-empty %q", graph.AttrAxes)
	}
	if !operand.Shape().HasRank() {
		return single(operand.DType(), shapes.DynamicRank()), nil
	}
	outRank := operand.Shape().Rank() + len(axes)
	inserted := sets.Make[int](len(axes))
	for _, axis := range axes {
		normalized, err := NormalizeAxis(axis, outRank)
		if err != nil {
			return nil, errors.WithMessagef(err, "Unsqueeze axes %v", axes)
		}
		if inserted.Has(normalized) {
			return nil, errors.Wrapf(graph.ErrAttributeOutOfRange, "Unsqueeze axes %v repeats axis %d", axes, normalized)
		}
		inserted.Insert(normalized)
	}
	dims := make([]shapes.Dimension, 0, outRank)
	next := 0
	for axis := range outRank {
		if inserted.Has(axis) {
			dims = append(dims, shapes.Dim(1))
			continue
		}
		dims = append(dims, operand.Shape().Dim(next))
		next++
	}
	return single(operand.DType(), shapes.MakeDims(dims...)), nil
}

func inferShapeOf(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 1); err != nil {
		return nil, err
	}
	return single(dtypes.Int64, shapes.MakeDims(shapes.Dim(node.Input(0).Shape().Rank()))), nil
}

// inferShapeAssert narrows its input to the declared "shape" attribute.
func inferShapeAssert(_ *Engine, node *graph.Node) ([]OutputType, error) {
	if err := checkNumInputs(node, 1); err != nil {
		return nil, err
	}
	operand := node.Input(0)
	declared := node.Attributes().Shape(graph.AttrShape, shapes.DynamicRank())
	merged, err := shapes.Merge(operand.Shape(), declared)
	if err != nil {
		return nil, err
	}
	return single(operand.DType(), merged), nil
}
