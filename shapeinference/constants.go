package shapeinference

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphpass/graph"
)

// constantSource follows Identity and Convert nodes up to the node producing the value of o.
func constantSource(o graph.Output) graph.Output {
	for {
		node := o.Node()
		switch node.Kind() {
		case graph.KindIdentity, graph.KindConvert:
			o = node.Input(0)
		default:
			return o
		}
	}
}

// tensorValues returns the flat values of a tensor converted to float64.
// It returns false for dtypes it doesn't handle (e.g. half precision).
func tensorValues(t *tensors.Tensor) (values []float64, ok bool) {
	err := t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []float32:
			values = convertFlat(data)
		case []float64:
			values = convertFlat(data)
		case []int:
			values = convertFlat(data)
		case []int8:
			values = convertFlat(data)
		case []int16:
			values = convertFlat(data)
		case []int32:
			values = convertFlat(data)
		case []int64:
			values = convertFlat(data)
		case []uint8:
			values = convertFlat(data)
		case []uint16:
			values = convertFlat(data)
		case []uint32:
			values = convertFlat(data)
		case []uint64:
			values = convertFlat(data)
		case []bool:
			values = make([]float64, len(data))
			for i, v := range data {
				if v {
					values[i] = 1
				}
			}
		}
	})
	return values, err == nil && values != nil
}

func convertFlat[T interface {
	~float32 | ~float64 | ~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}](data []T) []float64 {
	values := make([]float64, len(data))
	for i, v := range data {
		values[i] = float64(v)
	}
	return values
}

// ConstantFloats returns the values of o if they are known statically: o is produced by a Constant, or by
// ShapeOf of a static shape, possibly through Identity and Convert nodes.
func ConstantFloats(o graph.Output) ([]float64, bool) {
	src := constantSource(o)
	node := src.Node()
	switch node.Kind() {
	case graph.KindConstant:
		t := node.Attributes().Tensor(graph.AttrValue)
		if t == nil {
			return nil, false
		}
		return tensorValues(t)
	case graph.KindShapeOf:
		dims, ok := node.Input(0).Shape().ToInts()
		if !ok {
			return nil, false
		}
		return convertFlat(dims), true
	}
	return nil, false
}

// ConstantInts returns the values of o as integers, if they are known statically. See ConstantFloats.
func ConstantInts(o graph.Output) ([]int, bool) {
	values, ok := ConstantFloats(o)
	if !ok {
		return nil, false
	}
	ints := make([]int, len(values))
	for i, v := range values {
		ints[i] = int(v)
	}
	return ints, true
}

// ConstantBool returns the value of a single-element boolean (or numeric, non-zero meaning true) output,
// if it is known statically.
func ConstantBool(o graph.Output) (value, ok bool) {
	values, ok := ConstantFloats(o)
	if !ok || len(values) != 1 {
		return false, false
	}
	return values[0] != 0, true
}

// isIntegerDType returns whether the dtype can be used for indices. Unknown (invalid) dtypes are accepted.
func isIntegerDType(dtype dtypes.DType) bool {
	return dtype == dtypes.InvalidDType || dtype.IsInt()
}
