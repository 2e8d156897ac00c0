package benchmarks

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapeinference"
	"github.com/gomlx/graphpass/shapes"
	"github.com/janpfeifer/must"
)

var (
	// Benchmark hyperparameters.
	NumLayers      = []int{1, 4, 16, 64}
	HiddenSize     = 64
	SequenceLength = 128 // The batch dimension is left unknown.
)

func op(g *graph.Graph, kind graph.Kind, inputs ...graph.Output) graph.Output {
	return must.M1(g.AddNode(kind, inputs, nil)).Output(0)
}

func constant[T float32 | uint8](g *graph.Graph, values []T, dims ...int) graph.Output {
	return must.M1(g.AddConstant("", tensors.FromFlatDataAndDimensions(values, dims...))).Output(0)
}

func scalar(g *graph.Graph, v float32) graph.Output {
	return must.M1(g.AddConstant("", tensors.FromScalar(v))).Output(0)
}

// sequence returns n values cycling through [0, period), as T.
func sequence[T float32 | uint8](n, period int, scale float32) []T {
	values := make([]T, n)
	for ii := range values {
		values[ii] = T(float32(ii%period) * scale)
	}
	return values
}

// quantizedWeight returns a [HiddenSize, HiddenSize] weight, stored as two uint8 halves, each dequantized with
// its own scale, and concatenated.
func quantizedWeight(g *graph.Graph) graph.Output {
	halves := make([]graph.Output, 2)
	for ii := range halves {
		quantized := constant(g, sequence[uint8](HiddenSize*HiddenSize/2, 256, 1), HiddenSize/2, HiddenSize)
		converted := must.M1(g.AddNode(graph.KindConvert, []graph.Output{quantized},
			graph.Attributes{graph.AttrDType: dtypes.Float32})).Output(0)
		shifted := op(g, graph.KindSub, converted, scalar(g, 128))
		halves[ii] = op(g, graph.KindMul, shifted, scalar(g, 0.01*float32(ii+1)))
	}
	return must.M1(g.AddNode(graph.KindConcat, halves, graph.Attributes{graph.AttrAxis: 0})).Output(0)
}

// erfGelu writes out (x * 0.5) * (1 + erf(x / √2)).
func erfGelu(g *graph.Graph, x graph.Output) graph.Output {
	erf := op(g, graph.KindErf, op(g, graph.KindDiv, x, scalar(g, float32(math.Sqrt2))))
	return op(g, graph.KindMul, op(g, graph.KindMul, x, scalar(g, 0.5)), op(g, graph.KindAdd, scalar(g, 1), erf))
}

// encoderGraph builds a stack of numLayers dense layers, with the Gelu activation written out as elementwise
// operations, the way exporters emit it. Even layers use quantized weights.
//
// Shapes are inferred before returning.
func encoderGraph(numLayers int) *graph.Graph {
	g := graph.New(fmt.Sprintf("encoder_%d", numLayers))
	x := must.M1(g.AddParameter("x", dtypes.Float32,
		shapes.Make(shapes.DimUnknown, SequenceLength, HiddenSize))).Output(0)
	for layer := range numLayers {
		var weight graph.Output
		if layer%2 == 0 {
			weight = quantizedWeight(g)
		} else {
			weight = constant(g, sequence[float32](HiddenSize*HiddenSize, 7, 0.01), HiddenSize, HiddenSize)
		}
		bias := constant(g, sequence[float32](HiddenSize, 5, 0.1), HiddenSize)
		dense := op(g, graph.KindAdd, op(g, graph.KindMatMul, op(g, graph.KindIdentity, x), weight), bias)
		x = erfGelu(g, dense)
	}
	must.M1(g.DeclareResult(x))
	must.M(shapeinference.InferAndValidate(g))
	return g
}
