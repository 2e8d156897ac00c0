package shapeinference

import (
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	Register(graph.KindLoop, inferLoop)
}

// checkConditionRank requires a trip count or condition to have rank 0 or 1, if the rank is known.
func checkConditionRank(o graph.Output, name string) error {
	if rank := o.Shape().Rank(); rank > 1 {
		return errors.Wrapf(graph.ErrShapeMismatch, "%s must have rank 0 or 1, got shape %s", name, o.Shape())
	}
	return nil
}

// widen returns the shape of a body parameter fed by a back-edge, given its current shape and the shape of the
// body result that feeds it on the next iteration.
//
// Dimensions of current compatible with next are kept, even if next is less specific, the others become unknown.
// Ranks that are both known and differ make the rank unknown. The result is never more specific than current.
func widen(current, next shapes.Shape) shapes.Shape {
	if !current.HasRank() || !next.HasRank() {
		return current
	}
	if next.Rank() != current.Rank() {
		return shapes.DynamicRank()
	}
	widened := current
	for axis, d := range current.Dimensions() {
		if !next.Dim(axis).Compatible(d) {
			widened = widened.WithDim(axis, shapes.UnknownDim())
		}
	}
	return widened
}

// setBodyParameters propagates the types of the owner's inputs onto the body parameters they feed.
func setBodyParameters(owner *graph.Node, body *graph.Body) error {
	bg := body.Graph
	for _, desc := range body.Inputs {
		in := owner.Input(desc.InputIndex)
		param := bg.Parameter(desc.ParameterIndex)
		shape := in.Shape()
		if desc.Kind == graph.SlicedInput && shape.HasRank() {
			axis, err := NormalizeAxis(desc.Axis, shape.Rank())
			if err != nil {
				return errors.WithMessagef(err, "sliced input #%d", desc.InputIndex)
			}
			partSize := max(desc.PartSize, 1)
			shape = shape.WithDim(axis, shapes.Dim(partSize))
		}
		param.SetOutputType(0, in.DType(), shape)
	}
	return nil
}

// inferBody runs the fixed-point inference of a body: it infers the body graph, widens the parameters fed by
// back-edges whose result is incompatible with them, and repeats until no parameter changes.
//
// It returns the number of iterations, and fails with graph.ErrDidNotConverge (wrapped) if the ceiling is exceeded.
func (e *Engine) inferBody(owner *graph.Node, body *graph.Body) (iterations int, err error) {
	bg := body.Graph
	ceiling := e.maxBodyIterations
	if ceiling == 0 {
		ceiling = max(bg.NumNodes(), 1)
	}
	backEdges := body.BackEdges()
	dirty := bg.Nodes()
	for len(dirty) > 0 {
		iterations++
		if iterations > ceiling {
			return iterations, errors.Wrapf(graph.ErrDidNotConverge, "body %q of %s not converged after %d iterations",
				bg.Name(), owner, ceiling)
		}
		if err := e.Propagate(bg, dirty); err != nil {
			return iterations, errors.WithMessagef(err, "body %q of %s", bg.Name(), owner)
		}
		dirty = nil
		for _, edge := range backEdges {
			param := bg.Parameter(edge.ParameterIndex)
			result := bg.Result(edge.ResultIndex)
			current := param.Output(0)
			if current.DType() != result.DType() {
				return iterations, errors.Wrapf(graph.ErrShapeMismatch,
					"back-edge from result #%d (%s) to parameter %q (%s) changes the dtype",
					edge.ResultIndex, result.DType(), param.Name(), current.DType())
			}
			widened := widen(current.Shape(), result.Shape())
			if !widened.Equal(current.Shape()) {
				klog.V(2).Infof("%s: back-edge to parameter %q widened from %s to %s (result is %s)",
					owner, param.Name(), current.Shape(), widened, result.Shape())
				param.SetOutputType(0, current.DType(), widened)
				dirty = append(dirty, param)
			}
		}
	}
	e.setBodyIterations(owner, iterations)
	klog.V(2).Infof("%s: body %q converged after %d iterations", owner, bg.Name(), iterations)
	return iterations, nil
}

// loopIterations returns whether the loop is known to run zero times, and the number of iterations if it is
// known (-1 otherwise).
//
// The count is known when the body condition is always true (or absent) and the trip count is a constant, or when
// the body condition is always false, in which case the body runs exactly once.
func loopIterations(node *graph.Node, body *graph.Body) (zero bool, count int) {
	if cond, ok := ConstantBool(node.Input(1)); ok && !cond {
		return true, 0
	}
	trip, tripKnown := ConstantInts(node.Input(0))
	if tripKnown && len(trip) == 1 && trip[0] == 0 {
		return true, 0
	}

	alwaysTrue := body.ConditionResult < 0
	if !alwaysTrue {
		cond, ok := bodyConditionValue(node, body)
		if ok && !cond {
			return false, 1
		}
		alwaysTrue = ok && cond
	}
	if alwaysTrue && tripKnown && len(trip) == 1 && trip[0] >= 0 {
		return false, trip[0]
	}
	return false, -1
}

// bodyConditionValue returns the value of the body condition if it is constant, either within the body or as
// a body parameter fed by a constant invariant input of the loop.
func bodyConditionValue(node *graph.Node, body *graph.Body) (value, ok bool) {
	cond := body.Graph.Result(body.ConditionResult)
	if value, ok = ConstantBool(cond); ok {
		return
	}
	src := constantSource(cond).Node()
	if src.Kind() != graph.KindParameter {
		return false, false
	}
	for _, desc := range body.Inputs {
		if desc.Kind == graph.InvariantInput && body.Graph.Parameter(desc.ParameterIndex) == src {
			return ConstantBool(node.Input(desc.InputIndex))
		}
	}
	return false, false
}

// inferLoop: inputs are [trip_count, execution_condition, ...], and outputs are described by the body's
// OutputDescription list.
func inferLoop(e *Engine, node *graph.Node) ([]OutputType, error) {
	if node.NumInputs() < 2 {
		return nil, errors.Errorf("Loop requires at least 2 inputs (trip count and execution condition), got %d",
			node.NumInputs())
	}
	if err := checkConditionRank(node.Input(0), "trip count"); err != nil {
		return nil, err
	}
	if err := checkConditionRank(node.Input(1), "execution condition"); err != nil {
		return nil, err
	}
	body := node.Body(0)
	if err := setBodyParameters(node, body); err != nil {
		return nil, err
	}
	if _, err := e.inferBody(node, body); err != nil {
		return nil, err
	}
	if body.ConditionResult >= 0 {
		if err := checkConditionRank(body.Graph.Result(body.ConditionResult), "body condition"); err != nil {
			return nil, err
		}
	}

	zeroIterations, numIterations := loopIterations(node, body)
	backEdgeFor := make(map[int]graph.InputDescription)
	for _, desc := range body.Inputs {
		if desc.Kind == graph.MergedInput {
			backEdgeFor[desc.ResultIndex] = desc
		}
	}

	types := make([]OutputType, len(body.Outputs))
	for i, desc := range body.Outputs {
		result := body.Graph.Result(desc.ResultIndex)
		dtype, shape := result.DType(), result.Shape()
		switch desc.Kind {
		case graph.ConcatOutput:
			switch {
			case !shape.HasRank():
				if zeroIterations {
					shape = shapes.Make(0)
				}
			default:
				if shape.IsScalar() {
					shape = shapes.Make(1)
				}
				axis, err := NormalizeAxis(desc.Axis, shape.Rank())
				if err != nil {
					return nil, errors.WithMessagef(err, "concat output #%d", i)
				}
				switch {
				case zeroIterations:
					shape = shape.WithDim(axis, shapes.Dim(0))
				case numIterations >= 0:
					shape = shape.WithDim(axis, shape.Dim(axis).MulInt(numIterations))
				default:
					shape = shape.WithDim(axis, shapes.UnknownDim())
				}
			}
		case graph.LastOutput:
			if !zeroIterations {
				break
			}
			if merged, found := backEdgeFor[desc.ResultIndex]; found {
				// Without iterations, the output is the initial value of the loop-carried variable.
				initial := node.Input(merged.InputIndex)
				dtype, shape = initial.DType(), initial.Shape()
			} else if shape.HasRank() && shape.Rank() > 0 {
				shape = shape.WithDim(0, shapes.Dim(0))
			}
		}
		types[i] = OutputType{DType: dtype, Shape: shape}
	}
	return types, nil
}
