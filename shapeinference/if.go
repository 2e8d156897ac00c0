package shapeinference

import (
	"github.com/gomlx/graphpass/graph"
	"github.com/pkg/errors"
)

func init() {
	Register(graph.KindIf, inferIf)
}

// inferIf: inputs are [condition, ...], bodies are [then, else]. A constant condition selects one branch,
// otherwise the outputs of both branches are joined.
func inferIf(e *Engine, node *graph.Node) ([]OutputType, error) {
	if node.NumInputs() < 1 {
		return nil, errors.New("If requires a condition input")
	}
	if err := checkConditionRank(node.Input(0), "condition"); err != nil {
		return nil, err
	}
	branches := node.Bodies()
	selected := -1
	if cond, ok := ConstantBool(node.Input(0)); ok {
		selected = 1
		if cond {
			selected = 0
		}
	}
	for i, body := range branches {
		if selected >= 0 && i != selected {
			continue
		}
		if err := setBodyParameters(node, body); err != nil {
			return nil, errors.WithMessagef(err, "branch #%d", i)
		}
		if _, err := e.inferBody(node, body); err != nil {
			return nil, errors.WithMessagef(err, "branch #%d", i)
		}
	}

	types := make([]OutputType, node.NumOutputs())
	for i := range types {
		if selected >= 0 {
			types[i] = TypeOf(branches[selected].Graph.Result(i))
			continue
		}
		thenType, elseType := TypeOf(branches[0].Graph.Result(i)), TypeOf(branches[1].Graph.Result(i))
		dtype, err := mergeDTypes(thenType.DType, elseType.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "output #%d of the branches", i)
		}
		types[i] = OutputType{DType: dtype, Shape: thenType.Shape.Join(elseType.Shape)}
	}
	return types, nil
}
