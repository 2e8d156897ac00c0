package graph

import "github.com/pkg/errors"

// InputKind describes how an external input of a control-flow node feeds a body parameter.
type InputKind int

const (
	// InvariantInput feeds the same value to the body parameter on every iteration.
	InvariantInput InputKind = iota

	// MergedInput feeds the body parameter with the external input on the first iteration, and with a body result
	// (the back-edge) on the following ones.
	MergedInput

	// SlicedInput feeds the body parameter with consecutive slices of the external input along an axis.
	SlicedInput
)

// String returns a human-readable name for the input kind.
func (k InputKind) String() string {
	switch k {
	case InvariantInput:
		return "invariant"
	case MergedInput:
		return "merged"
	case SlicedInput:
		return "sliced"
	default:
		return "invalid"
	}
}

// OutputKind describes how a body result becomes an external output of a control-flow node.
type OutputKind int

const (
	// LastOutput takes the body result of the last iteration.
	LastOutput OutputKind = iota

	// ConcatOutput concatenates the body results of every iteration along an axis.
	ConcatOutput
)

// String returns a human-readable name for the output kind.
func (k OutputKind) String() string {
	switch k {
	case LastOutput:
		return "last"
	case ConcatOutput:
		return "concat"
	default:
		return "invalid"
	}
}

// InputDescription binds one input of the control-flow node to one body parameter.
type InputDescription struct {
	Kind InputKind

	// InputIndex is the index of the control-flow node input.
	InputIndex int

	// ParameterIndex is the index of the body parameter (in Graph.Parameters order).
	ParameterIndex int

	// ResultIndex is, for MergedInput, the body result fed back into the parameter: the back-edge.
	ResultIndex int

	// Axis and PartSize are used by SlicedInput.
	Axis, PartSize int
}

// OutputDescription binds one body result to one output of the control-flow node.
type OutputDescription struct {
	Kind OutputKind

	// ResultIndex is the index of the body result (in Graph.Results order).
	ResultIndex int

	// Axis is used by ConcatOutput.
	Axis int
}

// BackEdge is a body result that feeds a body parameter on the next iteration.
type BackEdge struct {
	ResultIndex, ParameterIndex int
}

// Body is a Graph owned exclusively by one control-flow node, plus the description of how the owner's inputs and
// outputs bind to the body parameters and results.
type Body struct {
	Graph *Graph

	Inputs  []InputDescription
	Outputs []OutputDescription

	// ConditionResult is the index of the body result that decides whether to run another iteration, or -1 if
	// the body always continues (until the trip count).
	ConditionResult int

	// CurrentIterationParameter is the index of the body parameter fed with the iteration number, or -1.
	CurrentIterationParameter int

	owner *Node
}

// NewBody creates a Body wrapping the given graph, with no condition result and no current iteration parameter.
func NewBody(g *Graph) *Body {
	return &Body{Graph: g, ConditionResult: -1, CurrentIterationParameter: -1}
}

// Owner returns the control-flow node that owns the body, or nil if it hasn't been attached to a node yet.
func (b *Body) Owner() *Node { return b.owner }

// BackEdges returns the back-edges declared by the MergedInput descriptions, in declaration order.
func (b *Body) BackEdges() []BackEdge {
	var edges []BackEdge
	for _, desc := range b.Inputs {
		if desc.Kind == MergedInput {
			edges = append(edges, BackEdge{ResultIndex: desc.ResultIndex, ParameterIndex: desc.ParameterIndex})
		}
	}
	return edges
}

// InputForParameter returns the description feeding the given body parameter, if any.
func (b *Body) InputForParameter(parameterIndex int) (InputDescription, bool) {
	for _, desc := range b.Inputs {
		if desc.ParameterIndex == parameterIndex {
			return desc, true
		}
	}
	return InputDescription{}, false
}

// Validate checks that the descriptions refer to existing parameters, results and owner inputs.
func (b *Body) Validate(numOwnerInputs int) error {
	numParams, numResults := len(b.Graph.parameters), len(b.Graph.results)
	for i, desc := range b.Inputs {
		if desc.InputIndex < 0 || desc.InputIndex >= numOwnerInputs {
			return errors.Wrapf(ErrDanglingReference, "body input description #%d: input index %d out of range (%d inputs)",
				i, desc.InputIndex, numOwnerInputs)
		}
		if desc.ParameterIndex < 0 || desc.ParameterIndex >= numParams {
			return errors.Wrapf(ErrDanglingReference, "body input description #%d: parameter index %d out of range (%d parameters)",
				i, desc.ParameterIndex, numParams)
		}
		if desc.Kind == MergedInput && (desc.ResultIndex < 0 || desc.ResultIndex >= numResults) {
			return errors.Wrapf(ErrDanglingReference, "body input description #%d: back-edge result index %d out of range (%d results)",
				i, desc.ResultIndex, numResults)
		}
	}
	for i, desc := range b.Outputs {
		if desc.ResultIndex < 0 || desc.ResultIndex >= numResults {
			return errors.Wrapf(ErrDanglingReference, "body output description #%d: result index %d out of range (%d results)",
				i, desc.ResultIndex, numResults)
		}
	}
	if b.ConditionResult >= numResults {
		return errors.Wrapf(ErrDanglingReference, "body condition result %d out of range (%d results)",
			b.ConditionResult, numResults)
	}
	if b.CurrentIterationParameter >= numParams {
		return errors.Wrapf(ErrDanglingReference, "body current iteration parameter %d out of range (%d parameters)",
			b.CurrentIterationParameter, numParams)
	}
	return nil
}

// clone returns a deep copy of the body, not attached to any owner.
func (b *Body) clone() *Body {
	return &Body{
		Graph:                     b.Graph.Clone(),
		Inputs:                    append([]InputDescription(nil), b.Inputs...),
		Outputs:                   append([]OutputDescription(nil), b.Outputs...),
		ConditionResult:           b.ConditionResult,
		CurrentIterationParameter: b.CurrentIterationParameter,
	}
}
