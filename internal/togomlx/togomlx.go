// Package togomlx lowers a graph.Graph to GoMLX operations, so graphs can be executed before and after rewrites,
// and their results compared.
//
// Only graphs with static shapes can be lowered, and control-flow nodes are not supported.
package togomlx

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphpass/graph"
	"github.com/pkg/errors"
)

// Scope is the context scope where VariablesToContext stores the constants of a graph.
var Scope = "graphpass"

// SafeVarName converts a node name to a valid context variable name.
func SafeVarName(nodeName string) string {
	return strings.ReplaceAll(nodeName, context.ScopeSeparator, "|")
}

// VariablesToContext stores the value of every Constant node of the source graph as a variable in ctx, under
// Scope, named after the node (see SafeVarName).
//
// CallGraph then reads those constants from the context instead of embedding them in the GoMLX graph.
func VariablesToContext(ctx *context.Context, source *graph.Graph) error {
	ctx = ctx.In(Scope).Checked(false)
	for _, node := range source.Nodes() {
		if node.Kind() != graph.KindConstant {
			continue
		}
		t, err := Tensor(node)
		if err != nil {
			return errors.WithMessagef(err, "togomlx.VariablesToContext()")
		}
		ctx.VariableWithValue(SafeVarName(node.Name()), t)
	}
	return nil
}

// CallGraph lowers the source graph into the GoMLX graph g, with the given inputs (by parameter name), and returns
// one node per declared result of the source graph.
//
// Constants are read from ctx if they were stored there by VariablesToContext, otherwise they are embedded as
// GoMLX constants. ctx can be nil.
// Only the nodes the results depend on are lowered.
//
// As in GoMLX graph functions, it panics (throws exceptions) in case of errors.
func CallGraph(ctx *context.Context, g *Graph, source *graph.Graph, inputs map[string]*Node) (outputs []*Node) {
	if ctx != nil {
		ctx = ctx.In(Scope).Checked(false)
	}
	if source.NumResults() == 0 {
		exceptions.Panicf("togomlx.CallGraph(): graph %q has no declared results", source.Name())
	}

	converted := make(map[graph.Output]*Node)
	missingInputs := sets.Make[string]()
	unknownInputs := sets.Make[string]()
	for name := range inputs {
		unknownInputs.Insert(name)
	}
	for _, param := range source.Parameters() {
		delete(unknownInputs, param.Name())
		input := inputs[param.Name()]
		if input == nil {
			missingInputs.Insert(param.Name())
			continue
		}
		converted[param.Output(0)] = input
	}
	if len(missingInputs) > 0 || len(unknownInputs) > 0 {
		exceptions.Panicf("togomlx.CallGraph() called with wrong inputs: missing inputs=%q; unknown given inputs=%q",
			missingInputs, unknownInputs)
	}

	order, err := source.TopologicalOrder()
	if err != nil {
		panic(errors.WithMessagef(err, "togomlx.CallGraph()"))
	}
	needed := neededNodes(source)
	for _, node := range order {
		if !needed.Has(node) || node.Kind() == graph.KindParameter {
			continue
		}
		res := convertNode(ctx, g, node, converted)
		checkLoweredShape(node.Output(0), res)
		converted[node.Output(0)] = res
	}

	outputs = make([]*Node, source.NumResults())
	for i, result := range source.Results() {
		outputs[i] = converted[result]
	}
	return outputs
}

// Execute lowers the source graph and executes it once on the backend, with the given parameter values.
// It returns one tensor per declared result of the source graph.
//
// If ctx is nil a new context is used.
func Execute(backend backends.Backend, ctx *context.Context, source *graph.Graph, inputs map[string]*tensors.Tensor) (
	outputs []*tensors.Tensor, err error) {
	if ctx == nil {
		ctx = context.New()
	}
	var execErr error
	err = exceptions.TryCatch[error](func() {
		outputs, execErr = context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			inputNodes := make(map[string]*Node, len(inputs))
			for name, value := range inputs {
				inputNodes[name] = Const(g, value)
			}
			return CallGraph(ctx, g, source, inputNodes)
		})
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "executing graph %q", source.Name())
	}
	return outputs, nil
}

// neededNodes returns the nodes the declared results of the graph depend on.
func neededNodes(source *graph.Graph) sets.Set[*graph.Node] {
	needed := sets.Make[*graph.Node]()
	var stack []*graph.Node
	for _, result := range source.Results() {
		stack = append(stack, result.Node())
	}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if needed.Has(node) {
			continue
		}
		needed.Insert(node)
		for _, input := range node.Inputs() {
			stack = append(stack, input.Node())
		}
	}
	return needed
}

// checkLoweredShape panics if the shape of the lowered node differs from the one inferred for the output.
func checkLoweredShape(o graph.Output, lowered *Node) {
	want, err := Shape(o)
	if err != nil {
		panic(errors.WithMessagef(err, "lowering %s", o.Node()))
	}
	if !lowered.Shape().Equal(want) {
		exceptions.Panicf("lowering %s: GoMLX shape %s differs from inferred shape %s", o.Node(), lowered.Shape(), want)
	}
}
