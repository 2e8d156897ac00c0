package graph

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// String implements fmt.Stringer, and pretty prints the graph: a summary, then one line per live node
// with its inputs and its output types, and the bodies of control-flow nodes indented.
func (g *Graph) String() string {
	var buf bytes.Buffer
	g.prettyPrint(&buf, "")
	return buf.String()
}

func (g *Graph) prettyPrint(buf *bytes.Buffer, indent string) {
	// w writes formatted text to buf, prefixed by the indentation.
	w := func(format string, args ...any) {
		buf.WriteString(indent)
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	nodes := g.Nodes()
	w("Graph %q:\n", g.name)
	w("\t# nodes:\t%d\n", len(nodes))
	kindsSet := sets.Make[string]()
	for _, node := range nodes {
		kindsSet.Insert(string(node.kind))
	}
	w("\tKinds:\t%q\n", slices.Sorted(maps.Keys(kindsSet)))

	for _, node := range nodes {
		inputs := make([]string, len(node.inputs))
		for i, in := range node.inputs {
			inputs[i] = in.String()
		}
		types := make([]string, len(node.outputs))
		for i := range node.outputs {
			types[i] = outputTypeString(node.Output(i))
		}
		w("\t#%d %s = %s(%s) -> %s\n", node.id, node.name, node.kind, strings.Join(inputs, ", "),
			strings.Join(types, ", "))
		for i, body := range node.bodies {
			w("\t\tbody #%d:", i)
			for _, edge := range body.BackEdges() {
				buf.WriteString(fmt.Sprintf(" [result #%d -> parameter #%d]", edge.ResultIndex, edge.ParameterIndex))
			}
			if body.ConditionResult >= 0 {
				buf.WriteString(fmt.Sprintf(" [condition: result #%d]", body.ConditionResult))
			}
			buf.WriteString("\n")
			body.Graph.prettyPrint(buf, indent+"\t\t\t")
		}
	}

	results := make([]string, len(g.results))
	for i, result := range g.results {
		results[i] = result.String()
	}
	w("\tResults:\t[%s]\n", strings.Join(results, ", "))
}

// outputTypeString returns "<dtype>[dims]", or "?" for outputs not inferred yet.
func outputTypeString(o Output) string {
	if o.DType() == dtypes.InvalidDType {
		return "?"
	}
	return fmt.Sprintf("%s%s", o.DType(), o.Shape())
}
