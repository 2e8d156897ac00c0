package graph

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphpass/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildDiamond builds x -> (neg, exp) -> add -> result.
func buildDiamond(t *testing.T) (g *Graph, x, neg, exp, add *Node) {
	g = New("diamond")
	x = must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(2, 3)))
	neg = must.M1(g.AddNode(KindNeg, []Output{x.Output(0)}, nil))
	exp = must.M1(g.AddNode(KindExp, []Output{x.Output(0)}, nil))
	add = must.M1(g.AddNode(KindAdd, []Output{neg.Output(0), exp.Output(0)}, nil))
	_, err := g.DeclareResult(add.Output(0))
	require.NoError(t, err)
	return
}

func TestAddNode(t *testing.T) {
	g, x, neg, _, add := buildDiamond(t)
	assert.Equal(t, 4, g.NumNodes())
	assert.Equal(t, "x", x.Name())
	assert.Equal(t, KindAdd, add.Kind())
	assert.Equal(t, 2, x.Output(0).NumConsumers())
	assert.Equal(t, []Input{{node: add, index: 0}}, neg.Output(0).Consumers())
	assert.Equal(t, []*Node{x}, g.Parameters())
	assert.Equal(t, []Output{add.Output(0)}, g.Results())
	found, ok := g.NodeByName(neg.Name())
	require.True(t, ok)
	assert.Equal(t, neg, found)

	// Duplicate names.
	_, err := g.AddNamedNode("x", KindIdentity, []Output{x.Output(0)}, nil)
	require.Error(t, err)

	// Dangling references: zero output, output of another graph and out-of-range port.
	_, err = g.AddNode(KindIdentity, []Output{{}}, nil)
	assert.True(t, errors.Is(err, ErrDanglingReference))
	other := New("other")
	y := must.M1(other.AddParameter("y", dtypes.Float32, shapes.Make(2, 3)))
	_, err = g.AddNode(KindIdentity, []Output{y.Output(0)}, nil)
	assert.True(t, errors.Is(err, ErrDanglingReference))
	_, err = g.AddNode(KindIdentity, []Output{{node: x, index: 1}}, nil)
	assert.True(t, errors.Is(err, ErrDanglingReference))
}

func TestAddConstant(t *testing.T) {
	g := New("constants")
	c := must.M1(g.AddConstant("", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)))
	assert.Equal(t, dtypes.Float32, c.Output(0).DType())
	assert.Equal(t, "[2,3]", c.Output(0).Shape().String())
	assert.True(t, c.Output(0).IsStatic())
	assert.NotNil(t, c.Attributes().Tensor(AttrValue))
	_, err := g.AddConstant("nil", nil)
	require.Error(t, err)
}

func TestReplaceOutput(t *testing.T) {
	g, x, neg, exp, add := buildDiamond(t)
	generation := g.Generation()
	_ = g.TakeTouched()

	// Identity(x) consumes x: it must not be re-wired to itself.
	id := must.M1(g.AddNode(KindIdentity, []Output{x.Output(0)}, nil))
	require.NoError(t, g.ReplaceOutput(x.Output(0), id.Output(0)))
	assert.Greater(t, g.Generation(), generation)
	assert.Equal(t, id.Output(0), neg.Input(0))
	assert.Equal(t, id.Output(0), exp.Input(0))
	assert.Equal(t, x.Output(0), id.Input(0))
	assert.Equal(t, 1, x.Output(0).NumConsumers())
	assert.Equal(t, []Input{{node: neg, index: 0}, {node: exp, index: 0}}, id.Output(0).Consumers())
	assert.Equal(t, []*Node{neg, exp, id}, g.TakeTouched())

	// Port indices are preserved, and results are redirected.
	sub := must.M1(g.AddNode(KindSub, []Output{neg.Output(0), exp.Output(0)}, nil))
	require.NoError(t, g.ReplaceOutput(add.Output(0), sub.Output(0)))
	assert.Equal(t, []Output{sub.Output(0)}, g.Results())
	require.NoError(t, g.ReplaceOutput(exp.Output(0), neg.Output(0)))
	assert.Equal(t, neg.Output(0), sub.Input(0))
	assert.Equal(t, neg.Output(0), sub.Input(1))
	assert.Equal(t, 0, exp.Output(0).NumConsumers())

	// Removed nodes can't be used as replacements.
	assert.Equal(t, 2, g.RemoveUnreachable()) // exp and add
	assert.True(t, exp.IsRemoved())
	assert.True(t, add.IsRemoved())
	err := g.ReplaceOutput(neg.Output(0), exp.Output(0))
	assert.True(t, errors.Is(err, ErrDanglingReference))
}

func TestReplaceNode(t *testing.T) {
	g, x, neg, _, add := buildDiamond(t)
	abs := must.M1(g.AddNode(KindAbs, []Output{x.Output(0)}, nil))
	require.NoError(t, g.ReplaceNode(neg, abs))
	assert.Equal(t, abs.Output(0), add.Input(0))
	require.NoError(t, g.RemoveNode(neg))
	assert.True(t, neg.IsRemoved())
	_, found := g.NodeByName(neg.Name())
	assert.False(t, found)

	// x still has consumers and is a parameter: it can't be removed.
	require.Error(t, g.RemoveNode(x))
	require.Error(t, g.RemoveNode(add))
}

func TestRemoveUnreachable(t *testing.T) {
	g, x, _, _, add := buildDiamond(t)
	dead := must.M1(g.AddNode(KindTanh, []Output{x.Output(0)}, nil))
	deadToo := must.M1(g.AddNode(KindSqrt, []Output{dead.Output(0)}, nil))
	unusedParam := must.M1(g.AddParameter("unused", dtypes.Int32, shapes.Scalar()))

	assert.Equal(t, 2, g.RemoveUnreachable())
	assert.True(t, dead.IsRemoved())
	assert.True(t, deadToo.IsRemoved())
	assert.False(t, unusedParam.IsRemoved())
	assert.Equal(t, 2, x.Output(0).NumConsumers())
	assert.Equal(t, 0, g.RemoveUnreachable())

	// No dangling references: every input of every live node is a live node.
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Len(t, order, 5)
	for _, node := range order {
		for _, in := range node.Inputs() {
			assert.True(t, in.IsValid(), "node %s has a dangling input %s", node, in)
		}
	}
	assert.Equal(t, add, order[len(order)-1])
}

func TestTopologicalOrder(t *testing.T) {
	g, x, neg, exp, add := buildDiamond(t)
	levels, err := g.TopologicalLevels()
	require.NoError(t, err)
	assert.Equal(t, [][]*Node{{x}, {neg, exp}, {add}}, levels)

	// Create a cycle: neg(add(neg, exp)).
	require.NoError(t, g.SetInput(neg, 0, add.Output(0)))
	_, err = g.TopologicalOrder()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	// Undo it.
	require.NoError(t, g.SetInput(neg, 0, x.Output(0)))
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []*Node{x, neg, exp, add}, order)
}

func TestClone(t *testing.T) {
	g, x, neg, _, add := buildDiamond(t)
	c := g.Clone()
	assert.True(t, g.Equal(c))
	assert.NotSame(t, g.NodeByID(add.ID()), c.NodeByID(add.ID()))

	// Mutating the clone leaves the original untouched.
	cx := c.NodeByID(x.ID())
	cneg := c.NodeByID(neg.ID())
	abs := must.M1(c.AddNode(KindAbs, []Output{cx.Output(0)}, nil))
	require.NoError(t, c.ReplaceOutput(cneg.Output(0), abs.Output(0)))
	assert.False(t, g.Equal(c))
	assert.Equal(t, neg.Output(0), add.Input(0))
	assert.Equal(t, 4, g.NumNodes())
}

// buildCountingLoop builds a loop whose body computes acc+1 and concatenates acc along axis 0.
func buildCountingLoop(t *testing.T) (g *Graph, loop *Node) {
	body := New("body")
	acc := must.M1(body.AddParameter("acc", dtypes.Float32, shapes.Make(1)))
	one := must.M1(body.AddConstant("one", tensors.FromFlatDataAndDimensions([]float32{1}, 1)))
	next := must.M1(body.AddNode(KindAdd, []Output{acc.Output(0), one.Output(0)}, nil))
	must.M1(body.DeclareResult(next.Output(0)))
	must.M1(body.DeclareResult(acc.Output(0)))

	b := NewBody(body)
	b.Inputs = []InputDescription{{Kind: MergedInput, InputIndex: 2, ParameterIndex: 0, ResultIndex: 0}}
	b.Outputs = []OutputDescription{{Kind: LastOutput, ResultIndex: 0}, {Kind: ConcatOutput, ResultIndex: 1}}

	g = New("main")
	trip := must.M1(g.AddConstant("trip", tensors.FromScalar(int64(3))))
	cond := must.M1(g.AddConstant("cond", tensors.FromScalar(true)))
	initial := must.M1(g.AddParameter("init", dtypes.Float32, shapes.Make(1)))
	loop, err := g.AddNode(KindLoop, []Output{trip.Output(0), cond.Output(0), initial.Output(0)}, nil, b)
	require.NoError(t, err)
	return g, loop
}

func TestLoopNode(t *testing.T) {
	g, loop := buildCountingLoop(t)
	assert.Equal(t, 2, loop.NumOutputs())
	body := loop.Body(0)
	assert.Equal(t, loop, body.Owner())
	assert.Equal(t, []BackEdge{{ResultIndex: 0, ParameterIndex: 0}}, body.BackEdges())

	// A body can't have two owners.
	_, err := g.AddNode(KindLoop, loop.Inputs(), nil, body)
	require.Error(t, err)

	// Invalid descriptions are dangling references.
	bad := NewBody(New("bad"))
	bad.Outputs = []OutputDescription{{Kind: LastOutput, ResultIndex: 0}}
	_, err = g.AddNode(KindLoop, loop.Inputs(), nil, bad)
	assert.True(t, errors.Is(err, ErrDanglingReference))

	// Clones have their own bodies.
	c := g.Clone()
	cloop := c.NodeByID(loop.ID())
	assert.NotSame(t, body, cloop.Body(0))
	assert.Equal(t, cloop, cloop.Body(0).Owner())
	assert.True(t, body.Graph.Equal(cloop.Body(0).Graph))
	assert.True(t, g.Equal(c))
}

func TestString(t *testing.T) {
	g, loop := buildCountingLoop(t)
	must.M1(g.DeclareResult(loop.Output(1)))
	s := g.String()
	assert.Contains(t, s, `Graph "main":`)
	assert.Contains(t, s, `Graph "body":`)
	assert.Contains(t, s, "[result #0 -> parameter #0]")
	assert.Contains(t, s, "init = Parameter() -> ")
	assert.Contains(t, s, fmt.Sprintf("%s[1]", dtypes.Float32))
	t.Log(s)
}

func TestAttributes(t *testing.T) {
	attrs := Attributes{AttrAxis: -1, AttrPerm: []int{1, 0}, AttrDType: dtypes.Int64}
	assert.Equal(t, -1, attrs.Int(AttrAxis, 0))
	assert.Equal(t, 7, attrs.Int(AttrBatchDims, 7))
	assert.Equal(t, []int{1, 0}, attrs.Ints(AttrPerm, nil))
	assert.Equal(t, dtypes.Int64, attrs.DType(AttrDType, dtypes.InvalidDType))
	assert.Nil(t, attrs.Tensor(AttrValue))
	assert.Panics(t, func() { _ = attrs.Bool(AttrAxis, false) })
	c := attrs.Clone()
	c[AttrAxis] = 2
	assert.Equal(t, -1, attrs.Int(AttrAxis, 0))
}
