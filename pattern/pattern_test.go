package pattern

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapeinference"
	"github.com/gomlx/graphpass/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(g *graph.Graph, kind graph.Kind, inputs ...graph.Output) graph.Output {
	return must.M1(g.AddNode(kind, inputs, nil)).Output(0)
}

func scalar(g *graph.Graph, v float32) graph.Output {
	return must.M1(g.AddConstant("", tensors.FromScalar(v))).Output(0)
}

// buildScaledSum builds (x + c) * x.
func buildScaledSum() (g *graph.Graph, x, c, sum, root graph.Output) {
	g = graph.New("scaled_sum")
	x = must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(2, 3))).Output(0)
	c = scalar(g, 2)
	sum = op(g, graph.KindAdd, x, c)
	root = op(g, graph.KindMul, sum, x)
	must.M1(g.DeclareResult(root))
	must.M(shapeinference.InferAndValidate(g))
	return
}

func TestMatch(t *testing.T) {
	g, x, c, sum, root := buildScaledSum()

	px, pc := Any().Named("x"), Const()
	pSum := Op(graph.KindAdd, px, pc)
	compiled := must.M1(Compile(Op(graph.KindMul, pSum, px)))
	assert.Equal(t, []graph.Kind{graph.KindMul}, compiled.RootKinds())

	m, ok := compiled.Match(root.Node())
	require.True(t, ok)
	assert.Equal(t, root.Node(), m.Root())
	assert.Equal(t, g, m.Graph())
	assert.Equal(t, x, m.Output(px))
	assert.Equal(t, c, m.Output(pc))
	assert.Equal(t, sum.Node(), m.Node(pSum))
	labeled, found := m.Lookup("x")
	require.True(t, found)
	assert.Equal(t, x, labeled)
	_, found = m.Lookup("y")
	assert.False(t, found)
	assert.Len(t, m.MatchedNodes(), 4)

	// Wrong root kind, and no match for the inner node as root.
	_, ok = compiled.Match(sum.Node())
	assert.False(t, ok)

	// Using a pattern node that isn't part of the compiled pattern panics.
	assert.Panics(t, func() { m.Output(Any()) })

	m.Invalidate()
	assert.False(t, m.IsValid())
	assert.Panics(t, func() { m.Root() })
}

func TestLabelConsistency(t *testing.T) {
	g := graph.New("consistency")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(3))).Output(0)
	y := must.M1(g.AddParameter("y", dtypes.Float32, shapes.Make(3))).Output(0)
	sum := op(g, graph.KindAdd, x, scalar(g, 2))
	differentInputs := op(g, graph.KindMul, sum, y)
	sameInputs := op(g, graph.KindMul, sum, x)

	px := Any()
	compiled := must.M1(Compile(Op(graph.KindMul, Op(graph.KindAdd, px, Const()), px)))
	_, ok := compiled.Match(differentInputs.Node())
	assert.False(t, ok, "x bound on one path and y on the other")
	_, ok = compiled.Match(sameInputs.Node())
	assert.True(t, ok)

	// Two different wildcards may bind the same output.
	compiled = must.M1(Compile(Op(graph.KindMul, Op(graph.KindAdd, Any(), Const()), Any())))
	_, ok = compiled.Match(differentInputs.Node())
	assert.True(t, ok)
	_, ok = compiled.Match(sameInputs.Node())
	assert.True(t, ok)

	// Shared constant: both branches read the same constant.
	c := scalar(g, 3)
	sharedConst := op(g, graph.KindAdd, op(g, graph.KindMul, x, c), op(g, graph.KindMul, y, c))
	otherConst := op(g, graph.KindAdd, op(g, graph.KindMul, x, c), op(g, graph.KindMul, y, scalar(g, 3)))
	pc := Const()
	compiled = must.M1(Compile(Op(graph.KindAdd, Op(graph.KindMul, Any(), pc), Op(graph.KindMul, Any(), pc))))
	_, ok = compiled.Match(sharedConst.Node())
	assert.True(t, ok)
	_, ok = compiled.Match(otherConst.Node())
	assert.False(t, ok)
}

func TestNoBacktracking(t *testing.T) {
	// Add(c, x) with the pattern Add(x, Const): arity and kinds checked positionally, no commutation.
	g := graph.New("order")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(3))).Output(0)
	swapped := op(g, graph.KindAdd, scalar(g, 1), x)
	compiled := must.M1(Compile(Op(graph.KindAdd, Any(), Const())))
	_, ok := compiled.Match(swapped.Node())
	assert.False(t, ok)

	// Arity must match when inputs are given.
	compiled = must.M1(Compile(Op(graph.KindAdd, Any())))
	_, ok = compiled.Match(swapped.Node())
	assert.False(t, ok)

	// Without inputs, any arity is accepted.
	compiled = must.M1(Compile(Op(graph.KindAdd)))
	_, ok = compiled.Match(swapped.Node())
	assert.True(t, ok)
}

func TestPredicates(t *testing.T) {
	g, _, _, sum, root := buildScaledSum()
	compiled := must.M1(Compile(Op(graph.KindMul, Op(graph.KindAdd, Any(), Const()).Where(ConsumersCount(1)), Any())))
	_, ok := compiled.Match(root.Node())
	assert.True(t, ok)

	// A second consumer of the sum breaks the ConsumersCount(1) requirement.
	extra := op(g, graph.KindNeg, sum)
	_, ok = compiled.Match(root.Node())
	assert.False(t, ok)
	require.NoError(t, g.RemoveNode(extra.Node()))
	_, ok = compiled.Match(root.Node())
	assert.True(t, ok)

	compiled = must.M1(Compile(Any().Where(HasDType(dtypes.Int32, dtypes.Int64))))
	_, ok = compiled.Match(root.Node())
	assert.False(t, ok)
	compiled = must.M1(Compile(Any().Where(HasDType(dtypes.Float32)).Where(HasStaticRank()).Where(HasFloatDType())))
	_, ok = compiled.Match(root.Node())
	assert.True(t, ok)
	compiled = must.M1(Compile(OneOf(graph.KindAdd, graph.KindSub).Where(HasStaticShape())))
	_, ok = compiled.Match(sum.Node())
	assert.True(t, ok)
	_, ok = compiled.Match(root.Node())
	assert.False(t, ok)
}

func TestPort(t *testing.T) {
	g := graph.New("ports")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(3))).Output(0)
	neg := op(g, graph.KindNeg, x)
	compiled := must.M1(Compile(Op(graph.KindNeg, Any().Port(0))))
	_, ok := compiled.Match(neg.Node())
	assert.True(t, ok)
	compiled = must.M1(Compile(Op(graph.KindNeg, Any().Port(1))))
	_, ok = compiled.Match(neg.Node())
	assert.False(t, ok)
	compiled = must.M1(Compile(Op(graph.KindNeg).Port(1)))
	_, ok = compiled.Match(neg.Node())
	assert.False(t, ok, "root port out of range")
}

func TestCompile(t *testing.T) {
	_, err := Compile(nil)
	assert.Error(t, err)

	_, err = Compile(Op(graph.KindAdd, Any(), nil))
	assert.Error(t, err)

	_, err = Compile(Op(graph.KindAdd, Any().Named("a"), Any().Named("a")))
	assert.Error(t, err)

	// A shared sub-pattern with a label is fine.
	shared := Any().Named("a")
	_, err = Compile(Op(graph.KindAdd, shared, shared))
	assert.NoError(t, err)

	// Cycles can only be built by reaching into the pattern.
	cyclic := Op(graph.KindNeg, Any())
	cyclic.inputs[0] = Op(graph.KindAbs, cyclic)
	_, err = Compile(cyclic)
	assert.Error(t, err)
	assert.Contains(t, cyclic.String(), "<cycle>")

	assert.Panics(t, func() { MustCompile(nil) })
	_, compileErr := Compile(nil)
	panicErr := exceptions.TryCatch[error](func() { MustCompile(nil) })
	require.Error(t, panicErr)
	assert.Equal(t, compileErr.Error(), panicErr.Error())
	assert.Nil(t, MustCompile(Any()).RootKinds())
}

func TestString(t *testing.T) {
	p := Op(graph.KindMul, Op(graph.KindAdd, Any().Named("x"), Const()).Where(ConsumersCount(1)), OneOf(graph.KindSub, graph.KindAdd).Port(0))
	assert.Equal(t, "Mul(Add{consumers=1}(x=Any,Constant),OneOf[Add|Sub]:0)", p.String())
}

func TestFindAll(t *testing.T) {
	g := graph.New("find")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(3))).Output(0)
	a := op(g, graph.KindNeg, x)
	b := op(g, graph.KindNeg, op(g, graph.KindExp, a))
	must.M1(g.DeclareResult(b))
	matches := must.M1(MustCompile(Op(graph.KindNeg, Any())).FindAll(g))
	require.Len(t, matches, 2)
	assert.Equal(t, a.Node(), matches[0].Root())
	assert.Equal(t, b.Node(), matches[1].Root())
}
