package rewrite

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/pattern"
	"github.com/gomlx/graphpass/shapeinference"
	"github.com/gomlx/graphpass/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(g *graph.Graph, kind graph.Kind, inputs ...graph.Output) graph.Output {
	return must.M1(g.AddNode(kind, inputs, nil)).Output(0)
}

// doubleNegation returns a pass replacing Neg(Neg(x)) by x.
func doubleNegation() (*pattern.Compiled, Callback) {
	x := pattern.Any()
	compiled := pattern.MustCompile(pattern.Op(graph.KindNeg, pattern.Op(graph.KindNeg, x)))
	return compiled, func(m *pattern.Match) bool {
		must.M(m.Graph().ReplaceOutput(m.Root().Output(0), m.Output(x)))
		return true
	}
}

func TestRun(t *testing.T) {
	g := graph.New("negations")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(2, 3)))
	y := must.M1(g.AddParameter("y", dtypes.Float32, shapes.Make(2, 3)))
	negNeg := op(g, graph.KindNeg, op(g, graph.KindNeg, x.Output(0)))
	sum := op(g, graph.KindAdd, y.Output(0), negNeg)
	exp := op(g, graph.KindExp, negNeg)
	must.M1(g.DeclareResult(sum))
	must.M1(g.DeclareResult(negNeg))
	must.M1(g.DeclareResult(exp))

	compiled, callback := doubleNegation()
	stats, err := NewManager().Register("DoubleNegation", compiled, callback, Once).Run(g)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PassesRun)
	assert.Equal(t, 1, stats.RewritesApplied)
	assert.Equal(t, map[string]int{"DoubleNegation": 1}, stats.PerPass)

	// Every consumer of the replaced output reads x at the same port, and results are redirected.
	assert.Equal(t, x.Output(0), sum.Node().Input(1))
	assert.Equal(t, y.Output(0), sum.Node().Input(0))
	assert.Equal(t, x.Output(0), exp.Node().Input(0))
	assert.Equal(t, x.Output(0), g.Result(1))
	assert.Equal(t, 0, negNeg.NumConsumers())
	assert.Equal(t, 3, x.Output(0).NumConsumers()) // First Neg, Add and Exp.

	// Without WithRemoveUnreachable the negations are left behind.
	assert.False(t, negNeg.Node().IsRemoved())
	assert.Equal(t, 2, g.RemoveUnreachable())
	_, err = g.TopologicalOrder()
	require.NoError(t, err)
}

func TestFixedPoint(t *testing.T) {
	g := graph.New("chain")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(3)))
	o := x.Output(0)
	for range 4 {
		o = op(g, graph.KindNeg, o)
	}
	must.M1(g.DeclareResult(op(g, graph.KindExp, o)))

	compiled, callback := doubleNegation()
	stats, err := NewManager().
		WithRemoveUnreachable(true).
		Register("DoubleNegation", compiled, callback, FixedPoint).
		Run(g)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RewritesApplied)
	assert.Equal(t, 2, g.NumNodes()) // x and Exp.
	assert.Equal(t, x.Output(0), g.Result(0).Node().Input(0))
}

func TestIterationLimit(t *testing.T) {
	g := graph.New("endless")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(3)))
	must.M1(g.DeclareResult(op(g, graph.KindExp, x.Output(0))))

	// Always replaces Exp(x) by a fresh Exp(x).
	compiled := pattern.MustCompile(pattern.Op(graph.KindExp, pattern.Any()))
	renew := func(m *pattern.Match) bool {
		fresh := must.M1(m.Graph().AddNode(graph.KindExp, m.Root().Inputs(), nil))
		must.M(m.Graph().ReplaceOutput(m.Root().Output(0), fresh.Output(0)))
		return true
	}
	stats, err := NewManager().
		WithRemoveUnreachable(true).
		WithMaxIterations(3).
		Register("Renew", compiled, renew, FixedPoint).
		Run(g)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIterationLimit))
	assert.Equal(t, 3, stats.RewritesApplied)

	// In Once mode it's applied once.
	stats, err = NewManager().WithRemoveUnreachable(true).Register("Renew", compiled, renew, Once).Run(g)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RewritesApplied)
}

func TestDeclinedRewrites(t *testing.T) {
	newGraph := func() (*graph.Graph, graph.Output) {
		g := graph.New("declined")
		x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(3)))
		neg := op(g, graph.KindNeg, x.Output(0))
		must.M1(g.DeclareResult(neg))
		return g, neg
	}
	compiled := pattern.MustCompile(pattern.Op(graph.KindNeg, pattern.Any()))

	t.Run("NoMutation", func(t *testing.T) {
		g, _ := newGraph()
		generation := g.Generation()
		stats, err := NewManager().Register("Decline", compiled, func(*pattern.Match) bool { return false }, Once).Run(g)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.RewritesApplied)
		assert.Equal(t, generation, g.Generation())
	})

	t.Run("RolledBack", func(t *testing.T) {
		g, neg := newGraph()
		numNodes := g.NumNodes()
		stats, err := NewManager().Register("RollBack", compiled, func(m *pattern.Match) bool {
			edit := NewEdit(m.Graph())
			abs := must.M1(edit.AddNode(graph.KindAbs, m.Root().Inputs(), nil))
			must.M1(edit.AddNode(graph.KindNeg, []graph.Output{abs.Output(0)}, nil))
			edit.Rollback()
			return false
		}, Once).Run(g)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.RewritesApplied)
		assert.Equal(t, numNodes, g.NumNodes())
		assert.Equal(t, neg, g.Result(0))
	})

	t.Run("Partial", func(t *testing.T) {
		g, _ := newGraph()
		_, err := NewManager().Register("Partial", compiled, func(m *pattern.Match) bool {
			must.M1(m.Graph().AddNode(graph.KindAbs, m.Root().Inputs(), nil))
			return false
		}, Once).Run(g)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPartialRewrite))
		assert.Contains(t, err.Error(), `"Partial"`)
	})

	t.Run("ResultsOnly", func(t *testing.T) {
		// Re-wiring an output read only by results touches no node, but still modifies the graph.
		g, neg := newGraph()
		x := neg.Node().Input(0)
		_, err := NewManager().Register("Redirect", compiled, func(m *pattern.Match) bool {
			must.M(m.Graph().ReplaceOutput(m.Root().Output(0), x))
			return false
		}, Once).Run(g)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPartialRewrite))

		g, _ = newGraph()
		_, err = NewManager().Register("Declare", compiled, func(m *pattern.Match) bool {
			must.M1(m.Graph().DeclareResult(m.Root().Input(0)))
			return false
		}, Once).Run(g)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPartialRewrite))
	})

	t.Run("Panic", func(t *testing.T) {
		g, _ := newGraph()
		_, err := NewManager().Register("Panics", compiled, func(m *pattern.Match) bool {
			exceptions.Panicf("unsupported attribute")
			return false
		}, Once).Run(g)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported attribute")
	})
}

func TestMatchInvalidation(t *testing.T) {
	g := graph.New("invalidation")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(3)))
	must.M1(g.DeclareResult(op(g, graph.KindNeg, x.Output(0))))
	var kept *pattern.Match
	_, err := NewManager().Register("Keep", pattern.MustCompile(pattern.Op(graph.KindNeg)), func(m *pattern.Match) bool {
		kept = m
		return false
	}, Once).Run(g)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.False(t, kept.IsValid())
	assert.Panics(t, func() { kept.Root() })
}

// dropTranspose replaces Transpose(x) by x: it changes the shapes seen by the consumers.
func dropTranspose() (*pattern.Compiled, Callback) {
	x := pattern.Any()
	compiled := pattern.MustCompile(pattern.Op(graph.KindTranspose, x))
	return compiled, func(m *pattern.Match) bool {
		must.M(m.Graph().ReplaceOutput(m.Root().Output(0), m.Output(x)))
		return true
	}
}

func TestReinference(t *testing.T) {
	g := graph.New("reinference")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(2, 3)))
	exp := op(g, graph.KindExp, op(g, graph.KindTranspose, x.Output(0)))
	neg := op(g, graph.KindNeg, exp)
	must.M1(g.DeclareResult(neg))

	// A later pass sees the shapes updated by the earlier pass.
	var seen shapes.Shape
	observe := func(m *pattern.Match) bool {
		seen = m.Root().Output(0).Shape()
		return false
	}
	compiled, callback := dropTranspose()
	_, err := NewManager().
		Register("DropTranspose", compiled, callback, Once).
		Register("Observe", pattern.MustCompile(pattern.Op(graph.KindNeg)), observe, Once).
		Run(g)
	require.NoError(t, err)
	assert.Equal(t, "[2,3]", exp.Shape().String())
	assert.Equal(t, "[2,3]", neg.Shape().String())
	assert.Equal(t, "[2,3]", seen.String())
}

func TestRunErrors(t *testing.T) {
	t.Run("InvalidGraph", func(t *testing.T) {
		g := graph.New("invalid")
		x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(2)))
		y := must.M1(g.AddParameter("y", dtypes.Float32, shapes.Make(3)))
		op(g, graph.KindAdd, x.Output(0), y.Output(0))
		compiled, callback := doubleNegation()
		_, err := NewManager().Register("DoubleNegation", compiled, callback, Once).Run(g)
		require.Error(t, err)
		var validationErr *graph.ValidationError
		assert.True(t, errors.As(err, &validationErr))
		assert.True(t, errors.Is(err, graph.ErrShapeMismatch))
	})

	t.Run("InvalidRewrite", func(t *testing.T) {
		g := graph.New("invalid-rewrite")
		x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(2, 3)))
		y := must.M1(g.AddParameter("y", dtypes.Float32, shapes.Make(3, 2)))
		must.M1(g.DeclareResult(op(g, graph.KindAdd, op(g, graph.KindTranspose, x.Output(0)), y.Output(0))))
		compiled, callback := dropTranspose()
		stats, err := NewManager().Register("DropTranspose", compiled, callback, Once).Run(g)
		require.Error(t, err)
		assert.True(t, errors.Is(err, graph.ErrShapeMismatch))
		assert.Equal(t, 0, stats.RewritesApplied)
	})

	assert.Panics(t, func() { NewManager().Register("nil", nil, nil, Once) })
}

func TestEdit(t *testing.T) {
	g := graph.New("edit")
	x := must.M1(g.AddParameter("x", dtypes.Float32, shapes.Make(2, 3)))
	neg := op(g, graph.KindNeg, x.Output(0))
	must.M1(g.DeclareResult(neg))
	require.NoError(t, shapeinference.InferAndValidate(g))

	edit := NewEdit(g)
	two := must.M1(edit.AddConstant(tensors.FromScalar(float32(2))))
	scaled := must.M1(edit.AddNode(graph.KindMul, []graph.Output{x.Output(0), two.Output(0)}, nil))
	require.NoError(t, edit.Validate(shapeinference.New()))
	assert.Equal(t, "[2,3]", scaled.Output(0).Shape().String())
	assert.Len(t, edit.Created(), 2)
	require.NoError(t, edit.Commit(neg, scaled.Output(0)))
	assert.Equal(t, scaled.Output(0), g.Result(0))
	assert.Error(t, edit.Commit(neg))

	// An invalid pair fails before any replacement.
	edit = NewEdit(g)
	abs := must.M1(edit.AddNode(graph.KindAbs, []graph.Output{x.Output(0)}, nil))
	other := graph.New("other")
	foreign := must.M1(other.AddParameter("z", dtypes.Float32, shapes.Make(2, 3))).Output(0)
	generation := g.Generation()
	err := edit.Commit(scaled.Output(0), abs.Output(0), neg, foreign)
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrDanglingReference))
	assert.Equal(t, generation, g.Generation())
	assert.Equal(t, scaled.Output(0), g.Result(0))
	edit.Rollback()

	// Validation failure, then rollback.
	edit = NewEdit(g)
	bad := must.M1(edit.AddNode(graph.KindConcat, []graph.Output{x.Output(0), two.Output(0)}, nil))
	err = edit.Validate(shapeinference.New())
	require.Error(t, err)
	edit.Rollback()
	assert.True(t, bad.IsRemoved())
	assert.Empty(t, edit.Created())
}
