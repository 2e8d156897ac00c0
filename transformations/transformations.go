// Package transformations implements rewrite passes over graph.Graph, to be registered on a rewrite.Manager:
// fusions of sub-graphs into a single node (Gelu, Dense+Gelu), the merge of dequantized concatenations and the
// elimination of identities.
//
// Each pass is built by a function returning a *rewrite.Pass, and All returns them in their default order:
//
//	manager := transformations.RegisterAll(rewrite.NewManager())
//	stats, err := manager.Run(g)
package transformations

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/rewrite"
	"github.com/gomlx/graphpass/shapeinference"
	"k8s.io/klog/v2"
)

// engine validates the nodes created by the passes before they are committed.
var engine = shapeinference.New()

// All returns a new instance of every pass of the package, in the order they should run.
//
// Identities are eliminated first, so they don't hide the fused patterns. The Gelu fusions run before
// DenseGeluFusion, which consumes the Gelu nodes they create: for that the manager must remove unreachable nodes
// (see rewrite.Manager.WithRemoveUnreachable), otherwise the replaced nodes still count as consumers.
func All() []*rewrite.Pass {
	return []*rewrite.Pass{
		EliminateIdentity(),
		ConcatDequantization(),
		GeluFusionWithErfOne(),
		GeluFusionWithErfTwo(),
		GeluFusionWithErfThree(),
		GeluFusionWithTanh(),
		DenseGeluFusion(),
	}
}

// RegisterAll registers All passes on the manager, and returns it.
func RegisterAll(manager *rewrite.Manager) *rewrite.Manager {
	for _, pass := range All() {
		manager.RegisterPass(pass)
	}
	return manager
}

// scalarConstant returns the value of a single-element constant, as float32.
func scalarConstant(o graph.Output) (float32, bool) {
	values, ok := shapeinference.ConstantFloats(o)
	if !ok || len(values) != 1 {
		return 0, false
	}
	return float32(values[0]), true
}

// defaultTolerance is the tolerance of constant values without explicit one.
const defaultTolerance = 1e-6

// isConstantNear returns whether o is a single-element constant within tolerance of want.
func isConstantNear(o graph.Output, want, tolerance float32) bool {
	v, ok := scalarConstant(o)
	return ok && math32.Abs(v-want) <= tolerance
}

// isDead returns whether nothing reads o: it has no consumers and is not a result of its graph.
//
// Nodes replaced by an earlier rewrite are left dead when the manager doesn't remove unreachable nodes, and
// replacing them again would only add more dead nodes.
func isDead(o graph.Output) bool {
	return o.NumConsumers() == 0 && !isResult(o.Node().Graph(), o)
}

func isResult(g *graph.Graph, o graph.Output) bool {
	for _, result := range g.Results() {
		if result == o {
			return true
		}
	}
	return false
}

// replaceWith creates a node of the given kind and replaces the output old with its output, if its inferred type
// is the same as old's.
//
// On failure the created node is rolled back and the graph left unchanged.
func replaceWith(old graph.Output, kind graph.Kind, inputs []graph.Output, attrs graph.Attributes) bool {
	if isDead(old) {
		return false
	}
	edit := rewrite.NewEdit(old.Node().Graph())
	node, err := edit.AddNode(kind, inputs, attrs)
	if err != nil {
		klog.Warningf("creating %s to replace %s: %+v", kind, old, err)
		return false
	}
	return commitIfSameType(edit, old, node.Output(0))
}

// commitIfSameType validates the nodes created by the edit and replaces old by replacement, if they have the
// same dtype and shape, and old is still read. Otherwise the edit is rolled back.
func commitIfSameType(edit *rewrite.Edit, old, replacement graph.Output) bool {
	if isDead(old) {
		edit.Rollback()
		return false
	}
	if err := edit.Validate(engine); err != nil {
		klog.V(2).Infof("replacement of %s declined: %v", old, err)
		edit.Rollback()
		return false
	}
	if replacement.DType() != old.DType() || !replacement.Shape().Equal(old.Shape()) {
		klog.V(2).Infof("replacement of %s declined: replacement is %s %s", old, replacement.DType(), replacement.Shape())
		edit.Rollback()
		return false
	}
	if err := edit.Commit(old, replacement); err != nil {
		klog.Warningf("replacing %s: %+v", old, err)
		edit.Rollback()
		return false
	}
	return true
}
