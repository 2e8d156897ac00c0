package transformations

import (
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/pattern"
	"github.com/gomlx/graphpass/rewrite"
)

// denseGeluPatterns are the two forms fused by DenseGeluFusion:
//
//	Gelu(MatMul(x, W) + bias)
//	Gelu(MatMul(x, W))
//
// where W and bias are constants.
type denseGeluPatterns struct {
	x, weight, bias       *pattern.Pattern
	withBias, withoutBias *pattern.Compiled
}

func newDenseGeluPatterns() *denseGeluPatterns {
	single := pattern.ConsumersCount(1)
	p := &denseGeluPatterns{
		x:      pattern.Any().Where(pattern.HasFloatDType()),
		weight: pattern.Const().Where(pattern.HasStaticShape()),
		bias:   pattern.Const(),
	}
	matMul := pattern.Op(graph.KindMatMul, p.x, p.weight).Where(single)
	p.withBias = pattern.MustCompile(
		pattern.Op(graph.KindGelu, pattern.Op(graph.KindAdd, matMul, p.bias).Where(single)))
	p.withoutBias = pattern.MustCompile(pattern.Op(graph.KindGelu, matMul))
	return p
}

// DenseGeluFusion fuses a MatMul by a constant weight, followed by the optional addition of a constant bias and
// by a Gelu, into a single Dense node with the Gelu activation.
//
// The weight must be shaped [in, out], and the bias (if present) a scalar or shaped [out].
func DenseGeluFusion() *rewrite.Pass {
	p := newDenseGeluPatterns()
	root := pattern.Op(graph.KindGelu, pattern.OneOf(graph.KindAdd, graph.KindMatMul).Where(pattern.ConsumersCount(1)))
	return &rewrite.Pass{
		Name:    "DenseGeluFusion",
		Pattern: pattern.MustCompile(root),
		Callback: func(m *pattern.Match) bool {
			gelu := m.Root()
			inputs, ok := p.match(gelu)
			if !ok {
				return false
			}
			activation := graph.ActivationGelu
			if gelu.Attributes().Str(graph.AttrApproximate, graph.GeluExact) == graph.GeluTanh {
				activation = graph.ActivationGeluTanh
			}
			return replaceWith(gelu.Output(0), graph.KindDense, inputs,
				graph.Attributes{graph.AttrActivation: activation})
		},
		Mode: rewrite.Once,
	}
}

// match returns the inputs of the Dense node replacing gelu: [x, weight] or [x, weight, bias].
func (p *denseGeluPatterns) match(gelu *graph.Node) (inputs []graph.Output, ok bool) {
	if m, found := p.withBias.Match(gelu); found {
		return []graph.Output{m.Output(p.x), m.Output(p.weight), m.Output(p.bias)}, true
	}
	if m, found := p.withoutBias.Match(gelu); found {
		return []graph.Output{m.Output(p.x), m.Output(p.weight)}, true
	}
	return nil, false
}
