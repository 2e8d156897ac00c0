package transformations

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/pattern"
	"github.com/gomlx/graphpass/rewrite"
)

// Tolerances of the constants of the tanh approximation, which models often write with few digits.
const (
	geluTanhCubicTolerance = 1e-3
	geluTanhScaleTolerance = 1e-2
	geluTanhCubic          = float32(0.044715)
)

// erfPart holds the pattern of 1 + erf(x / √2), shared by the erf based Gelu fusions.
type erfPart struct {
	x, divConst, addConst *pattern.Pattern
	sum                   *pattern.Pattern
}

func newErfPart() *erfPart {
	p := &erfPart{
		x:        pattern.Any().Where(pattern.HasFloatDType()),
		divConst: pattern.Const(),
		addConst: pattern.Const(),
	}
	div := pattern.Op(graph.KindDiv, p.x, p.divConst).Where(pattern.ConsumersCount(1))
	erf := pattern.Op(graph.KindErf, div).Where(pattern.ConsumersCount(1))
	p.sum = pattern.Op(graph.KindAdd, p.addConst, erf).Where(pattern.ConsumersCount(1))
	return p
}

// fuse replaces the root of the match by Gelu(x), if the constants are √2, 1 and the given half constant is 0.5.
func (p *erfPart) fuse(m *pattern.Match, halfConst *pattern.Pattern) bool {
	if !isConstantNear(m.Output(p.divConst), math32.Sqrt2, defaultTolerance) ||
		!isConstantNear(m.Output(p.addConst), 1, defaultTolerance) ||
		!isConstantNear(m.Output(halfConst), 0.5, defaultTolerance) {
		return false
	}
	return replaceWith(m.Root().Output(0), graph.KindGelu, []graph.Output{m.Output(p.x)},
		graph.Attributes{graph.AttrApproximate: graph.GeluExact})
}

// GeluFusionWithErfOne fuses (x * 0.5) * (1 + erf(x / √2)) into Gelu(x).
func GeluFusionWithErfOne() *rewrite.Pass {
	erf := newErfPart()
	half := pattern.Const()
	halfX := pattern.Op(graph.KindMul, erf.x, half).Where(pattern.ConsumersCount(1))
	root := pattern.Op(graph.KindMul, halfX, erf.sum)
	return &rewrite.Pass{
		Name:     "GeluFusionWithErfOne",
		Pattern:  pattern.MustCompile(root),
		Callback: func(m *pattern.Match) bool { return erf.fuse(m, half) },
		Mode:     rewrite.Once,
	}
}

// GeluFusionWithErfTwo fuses 0.5 * (x * (1 + erf(x / √2))) into Gelu(x).
func GeluFusionWithErfTwo() *rewrite.Pass {
	erf := newErfPart()
	half := pattern.Const()
	product := pattern.Op(graph.KindMul, erf.x, erf.sum).Where(pattern.ConsumersCount(1))
	root := pattern.Op(graph.KindMul, half, product)
	return &rewrite.Pass{
		Name:     "GeluFusionWithErfTwo",
		Pattern:  pattern.MustCompile(root),
		Callback: func(m *pattern.Match) bool { return erf.fuse(m, half) },
		Mode:     rewrite.Once,
	}
}

// GeluFusionWithErfThree fuses x * ((1 + erf(x / √2)) * 0.5) into Gelu(x).
func GeluFusionWithErfThree() *rewrite.Pass {
	erf := newErfPart()
	half := pattern.Const()
	halfSum := pattern.Op(graph.KindMul, erf.sum, half).Where(pattern.ConsumersCount(1))
	root := pattern.Op(graph.KindMul, erf.x, halfSum)
	return &rewrite.Pass{
		Name:     "GeluFusionWithErfThree",
		Pattern:  pattern.MustCompile(root),
		Callback: func(m *pattern.Match) bool { return erf.fuse(m, half) },
		Mode:     rewrite.Once,
	}
}

// GeluFusionWithTanh fuses the tanh approximation of Gelu,
//
//	x * ((tanh((x + x^3 * 0.044715) * √(2/π)) + 1) * 0.5)
//
// into Gelu(x) with approximation "tanh".
func GeluFusionWithTanh() *rewrite.Pass {
	single := pattern.ConsumersCount(1)
	x := pattern.Any().Where(pattern.HasFloatDType())
	powConst, cubicConst, scaleConst, oneConst, halfConst :=
		pattern.Const(), pattern.Const(), pattern.Const(), pattern.Const(), pattern.Const()
	pow := pattern.Op(graph.KindPow, x, powConst).Where(single)
	cubic := pattern.Op(graph.KindMul, pow, cubicConst).Where(single)
	inner := pattern.Op(graph.KindAdd, x, cubic).Where(single)
	scaled := pattern.Op(graph.KindMul, inner, scaleConst).Where(single)
	tanh := pattern.Op(graph.KindTanh, scaled).Where(single)
	sum := pattern.Op(graph.KindAdd, tanh, oneConst).Where(single)
	half := pattern.Op(graph.KindMul, sum, halfConst).Where(single)
	root := pattern.Op(graph.KindMul, x, half)

	sqrt2OverPi := math32.Sqrt(2 / math32.Pi)
	return &rewrite.Pass{
		Name:    "GeluFusionWithTanh",
		Pattern: pattern.MustCompile(root),
		Callback: func(m *pattern.Match) bool {
			if !isConstantNear(m.Output(powConst), 3, defaultTolerance) ||
				!isConstantNear(m.Output(cubicConst), geluTanhCubic, geluTanhCubicTolerance) ||
				!isConstantNear(m.Output(scaleConst), sqrt2OverPi, geluTanhScaleTolerance) ||
				!isConstantNear(m.Output(oneConst), 1, defaultTolerance) ||
				!isConstantNear(m.Output(halfConst), 0.5, defaultTolerance) {
				return false
			}
			return replaceWith(m.Root().Output(0), graph.KindGelu, []graph.Output{m.Output(x)},
				graph.Attributes{graph.AttrApproximate: graph.GeluTanh})
		},
		Mode: rewrite.Once,
	}
}
