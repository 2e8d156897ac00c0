package transformations

import (
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/pattern"
	"github.com/gomlx/graphpass/rewrite"
	"k8s.io/klog/v2"
)

// EliminateIdentity re-wires the consumers (and results) of every Identity node to its input.
func EliminateIdentity() *rewrite.Pass {
	operand := pattern.Any()
	return &rewrite.Pass{
		Name:    "EliminateIdentity",
		Pattern: pattern.MustCompile(pattern.Op(graph.KindIdentity, operand)),
		Callback: func(m *pattern.Match) bool {
			identity := m.Root().Output(0)
			if isDead(identity) {
				return false
			}
			if err := m.Graph().ReplaceOutput(identity, m.Output(operand)); err != nil {
				klog.Warningf("eliminating %s: %+v", identity, err)
				return false
			}
			return true
		},
		Mode: rewrite.Once,
	}
}
