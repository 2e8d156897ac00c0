// Package rewrite runs rewrite passes over a graph.Graph: each pass binds a compiled pattern to a callback that
// mutates the graph where the pattern matches.
//
// After every applied rewrite, the nodes created or re-wired by it are re-inferred by the shape inference engine
// before matching continues, so later matches see up-to-date shapes.
package rewrite

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/pattern"
	"github.com/gomlx/graphpass/shapeinference"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrIterationLimit is returned (wrapped) when a FixedPoint pass still applies rewrites after the maximum
	// number of sweeps.
	ErrIterationLimit = errors.New("rewrite pass did not reach a fixed point")

	// ErrPartialRewrite is returned (wrapped) when a callback reports "not applied" but left the graph modified.
	ErrPartialRewrite = errors.New("rewrite not applied but graph left modified")
)

// DefaultMaxIterations is the default maximum number of sweeps of a FixedPoint pass.
const DefaultMaxIterations = 16

// Mode selects how many times a pass sweeps the graph.
type Mode int

const (
	// Once sweeps the graph once.
	Once Mode = iota

	// FixedPoint sweeps the graph until a sweep applies no rewrite.
	FixedPoint
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Once:
		return "Once"
	case FixedPoint:
		return "FixedPoint"
	default:
		return "Mode(?)"
	}
}

// Callback is called for every match of the pass's pattern. It mutates the graph (typically creating the
// replacement nodes and calling graph.Graph.ReplaceOutput) and returns whether it applied the rewrite.
//
// A callback may decline a match (e.g. an attribute it doesn't support), but then it must leave the graph as it
// was: use an Edit to roll back the nodes it created. The match is invalidated when the callback returns.
type Callback func(m *pattern.Match) (applied bool)

// Pass is a registered rewrite pass.
type Pass struct {
	Name     string
	Pattern  *pattern.Compiled
	Callback Callback
	Mode     Mode
}

// Stats reports what Manager.Run did.
type Stats struct {
	// PassesRun is the number of passes executed.
	PassesRun int

	// RewritesApplied is the total number of applied rewrites.
	RewritesApplied int

	// PerPass is the number of rewrites applied by each pass, by name.
	PerPass map[string]int
}

// Manager holds an ordered list of passes and runs them over graphs.
type Manager struct {
	passes            []*Pass
	engine            *shapeinference.Engine
	maxIterations     int
	removeUnreachable bool
}

// NewManager creates a Manager without passes, using a default shapeinference.Engine.
func NewManager() *Manager {
	return &Manager{
		engine:        shapeinference.New(),
		maxIterations: DefaultMaxIterations,
	}
}

// WithEngine sets the shape inference engine used to validate the graph and re-infer rewritten nodes.
func (m *Manager) WithEngine(e *shapeinference.Engine) *Manager {
	m.engine = e
	return m
}

// WithMaxIterations sets the maximum number of sweeps of FixedPoint passes. Values < 1 are set to 1.
func (m *Manager) WithMaxIterations(n int) *Manager {
	m.maxIterations = max(n, 1)
	return m
}

// WithRemoveUnreachable sets whether nodes no longer reachable from the results are removed after each applied
// rewrite. It requires the graph to declare its results. Default is false.
func (m *Manager) WithRemoveUnreachable(remove bool) *Manager {
	m.removeUnreachable = remove
	return m
}

// Register appends a pass. Passes run in registration order. It returns the receiver.
func (m *Manager) Register(name string, compiled *pattern.Compiled, callback Callback, mode Mode) *Manager {
	if compiled == nil || callback == nil {
		exceptions.Panicf("rewrite.Manager.Register(%q): pattern and callback must be non-nil", name)
	}
	m.passes = append(m.passes, &Pass{Name: name, Pattern: compiled, Callback: callback, Mode: mode})
	return m
}

// RegisterPass appends the pass. See Register.
func (m *Manager) RegisterPass(pass *Pass) *Manager {
	return m.Register(pass.Name, pass.Pattern, pass.Callback, pass.Mode)
}

// Passes returns the registered passes, in order.
func (m *Manager) Passes() []*Pass {
	return append([]*Pass(nil), m.passes...)
}

// Run validates the graph with shape inference and runs every pass in registration order.
//
// Errors abort the run: a validation failure (*graph.ValidationError), a failing or partial rewrite, or a
// FixedPoint pass exceeding the iteration limit. The Stats returned reflect the work done up to the failure.
func (m *Manager) Run(g *graph.Graph) (Stats, error) {
	stats := Stats{PerPass: make(map[string]int)}
	if err := m.engine.InferAndValidate(g); err != nil {
		return stats, errors.WithMessagef(err, "validating graph %q before rewrites", g.Name())
	}
	_ = g.TakeTouched()
	for _, pass := range m.passes {
		stats.PassesRun++
		applied, err := m.runPass(g, pass)
		stats.PerPass[pass.Name] += applied
		stats.RewritesApplied += applied
		if err != nil {
			return stats, errors.WithMessagef(err, "pass %q", pass.Name)
		}
		klog.V(1).Infof("rewrite pass %q on graph %q: %d rewrites applied", pass.Name, g.Name(), applied)
	}
	return stats, nil
}

func (m *Manager) runPass(g *graph.Graph, pass *Pass) (applied int, err error) {
	if pass.Mode == Once {
		return m.sweep(g, pass)
	}
	for iteration := 0; iteration < m.maxIterations; iteration++ {
		n, err := m.sweep(g, pass)
		applied += n
		if err != nil || n == 0 {
			return applied, err
		}
		klog.V(2).Infof("rewrite pass %q sweep #%d: %d rewrites applied", pass.Name, iteration, n)
	}
	return applied, errors.Wrapf(ErrIterationLimit, "still applying rewrites after %d sweeps", m.maxIterations)
}

// sweep matches the pass against a snapshot of the nodes in topological order. Nodes removed by earlier rewrites
// of the same sweep are skipped, and nodes created by them are only considered by the next sweep.
func (m *Manager) sweep(g *graph.Graph, pass *Pass) (applied int, err error) {
	candidates, err := g.TopologicalOrder()
	if err != nil {
		return 0, err
	}
	for _, node := range candidates {
		if node.IsRemoved() || !pass.Pattern.AcceptsRoot(node) {
			continue
		}
		match, ok := pass.Pattern.Match(node)
		if !ok {
			continue
		}
		name := node.String()
		done, err := m.apply(g, pass, match)
		if err != nil {
			return applied, errors.WithMessagef(err, "rewrite rooted at %s", name)
		}
		if done {
			applied++
			klog.V(2).Infof("rewrite pass %q applied at %s", pass.Name, name)
		}
	}
	return applied, nil
}

// apply runs the callback on the match, and re-infers the nodes it touched.
func (m *Manager) apply(g *graph.Graph, pass *Pass, match *pattern.Match) (applied bool, err error) {
	generation := g.Generation()
	results := g.Results()
	err = exceptions.TryCatch[error](func() { applied = pass.Callback(match) })
	match.Invalidate()
	if err != nil {
		return false, errors.WithMessagef(err, "callback panicked")
	}
	touched := g.TakeTouched()
	if !applied {
		if len(touched) > 0 {
			return false, errors.Wrapf(ErrPartialRewrite, "nodes %v were created or re-wired", touched)
		}
		// Rolled back nodes bump the generation, so results are compared instead.
		if g.Generation() != generation && !slices.Equal(results, g.Results()) {
			return false, errors.Wrapf(ErrPartialRewrite, "results of graph %q changed from %v to %v",
				g.Name(), results, g.Results())
		}
		return false, nil
	}
	if g.Generation() == generation {
		klog.Warningf("rewrite pass %q reported an applied rewrite without modifying graph %q", pass.Name, g.Name())
	}
	if m.removeUnreachable {
		if n := g.RemoveUnreachable(); n > 0 {
			klog.V(2).Infof("removed %d unreachable nodes from graph %q", n, g.Name())
		}
		touched = liveNodes(touched)
	}
	if err := m.engine.Propagate(g, touched); err != nil {
		return true, err
	}
	return true, nil
}

func liveNodes(nodes []*graph.Node) []*graph.Node {
	live := nodes[:0]
	for _, node := range nodes {
		if !node.IsRemoved() {
			live = append(live, node)
		}
	}
	return live
}
