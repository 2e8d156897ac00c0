// Package shapeinference propagates element types and shapes through a graph.Graph.
//
// Each node kind has an InferenceFn, selected from a global registry (see Register) or from per-engine overrides
// (see Engine.WithInference). The Engine drives them in topological order over the "dirty" nodes, and handles
// the fixed-point iteration needed by control-flow nodes whose bodies have back-edges.
//
// Inference functions are monotonic: refining the shapes of the inputs never yields a less specific output.
package shapeinference

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphpass/graph"
	"github.com/gomlx/graphpass/shapes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrNoInferenceFunction is returned (wrapped) when a node's kind has no registered inference function.
var ErrNoInferenceFunction = errors.New("no inference function registered")

// OutputType is the inferred element type and shape of one output port.
type OutputType struct {
	DType dtypes.DType
	Shape shapes.Shape
}

// TypeOf returns the current OutputType of an output.
func TypeOf(o graph.Output) OutputType {
	return OutputType{DType: o.DType(), Shape: o.Shape()}
}

// InferenceFn returns the type of each output of the node, given the current types of its inputs.
//
// It must only read the node's inputs and attributes, and it must not modify the graph: the exception are
// control-flow kinds, which own their bodies and may re-infer them.
// Errors are reported tied to the node by the Engine. Panics (e.g. from exceptions.Panicf) are caught and
// reported as errors.
type InferenceFn func(e *Engine, node *graph.Node) ([]OutputType, error)

var registry = make(map[graph.Kind]InferenceFn)

// Register sets the inference function used by every Engine for the given kind, replacing any previous one.
//
// It is meant to be called during initialization (in an init function): it is not safe to call concurrently
// with inference.
func Register(kind graph.Kind, fn InferenceFn) {
	registry[kind] = fn
}

// Engine runs shape inference. Configure it with the With* methods before use.
//
// An Engine can be used concurrently on different graphs.
type Engine struct {
	overrides         map[graph.Kind]InferenceFn
	parallelism       int
	maxBodyIterations int

	muIterations   sync.Mutex
	bodyIterations map[*graph.Node]int
}

// New creates an Engine using the global registry, sequential by default.
func New() *Engine {
	return &Engine{
		overrides:      make(map[graph.Kind]InferenceFn),
		parallelism:    1,
		bodyIterations: make(map[*graph.Node]int),
	}
}

// WithParallelism sets the maximum number of nodes of one topological level inferred concurrently.
// Values <= 1 mean sequential inference.
func (e *Engine) WithParallelism(n int) *Engine {
	e.parallelism = max(n, 1)
	return e
}

// WithMaxBodyIterations sets the iteration ceiling of the fixed-point inference of bodies with back-edges.
// The default (0) uses the number of nodes of the body.
func (e *Engine) WithMaxBodyIterations(n int) *Engine {
	e.maxBodyIterations = max(n, 0)
	return e
}

// WithInference overrides the inference function of a kind for this Engine only.
func (e *Engine) WithInference(kind graph.Kind, fn InferenceFn) *Engine {
	e.overrides[kind] = fn
	return e
}

func (e *Engine) lookup(kind graph.Kind) InferenceFn {
	if fn, found := e.overrides[kind]; found {
		return fn
	}
	return registry[kind]
}

// BodyIterations returns the number of iterations the last fixed-point inference of the control-flow node needed,
// or 0 if it was never inferred by this Engine.
func (e *Engine) BodyIterations(node *graph.Node) int {
	e.muIterations.Lock()
	defer e.muIterations.Unlock()
	return e.bodyIterations[node]
}

func (e *Engine) setBodyIterations(node *graph.Node, iterations int) {
	e.muIterations.Lock()
	defer e.muIterations.Unlock()
	e.bodyIterations[node] = iterations
}

// InferNode runs the inference function of the node and returns the types of its outputs, without setting them.
//
// Rewrites use it to validate a replacement before committing to it. Failures are *graph.ValidationError.
func (e *Engine) InferNode(node *graph.Node) ([]OutputType, error) {
	fn := e.lookup(node.Kind())
	if fn == nil {
		return nil, graph.NewValidationError(node, errors.Wrapf(ErrNoInferenceFunction, "kind %q", node.Kind()))
	}
	var types []OutputType
	var err error
	if panicErr := exceptions.TryCatch[error](func() { types, err = fn(e, node) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, graph.NewValidationError(node, err)
	}
	if len(types) != node.NumOutputs() {
		return nil, graph.NewValidationError(node, errors.Errorf("inference returned %d types for %d outputs",
			len(types), node.NumOutputs()))
	}
	return types, nil
}

// inferAndSet infers the node and sets its output types, returning whether any of them changed.
func (e *Engine) inferAndSet(node *graph.Node) (changed bool, err error) {
	types, err := e.InferNode(node)
	if err != nil {
		return false, err
	}
	for i, t := range types {
		o := node.Output(i)
		if o.DType() != t.DType || !o.Shape().Equal(t.Shape) {
			node.SetOutputType(i, t.DType, t.Shape)
			changed = true
		}
	}
	return changed, nil
}

// Propagate re-infers the dirty nodes in topological order, and marks the consumers of every node whose output
// types changed as dirty, until no node is dirty.
//
// The consumers of the given dirty nodes are always re-inferred, since their types may have been set directly
// (e.g. by graph.Graph.UpdateParameter).
func (e *Engine) Propagate(g *graph.Graph, dirty []*graph.Node) error {
	if len(dirty) == 0 {
		return nil
	}
	levels, err := g.TopologicalLevels()
	if err != nil {
		return err
	}
	dirtySet := sets.MakeWith(dirty...)
	given := sets.MakeWith(dirty...)
	var numInferred int
	for _, level := range levels {
		var todo []*graph.Node
		for _, node := range level {
			if dirtySet.Has(node) {
				todo = append(todo, node)
			}
		}
		if len(todo) == 0 {
			continue
		}
		changed, err := e.inferLevel(todo)
		if err != nil {
			return err
		}
		numInferred += len(todo)
		for i, node := range todo {
			if !changed[i] && !given.Has(node) {
				continue
			}
			for _, o := range node.Outputs() {
				for _, consumer := range o.Consumers() {
					dirtySet.Insert(consumer.Node())
				}
			}
		}
	}
	if klog.V(3).Enabled() {
		klog.Infof("shape inference of graph %q: %d nodes inferred", g.Name(), numInferred)
	}
	return nil
}

// inferLevel infers nodes that don't depend on each other, concurrently if configured so.
// The error returned is the one of the first failing node in the given order.
func (e *Engine) inferLevel(nodes []*graph.Node) (changed []bool, err error) {
	changed = make([]bool, len(nodes))
	if e.parallelism <= 1 || len(nodes) == 1 {
		for i, node := range nodes {
			changed[i], err = e.inferAndSet(node)
			if err != nil {
				return nil, err
			}
		}
		return changed, nil
	}

	errs := make([]error, len(nodes))
	var eg errgroup.Group
	eg.SetLimit(e.parallelism)
	for i, node := range nodes {
		eg.Go(func() error {
			changed[i], errs[i] = e.inferAndSet(node)
			return nil
		})
	}
	_ = eg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return changed, nil
}

// InferAndValidate infers every node of the graph, returning the first validation failure.
func (e *Engine) InferAndValidate(g *graph.Graph) error {
	return e.Propagate(g, g.Nodes())
}

// InferAndValidate infers every node of the graph with a default Engine.
func InferAndValidate(g *graph.Graph) error {
	return New().InferAndValidate(g)
}
