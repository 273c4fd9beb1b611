// Package graph runs state machines whose nodes read a shared state and
// return updates, with routing between nodes decided by plain or conditional
// edges. Compiled graphs checkpoint after every step and can be interrupted
// and resumed.
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/graph/checkpoint"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

// Reserved node names
const (
	START = "__start__"
	END   = "__end__"
)

// DefaultMaxSteps bounds a single invocation
const DefaultMaxSteps = 25

// NodeFunc returns an update for the state; the graph merges it with the reducer
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// Router picks the next branch key from the state
type Router[S any] func(ctx context.Context, state S) (string, error)

// Reducer merges a node update into the current state
type Reducer[S any] func(state, update S) S

type branch[S any] struct {
	router  Router[S]
	mapping map[string]string
}

// StateGraph is a graph under construction. Builder errors are collected and
// reported by Compile.
type StateGraph[S any] struct {
	name     string
	reducer  Reducer[S]
	nodes    map[string]NodeFunc[S]
	order    []string
	edges    map[string]string
	branches map[string]branch[S]
	errs     []error
}

// New starts a graph. A nil reducer replaces the state with each update.
func New[S any](name string, reducer Reducer[S]) *StateGraph[S] {
	if reducer == nil {
		reducer = func(_, update S) S { return update }
	}
	return &StateGraph[S]{
		name:     name,
		reducer:  reducer,
		nodes:    make(map[string]NodeFunc[S]),
		edges:    make(map[string]string),
		branches: make(map[string]branch[S]),
	}
}

func (g *StateGraph[S]) fail(format string, args ...any) *StateGraph[S] {
	g.errs = append(g.errs, fmt.Errorf(format, args...))
	return g
}

// AddNode registers fn under name
func (g *StateGraph[S]) AddNode(name string, fn NodeFunc[S]) *StateGraph[S] {
	switch {
	case name == "" || name == START || name == END:
		return g.fail("invalid node name %q", name)
	case fn == nil:
		return g.fail("node %q has no function", name)
	case g.nodes[name] != nil:
		return g.fail("node %q already exists", name)
	}
	g.nodes[name] = fn
	g.order = append(g.order, name)
	return g
}

// AddEdge always routes from -> to
func (g *StateGraph[S]) AddEdge(from, to string) *StateGraph[S] {
	if from == END {
		return g.fail("edges cannot leave %s", END)
	}
	if to == START {
		return g.fail("edges cannot enter %s", START)
	}
	if _, ok := g.edges[from]; ok {
		return g.fail("node %q already has an edge", from)
	}
	if _, ok := g.branches[from]; ok {
		return g.fail("node %q already has conditional edges", from)
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdges routes from -> mapping[router(state)]. A nil mapping
// means the router returns node names directly.
func (g *StateGraph[S]) AddConditionalEdges(from string, router Router[S], mapping map[string]string) *StateGraph[S] {
	if from == END {
		return g.fail("edges cannot leave %s", END)
	}
	if router == nil {
		return g.fail("conditional edges from %q have no router", from)
	}
	if _, ok := g.edges[from]; ok {
		return g.fail("node %q already has an edge", from)
	}
	if _, ok := g.branches[from]; ok {
		return g.fail("node %q already has conditional edges", from)
	}
	g.branches[from] = branch[S]{router: router, mapping: mapping}
	return g
}

// CompileOptions configure a compiled graph
type CompileOptions struct {
	// Checkpointer persists state after every step; nil keeps nothing
	Checkpointer checkpoint.Saver
	// InterruptBefore halts before these nodes until the thread is resumed
	InterruptBefore []string
	MaxSteps        int
	Logger          *zap.Logger
}

// Compile validates the graph
func (g *StateGraph[S]) Compile(opts CompileOptions) (*Compiled[S], error) {
	errs := slices.Clone(g.errs)
	exists := func(name string) bool { return name == END || g.nodes[name] != nil }

	if _, ok := g.edges[START]; !ok {
		if _, ok := g.branches[START]; !ok {
			errs = append(errs, fmt.Errorf("graph has no edge from %s", START))
		}
	}
	for _, from := range sortedKeys(g.edges) {
		to := g.edges[from]
		if from != START && g.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("edge from unknown node %q", from))
		}
		if !exists(to) {
			errs = append(errs, fmt.Errorf("edge %q -> unknown node %q", from, to))
		}
	}
	for _, from := range sortedKeys(g.branches) {
		if from != START && g.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("conditional edges from unknown node %q", from))
		}
		b := g.branches[from]
		for _, key := range sortedKeys(b.mapping) {
			if to := b.mapping[key]; !exists(to) {
				errs = append(errs, fmt.Errorf("branch %q of %q -> unknown node %q", key, from, to))
			}
		}
	}
	for _, name := range g.order {
		_, plain := g.edges[name]
		_, cond := g.branches[name]
		if !plain && !cond {
			errs = append(errs, fmt.Errorf("node %q has no outgoing edge", name))
		}
	}
	for _, name := range opts.InterruptBefore {
		if g.nodes[name] == nil {
			errs = append(errs, fmt.Errorf("interrupt before unknown node %q", name))
		}
	}
	if len(errs) > 0 {
		return nil, apperrors.Validation(fmt.Sprintf("invalid graph %s: %v", g.name, errors.Join(errs...)))
	}

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiled[S]{
		graph:     g,
		saver:     opts.Checkpointer,
		interrupt: opts.InterruptBefore,
		maxSteps:  maxSteps,
		log:       log.Named("graph").With(zap.String("graph", g.name)),
	}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// next resolves the node after from
func (g *StateGraph[S]) next(ctx context.Context, from string, state S) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	b, ok := g.branches[from]
	if !ok {
		return "", fmt.Errorf("node %q has no outgoing edge", from)
	}
	key, err := b.router(ctx, state)
	if err != nil {
		return "", fmt.Errorf("route from %q: %w", from, err)
	}
	to := key
	if b.mapping != nil {
		mapped, ok := b.mapping[key]
		if !ok {
			return "", fmt.Errorf("route from %q: no branch for %q", from, key)
		}
		to = mapped
	}
	if to != END && g.nodes[to] == nil {
		return "", fmt.Errorf("route from %q: unknown node %q", from, to)
	}
	return to, nil
}

// NodeInterrupt halts execution before the state update of Node is applied.
// The thread resumes at Node.
type NodeInterrupt struct {
	Node   string
	Reason string
}

// Interrupt returns the error a node returns to wait for human input
func Interrupt(reason string) *NodeInterrupt {
	return &NodeInterrupt{Reason: reason}
}

func (e *NodeInterrupt) Error() string {
	if e.Node == "" {
		return "interrupted: " + e.Reason
	}
	return fmt.Sprintf("interrupted at %s: %s", e.Node, e.Reason)
}

// Unwrap lets apperrors.IsInterrupted recognise the interrupt
func (e *NodeInterrupt) Unwrap() error {
	return apperrors.Interrupted(e.Reason)
}

// AsInterrupt reports whether err is an interrupt
func AsInterrupt(err error) (*NodeInterrupt, bool) {
	var ni *NodeInterrupt
	if errors.As(err, &ni) {
		return ni, true
	}
	return nil, false
}
