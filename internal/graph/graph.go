// Package graph is a small state-typed graph executor. Nodes transform
// a shared state value, edges carry optional predicates over that
// state, and traversal is bounded by a hard global step ceiling so a
// miswired loop predicate can never spin forever.
package graph

import (
	"context"
	"errors"
	"fmt"
)

// DefaultStepCeiling bounds total node executions per run. Loop-bearing
// graphs stay far under this; hitting it means a predicate is wrong.
const DefaultStepCeiling = 50

// ErrStepCeiling is returned (wrapped) when traversal exceeds the step
// ceiling.
var ErrStepCeiling = errors.New("graph step ceiling exceeded")

// Status is the contract every graph state must satisfy. A state that
// reports Failed carries a sticky error: traversal halts and no further
// node bodies run. Implementations never clear the error once set.
type Status interface {
	Failed() bool
	FailureMessage() string
}

// NodeFn transforms the state. Returning a non-nil error halts
// traversal immediately; setting the state's sticky error halts it
// after edge bookkeeping.
type NodeFn[S Status] func(ctx context.Context, s S) (S, error)

// Predicate gates an edge. A nil predicate is unconditional.
type Predicate[S Status] func(S) bool

// Edge is a directed transition. Outgoing edges are evaluated in
// declaration order; the first match wins.
type Edge[S Status] struct {
	From string
	To   string
	When Predicate[S]
}

// Definition is an immutable graph: named nodes, ordered edges, one
// entry node.
type Definition[S Status] struct {
	Entry string
	Nodes map[string]NodeFn[S]
	Edges []Edge[S]
}

// Validate checks structural consistency before a run.
func (d Definition[S]) Validate() error {
	if d.Entry == "" {
		return fmt.Errorf("graph: entry node is required")
	}
	if _, ok := d.Nodes[d.Entry]; !ok {
		return fmt.Errorf("graph: entry node %q is not defined", d.Entry)
	}
	for i, e := range d.Edges {
		if _, ok := d.Nodes[e.From]; !ok {
			return fmt.Errorf("graph: edge %d references unknown source %q", i, e.From)
		}
		if _, ok := d.Nodes[e.To]; !ok {
			return fmt.Errorf("graph: edge %d references unknown target %q", i, e.To)
		}
	}
	return nil
}

// Options tunes a single run.
type Options struct {
	// StepCeiling overrides DefaultStepCeiling when > 0.
	StepCeiling int
	// Progress, when non-nil, receives an event per node execution and
	// edge selection.
	Progress func(map[string]any)
}

// Run traverses the graph from the entry node until a terminal node
// (no matching outgoing edge), a sticky state error, a node error, ctx
// cancellation, or the step ceiling. The (possibly failed) state is
// always returned so callers can inspect partial progress.
func Run[S Status](ctx context.Context, def Definition[S], initial S, opts Options) (S, error) {
	s := initial
	if err := def.Validate(); err != nil {
		return s, err
	}
	ceiling := opts.StepCeiling
	if ceiling <= 0 {
		ceiling = DefaultStepCeiling
	}

	current := def.Entry
	for step := 1; ; step++ {
		if step > ceiling {
			return s, fmt.Errorf("%w: %d steps at node %q", ErrStepCeiling, ceiling, current)
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}
		if s.Failed() {
			// Sticky error set by a previous node; nothing else runs.
			return s, nil
		}

		fn, ok := def.Nodes[current]
		if !ok {
			return s, fmt.Errorf("graph: node %q is not defined", current)
		}
		emit(opts, map[string]any{"event": "node_started", "node": current, "step": step})

		next, err := fn(ctx, s)
		if err != nil {
			emit(opts, map[string]any{"event": "node_failed", "node": current, "step": step, "error": err.Error()})
			return s, fmt.Errorf("graph: node %q: %w", current, err)
		}
		s = next
		emit(opts, map[string]any{"event": "node_finished", "node": current, "step": step, "failed": s.Failed()})
		if s.Failed() {
			return s, nil
		}

		to, found := selectEdge(def.Edges, current, s)
		if !found {
			return s, nil
		}
		emit(opts, map[string]any{"event": "edge_selected", "from": current, "to": to})
		current = to
	}
}

// selectEdge returns the target of the first outgoing edge from node
// whose predicate passes.
func selectEdge[S Status](edges []Edge[S], node string, s S) (string, bool) {
	for _, e := range edges {
		if e.From != node {
			continue
		}
		if e.When == nil || e.When(s) {
			return e.To, true
		}
	}
	return "", false
}

func emit(opts Options, ev map[string]any) {
	if opts.Progress != nil {
		opts.Progress(ev)
	}
}
