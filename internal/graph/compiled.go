package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/graph/checkpoint"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/metrics"
)

// Run metadata keys set on graph and node runs
const (
	MetaThreadID = "thread_id"
	MetaStep     = "step"
)

// RunConfig configures one invocation
type RunConfig struct {
	// ThreadID names the checkpointed thread; required with a checkpointer
	ThreadID  string
	Callbacks []callbacks.Handler
	Metadata  map[string]any
	Tags      map[string]string
}

// Step is emitted after each node runs
type Step[S any] struct {
	Step  int
	Node  string
	Next  string
	State S
}

// Snapshot is the saved state of a thread
type Snapshot[S any] struct {
	ThreadID  string
	Step      int
	Node      string
	Next      string
	Interrupt string
	State     S
}

// Done reports whether the thread reached END
func (s Snapshot[S]) Done() bool { return s.Next == END }

// Compiled is an executable graph, safe for concurrent use across threads
type Compiled[S any] struct {
	graph     *StateGraph[S]
	saver     checkpoint.Saver
	interrupt []string
	maxSteps  int
	log       *zap.Logger
}

// Name returns the graph name
func (c *Compiled[S]) Name() string { return c.graph.name }

// Invoke runs the graph from START to END
func (c *Compiled[S]) Invoke(ctx context.Context, input S, cfg RunConfig) (S, error) {
	return c.Stream(ctx, input, cfg, nil)
}

// Stream runs the graph, calling fn after every node. An error from fn stops
// the run. When the thread has a checkpoint, input is merged into its state
// with the reducer, so a thread carries its conversation across invocations.
func (c *Compiled[S]) Stream(ctx context.Context, input S, cfg RunConfig, fn func(Step[S]) error) (S, error) {
	state, step := input, 0
	if c.saver != nil {
		if cfg.ThreadID == "" {
			return state, apperrors.Validation("thread id is required with a checkpointer")
		}
		cp, err := c.saver.Latest(ctx, cfg.ThreadID)
		switch {
		case err == nil:
			if cp.Interrupt != "" {
				return state, apperrors.Validation(fmt.Sprintf("thread %q is interrupted at %s, resume it", cfg.ThreadID, cp.Next))
			}
			prev, err := decodeState[S](cp.State)
			if err != nil {
				return state, err
			}
			state, step = c.graph.reducer(prev, input), cp.Step+1
		case !apperrors.IsNotFound(err):
			return state, err
		}
	}
	return c.run(ctx, cfg, state, START, step, "", fn)
}

// Resume continues an interrupted thread from the node it halted at. A
// non-nil update is merged into the saved state first.
func (c *Compiled[S]) Resume(ctx context.Context, threadID string, update *S, cfg RunConfig) (S, error) {
	var zero S
	if c.saver == nil {
		return zero, apperrors.Validation("resume needs a checkpointer")
	}
	cp, err := c.saver.Latest(ctx, threadID)
	if err != nil {
		return zero, err
	}
	state, err := decodeState[S](cp.State)
	if err != nil {
		return zero, err
	}
	if cp.Next == END || cp.Next == "" {
		return state, apperrors.Validation(fmt.Sprintf("thread %q already finished", threadID))
	}
	if update != nil {
		state = c.graph.reducer(state, *update)
	}
	cfg.ThreadID = threadID
	return c.run(ctx, cfg, state, cp.Next, cp.Step+1, cp.Next, nil)
}

// GetState returns the latest snapshot of a thread
func (c *Compiled[S]) GetState(ctx context.Context, threadID string) (Snapshot[S], error) {
	if c.saver == nil {
		return Snapshot[S]{}, apperrors.Validation("state needs a checkpointer")
	}
	cp, err := c.saver.Latest(ctx, threadID)
	if err != nil {
		return Snapshot[S]{}, err
	}
	return snapshot[S](cp)
}

// History returns every snapshot of a thread, oldest first
func (c *Compiled[S]) History(ctx context.Context, threadID string) ([]Snapshot[S], error) {
	if c.saver == nil {
		return nil, apperrors.Validation("history needs a checkpointer")
	}
	cps, err := c.saver.List(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot[S], 0, len(cps))
	for _, cp := range cps {
		s, err := snapshot[S](cp)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func snapshot[S any](cp checkpoint.Checkpoint) (Snapshot[S], error) {
	state, err := decodeState[S](cp.State)
	if err != nil {
		return Snapshot[S]{}, err
	}
	return Snapshot[S]{
		ThreadID:  cp.ThreadID,
		Step:      cp.Step,
		Node:      cp.Node,
		Next:      cp.Next,
		Interrupt: cp.Interrupt,
		State:     state,
	}, nil
}

// run executes from node current; resumed is exempt from InterruptBefore once
func (c *Compiled[S]) run(ctx context.Context, cfg RunConfig, state S, current string, step int, resumed string, fn func(Step[S]) error) (S, error) {
	ctx = callbacks.WithHandlers(ctx, cfg.Callbacks...)
	log := c.log
	meta := maps.Clone(cfg.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	if cfg.ThreadID != "" {
		log = log.With(zap.String("thread_id", cfg.ThreadID))
		meta[MetaThreadID] = cfg.ThreadID
	}

	run := callbacks.NewRun(ctx, c.graph.name, callbacks.KindGraph, meta)
	run.Tags = cfg.Tags
	h := callbacks.Resolve(ctx)
	if h != nil {
		h.OnChainStart(ctx, run, asMap(state))
	}
	ctx = callbacks.WithParent(ctx, run.ID)

	fail := func(err error) (S, error) {
		if h != nil {
			h.OnChainError(ctx, run, err)
		}
		return state, err
	}

	last := START
	if current == START {
		next, err := c.graph.next(ctx, START, state)
		if err != nil {
			return fail(err)
		}
		current = next
	}

	for executed := 0; current != END; executed++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if executed >= c.maxSteps {
			return fail(fmt.Errorf("graph %s exceeded %d steps without reaching %s", c.graph.name, c.maxSteps, END))
		}
		if current != resumed && slices.Contains(c.interrupt, current) {
			ni := &NodeInterrupt{Node: current, Reason: "interrupt before " + current}
			return c.halt(ctx, cfg, log, state, step, last, ni, fail)
		}
		resumed = ""

		update, err := c.node(ctx, h, current, step, state)
		if ni, ok := AsInterrupt(err); ok {
			ni.Node = current
			return c.halt(ctx, cfg, log, state, step, last, ni, fail)
		}
		if err != nil {
			log.Warn("node failed", zap.String("node", current), zap.Error(err))
			return fail(fmt.Errorf("node %s: %w", current, err))
		}
		state = c.graph.reducer(state, update)
		metrics.RecordNodeRun(c.graph.name, current)

		next, err := c.graph.next(ctx, current, state)
		if err != nil {
			return fail(err)
		}
		if err := c.save(ctx, cfg.ThreadID, checkpoint.Checkpoint{Step: step, Node: current, Next: next}, state); err != nil {
			return fail(err)
		}
		log.Debug("node finished", zap.String("node", current), zap.String("next", next), zap.Int("step", step))
		if fn != nil {
			if err := fn(Step[S]{Step: step, Node: current, Next: next, State: state}); err != nil {
				return fail(err)
			}
		}
		last, current = current, next
		step++
	}

	if h != nil {
		h.OnChainEnd(ctx, run, asMap(state))
	}
	return state, nil
}

// halt checkpoints an interrupted thread so Resume can pick it up at ni.Node
func (c *Compiled[S]) halt(ctx context.Context, cfg RunConfig, log *zap.Logger, state S, step int, last string, ni *NodeInterrupt, fail func(error) (S, error)) (S, error) {
	if err := c.save(ctx, cfg.ThreadID, checkpoint.Checkpoint{Step: step, Node: last, Next: ni.Node, Interrupt: ni.Reason}, state); err != nil {
		return fail(err)
	}
	log.Info("graph interrupted", zap.String("node", ni.Node), zap.String("reason", ni.Reason))
	return fail(ni)
}

// node runs one node inside a node-kind run
func (c *Compiled[S]) node(ctx context.Context, h callbacks.Handler, name string, step int, state S) (S, error) {
	run := callbacks.NewRun(ctx, name, callbacks.KindNode, map[string]any{MetaStep: step})
	if h != nil {
		h.OnChainStart(ctx, run, asMap(state))
	}
	update, err := c.graph.nodes[name](callbacks.WithParent(ctx, run.ID), state)
	if h != nil {
		if err != nil {
			h.OnChainError(ctx, run, err)
		} else {
			h.OnChainEnd(ctx, run, asMap(update))
		}
	}
	return update, err
}

func (c *Compiled[S]) save(ctx context.Context, threadID string, cp checkpoint.Checkpoint, state S) error {
	if c.saver == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	cp.ThreadID = threadID
	cp.State = raw
	return c.saver.Put(ctx, cp)
}

func decodeState[S any](raw json.RawMessage) (S, error) {
	var s S
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode state: %w", err)
	}
	return s, nil
}

// asMap renders state for callbacks: JSON objects become maps, anything else
// is stored under "input"
func asMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"input": fmt.Sprint(v)}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"input": string(raw)}
	}
	return m
}
