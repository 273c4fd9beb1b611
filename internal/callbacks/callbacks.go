// Package callbacks carries execution events from models, chains, graphs
// and tools to observers such as the Maxim tracer.
package callbacks

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
)

// Kind distinguishes chain-shaped runs
type Kind string

const (
	KindChain     Kind = "chain"
	KindGraph     Kind = "graph"
	KindNode      Kind = "node"
	KindLLM       Kind = "llm"
	KindTool      Kind = "tool"
	KindRetriever Kind = "retriever"
)

// Run identifies one execution; ParentID links it to the enclosing run
type Run struct {
	ID       string
	ParentID string
	Name     string
	Kind     Kind
	Metadata map[string]any
	Tags     map[string]string
}

// Handler observes runs. Node events arrive as chain events with Kind KindNode.
type Handler interface {
	OnChainStart(ctx context.Context, run Run, inputs map[string]any)
	OnChainEnd(ctx context.Context, run Run, outputs map[string]any)
	OnChainError(ctx context.Context, run Run, err error)

	OnLLMStart(ctx context.Context, run Run, req llm.Request)
	OnLLMEnd(ctx context.Context, run Run, resp *llm.Response)
	OnLLMError(ctx context.Context, run Run, err error)

	OnToolStart(ctx context.Context, run Run, input string)
	OnToolEnd(ctx context.Context, run Run, output string)
	OnToolError(ctx context.Context, run Run, err error)

	OnRetrieverStart(ctx context.Context, run Run, query string)
	OnRetrieverEnd(ctx context.Context, run Run, docs []string)
}

// Base implements Handler with no-ops; embed it to handle a subset of events
type Base struct{}

func (Base) OnChainStart(context.Context, Run, map[string]any) {}
func (Base) OnChainEnd(context.Context, Run, map[string]any) {}
func (Base) OnChainError(context.Context, Run, error) {}
func (Base) OnLLMStart(context.Context, Run, llm.Request) {}
func (Base) OnLLMEnd(context.Context, Run, *llm.Response) {}
func (Base) OnLLMError(context.Context, Run, error) {}
func (Base) OnToolStart(context.Context, Run, string) {}
func (Base) OnToolEnd(context.Context, Run, string) {}
func (Base) OnToolError(context.Context, Run, error) {}
func (Base) OnRetrieverStart(context.Context, Run, string) {}
func (Base) OnRetrieverEnd(context.Context, Run, []string) {}

// Multi fans every event out to each handler in order
type Multi []Handler

func (m Multi) OnChainStart(ctx context.Context, run Run, inputs map[string]any) {
	for _, h := range m {
		h.OnChainStart(ctx, run, inputs)
	}
}

func (m Multi) OnChainEnd(ctx context.Context, run Run, outputs map[string]any) {
	for _, h := range m {
		h.OnChainEnd(ctx, run, outputs)
	}
}

func (m Multi) OnChainError(ctx context.Context, run Run, err error) {
	for _, h := range m {
		h.OnChainError(ctx, run, err)
	}
}

func (m Multi) OnLLMStart(ctx context.Context, run Run, req llm.Request) {
	for _, h := range m {
		h.OnLLMStart(ctx, run, req)
	}
}

func (m Multi) OnLLMEnd(ctx context.Context, run Run, resp *llm.Response) {
	for _, h := range m {
		h.OnLLMEnd(ctx, run, resp)
	}
}

func (m Multi) OnLLMError(ctx context.Context, run Run, err error) {
	for _, h := range m {
		h.OnLLMError(ctx, run, err)
	}
}

func (m Multi) OnToolStart(ctx context.Context, run Run, input string) {
	for _, h := range m {
		h.OnToolStart(ctx, run, input)
	}
}

func (m Multi) OnToolEnd(ctx context.Context, run Run, output string) {
	for _, h := range m {
		h.OnToolEnd(ctx, run, output)
	}
}

func (m Multi) OnToolError(ctx context.Context, run Run, err error) {
	for _, h := range m {
		h.OnToolError(ctx, run, err)
	}
}

func (m Multi) OnRetrieverStart(ctx context.Context, run Run, query string) {
	for _, h := range m {
		h.OnRetrieverStart(ctx, run, query)
	}
}

func (m Multi) OnRetrieverEnd(ctx context.Context, run Run, docs []string) {
	for _, h := range m {
		h.OnRetrieverEnd(ctx, run, docs)
	}
}

type ctxKey int

const (
	parentKey ctxKey = iota
	handlersKey
)

// WithParent marks run as the parent of runs started under ctx
func WithParent(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, parentKey, runID)
}

// ParentFromContext returns the enclosing run id, or ""
func ParentFromContext(ctx context.Context) string {
	id, _ := ctx.Value(parentKey).(string)
	return id
}

// WithHandlers attaches handlers that inner components report to in addition to their own
func WithHandlers(ctx context.Context, hs ...Handler) context.Context {
	if len(hs) == 0 {
		return ctx
	}
	existing := HandlersFromContext(ctx)
	merged := make([]Handler, 0, len(existing)+len(hs))
	merged = append(merged, existing...)
	merged = append(merged, hs...)
	return context.WithValue(ctx, handlersKey, merged)
}

// HandlersFromContext returns the handlers attached to ctx
func HandlersFromContext(ctx context.Context) []Handler {
	hs, _ := ctx.Value(handlersKey).([]Handler)
	return hs
}

// Resolve combines the component's own handlers with those attached to ctx.
// A handler reachable both ways is notified once. It returns nil when there
// is nothing to notify.
func Resolve(ctx context.Context, own ...Handler) Handler {
	all := append(append([]Handler(nil), HandlersFromContext(ctx)...), own...)
	var out Multi
	for _, h := range all {
		if h != nil && !contains(out, h) {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func contains(hs []Handler, h Handler) bool {
	if !reflect.TypeOf(h).Comparable() {
		return false
	}
	for _, o := range hs {
		if reflect.TypeOf(o) == reflect.TypeOf(h) && o == h {
			return true
		}
	}
	return false
}

// NewRun creates a run under the parent recorded in ctx
func NewRun(ctx context.Context, name string, kind Kind, metadata map[string]any) Run {
	return Run{
		ID:       uuid.New().String(),
		ParentID: ParentFromContext(ctx),
		Name:     name,
		Kind:     kind,
		Metadata: metadata,
	}
}
