// Package chain composes prompt templates, chat models, output parsers and
// tools into runnables that report to callback handlers.
package chain

import (
	"context"
	"fmt"
	"maps"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
)

// Runnable is one step of a chain
type Runnable[I, O any] interface {
	Invoke(ctx context.Context, in I, opts ...Option) (O, error)
}

// Option configures one invocation
type Option func(*RunConfig)

// RunConfig is the resolved invocation config
type RunConfig struct {
	Callbacks []callbacks.Handler
	// Metadata reaches every run started under the invocation, model runs included
	Metadata map[string]any
	Tags     map[string]string
	RunName  string
}

// WithCallbacks reports the invocation, and everything under it, to hs
func WithCallbacks(hs ...callbacks.Handler) Option {
	return func(c *RunConfig) { c.Callbacks = append(c.Callbacks, hs...) }
}

// WithMetadata adds run metadata such as tracer.MetaGenerationName
func WithMetadata(meta map[string]any) Option {
	return func(c *RunConfig) {
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		maps.Copy(c.Metadata, meta)
	}
}

func WithTags(tags map[string]string) Option {
	return func(c *RunConfig) {
		if c.Tags == nil {
			c.Tags = map[string]string{}
		}
		maps.Copy(c.Tags, tags)
	}
}

// WithRunName overrides the name of the outermost run
func WithRunName(name string) Option {
	return func(c *RunConfig) { c.RunName = name }
}

func resolve(opts []Option) RunConfig {
	var c RunConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}

type metadataKey struct{}

// withMetadata merges meta into the metadata inherited by inner runs
func withMetadata(ctx context.Context, meta map[string]any) context.Context {
	if len(meta) == 0 {
		return ctx
	}
	merged := maps.Clone(MetadataFromContext(ctx))
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, meta)
	return context.WithValue(ctx, metadataKey{}, merged)
}

// MetadataFromContext returns the metadata inherited from enclosing invocations
func MetadataFromContext(ctx context.Context) map[string]any {
	meta, _ := ctx.Value(metadataKey{}).(map[string]any)
	return meta
}

// startRun opens a chain-kind run: it attaches the invocation callbacks and
// metadata to ctx and returns the context inner steps must use.
func startRun(ctx context.Context, name string, kind callbacks.Kind, cfg RunConfig, inputs map[string]any) (context.Context, callbacks.Run, callbacks.Handler) {
	if cfg.RunName != "" {
		name = cfg.RunName
	}
	ctx = callbacks.WithHandlers(ctx, cfg.Callbacks...)
	ctx = withMetadata(ctx, cfg.Metadata)

	run := callbacks.NewRun(ctx, name, kind, maps.Clone(MetadataFromContext(ctx)))
	run.Tags = cfg.Tags
	h := callbacks.Resolve(ctx)
	if h != nil {
		h.OnChainStart(ctx, run, inputs)
	}
	return callbacks.WithParent(ctx, run.ID), run, h
}

// Sequence is two runnables composed with Pipe
type Sequence[I, M, O any] struct {
	name   string
	first  Runnable[I, M]
	second Runnable[M, O]
}

// Pipe composes first and second into one runnable reported as a single chain run
func Pipe[I, M, O any](name string, first Runnable[I, M], second Runnable[M, O]) *Sequence[I, M, O] {
	return &Sequence[I, M, O]{name: name, first: first, second: second}
}

// Pipe3 composes three runnables, the usual prompt, model and parser
func Pipe3[I, A, B, O any](name string, first Runnable[I, A], second Runnable[A, B], third Runnable[B, O]) *Sequence[I, B, O] {
	return Pipe(name, Runnable[I, B](steps[I, A, B]{first, second}), third)
}

// steps chains two runnables without a run of its own
type steps[I, M, O any] struct {
	first  Runnable[I, M]
	second Runnable[M, O]
}

func (s steps[I, M, O]) Invoke(ctx context.Context, in I, _ ...Option) (O, error) {
	var zero O
	mid, err := s.first.Invoke(ctx, in)
	if err != nil {
		return zero, err
	}
	return s.second.Invoke(ctx, mid)
}

// Invoke runs both steps under one chain run
func (s *Sequence[I, M, O]) Invoke(ctx context.Context, in I, opts ...Option) (O, error) {
	var zero O
	ctx, run, h := startRun(ctx, s.name, callbacks.KindChain, resolve(opts), inputs(in))

	mid, err := s.first.Invoke(ctx, in)
	if err == nil {
		var out O
		out, err = s.second.Invoke(ctx, mid)
		if err == nil {
			if h != nil {
				h.OnChainEnd(ctx, run, outputs(out))
			}
			return out, nil
		}
	}
	if h != nil {
		h.OnChainError(ctx, run, err)
	}
	return zero, fmt.Errorf("%s: %w", s.name, err)
}

// Func adapts a function into a runnable with a chain run of its own
type Func[I, O any] struct {
	name string
	fn   func(ctx context.Context, in I) (O, error)
}

// Lambda wraps fn as a named runnable
func Lambda[I, O any](name string, fn func(ctx context.Context, in I) (O, error)) *Func[I, O] {
	return &Func[I, O]{name: name, fn: fn}
}

func (f *Func[I, O]) Invoke(ctx context.Context, in I, opts ...Option) (O, error) {
	ctx, run, h := startRun(ctx, f.name, callbacks.KindChain, resolve(opts), inputs(in))
	out, err := f.fn(ctx, in)
	if h != nil {
		if err != nil {
			h.OnChainError(ctx, run, err)
		} else {
			h.OnChainEnd(ctx, run, outputs(out))
		}
	}
	return out, err
}

// inputs renders a chain input for callbacks. Maps pass through, anything else lands under "input".
func inputs(v any) map[string]any {
	switch in := v.(type) {
	case map[string]any:
		return in
	case Values:
		return in
	case nil:
		return nil
	default:
		return map[string]any{"input": render(v)}
	}
}

func outputs(v any) map[string]any {
	switch out := v.(type) {
	case map[string]any:
		return out
	case nil:
		return nil
	default:
		return map[string]any{"output": render(v)}
	}
}
