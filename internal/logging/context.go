package logging

import (
	"context"
	"maps"
)

type contextKey int

const (
	traceKey contextKey = iota
	spanKey
	tagsKey
	loggerKey
)

// WithTrace returns a new context carrying the trace.
func WithTrace(ctx context.Context, trace *Trace) context.Context {
	return context.WithValue(ctx, traceKey, trace)
}

// TraceFromContext returns the trace in ctx, or nil.
func TraceFromContext(ctx context.Context) *Trace {
	if trace, ok := ctx.Value(traceKey).(*Trace); ok {
		return trace
	}
	return nil
}

// WithSpan returns a new context carrying the span.
func WithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanKey, span)
}

// SpanFromContext returns the span in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanKey).(*Span); ok {
		return span
	}
	return nil
}

// ContainerFromContext returns the innermost span, else the trace, else nil.
func ContainerFromContext(ctx context.Context) Container {
	if span := SpanFromContext(ctx); span != nil {
		return span
	}
	if trace := TraceFromContext(ctx); trace != nil {
		return trace
	}
	return nil
}

// WithTags adds tags to ctx; they are merged over any tags already present.
func WithTags(ctx context.Context, tags map[string]string) context.Context {
	merged := maps.Clone(TagsFromContext(ctx))
	if merged == nil {
		merged = make(map[string]string, len(tags))
	}
	maps.Copy(merged, tags)
	return context.WithValue(ctx, tagsKey, merged)
}

// TagsFromContext returns the tags in ctx, or nil.
func TagsFromContext(ctx context.Context) map[string]string {
	if tags, ok := ctx.Value(tagsKey).(map[string]string); ok {
		return tags
	}
	return nil
}

// WithLogger returns a new context carrying the logger.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger in ctx, or nil.
func LoggerFromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return nil
}

// StartSpan adds a span to the innermost container in ctx and returns a context carrying it.
// With no trace in ctx it returns nil and ctx unchanged.
func StartSpan(ctx context.Context, cfg SpanConfig) (*Span, context.Context) {
	parent := ContainerFromContext(ctx)
	if parent == nil {
		return nil, ctx
	}
	span := parent.AddSpan(cfg)
	return span, WithSpan(ctx, span)
}
