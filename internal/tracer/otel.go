package tracer

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
)

const instrumentationName = "github.com/whoshyam/maxim-cookbooks/internal/tracer"

// StdoutConfig configures NewStdoutProvider
type StdoutConfig struct {
	ServiceName string
	PrettyPrint bool
	Writer      io.Writer
	// Sync exports each span as it ends instead of batching
	Sync bool
}

// NewStdoutProvider builds a tracer provider exporting spans as JSON to a writer
func NewStdoutProvider(cfg StdoutConfig) (*sdktrace.TracerProvider, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "maxim-cookbooks"
	}
	export := sdktrace.WithBatcher(exp)
	if cfg.Sync {
		export = sdktrace.WithSyncer(exp)
	}
	return sdktrace.NewTracerProvider(
		export,
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	), nil
}

type otelRun struct {
	ctx  context.Context
	span trace.Span
}

// OTelHandler mirrors callback runs as OpenTelemetry spans.
// Child runs become child spans of their parent run's span.
type OTelHandler struct {
	tracer trace.Tracer

	mu   sync.Mutex
	runs map[string]otelRun
}

var _ callbacks.Handler = (*OTelHandler)(nil)

// NewOTelHandler creates a handler using tp
func NewOTelHandler(tp trace.TracerProvider) *OTelHandler {
	return &OTelHandler{
		tracer: tp.Tracer(instrumentationName),
		runs:   make(map[string]otelRun),
	}
}

func (h *OTelHandler) start(ctx context.Context, run callbacks.Run, attrs ...attribute.KeyValue) {
	h.mu.Lock()
	parent, ok := h.runs[run.ParentID]
	h.mu.Unlock()
	if ok {
		ctx = parent.ctx
	}

	attrs = append(attrs,
		attribute.String("run.id", run.ID),
		attribute.String("run.kind", string(run.Kind)),
	)
	for k, v := range run.Tags {
		attrs = append(attrs, attribute.String("tag."+k, v))
	}
	spanCtx, span := h.tracer.Start(ctx, run.Name, trace.WithAttributes(attrs...))

	h.mu.Lock()
	h.runs[run.ID] = otelRun{ctx: spanCtx, span: span}
	h.mu.Unlock()
}

func (h *OTelHandler) finish(run callbacks.Run, err error, attrs ...attribute.KeyValue) {
	h.mu.Lock()
	r, ok := h.runs[run.ID]
	delete(h.runs, run.ID)
	h.mu.Unlock()
	if !ok {
		return
	}
	if len(attrs) > 0 {
		r.span.SetAttributes(attrs...)
	}
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	} else {
		r.span.SetStatus(codes.Ok, "")
	}
	r.span.End()
}

func (h *OTelHandler) OnChainStart(ctx context.Context, run callbacks.Run, _ map[string]any) {
	h.start(ctx, run)
}

func (h *OTelHandler) OnChainEnd(_ context.Context, run callbacks.Run, _ map[string]any) {
	h.finish(run, nil)
}

func (h *OTelHandler) OnChainError(_ context.Context, run callbacks.Run, err error) {
	h.finish(run, err)
}

func (h *OTelHandler) OnLLMStart(ctx context.Context, run callbacks.Run, req llm.Request) {
	providerName, _ := run.Metadata[provider.MetaProvider].(string)
	model, _ := run.Metadata[provider.MetaModel].(string)
	h.start(ctx, run,
		attribute.String("gen_ai.system", providerName),
		attribute.String("gen_ai.request.model", model),
		attribute.Int("gen_ai.request.messages", len(req.Messages)),
	)
}

func (h *OTelHandler) OnLLMEnd(_ context.Context, run callbacks.Run, resp *llm.Response) {
	h.finish(run, nil,
		attribute.String("gen_ai.response.finish_reason", resp.FinishReason),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.CompletionTokens),
	)
}

func (h *OTelHandler) OnLLMError(_ context.Context, run callbacks.Run, err error) {
	h.finish(run, err)
}

func (h *OTelHandler) OnToolStart(ctx context.Context, run callbacks.Run, input string) {
	h.start(ctx, run, attribute.String("tool.input", input))
}

func (h *OTelHandler) OnToolEnd(_ context.Context, run callbacks.Run, output string) {
	h.finish(run, nil, attribute.String("tool.output", output))
}

func (h *OTelHandler) OnToolError(_ context.Context, run callbacks.Run, err error) {
	h.finish(run, err)
}

func (h *OTelHandler) OnRetrieverStart(ctx context.Context, run callbacks.Run, query string) {
	h.start(ctx, run, attribute.String("retriever.query", query))
}

func (h *OTelHandler) OnRetrieverEnd(_ context.Context, run callbacks.Run, docs []string) {
	h.finish(run, nil, attribute.Int("retriever.documents", len(docs)))
}
