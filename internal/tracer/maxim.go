// Package tracer turns callback events from models, chains, graphs and tools
// into Maxim log entities, and optionally mirrors them as OpenTelemetry spans.
package tracer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/logging"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
)

// Run metadata keys understood by the tracer
const (
	MetaGenerationName = "maxim.generationName"
	MetaGenerationTags = "maxim.generationTags"
	MetaTraceName      = "maxim.traceName"
	MetaDescription    = "description"
)

// Option configures a MaximTracer
type Option func(*MaximTracer)

// WithTrace attaches every root run to an existing trace instead of opening new ones
func WithTrace(trace *logging.Trace) Option {
	return func(t *MaximTracer) { t.attached = trace }
}

// WithTags adds tags to every trace the tracer opens
func WithTags(tags map[string]string) Option {
	return func(t *MaximTracer) { t.tags = tags }
}

// WithZap sets the diagnostic logger
func WithZap(log *zap.Logger) Option {
	return func(t *MaximTracer) {
		if log != nil {
			t.log = log
		}
	}
}

// node is the log entity opened for one run
type node struct {
	trace     *logging.Trace
	span      *logging.Span
	gen       *logging.Generation
	tool      *logging.ToolCall
	retrieval *logging.Retrieval
	// ownsTrace marks traces opened for this run that must end with it
	ownsTrace bool
}

func (n *node) container() logging.Container {
	if n.span != nil {
		return n.span
	}
	if n.trace != nil {
		return n.trace
	}
	return nil
}

// MaximTracer implements callbacks.Handler on top of a logging.Logger.
// Root chain runs open traces, nested chain and node runs open spans,
// LLM runs open generations, tool runs open tool calls and retriever runs open retrievals.
type MaximTracer struct {
	logger   *logging.Logger
	attached *logging.Trace
	tags     map[string]string
	log      *zap.Logger

	mu     sync.Mutex
	runs   map[string]*node
	traces []string
}

var _ callbacks.Handler = (*MaximTracer)(nil)

// New creates a tracer writing to logger
func New(logger *logging.Logger, opts ...Option) *MaximTracer {
	t := &MaximTracer{
		logger: logger,
		log:    zap.NewNop(),
		runs:   make(map[string]*node),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("tracer")
	return t
}

// Traces returns the ids of traces the tracer opened, in order
func (t *MaximTracer) Traces() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.traces...)
}

func (t *MaximTracer) get(id string) *node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[id]
}

func (t *MaximTracer) put(id string, n *node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[id] = n
}

func (t *MaximTracer) take(id string) *node {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.runs[id]
	delete(t.runs, id)
	return n
}

// parent finds the container a new run belongs to: the parent run's entity,
// then the attached trace, then a span or trace carried by ctx.
func (t *MaximTracer) parent(ctx context.Context, run callbacks.Run) logging.Container {
	if run.ParentID != "" {
		if p := t.get(run.ParentID); p != nil {
			if c := p.container(); c != nil {
				return c
			}
		}
	}
	if t.attached != nil {
		return t.attached
	}
	if c := logging.ContainerFromContext(ctx); c != nil {
		return c
	}
	return nil
}

func (t *MaximTracer) openTrace(ctx context.Context, run callbacks.Run, input string) *logging.Trace {
	name := run.Name
	if v, ok := run.Metadata[MetaTraceName].(string); ok && v != "" {
		name = v
	}
	tags := mergeTags(t.tags, logging.TagsFromContext(ctx), run.Tags)
	trace := t.logger.Trace(logging.TraceConfig{Name: name, Tags: tags, Input: input})

	t.mu.Lock()
	t.traces = append(t.traces, trace.ID())
	t.mu.Unlock()
	return trace
}

func (t *MaximTracer) OnChainStart(ctx context.Context, run callbacks.Run, inputs map[string]any) {
	parent := t.parent(ctx, run)
	if parent == nil {
		t.put(run.ID, &node{trace: t.openTrace(ctx, run, render(inputs, "input")), ownsTrace: true})
		return
	}

	tags := mergeTags(run.Tags, map[string]string{"kind": string(run.Kind)})
	span := parent.AddSpan(logging.SpanConfig{Name: run.Name, Tags: tags})
	if len(inputs) > 0 {
		span.AddMetadata(map[string]any{"inputs": inputs})
	}
	t.put(run.ID, &node{span: span})
}

func (t *MaximTracer) OnChainEnd(_ context.Context, run callbacks.Run, outputs map[string]any) {
	n := t.take(run.ID)
	if n == nil {
		return
	}
	if n.span != nil {
		if len(outputs) > 0 {
			n.span.AddMetadata(map[string]any{"outputs": outputs})
		}
		n.span.End()
		return
	}
	if n.ownsTrace {
		n.trace.SetOutput(render(outputs, "output"))
		n.trace.End()
	}
}

func (t *MaximTracer) OnChainError(_ context.Context, run callbacks.Run, err error) {
	n := t.take(run.ID)
	if n == nil {
		return
	}
	c := n.container()
	if c == nil {
		return
	}
	c.AddTag("error", "true")
	c.AddMetadata(map[string]any{"error": err.Error()})
	if n.span != nil || n.ownsTrace {
		c.End()
	}
}

func (t *MaximTracer) OnLLMStart(ctx context.Context, run callbacks.Run, req llm.Request) {
	n := &node{}
	parent := t.parent(ctx, run)
	if parent == nil {
		// a bare model call gets a trace of its own
		n.trace = t.openTrace(ctx, run, llm.LastContent(req.Messages))
		n.ownsTrace = true
		parent = n.trace
	}

	providerName, _ := run.Metadata[provider.MetaProvider].(string)
	model, _ := run.Metadata[provider.MetaModel].(string)
	if model == "" {
		model = req.Model
	}
	name, _ := run.Metadata[MetaGenerationName].(string)

	n.gen = parent.AddGeneration(logging.GenerationConfig{
		Name:            name,
		Provider:        providerName,
		Model:           model,
		Messages:        Messages(req.Messages),
		ModelParameters: req.Parameters(),
		Tags:            generationTags(run.Metadata[MetaGenerationTags]),
	})
	t.put(run.ID, n)
}

func (t *MaximTracer) OnLLMEnd(_ context.Context, run callbacks.Run, resp *llm.Response) {
	n := t.take(run.ID)
	if n == nil || n.gen == nil {
		return
	}
	n.gen.SetResult(Result(resp, n.gen.Model()))
	if n.ownsTrace {
		n.trace.SetOutput(resp.Message.Content)
		n.trace.End()
	}
}

func (t *MaximTracer) OnLLMError(_ context.Context, run callbacks.Run, err error) {
	n := t.take(run.ID)
	if n == nil || n.gen == nil {
		return
	}
	n.gen.SetError(GenerationError(err))
	if n.ownsTrace {
		n.trace.End()
	}
}

func (t *MaximTracer) OnToolStart(ctx context.Context, run callbacks.Run, input string) {
	parent := t.parent(ctx, run)
	if parent == nil {
		t.log.Debug("tool run without a trace", zap.String("tool", run.Name))
		return
	}
	desc, _ := run.Metadata[MetaDescription].(string)
	tool := parent.AddToolCall(logging.ToolCallConfig{
		ID:          toolCallID(run),
		Name:        run.Name,
		Description: desc,
		Args:        input,
		Tags:        run.Tags,
	})
	t.put(run.ID, &node{tool: tool})
}

// toolCallID reuses the model's tool call id when the run carries one
func toolCallID(run callbacks.Run) string {
	id, _ := run.Metadata["tool_call_id"].(string)
	return id
}

func (t *MaximTracer) OnToolEnd(_ context.Context, run callbacks.Run, output string) {
	if n := t.take(run.ID); n != nil && n.tool != nil {
		n.tool.SetResult(output)
	}
}

func (t *MaximTracer) OnToolError(_ context.Context, run callbacks.Run, err error) {
	if n := t.take(run.ID); n != nil && n.tool != nil {
		n.tool.SetError(logging.ToolCallError{Message: err.Error(), Type: errorType(err)})
	}
}

func (t *MaximTracer) OnRetrieverStart(ctx context.Context, run callbacks.Run, query string) {
	parent := t.parent(ctx, run)
	if parent == nil {
		t.log.Debug("retriever run without a trace", zap.String("retriever", run.Name))
		return
	}
	r := parent.AddRetrieval(logging.RetrievalConfig{Name: run.Name, Tags: run.Tags})
	r.SetInput(query)
	t.put(run.ID, &node{retrieval: r})
}

func (t *MaximTracer) OnRetrieverEnd(_ context.Context, run callbacks.Run, docs []string) {
	if n := t.take(run.ID); n != nil && n.retrieval != nil {
		n.retrieval.SetOutput(docs)
	}
}

// Messages converts chat messages into the logged request shape
func Messages(msgs []llm.Message) []logging.CompletionRequest {
	out := make([]logging.CompletionRequest, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, logging.CompletionRequest{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  toolCalls(m.ToolCalls),
		})
	}
	return out
}

// Result converts a model response into a chat-completion shaped result
func Result(resp *llm.Response, fallbackModel string) logging.GenerationResult {
	model := resp.Model
	if model == "" {
		model = fallbackModel
	}
	return logging.GenerationResult{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  model,
		Choices: []logging.Choice{{
			Index: 0,
			Message: logging.ChoiceMessage{
				Role:      llm.RoleAssistant,
				Content:   resp.Message.Content,
				ToolCalls: toolCalls(resp.Message.ToolCalls),
			},
			FinishReason: resp.FinishReason,
		}},
		Usage: logging.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// GenerationError describes err for a failed generation
func GenerationError(err error) logging.GenerationError {
	out := logging.GenerationError{Message: err.Error(), Type: errorType(err)}
	if appErr := apperrors.GetAppError(err); appErr != nil && appErr.StatusCode > 0 {
		out.Code = fmt.Sprint(appErr.StatusCode)
	}
	return out
}

func errorType(err error) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return fmt.Sprintf("%T", err)
}

func toolCalls(calls []llm.ToolCall) []logging.ChoiceToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]logging.ChoiceToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, logging.ChoiceToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: logging.ChoiceToolCallFn{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}

func generationTags(v any) map[string]string {
	switch tags := v.(type) {
	case map[string]string:
		return tags
	case map[string]any:
		out := make(map[string]string, len(tags))
		for k, val := range tags {
			out[k] = fmt.Sprint(val)
		}
		return out
	}
	return nil
}

func mergeTags(sets ...map[string]string) map[string]string {
	var out map[string]string
	for _, set := range sets {
		for k, v := range set {
			if out == nil {
				out = make(map[string]string)
			}
			out[k] = v
		}
	}
	return out
}

// render prefers a string under key, otherwise the JSON of the whole map
func render(values map[string]any, key string) string {
	if len(values) == 0 {
		return ""
	}
	if s, ok := values[key].(string); ok {
		return s
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprint(values)
	}
	return string(raw)
}
