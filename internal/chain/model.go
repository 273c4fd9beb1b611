package chain

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

// DefaultMaxToolRounds bounds RunTools
const DefaultMaxToolRounds = 5

// CallOptions are the request fields a ChatModel sets on every call
type CallOptions struct {
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string
	Extra       map[string]any
}

// ChatModel is a runnable over a provider model. Its LLM runs come from the
// model itself, usually a provider.Instrumented, so ChatModel adds no run.
type ChatModel struct {
	model  llm.Model
	opts   CallOptions
	tools  []*Tool
	format *llm.ResponseFormat
	log    *zap.Logger
}

// NewChatModel wraps model
func NewChatModel(model llm.Model, opts CallOptions) *ChatModel {
	return &ChatModel{model: model, opts: opts, log: zap.NewNop()}
}

func (m *ChatModel) clone() *ChatModel {
	c := *m
	c.tools = append([]*Tool(nil), m.tools...)
	return &c
}

// WithLogger returns a copy logging tool loop progress to log
func (m *ChatModel) WithLogger(log *zap.Logger) *ChatModel {
	c := m.clone()
	c.log = log.Named("chat_model")
	return c
}

// BindTools returns a copy that advertises tools on every call
func (m *ChatModel) BindTools(tools ...*Tool) *ChatModel {
	c := m.clone()
	c.tools = append(c.tools, tools...)
	return c
}

// WithResponseFormat returns a copy constrained to format
func (m *ChatModel) WithResponseFormat(format llm.ResponseFormat) *ChatModel {
	c := m.clone()
	c.format = &format
	return c
}

// Tools returns the bound tools
func (m *ChatModel) Tools() []*Tool { return m.tools }

// Request builds the provider request for msgs, carrying the metadata of
// enclosing invocations
func (m *ChatModel) Request(ctx context.Context, msgs []llm.Message) llm.Request {
	req := llm.Request{
		Model:          m.opts.Model,
		Messages:       msgs,
		Temperature:    m.opts.Temperature,
		TopP:           m.opts.TopP,
		MaxTokens:      m.opts.MaxTokens,
		Stop:           m.opts.Stop,
		ResponseFormat: m.format,
		Metadata:       maps.Clone(MetadataFromContext(ctx)),
		Extra:          m.opts.Extra,
	}
	if len(m.tools) > 0 {
		req.Tools = Definitions(m.tools)
	}
	return req
}

// Generate returns the full response, usage included
func (m *ChatModel) Generate(ctx context.Context, msgs []llm.Message, opts ...Option) (*llm.Response, error) {
	ctx = withCallbacks(ctx, resolve(opts))
	return m.model.Generate(ctx, m.Request(ctx, msgs))
}

// Invoke returns the assistant message
func (m *ChatModel) Invoke(ctx context.Context, msgs []llm.Message, opts ...Option) (llm.Message, error) {
	resp, err := m.Generate(ctx, msgs, opts...)
	if err != nil {
		return llm.Message{}, err
	}
	return resp.Message, nil
}

// Stream streams the reply to fn and returns the assembled response
func (m *ChatModel) Stream(ctx context.Context, msgs []llm.Message, fn llm.StreamFunc, opts ...Option) (*llm.Response, error) {
	ctx = withCallbacks(ctx, resolve(opts))
	return m.model.Stream(ctx, m.Request(ctx, msgs), fn)
}

// RunTools calls the model, executes requested tools and feeds results back
// until the model answers without tool calls. It returns the full transcript.
func (m *ChatModel) RunTools(ctx context.Context, msgs []llm.Message, maxRounds int, opts ...Option) ([]llm.Message, error) {
	if len(m.tools) == 0 {
		return nil, apperrors.Validation("no tools bound")
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	ctx = withCallbacks(ctx, resolve(opts))
	transcript := append([]llm.Message(nil), msgs...)
	for round := 0; round < maxRounds; round++ {
		reply, err := m.Invoke(ctx, transcript)
		if err != nil {
			return transcript, err
		}
		transcript = append(transcript, reply)
		if len(reply.ToolCalls) == 0 {
			return transcript, nil
		}
		m.log.Debug("executing tool calls", zap.Int("round", round), zap.Int("calls", len(reply.ToolCalls)))
		results, err := ExecuteToolCalls(ctx, m.tools, reply.ToolCalls, m.log)
		transcript = append(transcript, results...)
		if err != nil {
			return transcript, err
		}
	}
	return transcript, fmt.Errorf("model still calling tools after %d rounds", maxRounds)
}

// withCallbacks attaches invocation handlers without opening a run
func withCallbacks(ctx context.Context, cfg RunConfig) context.Context {
	return withMetadata(callbacks.WithHandlers(ctx, cfg.Callbacks...), cfg.Metadata)
}
