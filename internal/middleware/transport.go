// Package middleware provides an HTTP transport that logs OpenAI-compatible
// chat completion calls made through any client.
package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/logging"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/metrics"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
	"github.com/whoshyam/maxim-cookbooks/internal/tokens"
)

// Config holds configuration for the Transport.
type Config struct {
	// Logger receives traces and generations. Required.
	Logger *logging.Logger

	// Base performs the actual request. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// Provider is recorded on generations. Defaults to "openai".
	Provider string

	// TraceName names traces opened by the transport. Defaults to "chat completion".
	TraceName func(r *http.Request) string

	// GenerationName names generations.
	GenerationName string

	// PathSuffixes selects traced requests. Defaults to "/chat/completions".
	PathSuffixes []string

	Log *zap.Logger
}

// Transport is an http.RoundTripper that opens a generation for each chat completion request.
// The generation goes under the span or trace in the request context, or under a new trace.
type Transport struct {
	cfg  Config
	base http.RoundTripper
	log  *zap.Logger
}

// NewTransport creates a Transport
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		return nil, errors.New("middleware: logger is required")
	}
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.TraceName == nil {
		cfg.TraceName = func(*http.Request) string { return "chat completion" }
	}
	if len(cfg.PathSuffixes) == 0 {
		cfg.PathSuffixes = []string{"/chat/completions"}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{cfg: cfg, base: cfg.Base, log: log.Named("transport")}, nil
}

// Client returns an http.Client using the transport
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) traced(r *http.Request) bool {
	if r.Method != http.MethodPost || r.Body == nil {
		return false
	}
	for _, suffix := range t.cfg.PathSuffixes {
		if strings.HasSuffix(r.URL.Path, suffix) {
			return true
		}
	}
	return false
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	if !t.traced(r) {
		return t.base.RoundTrip(r)
	}

	payload, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	out := r.Clone(r.Context())
	out.Body = io.NopCloser(bytes.NewReader(payload))
	out.ContentLength = int64(len(payload))

	var req chatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		t.log.Debug("request body is not a chat completion, passing through", zap.Error(err))
		return t.base.RoundTrip(out)
	}

	call := t.begin(r, req)
	start := time.Now()
	resp, err := t.base.RoundTrip(out)
	if err != nil {
		metrics.RecordProviderRequest(t.cfg.Provider, req.Model, "transport", time.Since(start), err)
		call.fail(logging.GenerationError{Message: err.Error(), Type: "transport"})
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		apiErr := fmt.Errorf("status %d", resp.StatusCode)
		metrics.RecordProviderRequest(t.cfg.Provider, req.Model, "transport", time.Since(start), apiErr)
		call.fail(logging.GenerationError{
			Message: strings.TrimSpace(string(body)),
			Code:    fmt.Sprint(resp.StatusCode),
			Type:    "http_error",
		})
		return resp, nil
	}
	metrics.RecordProviderRequest(t.cfg.Provider, req.Model, "transport", time.Since(start), nil)

	if req.Stream || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body = &streamBody{ReadCloser: resp.Body, call: call}
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		call.fail(logging.GenerationError{Message: err.Error(), Type: "read_error"})
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var result logging.GenerationResult
	if err := json.Unmarshal(body, &result); err != nil {
		call.fail(logging.GenerationError{Message: "undecodable response: " + err.Error(), Type: "decode_error"})
		return resp, nil
	}
	call.succeed(result)
	return resp, nil
}

// call tracks the log entities of one request
type call struct {
	gen       *logging.Generation
	trace     *logging.Trace
	messages  []llm.Message
	model     string
	ownsTrace bool
	once      sync.Once
}

func (t *Transport) begin(r *http.Request, req chatRequest) *call {
	ctx := r.Context()
	c := &call{model: req.Model, messages: req.messages()}

	parent := logging.ContainerFromContext(ctx)
	if parent == nil {
		c.trace = t.cfg.Logger.Trace(logging.TraceConfig{
			Name:  t.cfg.TraceName(r),
			Tags:  logging.TagsFromContext(ctx),
			Input: lastUserContent(c.messages),
		})
		c.ownsTrace = true
		parent = c.trace
	}

	msgs := make([]logging.CompletionRequest, 0, len(c.messages))
	for _, m := range c.messages {
		msgs = append(msgs, logging.CompletionRequest{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID})
	}
	c.gen = parent.AddGeneration(logging.GenerationConfig{
		Name:            t.cfg.GenerationName,
		Provider:        t.cfg.Provider,
		Model:           req.Model,
		Messages:        msgs,
		ModelParameters: req.parameters(),
		Tags:            logging.TagsFromContext(ctx),
	})
	return c
}

func (c *call) succeed(result logging.GenerationResult) {
	c.once.Do(func() {
		var content string
		if len(result.Choices) > 0 {
			content = result.Choices[0].Message.Content
		}
		if result.Model == "" {
			result.Model = c.model
		}
		u := tokens.Fill(llm.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}, c.model, c.messages, content)
		result.Usage = logging.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}

		c.gen.SetResult(result)
		if c.ownsTrace {
			c.trace.SetOutput(content)
			c.trace.End()
		}
	})
}

func (c *call) fail(err logging.GenerationError) {
	c.once.Do(func() {
		c.gen.SetError(err)
		if c.ownsTrace {
			c.trace.End()
		}
	})
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// streamBody tees an SSE response and records the assembled result when the body is drained or closed
type streamBody struct {
	io.ReadCloser
	call *call
	buf  bytes.Buffer
	done bool
}

func (s *streamBody) Read(p []byte) (int, error) {
	n, err := s.ReadCloser.Read(p)
	s.buf.Write(p[:n])
	if errors.Is(err, io.EOF) {
		s.finish()
	}
	return n, err
}

func (s *streamBody) Close() error {
	s.finish()
	return s.ReadCloser.Close()
}

func (s *streamBody) finish() {
	if s.done {
		return
	}
	s.done = true
	result, err := assemble(&s.buf)
	if err != nil {
		s.call.fail(logging.GenerationError{Message: err.Error(), Type: "stream_error"})
		return
	}
	s.call.succeed(result)
}

// assemble folds chat.completion.chunk events into one chat-completion result
func assemble(r io.Reader) (logging.GenerationResult, error) {
	result := logging.GenerationResult{Object: "chat.completion"}
	var (
		content strings.Builder
		finish  string
		calls   []logging.ChoiceToolCall
	)
	err := provider.ReadSSE(r, func(ev provider.Event) error {
		if ev.Data == "" || ev.Data == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.ID != "" {
			result.ID = chunk.ID
		}
		if chunk.Model != "" {
			result.Model = chunk.Model
		}
		if chunk.Created != 0 {
			result.Created = chunk.Created
		}
		if chunk.Usage != nil {
			result.Usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
			if choice.FinishReason != nil {
				finish = *choice.FinishReason
			}
			for _, tc := range choice.Delta.ToolCalls {
				for len(calls) <= tc.Index {
					calls = append(calls, logging.ChoiceToolCall{Type: "function"})
				}
				if tc.ID != "" {
					calls[tc.Index].ID = tc.ID
				}
				if tc.Function.Name != "" {
					calls[tc.Index].Function.Name = tc.Function.Name
				}
				calls[tc.Index].Function.Arguments += tc.Function.Arguments
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	result.Choices = []logging.Choice{{
		Message:      logging.ChoiceMessage{Role: llm.RoleAssistant, Content: content.String(), ToolCalls: calls},
		FinishReason: finish,
	}}
	return result, nil
}
