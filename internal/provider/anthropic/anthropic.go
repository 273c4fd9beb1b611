// Package anthropic implements the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	APIVersion       = "2023-06-01"
	DefaultMaxTokens = 1024

	jsonInstruction = "Respond only with a single JSON object and no surrounding prose."
)

// Client is a chat model backed by Anthropic
type Client struct {
	model    string
	endpoint string
	headers  map[string]string
	http     *http.Client
}

// New creates an Anthropic client
func New(cfg provider.ModelConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	headers["x-api-key"] = cfg.APIKey
	headers["anthropic-version"] = APIVersion

	return &Client{
		model:    cfg.Model,
		endpoint: strings.TrimRight(base, "/") + "/v1/messages",
		headers:  headers,
		http:     cfg.Client(),
	}, nil
}

// Name returns the default model
func (c *Client) Name() string { return c.model }

// Generate sends a Messages request
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := provider.PostJSON(ctx, c.http, "anthropic", c.endpoint, c.headers, body)
	if err != nil {
		return nil, err
	}

	var out messageResponse
	if err := provider.DecodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	msg := llm.Message{Role: llm.RoleAssistant}
	var text strings.Builder
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: rawArgs(block.Input)})
		}
	}
	msg.Content = text.String()

	return &llm.Response{
		ID:           out.ID,
		Model:        out.Model,
		Message:      msg,
		FinishReason: finishReason(out.StopReason),
		Usage:        out.Usage.toUsage(),
	}, nil
}

// Stream sends a streaming Messages request
func (c *Client) Stream(ctx context.Context, req llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	body, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := provider.PostJSON(ctx, c.http, "anthropic", c.endpoint, c.headers, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		out   = &llm.Response{Model: body.Model}
		text  strings.Builder
		usage wireUsage
		// tool_use blocks by content index
		tools = map[int]*llm.ToolCall{}
		order []int
	)
	emit := func(ch llm.Chunk) error {
		if fn == nil {
			return nil
		}
		return fn(ch)
	}

	err = provider.ReadSSE(resp.Body, func(ev provider.Event) error {
		if ev.Data == "" {
			return nil
		}
		var e streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}

		switch e.Type {
		case "message_start":
			out.ID = e.Message.ID
			if e.Message.Model != "" {
				out.Model = e.Message.Model
			}
			usage.InputTokens = e.Message.Usage.InputTokens
		case "content_block_start":
			if e.ContentBlock.Type == "tool_use" {
				tools[e.Index] = &llm.ToolCall{ID: e.ContentBlock.ID, Name: e.ContentBlock.Name}
				order = append(order, e.Index)
				return emit(llm.Chunk{ToolCalls: []llm.ToolCall{{ID: e.ContentBlock.ID, Name: e.ContentBlock.Name}}})
			}
		case "content_block_delta":
			switch e.Delta.Type {
			case "text_delta":
				text.WriteString(e.Delta.Text)
				return emit(llm.Chunk{Content: e.Delta.Text})
			case "input_json_delta":
				if tc, ok := tools[e.Index]; ok {
					tc.Arguments += e.Delta.PartialJSON
					return emit(llm.Chunk{ToolCalls: []llm.ToolCall{{ID: tc.ID, Arguments: e.Delta.PartialJSON}}})
				}
			}
		case "message_delta":
			if e.Usage.OutputTokens > 0 {
				usage.OutputTokens = e.Usage.OutputTokens
			}
			if e.Delta.StopReason != "" {
				out.FinishReason = finishReason(e.Delta.StopReason)
				return emit(llm.Chunk{FinishReason: out.FinishReason})
			}
		case "error":
			return fmt.Errorf("%s: %s", e.Error.Type, e.Error.Message)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	out.Message = llm.Message{Role: llm.RoleAssistant, Content: text.String()}
	for _, idx := range order {
		tc := *tools[idx]
		if tc.Arguments == "" {
			tc.Arguments = "{}"
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, tc)
	}
	out.Usage = usage.toUsage()
	return out, nil
}

func (c *Client) buildRequest(req llm.Request, stream bool) (messageRequest, error) {
	body := messageRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if body.Model == "" {
		body.Model = c.model
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = DefaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleTool:
			body.appendBlocks(llm.RoleUser, contentBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		case llm.RoleAssistant:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if !json.Valid(args) {
					return body, fmt.Errorf("anthropic: tool call %s has invalid arguments", tc.ID)
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: args})
			}
			body.appendBlocks(llm.RoleAssistant, blocks...)
		default:
			body.appendBlocks(llm.RoleUser, contentBlock{Type: "text", Text: m.Content})
		}
	}

	if rf := req.ResponseFormat; rf != nil && (rf.Type == "json_object" || rf.Type == "json_schema") {
		instruction := jsonInstruction
		if len(rf.Schema) > 0 {
			instruction += " The object must match this JSON schema: " + string(rf.Schema)
		}
		system = append(system, instruction)
	}
	body.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, wireTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return body, nil
}

// appendBlocks merges consecutive turns with the same role, which the API requires
func (r *messageRequest) appendBlocks(role string, blocks ...contentBlock) {
	if len(blocks) == 0 {
		return
	}
	if n := len(r.Messages); n > 0 && r.Messages[n-1].Role == role {
		r.Messages[n-1].Content = append(r.Messages[n-1].Content, blocks...)
		return
	}
	r.Messages = append(r.Messages, wireMessage{Role: role, Content: blocks})
}

func rawArgs(input json.RawMessage) string {
	if len(input) == 0 {
		return "{}"
	}
	return string(input)
}

// finishReason maps Anthropic stop reasons onto the OpenAI vocabulary
func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stop
	}
}

// Provider registers the anthropic provider
type Provider struct{}

func (Provider) Name() string { return "anthropic" }

func (Provider) NewModel(_ context.Context, cfg provider.ModelConfig) (llm.Model, error) {
	return New(cfg)
}
