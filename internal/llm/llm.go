// Package llm defines the provider-neutral chat types shared by providers,
// chains, graphs and tracers.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat turn
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// System builds a system message
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ToolResult builds the message answering a tool call
func ToolResult(callID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}

// ToolCall is a function invocation requested by the model. Arguments is raw JSON.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition advertises a callable tool; Parameters is a JSON schema object
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ResponseFormat constrains the output shape
type ResponseFormat struct {
	// Type is "text", "json_object" or "json_schema"
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Request is a chat completion request
type Request struct {
	Model          string
	Messages       []Message
	Temperature    *float64
	TopP           *float64
	MaxTokens      int
	Stop           []string
	Tools          []ToolDefinition
	ResponseFormat *ResponseFormat
	// Metadata travels to callbacks only; providers never send it
	Metadata map[string]any
	// Extra holds provider-specific body fields
	Extra map[string]any
}

// Parameters returns the sampling parameters that were set
func (r Request) Parameters() map[string]any {
	params := map[string]any{}
	if r.Temperature != nil {
		params["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		params["top_p"] = *r.TopP
	}
	if r.MaxTokens > 0 {
		params["max_tokens"] = r.MaxTokens
	}
	if len(r.Stop) > 0 {
		params["stop"] = r.Stop
	}
	return params
}

// Usage reports token counts
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add sums two usages
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Response is a completed chat call
type Response struct {
	ID           string
	Model        string
	Message      Message
	FinishReason string
	Usage        Usage
}

// Chunk is one streamed delta
type Chunk struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// StreamFunc receives chunks; returning an error aborts the stream
type StreamFunc func(Chunk) error

// Model is a chat model
type Model interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error)
}

// Float returns a pointer to f
func Float(f float64) *float64 { return &f }

// LastContent returns the content of the last message, or ""
func LastContent(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

// Transcript renders messages as "role: content" lines
func Transcript(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
