package logging

// CompletionRequest is one chat message sent to a model
type CompletionRequest struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []ChoiceToolCall `json:"tool_calls,omitempty"`
}

// Usage reports token counts for a generation
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChoiceToolCall is a function call requested by the model
type ChoiceToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChoiceToolCallFn `json:"function"`
}

type ChoiceToolCallFn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChoiceMessage is the assistant message of a choice
type ChoiceMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ChoiceToolCall `json:"tool_calls,omitempty"`
}

// Choice is one completion alternative
type Choice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// GenerationResult is a chat-completion shaped model result
type GenerationResult struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// GenerationError describes a failed model call
type GenerationError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
}

// ToolCallError describes a failed tool execution
type ToolCallError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Feedback is a user rating attached to a session or trace
type Feedback struct {
	Score   int     `json:"score" validate:"gte=0"`
	Comment *string `json:"comment,omitempty"`
}

// SessionConfig configures a new session
type SessionConfig struct {
	ID   string
	Name string
	Tags map[string]string
}

// TraceConfig configures a new trace
type TraceConfig struct {
	ID        string
	Name      string
	SessionID string
	Tags      map[string]string
	Input     string
}

// SpanConfig configures a new span
type SpanConfig struct {
	ID   string
	Name string
	Tags map[string]string
}

// GenerationConfig configures a new generation
type GenerationConfig struct {
	ID              string
	Name            string
	Provider        string `validate:"required"`
	Model           string `validate:"required"`
	Messages        []CompletionRequest
	ModelParameters map[string]any
	Tags            map[string]string
}

// RetrievalConfig configures a new retrieval
type RetrievalConfig struct {
	ID   string
	Name string
	Tags map[string]string
}

// ToolCallConfig configures a new tool call
type ToolCallConfig struct {
	ID          string
	Name        string `validate:"required"`
	Description string
	Args        string
	Tags        map[string]string
}

// EventConfig configures a point-in-time event
type EventConfig struct {
	ID       string
	Name     string `validate:"required"`
	Tags     map[string]string
	Metadata map[string]any
}
