package middleware

import (
	"encoding/json"
	"strings"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/logging"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature"`
	TopP        *float64      `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
	Stop        any           `json:"stop"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name"`
	ToolCallID string          `json:"tool_call_id"`
}

// text flattens string or content-part array content into plain text
func (m chatMessage) text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (r chatRequest) messages() []llm.Message {
	out := make([]llm.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.text(), Name: m.Name, ToolCallID: m.ToolCallID})
	}
	return out
}

func (r chatRequest) parameters() map[string]any {
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
	if r.Stop != nil {
		params["stop"] = r.Stop
	}
	if r.Stream {
		params["stream"] = true
	}
	return params
}

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *logging.Usage `json:"usage"`
}
