package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(provider.ModelConfig{Model: "claude-3-5-sonnet-20241022", APIKey: "ak", BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestGenerate(t *testing.T) {
	var got messageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		fmt.Fprint(w, `{
			"id": "msg_1",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "Bonjour"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 3}
		}`)
	})

	resp, err := c.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{llm.System("You translate to French."), llm.User("Hello")},
	})
	require.NoError(t, err)

	assert.Equal(t, "You translate to French.", got.System)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)

	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "Bonjour", resp.Message.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, llm.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}, resp.Usage)
}

func TestGenerateToolUse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": "msg_2",
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"location": "Paris"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 20, "output_tokens": 10}
		}`)
	})

	resp, err := c.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.User("weather?")}})
	require.NoError(t, err)

	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, "Checking.", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"location":"Paris"}`, resp.Message.ToolCalls[0].Arguments)
}

func TestBuildRequestToolRoundTrip(t *testing.T) {
	c, err := New(provider.ModelConfig{Model: "claude", APIKey: "k"})
	require.NoError(t, err)

	body, err := c.buildRequest(llm.Request{
		Messages: []llm.Message{
			llm.User("weather in Paris and Rome?"),
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
				{ID: "t1", Name: "get_weather", Arguments: `{"location":"Paris"}`},
				{ID: "t2", Name: "get_weather", Arguments: `{"location":"Rome"}`},
			}},
			llm.ToolResult("t1", "get_weather", "sunny"),
			llm.ToolResult("t2", "get_weather", "rainy"),
		},
		Tools: []llm.ToolDefinition{{Name: "get_weather"}},
	}, false)
	require.NoError(t, err)

	// both tool results collapse into one user turn
	require.Len(t, body.Messages, 3)
	assert.Equal(t, "assistant", body.Messages[1].Role)
	assert.Len(t, body.Messages[1].Content, 2)
	assert.Equal(t, "user", body.Messages[2].Role)
	require.Len(t, body.Messages[2].Content, 2)
	assert.Equal(t, "tool_result", body.Messages[2].Content[0].Type)
	assert.Equal(t, "t1", body.Messages[2].Content[0].ToolUseID)

	require.Len(t, body.Tools, 1)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(body.Tools[0].InputSchema))
}

func TestBuildRequestRejectsBadArguments(t *testing.T) {
	c, err := New(provider.ModelConfig{Model: "claude", APIKey: "k"})
	require.NoError(t, err)

	_, err = c.buildRequest(llm.Request{Messages: []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "f", Arguments: "{not json"}}},
	}}, false)
	assert.Error(t, err)
}

func TestBuildRequestJSONFormat(t *testing.T) {
	c, err := New(provider.ModelConfig{Model: "claude", APIKey: "k"})
	require.NoError(t, err)

	body, err := c.buildRequest(llm.Request{
		Messages:       []llm.Message{llm.User("a joke")},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}, false)
	require.NoError(t, err)
	assert.Contains(t, body.System, "JSON object")
}

func TestStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"id":"msg_s","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":7}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`},
			{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"lookup"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`},
			{"ping", `{"type":"ping"}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
		}
	})

	var text string
	resp, err := c.Stream(context.Background(), llm.Request{Messages: []llm.Message{llm.User("hi")}}, func(ch llm.Chunk) error {
		text += ch.Content
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there", text)
	assert.Equal(t, "Hi there", resp.Message.Content)
	assert.Equal(t, "msg_s", resp.ID)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, llm.Usage{PromptTokens: 7, CompletionTokens: 5, TotalTokens: 12}, resp.Usage)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, llm.ToolCall{ID: "toolu_9", Name: "lookup", Arguments: `{"q":"go"}`}, resp.Message.ToolCalls[0])
}

func TestStreamErrorEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	})

	_, err := c.Stream(context.Background(), llm.Request{Messages: []llm.Message{llm.User("hi")}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Overloaded")
}

func TestFinishReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_calls",
		"refusal":       "refusal",
	}
	for in, want := range tests {
		assert.Equal(t, want, finishReason(in), in)
	}
}
