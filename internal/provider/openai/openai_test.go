package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
)

func TestGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11}
		}`)
	}))
	defer srv.Close()

	c, err := New(provider.ModelConfig{Model: "gpt-4o-mini", APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), llm.Request{
		Messages:    []llm.Message{llm.System("be brief"), llm.User("hi")},
		Temperature: llm.Float(0.2),
		Extra:       map[string]any{"seed": 7},
	})
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "Hello!", resp.Message.Content)
	assert.Equal(t, llm.RoleAssistant, resp.Message.Role)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, llm.Usage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11}, resp.Usage)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.Equal(t, 0.2, got["temperature"])
	assert.Equal(t, float64(7), got["seed"])
	assert.Len(t, got["messages"], 2)
}

func TestGenerateToolCalls(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{
			"id": "chatcmpl-2",
			"choices": [{"message": {"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"location\":\"Paris\"}"}}
			]}, "finish_reason": "tool_calls"}]
		}`)
	}))
	defer srv.Close()

	c, err := New(provider.ModelConfig{Model: "gpt-4o", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{llm.User("weather in Paris?")},
		Tools: []llm.ToolDefinition{{
			Name:        "get_weather",
			Description: "Get the weather",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"location":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)

	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	assert.Equal(t, "get_weather", got.Tools[0].Function.Name)

	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, llm.ToolCall{ID: "call_1", Name: "get_weather", Arguments: `{"location":"Paris"}`}, resp.Message.ToolCalls[0])
	assert.Empty(t, resp.Message.Content)
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestGenerateJSONSchemaFormat(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{}"}}]}`)
	}))
	defer srv.Close()

	c, err := New(provider.ModelConfig{Model: "gpt-4o", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), llm.Request{
		Messages:       []llm.Message{llm.User("x")},
		ResponseFormat: &llm.ResponseFormat{Type: "json_schema", Name: "joke", Schema: json.RawMessage(`{"type":"object"}`)},
	})
	require.NoError(t, err)

	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_schema", got.ResponseFormat.Type)
	require.NotNil(t, got.ResponseFormat.JSONSchema)
	assert.Equal(t, "joke", got.ResponseFormat.JSONSchema.Name)
	assert.True(t, got.ResponseFormat.JSONSchema.Strict)
}

func TestGenerateErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.IsUnauthorized},
		{"rate limited", http.StatusTooManyRequests, apperrors.IsRateLimited},
		{"server error", http.StatusBadGateway, apperrors.IsRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			}))
			defer srv.Close()

			c, err := New(provider.ModelConfig{Model: "gpt-4o", APIKey: "k", BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = c.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.User("x")}})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"c1","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	defer srv.Close()

	c, err := New(provider.ModelConfig{Model: "gpt-4o", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	var chunks []string
	resp, err := c.Stream(context.Background(), llm.Request{Messages: []llm.Message{llm.User("hi")}}, func(ch llm.Chunk) error {
		chunks = append(chunks, ch.Content)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo", ""}, chunks)
	assert.Equal(t, "Hello", resp.Message.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
}

func TestStreamToolCallDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, line := range []string{
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"add","arguments":""}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"a\":1,"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"b\":2}"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := New(provider.ModelConfig{Model: "gpt-4o", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := c.Stream(context.Background(), llm.Request{Messages: []llm.Message{llm.User("1+2")}}, nil)
	require.NoError(t, err)

	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, llm.ToolCall{ID: "call_a", Name: "add", Arguments: `{"a":1,"b":2}`}, resp.Message.ToolCalls[0])
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestNewAzure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/my-gpt/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-06-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "az-key", r.Header.Get("api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	c, err := NewAzure(provider.ModelConfig{
		APIKey: "az-key",
		Extra: map[string]string{
			ExtraAzureEndpoint:   srv.URL,
			ExtraAzureDeployment: "my-gpt",
			ExtraAzureAPIVersion: "2024-06-01",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "my-gpt", c.Name())

	resp, err := c.Generate(context.Background(), llm.Request{Messages: []llm.Message{llm.User("x")}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
}

func TestConstructorsRequireKeys(t *testing.T) {
	_, err := New(provider.ModelConfig{Model: "gpt-4o"})
	assert.Error(t, err)

	_, err = NewTogether(provider.ModelConfig{Model: "llama"})
	assert.Error(t, err)

	_, err = NewAzure(provider.ModelConfig{APIKey: "k", Model: "gpt"})
	assert.Error(t, err, "endpoint is required")
}

func TestToWireMessageNullContent(t *testing.T) {
	m := toWireMessage(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1", Name: "f", Arguments: "{}"}}})
	assert.Nil(t, m.Content)

	m = toWireMessage(llm.ToolResult("1", "f", "42"))
	require.NotNil(t, m.Content)
	assert.Equal(t, "42", *m.Content)
	assert.Equal(t, "1", m.ToolCallID)
}
