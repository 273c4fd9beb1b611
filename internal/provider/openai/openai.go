// Package openai talks to OpenAI-compatible chat completion endpoints:
// OpenAI itself, Azure OpenAI deployments and Together AI.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
)

const (
	DefaultBaseURL         = "https://api.openai.com/v1"
	DefaultTogetherBaseURL = "https://api.together.xyz/v1"
	DefaultAzureAPIVersion = "2024-08-01-preview"
)

// Extra keys read by the Azure constructor
const (
	ExtraAzureEndpoint   = "endpoint"
	ExtraAzureDeployment = "deployment"
	ExtraAzureAPIVersion = "api_version"
)

// Client is a chat model backed by an OpenAI-compatible API
type Client struct {
	service  string
	model    string
	endpoint string
	headers  map[string]string
	http     *http.Client
}

// New creates an OpenAI client
func New(cfg provider.ModelConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return newClient("openai", cfg, strings.TrimRight(base, "/")+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}), nil
}

// NewTogether creates a Together AI client
func NewTogether(cfg provider.ModelConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("together: api key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultTogetherBaseURL
	}
	return newClient("together", cfg, strings.TrimRight(base, "/")+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}), nil
}

// NewAzure creates an Azure OpenAI client. The deployment defaults to the model name.
func NewAzure(cfg provider.ModelConfig) (*Client, error) {
	endpoint := cfg.ExtraValue(ExtraAzureEndpoint, cfg.BaseURL)
	deployment := cfg.ExtraValue(ExtraAzureDeployment, cfg.Model)
	switch {
	case cfg.APIKey == "":
		return nil, errors.New("azure: api key is required")
	case endpoint == "":
		return nil, errors.New("azure: endpoint is required")
	case deployment == "":
		return nil, errors.New("azure: deployment is required")
	}
	version := cfg.ExtraValue(ExtraAzureAPIVersion, DefaultAzureAPIVersion)

	target := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(endpoint, "/"), url.PathEscape(deployment), url.QueryEscape(version))
	if cfg.Model == "" {
		cfg.Model = deployment
	}
	return newClient("azure", cfg, target, map[string]string{"api-key": cfg.APIKey}), nil
}

func newClient(service string, cfg provider.ModelConfig, endpoint string, auth map[string]string) *Client {
	headers := make(map[string]string, len(auth)+len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	for k, v := range auth {
		headers[k] = v
	}
	return &Client{
		service:  service,
		model:    cfg.Model,
		endpoint: endpoint,
		headers:  headers,
		http:     cfg.Client(),
	}
}

// Name returns the default model
func (c *Client) Name() string { return c.model }

// Generate performs a blocking chat completion
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body := c.buildRequest(req, false)
	resp, err := provider.PostJSON(ctx, c.http, c.service, c.endpoint, c.headers, body)
	if err != nil {
		return nil, err
	}

	var out chatResponse
	if err := provider.DecodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", c.service, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: response carried no choices", c.service)
	}

	choice := out.Choices[0]
	return &llm.Response{
		ID:           out.ID,
		Model:        firstNonEmpty(out.Model, body.Model),
		Message:      fromWireMessage(choice.Message),
		FinishReason: choice.FinishReason,
		Usage:        out.Usage.toUsage(),
	}, nil
}

// Stream performs a streaming chat completion, calling fn per delta
func (c *Client) Stream(ctx context.Context, req llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	body := c.buildRequest(req, true)
	resp, err := provider.PostJSON(ctx, c.http, c.service, c.endpoint, c.headers, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		out     = &llm.Response{Model: body.Model}
		content strings.Builder
		calls   = map[int]*llm.ToolCall{}
	)
	err = provider.ReadSSE(resp.Body, func(ev provider.Event) error {
		if ev.Data == "" || ev.Data == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.ID != "" {
			out.ID = chunk.ID
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = chunk.Usage.toUsage()
		}

		for _, choice := range chunk.Choices {
			delta := llm.Chunk{Content: choice.Delta.Content}
			if choice.FinishReason != nil {
				out.FinishReason = *choice.FinishReason
				delta.FinishReason = *choice.FinishReason
			}
			content.WriteString(choice.Delta.Content)

			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := calls[tc.Index]
				if !ok {
					acc = &llm.ToolCall{}
					calls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Arguments += tc.Function.Arguments
				delta.ToolCalls = append(delta.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
			}

			if delta.Content == "" && delta.FinishReason == "" && len(delta.ToolCalls) == 0 {
				continue
			}
			if fn != nil {
				if err := fn(delta); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", c.service, err)
	}

	out.Message = llm.Message{Role: llm.RoleAssistant, Content: content.String()}
	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		out.Message.ToolCalls = append(out.Message.ToolCalls, *calls[i])
	}
	return out, nil
}

func (c *Client) buildRequest(req llm.Request, stream bool) chatRequest {
	body := chatRequest{
		Model:       firstNonEmpty(req.Model, c.model),
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
		Extra:       req.Extra,
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toWireMessage(m))
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		body.Tools = append(body.Tools, wireTool{
			Type:     "function",
			Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type != "" && rf.Type != "text" {
		body.ResponseFormat = &responseFormat{Type: rf.Type}
		if rf.Type == "json_schema" {
			body.ResponseFormat.JSONSchema = &jsonSchemaFormat{
				Name:   firstNonEmpty(rf.Name, "response"),
				Schema: rf.Schema,
				Strict: true,
			}
		}
	}
	return body
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// OpenAI registers the openai provider
type OpenAI struct{}

func (OpenAI) Name() string { return "openai" }

func (OpenAI) NewModel(_ context.Context, cfg provider.ModelConfig) (llm.Model, error) {
	return New(cfg)
}

// Azure registers the azure provider
type Azure struct{}

func (Azure) Name() string { return "azure" }

func (Azure) NewModel(_ context.Context, cfg provider.ModelConfig) (llm.Model, error) {
	return NewAzure(cfg)
}

// Together registers the together provider
type Together struct{}

func (Together) Name() string { return "together" }

func (Together) NewModel(_ context.Context, cfg provider.ModelConfig) (llm.Model, error) {
	return NewTogether(cfg)
}
