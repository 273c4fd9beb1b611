// Package bedrock calls the AWS Bedrock Converse API with SigV4-signed requests.
package bedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
)

const (
	signingName   = "bedrock"
	DefaultRegion = "us-east-1"
)

// Extra keys read by New
const (
	ExtraRegion       = "region"
	ExtraAccessKey    = "access_key_id"
	ExtraSecretKey    = "secret_access_key"
	ExtraSessionToken = "session_token"
)

// Client is a chat model backed by Bedrock Converse
type Client struct {
	model   string
	region  string
	baseURL string
	creds   aws.Credentials
	signer  *v4.Signer
	headers map[string]string
	http    *http.Client
	now     func() time.Time
}

// New creates a Bedrock client from explicit credentials in cfg.Extra
func New(cfg provider.ModelConfig) (*Client, error) {
	region := cfg.ExtraValue(ExtraRegion, DefaultRegion)
	creds := aws.Credentials{
		AccessKeyID:     cfg.ExtraValue(ExtraAccessKey, ""),
		SecretAccessKey: cfg.ExtraValue(ExtraSecretKey, ""),
		SessionToken:    cfg.ExtraValue(ExtraSessionToken, ""),
		Source:          "maxim-cookbooks",
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, errors.New("bedrock: access key id and secret access key are required")
	}
	if cfg.Model == "" {
		return nil, errors.New("bedrock: model id is required")
	}

	base := cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	return &Client{
		model:   cfg.Model,
		region:  region,
		baseURL: strings.TrimRight(base, "/"),
		creds:   creds,
		signer:  v4.NewSigner(),
		headers: cfg.Headers,
		http:    cfg.Client(),
		now:     time.Now,
	}, nil
}

// Name returns the model id
func (c *Client) Name() string { return c.model }

// Generate calls Converse
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	body, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	httpReq, err := c.newSignedRequest(ctx, modelID, payload)
	if err != nil {
		return nil, err
	}
	resp, err := provider.Do(c.http, "bedrock", httpReq)
	if err != nil {
		return nil, err
	}

	var out converseResponse
	if err := provider.DecodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	msg := llm.Message{Role: llm.RoleAssistant}
	var text strings.Builder
	for _, block := range out.Output.Message.Content {
		if block.Text != nil {
			text.WriteString(*block.Text)
		}
		if tu := block.ToolUse; tu != nil {
			args := string(tu.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: tu.ToolUseID, Name: tu.Name, Arguments: args})
		}
	}
	msg.Content = text.String()

	usage := llm.Usage{
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	return &llm.Response{
		ID:           resp.Header.Get("x-amzn-RequestId"),
		Model:        modelID,
		Message:      msg,
		FinishReason: finishReason(out.StopReason),
		Usage:        usage,
	}, nil
}

// Stream calls Converse and delivers the whole reply as a single chunk.
// ConverseStream frames its output in the binary AWS event-stream encoding.
func (c *Client) Stream(ctx context.Context, req llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	resp, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		if err := fn(llm.Chunk{Content: resp.Message.Content, ToolCalls: resp.Message.ToolCalls, FinishReason: resp.FinishReason}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Client) newSignedRequest(ctx context.Context, modelID string, payload []byte) (*http.Request, error) {
	escaped := strings.ReplaceAll(url.PathEscape(modelID), ":", "%3A")
	target, err := url.Parse(c.baseURL + "/model/" + escaped + "/converse")
	if err != nil {
		return nil, fmt.Errorf("bedrock: build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	sum := sha256.Sum256(payload)
	if err := c.signer.SignHTTP(ctx, c.creds, req, hex.EncodeToString(sum[:]), signingName, c.region, c.now()); err != nil {
		return nil, fmt.Errorf("bedrock: sign request: %w", err)
	}
	return req, nil
}

func buildRequest(req llm.Request) (converseRequest, error) {
	var body converseRequest
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			body.System = append(body.System, systemBlock{Text: m.Content})
		case llm.RoleTool:
			body.appendBlocks(llm.RoleUser, contentBlock{ToolResult: &toolResult{
				ToolUseID: m.ToolCallID,
				Content:   []toolResultContent{{Text: m.Content}},
			}})
		case llm.RoleAssistant:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, textBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				if !json.Valid(input) {
					return body, fmt.Errorf("bedrock: tool call %s has invalid arguments", tc.ID)
				}
				blocks = append(blocks, contentBlock{ToolUse: &toolUse{ToolUseID: tc.ID, Name: tc.Name, Input: input}})
			}
			body.appendBlocks(llm.RoleAssistant, blocks...)
		default:
			body.appendBlocks(llm.RoleUser, textBlock(m.Content))
		}
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		body.InferenceConfig = &inferenceConfig{
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: req.Stop,
		}
	}

	if len(req.Tools) > 0 {
		body.ToolConfig = &toolConfig{}
		for _, t := range req.Tools {
			schema := t.Parameters
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			body.ToolConfig.Tools = append(body.ToolConfig.Tools, tool{ToolSpec: toolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: inputSchema{JSON: schema},
			}})
		}
	}
	return body, nil
}

func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "content_filtered", "guardrail_intervened":
		return "content_filter"
	default:
		return stop
	}
}

// Provider registers the bedrock provider
type Provider struct{}

func (Provider) Name() string { return "bedrock" }

func (Provider) NewModel(_ context.Context, cfg provider.ModelConfig) (llm.Model, error) {
	return New(cfg)
}
