package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

// StringOutputParser returns the message content
type StringOutputParser struct{}

func (StringOutputParser) Invoke(ctx context.Context, msg llm.Message, opts ...Option) (string, error) {
	ctx, run, h := startRun(ctx, "StrOutputParser", callbacks.KindChain, resolve(opts), map[string]any{"input": msg.Content})
	if h != nil {
		h.OnChainEnd(ctx, run, map[string]any{"output": msg.Content})
	}
	return msg.Content, nil
}

// JSONOutputParser decodes the reply into T after validating it against T's schema
type JSONOutputParser[T any] struct {
	name     string
	schema   json.RawMessage
	resolved *jsonschema.Resolved
}

// NewJSONOutputParser infers the schema of T
func NewJSONOutputParser[T any](name string) (*JSONOutputParser[T], error) {
	schema, err := SchemaFor[T]()
	if err != nil {
		return nil, err
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve %s schema: %w", name, err)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", name, err)
	}
	return &JSONOutputParser[T]{name: name, schema: raw, resolved: resolved}, nil
}

// ResponseFormat asks the provider for output matching the schema
func (p *JSONOutputParser[T]) ResponseFormat() llm.ResponseFormat {
	return llm.ResponseFormat{Type: "json_schema", Name: p.name, Schema: p.schema}
}

// FormatInstructions tells the model the expected shape, for providers
// without structured output
func (p *JSONOutputParser[T]) FormatInstructions() string {
	return "Respond only with a JSON object that conforms to this JSON schema:\n" + string(p.schema)
}

// Parse validates and decodes text
func (p *JSONOutputParser[T]) Parse(text string) (T, error) {
	var out T
	body := stripFences(text)
	var instance any
	if err := json.Unmarshal([]byte(body), &instance); err != nil {
		return out, apperrors.Validation(fmt.Sprintf("%s: reply is not JSON: %v", p.name, err))
	}
	if err := p.resolved.Validate(instance); err != nil {
		return out, apperrors.Validation(fmt.Sprintf("%s: reply does not match schema: %v", p.name, err))
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, apperrors.Validation(fmt.Sprintf("%s: decode reply: %v", p.name, err))
	}
	return out, nil
}

func (p *JSONOutputParser[T]) Invoke(ctx context.Context, msg llm.Message, opts ...Option) (T, error) {
	ctx, run, h := startRun(ctx, "JsonOutputParser", callbacks.KindChain, resolve(opts), map[string]any{"input": msg.Content})
	out, err := p.Parse(msg.Content)
	if h != nil {
		if err != nil {
			h.OnChainError(ctx, run, err)
		} else {
			h.OnChainEnd(ctx, run, outputs(out))
		}
	}
	return out, err
}

// stripFences removes a surrounding ``` or ```json code fence
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
