package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

// Run metadata keys set on tool runs
const (
	MetaDescription = "description"
	MetaToolCallID  = "tool_call_id"
)

// Tool is a function the model may call. Arguments are validated against
// Parameters before the handler runs.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage

	resolved *jsonschema.Resolved
	handler  func(ctx context.Context, args json.RawMessage) (string, error)
}

// SchemaFor infers the JSON schema of T. Field descriptions come from
// `jsonschema:"..."` tags, fields without omitempty are required.
func SchemaFor[T any]() (*jsonschema.Schema, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("infer schema for %T: %w", *new(T), err)
	}
	return s, nil
}

// NewTool builds a tool whose arguments decode into T
func NewTool[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) (*Tool, error) {
	schema, err := SchemaFor[T]()
	if err != nil {
		return nil, err
	}
	return newTool(name, description, schema, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args T
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", apperrors.Validation(fmt.Sprintf("decode %s arguments: %v", name, err))
		}
		return fn(ctx, args)
	})
}

// MustTool is NewTool for package-level tools
func MustTool[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) *Tool {
	t, err := NewTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// NewRawTool builds a tool from a hand-written schema
func NewRawTool(name, description string, schema json.RawMessage, fn func(ctx context.Context, args json.RawMessage) (string, error)) (*Tool, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("parse %s schema: %v", name, err))
	}
	return newTool(name, description, &s, fn)
}

func newTool(name, description string, schema *jsonschema.Schema, fn func(context.Context, json.RawMessage) (string, error)) (*Tool, error) {
	if name == "" {
		return nil, apperrors.Validation("tool name is required")
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve %s schema: %w", name, err)
	}
	params, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", name, err)
	}
	return &Tool{Name: name, Description: description, Parameters: params, resolved: resolved, handler: fn}, nil
}

// Definition advertises the tool to a model
func (t *Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Call validates args and runs the handler inside a tool run
func (t *Tool) Call(ctx context.Context, callID, args string) (string, error) {
	meta := map[string]any{MetaDescription: t.Description}
	if callID != "" {
		meta[MetaToolCallID] = callID
	}
	run := callbacks.NewRun(ctx, t.Name, callbacks.KindTool, meta)
	h := callbacks.Resolve(ctx)
	if h != nil {
		h.OnToolStart(ctx, run, args)
	}

	out, err := t.call(callbacks.WithParent(ctx, run.ID), args)
	if h != nil {
		if err != nil {
			h.OnToolError(ctx, run, err)
		} else {
			h.OnToolEnd(ctx, run, out)
		}
	}
	return out, err
}

func (t *Tool) call(ctx context.Context, args string) (string, error) {
	if args == "" {
		args = "{}"
	}
	var instance any
	if err := json.Unmarshal([]byte(args), &instance); err != nil {
		return "", apperrors.Validation(fmt.Sprintf("%s arguments are not JSON: %v", t.Name, err))
	}
	if err := t.resolved.Validate(instance); err != nil {
		return "", apperrors.Validation(fmt.Sprintf("%s arguments: %v", t.Name, err))
	}
	return t.handler(ctx, json.RawMessage(args))
}

// Definitions returns the definitions of tools
func Definitions(tools []*Tool) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Definition())
	}
	return out
}

// ExecuteToolCalls runs each call in order and returns one tool message per
// call. Unknown tools and tool failures are reported back to the model as the
// message content; only context cancellation stops the loop.
func ExecuteToolCalls(ctx context.Context, tools []*Tool, calls []llm.ToolCall, log *zap.Logger) ([]llm.Message, error) {
	if log == nil {
		log = zap.NewNop()
	}
	byName := make(map[string]*Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	out := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		t, ok := byName[call.Name]
		if !ok {
			log.Warn("model called unknown tool", zap.String("tool", call.Name))
			out = append(out, llm.ToolResult(call.ID, call.Name, fmt.Sprintf("error: unknown tool %q", call.Name)))
			continue
		}
		result, err := t.Call(ctx, call.ID, call.Arguments)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return out, err
			}
			log.Debug("tool failed", zap.String("tool", call.Name), zap.Error(err))
			result = "error: " + err.Error()
		}
		out = append(out, llm.ToolResult(call.ID, call.Name, result))
	}
	return out, nil
}
