package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

// Values are template variables
type Values map[string]any

// PromptTemplate formats a single text template. "{name}" is substituted;
// "{{" and "}}" render literal braces.
type PromptTemplate struct {
	text string
	vars []string
}

// FromTemplate parses text, failing on unbalanced braces
func FromTemplate(text string) (*PromptTemplate, error) {
	vars, err := parseVariables(text)
	if err != nil {
		return nil, err
	}
	return &PromptTemplate{text: text, vars: vars}, nil
}

// MustTemplate is FromTemplate for package-level templates
func MustTemplate(text string) *PromptTemplate {
	t, err := FromTemplate(text)
	if err != nil {
		panic(err)
	}
	return t
}

// Variables lists the template variables in sorted order
func (t *PromptTemplate) Variables() []string { return t.vars }

// Format substitutes values, every variable must be present
func (t *PromptTemplate) Format(values Values) (string, error) {
	var b strings.Builder
	text := t.text
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '{' && i+1 < len(text) && text[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(text) && text[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(text[i:], '}')
			name := strings.TrimSpace(text[i+1 : i+end])
			v, ok := values[name]
			if !ok {
				return "", apperrors.Validation(fmt.Sprintf("missing template variable %q", name))
			}
			b.WriteString(stringify(v))
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// Invoke formats the template into a single user message
func (t *PromptTemplate) Invoke(ctx context.Context, values Values, opts ...Option) ([]llm.Message, error) {
	return invokePrompt(ctx, "PromptTemplate", values, opts, func() ([]llm.Message, error) {
		text, err := t.Format(values)
		if err != nil {
			return nil, err
		}
		return []llm.Message{llm.User(text)}, nil
	})
}

func parseVariables(text string) ([]string, error) {
	seen := map[string]bool{}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				i++
				continue
			}
			end := strings.IndexByte(text[i:], '}')
			if end < 0 {
				return nil, apperrors.Validation(fmt.Sprintf("unclosed '{' at offset %d", i))
			}
			name := strings.TrimSpace(text[i+1 : i+end])
			if name == "" || strings.ContainsAny(name, "{ ") {
				return nil, apperrors.Validation(fmt.Sprintf("invalid template variable %q", name))
			}
			seen[name] = true
			i += end
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				i++
				continue
			}
			return nil, apperrors.Validation(fmt.Sprintf("unmatched '}' at offset %d", i))
		}
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars, nil
}

// MessageTemplate is one entry of a chat prompt
type MessageTemplate struct {
	role        string
	tmpl        *PromptTemplate
	placeholder string
}

// SystemTemplate is a system message template
func SystemTemplate(text string) MessageTemplate {
	return MessageTemplate{role: llm.RoleSystem, tmpl: MustTemplate(text)}
}

// HumanTemplate is a user message template
func HumanTemplate(text string) MessageTemplate {
	return MessageTemplate{role: llm.RoleUser, tmpl: MustTemplate(text)}
}

// AITemplate is an assistant message template
func AITemplate(text string) MessageTemplate {
	return MessageTemplate{role: llm.RoleAssistant, tmpl: MustTemplate(text)}
}

// Placeholder splices the []llm.Message stored under name, such as chat history
func Placeholder(name string) MessageTemplate {
	return MessageTemplate{placeholder: name}
}

// ChatPromptTemplate formats a list of message templates
type ChatPromptTemplate struct {
	messages []MessageTemplate
}

// FromMessages builds a chat prompt
func FromMessages(messages ...MessageTemplate) *ChatPromptTemplate {
	return &ChatPromptTemplate{messages: messages}
}

// Variables lists every variable and placeholder in sorted order
func (p *ChatPromptTemplate) Variables() []string {
	seen := map[string]bool{}
	for _, m := range p.messages {
		if m.placeholder != "" {
			seen[m.placeholder] = true
			continue
		}
		for _, v := range m.tmpl.vars {
			seen[v] = true
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Format renders the messages
func (p *ChatPromptTemplate) Format(values Values) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(p.messages))
	for _, m := range p.messages {
		if m.placeholder != "" {
			v, ok := values[m.placeholder]
			if !ok {
				return nil, apperrors.Validation(fmt.Sprintf("missing placeholder %q", m.placeholder))
			}
			msgs, ok := v.([]llm.Message)
			if !ok {
				return nil, apperrors.Validation(fmt.Sprintf("placeholder %q must hold []llm.Message, got %T", m.placeholder, v))
			}
			out = append(out, msgs...)
			continue
		}
		text, err := m.tmpl.Format(values)
		if err != nil {
			return nil, err
		}
		out = append(out, llm.Message{Role: m.role, Content: text})
	}
	return out, nil
}

func (p *ChatPromptTemplate) Invoke(ctx context.Context, values Values, opts ...Option) ([]llm.Message, error) {
	return invokePrompt(ctx, "ChatPromptTemplate", values, opts, func() ([]llm.Message, error) {
		return p.Format(values)
	})
}

func invokePrompt(ctx context.Context, name string, values Values, opts []Option, format func() ([]llm.Message, error)) ([]llm.Message, error) {
	ctx, run, h := startRun(ctx, name, callbacks.KindChain, resolve(opts), map[string]any(values))
	msgs, err := format()
	if h != nil {
		if err != nil {
			h.OnChainError(ctx, run, err)
		} else {
			h.OnChainEnd(ctx, run, map[string]any{"output": llm.Transcript(msgs)})
		}
	}
	return msgs, err
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case []llm.Message:
		return llm.Transcript(x)
	default:
		return fmt.Sprint(v)
	}
}

// render turns a value into callback text, JSON for anything structured
func render(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case llm.Message:
		return x.Content
	case []llm.Message:
		return llm.Transcript(x)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
