package support

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoshyam/maxim-cookbooks/internal/chain"
	"github.com/whoshyam/maxim-cookbooks/internal/graph"
	"github.com/whoshyam/maxim-cookbooks/internal/graph/checkpoint"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/tracer"
)

// deskModel answers like a support rep and routes on keywords in the conversation
type deskModel struct {
	mu       sync.Mutex
	requests []llm.Request
	// plainRouting answers routing calls without JSON
	plainRouting bool
}

func (m *deskModel) Name() string { return "desk" }

func (m *deskModel) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	system := req.Messages[0].Content
	user := strings.ToLower(llm.Transcript(req.Messages[1:]))
	if req.ResponseFormat != nil {
		route := RouteRespond
		switch {
		case strings.Contains(system, "wants to refund"):
			if strings.Contains(user, "transfer you to refunds") {
				route = RouteRefund
			}
		case strings.Contains(user, "refund") || strings.Contains(user, "charged"):
			route = RouteBilling
		case strings.Contains(user, "screen"):
			route = RouteTechnical
		}
		if m.plainRouting {
			return &llm.Response{Message: llm.Assistant(" " + strings.ToLower(route) + "\n")}, nil
		}
		return &llm.Response{Message: llm.Assistant(fmt.Sprintf(`{"nextRepresentative": %q}`, route))}, nil
	}

	var reply string
	switch {
	case strings.Contains(system, "billing support specialist"):
		reply = "I can help with that. Let me transfer you to refunds."
	case strings.Contains(system, "diagnosing technical"):
		reply = "Try holding the power button for ten seconds."
	case strings.Contains(user, "refund"), strings.Contains(user, "screen"):
		reply = "Please hold for a moment while I transfer you."
	default:
		reply = "Hello! How can I help you today?"
	}
	return &llm.Response{Message: llm.Assistant(reply)}, nil
}

func (m *deskModel) Stream(ctx context.Context, req llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	resp, err := m.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, fn(llm.Chunk{Content: resp.Message.Content})
}

func (m *deskModel) request(generationName string) (llm.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Metadata[tracer.MetaGenerationName] == generationName {
			return r, true
		}
	}
	return llm.Request{}, false
}

func newCompiled(t *testing.T, m *deskModel) *graph.Compiled[State] {
	t.Helper()
	agent, err := NewAgent(m, chain.CallOptions{Model: "desk-1"}, DefaultPrompts(), nil)
	require.NoError(t, err)
	compiled, err := agent.Compile(graph.CompileOptions{Checkpointer: checkpoint.NewMemory()})
	require.NoError(t, err)
	return compiled
}

func contents(msgs []llm.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestRefundNeedsAuthorization(t *testing.T) {
	m := &deskModel{}
	compiled := newCompiled(t, m)
	ctx := context.Background()
	cfg := graph.RunConfig{ThreadID: "refund_testing_id"}

	out, err := compiled.Invoke(ctx, Ask("I've changed my mind and I want a refund for order #182818!"), cfg)
	ni, ok := graph.AsInterrupt(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, NodeRefund, ni.Node)
	assert.Equal(t, "Human authorization required.", ni.Reason)
	assert.Equal(t, RouteRefund, out.NextRepresentative)
	assert.Equal(t, []string{
		"I've changed my mind and I want a refund for order #182818!",
		"Please hold for a moment while I transfer you.",
		"I can help with that. Let me transfer you to refunds.",
	}, contents(out.Messages))

	snap, err := compiled.GetState(ctx, cfg.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, NodeRefund, snap.Next)

	out, err = compiled.Resume(ctx, cfg.ThreadID, Authorize(), graph.RunConfig{})
	require.NoError(t, err)
	assert.True(t, out.RefundAuthorized)
	assert.Equal(t, "Refund processed!", llm.LastContent(out.Messages))
}

func TestBillingTrimsTrailingReply(t *testing.T) {
	m := &deskModel{}
	compiled := newCompiled(t, m)
	_, err := compiled.Invoke(context.Background(), Ask("I was charged twice"), graph.RunConfig{ThreadID: "t"})
	_, interrupted := graph.AsInterrupt(err)
	require.True(t, interrupted, "got %v", err)

	req, ok := m.request("billing_support")
	require.True(t, ok)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, llm.User("I was charged twice"), req.Messages[1])
	assert.Equal(t, 0.0, *req.Temperature)
	assert.Equal(t, "desk-1", req.Model)

	routing, ok := m.request("billing_support_routing")
	require.True(t, ok)
	assert.Contains(t, routing.Messages[1].Content, "<text>\nI can help with that.")
	require.NotNil(t, routing.ResponseFormat)
	assert.Equal(t, "json_object", routing.ResponseFormat.Type)
}

func TestTechnicalAndConversationalRoutes(t *testing.T) {
	tests := []struct {
		name     string
		question string
		route    string
		last     string
	}{
		{name: "technical", question: "My screen is flickering", route: RouteTechnical, last: "Try holding the power button for ten seconds."},
		{name: "conversational", question: "Hi there", route: RouteRespond, last: "Hello! How can I help you today?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled := newCompiled(t, &deskModel{})
			out, err := compiled.Invoke(context.Background(), Ask(tt.question), graph.RunConfig{ThreadID: tt.name})
			require.NoError(t, err)
			assert.Equal(t, tt.route, out.NextRepresentative)
			assert.Equal(t, tt.last, llm.LastContent(out.Messages))
		})
	}
}

func TestPlainRoutingReplyStillRoutes(t *testing.T) {
	compiled := newCompiled(t, &deskModel{plainRouting: true})
	out, err := compiled.Invoke(context.Background(), Ask("My screen is flickering"), graph.RunConfig{ThreadID: "t"})
	require.NoError(t, err)
	assert.Equal(t, RouteTechnical, out.NextRepresentative)
}

func TestMerge(t *testing.T) {
	base := State{Messages: []llm.Message{llm.User("a")}, NextRepresentative: RouteBilling}
	merged := Merge(base, State{Messages: []llm.Message{llm.Assistant("b")}})
	assert.Len(t, merged.Messages, 2)
	assert.Len(t, base.Messages, 1, "merge does not alias the input")
	assert.Equal(t, RouteBilling, merged.NextRepresentative)

	merged = Merge(merged, *Authorize())
	assert.True(t, merged.RefundAuthorized)
	assert.Equal(t, RouteBilling, merged.NextRepresentative)
}

func TestTrimTrailingAI(t *testing.T) {
	msgs := []llm.Message{llm.User("q"), llm.Assistant("hold on")}
	assert.Equal(t, msgs[:1], trimTrailingAI(msgs))
	assert.Equal(t, msgs[:1], trimTrailingAI(msgs[:1]))
	assert.Empty(t, trimTrailingAI(nil))
}

func TestPrompts(t *testing.T) {
	p := DefaultPrompts()
	assert.Equal(t, "LangCorp", p.Company)
	assert.Contains(t, p.Initial.System, "frontline support staff")
	assert.Equal(t, []string{"text"}, p.billingCategorize.Variables())

	_, err := ParsePrompts([]byte("company: x\n"))
	assert.True(t, apperrors.IsValidation(err))

	_, err = ParsePrompts([]byte("initial_support: [not, a, map]"))
	assert.True(t, apperrors.IsValidation(err))

	path := filepath.Join(t.TempDir(), "prompts.yaml")
	custom := strings.Replace(string(defaultPrompts), "Refund processed!", "Refund queued.", 1)
	require.NoError(t, os.WriteFile(path, []byte(custom), 0o600))
	loaded, err := LoadPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, "Refund queued.", loaded.Refund.Reply)
}
