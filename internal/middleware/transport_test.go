package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoshyam/maxim-cookbooks/internal/logging"
)

func setup(t *testing.T, h http.HandlerFunc) (*httptest.Server, *http.Client, *logging.Logger, *logging.MemoryWriter) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	w := logging.NewMemoryWriter()
	logger, err := logging.New(logging.Config{ID: "repo"}, w)
	require.NoError(t, err)

	tr, err := NewTransport(Config{Logger: logger, GenerationName: "chat"})
	require.NoError(t, err)
	return srv, tr.Client(), logger, w
}

func post(t *testing.T, ctx context.Context, client *http.Client, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

const chatBody = `{"model":"gpt-4o-mini","temperature":0.5,"messages":[
	{"role":"system","content":"be brief"},
	{"role":"user","content":[{"type":"text","text":"hello"}]}
]}`

func TestTransportJSON(t *testing.T) {
	srv, client, _, w := setup(t, func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, chatBody, string(body), "request body must reach the server untouched")
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi!"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":8,"completion_tokens":2,"total_tokens":10}}`)
	})

	ctx := logging.WithTags(context.Background(), map[string]string{"user": "u1"})
	resp := post(t, ctx, client, srv.URL+"/v1/chat/completions", chatBody)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, string(body), `"content":"hi!"`)

	created := w.Find(logging.EntityTrace, logging.ActionCreate)
	require.Len(t, created, 1)
	assert.Equal(t, "hello", created[0].Data["input"])
	assert.Equal(t, map[string]string{"user": "u1"}, created[0].Data["tags"])

	gens := w.Find(logging.EntityTrace, logging.ActionAddGeneration)
	require.Len(t, gens, 1)
	assert.Equal(t, "chat", gens[0].Data["name"])
	assert.Equal(t, "gpt-4o-mini", gens[0].Data["model"])
	msgs := gens[0].Data["messages"].([]logging.CompletionRequest)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)

	results := w.Find(logging.EntityGeneration, logging.ActionResult)
	require.Len(t, results, 1)
	result := results[0].Data["result"].(logging.GenerationResult)
	assert.Equal(t, 10, result.Usage.TotalTokens)
	assert.Equal(t, "hi!", result.Choices[0].Message.Content)

	outputs := w.Find(logging.EntityTrace, logging.ActionSetOutput)
	require.Len(t, outputs, 1)
	assert.Equal(t, "hi!", outputs[0].Data["output"])
	assert.Len(t, w.Find(logging.EntityTrace, logging.ActionEnd), 1)
}

func TestTransportUsesTraceFromContext(t *testing.T) {
	srv, client, logger, w := setup(t, func(rw http.ResponseWriter, r *http.Request) {
		fmt.Fprint(rw, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	trace := logger.Trace(logging.TraceConfig{Name: "outer"})
	ctx := logging.WithTrace(context.Background(), trace)
	resp := post(t, ctx, client, srv.URL+"/chat/completions", `{"model":"m","messages":[{"role":"user","content":"x"}]}`)
	resp.Body.Close()

	gens := w.Find(logging.EntityTrace, logging.ActionAddGeneration)
	require.Len(t, gens, 1)
	assert.Equal(t, trace.ID(), gens[0].ID)
	assert.Empty(t, w.Find(logging.EntityTrace, logging.ActionEnd), "caller-owned trace stays open")

	results := w.Find(logging.EntityGeneration, logging.ActionResult)
	require.Len(t, results, 1)
	// usage was absent and gets estimated
	assert.Positive(t, results[0].Data["result"].(logging.GenerationResult).Usage.TotalTokens)
}

func TestTransportStream(t *testing.T) {
	srv, client, _, w := setup(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/event-stream")
		for _, data := range []string{
			`{"id":"c1","model":"gpt-4o","choices":[{"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"c1","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			`[DONE]`,
		} {
			fmt.Fprintf(rw, "data: %s\n\n", data)
		}
	})

	resp := post(t, context.Background(), client, srv.URL+"/chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	assert.Empty(t, w.Find(logging.EntityGeneration, logging.ActionResult), "result waits for the body")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, string(body), "[DONE]")

	results := w.Find(logging.EntityGeneration, logging.ActionResult)
	require.Len(t, results, 1)
	result := results[0].Data["result"].(logging.GenerationResult)
	assert.Equal(t, "Hello", result.Choices[0].Message.Content)
	assert.Equal(t, "stop", result.Choices[0].FinishReason)
	assert.Equal(t, 5, result.Usage.TotalTokens)
	assert.Equal(t, "c1", result.ID)
}

func TestTransportErrorStatus(t *testing.T) {
	srv, client, _, w := setup(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(rw, `{"error":{"message":"bad key"}}`)
	})

	resp := post(t, context.Background(), client, srv.URL+"/chat/completions", `{"model":"m","messages":[]}`)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "bad key", "caller still sees the error body")

	errs := w.Find(logging.EntityGeneration, logging.ActionError)
	require.Len(t, errs, 1)
	genErr := errs[0].Data["error"].(logging.GenerationError)
	assert.Equal(t, "401", genErr.Code)
	assert.Contains(t, genErr.Message, "bad key")
}

func TestTransportPassesThroughOtherPaths(t *testing.T) {
	srv, client, _, w := setup(t, func(rw http.ResponseWriter, r *http.Request) {
		fmt.Fprint(rw, "ok")
	})

	resp := post(t, context.Background(), client, srv.URL+"/v1/embeddings", `{"input":"x"}`)
	resp.Body.Close()

	getResp, err := client.Get(srv.URL + "/chat/completions")
	require.NoError(t, err)
	getResp.Body.Close()

	assert.Empty(t, w.Commits())
}

func TestNewTransportRequiresLogger(t *testing.T) {
	_, err := NewTransport(Config{})
	assert.Error(t, err)
}
