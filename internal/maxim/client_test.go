package maxim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoshyam/maxim-cookbooks/internal/logging"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/testrun"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Contains(t, err.Error(), "apiKey")

	_, err = New(Config{APIKey: "k", BaseURL: "not a url"})
	assert.Error(t, err)

	c, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}

func TestLoggerVerifiesRepository(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/api/sdk/v3/log-repositories", r.URL.Path)
		if r.URL.Query().Get("loggerId") == "known" {
			fmt.Fprint(w, `{"data":{"id":"known","name":"cookbooks"}}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"log repository not found"}}`)
	})
	ctx := context.Background()

	l, err := c.Logger(ctx, LoggerConfig{ID: "known", Writer: logging.NewMemoryWriter()})
	require.NoError(t, err)
	assert.Equal(t, "known", l.ID())

	again, err := c.Logger(ctx, LoggerConfig{ID: "known"})
	require.NoError(t, err)
	assert.Same(t, l, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "loggers are cached per repository")

	_, err = c.Logger(ctx, LoggerConfig{ID: "unknown"})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = c.Logger(ctx, LoggerConfig{})
	assert.True(t, apperrors.IsValidation(err))
}

func TestLoggerSkipVerifyAndCleanup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	ctx := context.Background()

	w := logging.NewMemoryWriter()
	l, err := c.Logger(ctx, LoggerConfig{ID: "repo", SkipVerify: true, Writer: w})
	require.NoError(t, err)
	l.Trace(logging.TraceConfig{Name: "t"}).End()

	require.NoError(t, c.Cleanup(ctx))
	assert.True(t, l.Closed())
	assert.Len(t, w.Find(logging.EntityTrace, logging.ActionCreate), 1)

	fresh, err := c.Logger(ctx, LoggerConfig{ID: "repo", SkipVerify: true, Writer: logging.NewMemoryWriter()})
	require.NoError(t, err)
	assert.NotSame(t, l, fresh, "a closed logger is replaced")
}

func TestEnvelopeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"message":"dataset is archived"}}`)
	})
	_, _, err := c.GetDatasetEntries(context.Background(), "ds", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dataset is archived")
}

func TestGetDatasetEntries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/sdk/v2/datasets/entries", r.URL.Path)
		assert.Equal(t, "ds-1", q.Get("datasetId"))
		assert.Equal(t, "100", q.Get("pageSize"))
		if q.Get("page") == "0" {
			fmt.Fprint(w, `{"data":{"entries":[{"Input":"q1","Expected Output":"a1"},{"Input":"q2"}]}}`)
			return
		}
		fmt.Fprint(w, `{"data":{"entries":[]}}`)
	})

	rows, ok, err := c.GetDatasetEntries(context.Background(), "ds-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, "q1", rows[0]["Input"])

	rows, ok, err = c.GetDatasetEntries(context.Background(), "ds-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, rows)
}

// fakeBackend records test run API calls
type fakeBackend struct {
	mu       sync.Mutex
	created  map[string]any
	pushed   []testrun.EntryResult
	complete string
}

func (f *fakeBackend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/api/sdk/v2/test-run/create":
			assert.NoError(t, json.Unmarshal(body, &f.created))
			fmt.Fprint(w, `{"data":{"id":"tr-9"}}`)
		case "/api/sdk/v2/datasets/entries":
			if r.URL.Query().Get("page") != "0" {
				fmt.Fprint(w, `{"data":{"entries":[]}}`)
				return
			}
			fmt.Fprint(w, `{"data":{"entries":[
				{"Input":"How long does shipping take?","Expected Output":"3-5 days","Context":"shipping policy"},
				{"Input":"Can I return without a receipt?","Expected Output":"yes","Context":"returns policy"}
			]}}`)
		case "/api/sdk/v1/test-run/execute/workflow":
			var req executeRequest
			assert.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "wf-1", req.WorkflowID)
			fmt.Fprintf(w, `{"data":{"output":"answer to %s","contextToEvaluate":["kb"],"meta":{"latency":12}}}`, req.Input)
		case "/api/sdk/v1/test-run/entries/push":
			var req struct {
				TestRunID string              `json:"testRunId"`
				Entry     testrun.EntryResult `json:"entry"`
			}
			assert.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "tr-9", req.TestRunID)
			f.pushed = append(f.pushed, req.Entry)
			w.WriteHeader(http.StatusNoContent)
		case "/api/sdk/v1/test-run/mark-complete":
			var req map[string]string
			assert.NoError(t, json.Unmarshal(body, &req))
			f.complete = req["testRunId"]
			fmt.Fprint(w, `{"data":null}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestCreateTestRunAgainstPlatform(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestClient(t, backend.handler(t))

	mentionsAnswer := testrun.CustomEvaluator("mentions-answer",
		func(_ context.Context, out testrun.Output, _ testrun.Entry) (testrun.Score, error) {
			return testrun.Score{Value: strings.HasPrefix(out.Data, "answer to")}, nil
		},
		testrun.PassFailCriteria{OnEachEntry: testrun.OnEachEntry{ScoreShouldBe: testrun.OpEqual, Value: true}},
	)

	res, err := c.CreateTestRun("shipping faq", "ws-1").
		WithDataStructure(testrun.DataStructure{
			"Input":           testrun.ColumnInput,
			"Expected Output": testrun.ColumnExpectedOutput,
			"Context":         testrun.ColumnContextToEvaluate,
		}).
		WithData(testrun.DatasetID("ds-1")).
		WithWorkflowID("wf-1").
		WithPlatformEvaluators("Faithfulness", "Semantic Similarity").
		WithEvaluators(mentionsAnswer).
		WithConcurrency(2).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "shipping faq", backend.created["name"])
	assert.Equal(t, "ds-1", backend.created["datasetId"])
	assert.Equal(t, []any{"Faithfulness", "Semantic Similarity"}, backend.created["evaluatorConfig"])

	assert.Empty(t, res.FailedEntryIndices)
	assert.Equal(t, "tr-9", res.TestRunResult.ID)
	assert.True(t, strings.HasSuffix(res.TestRunResult.Link, "/workspace/ws-1/testrun/tr-9"))
	require.Len(t, res.TestRunResult.Result, 1)
	assert.True(t, res.TestRunResult.Result[0].Passed)

	require.Len(t, backend.pushed, 2)
	for _, e := range backend.pushed {
		assert.Equal(t, []string{"kb"}, e.Context)
		assert.Equal(t, float64(12), e.Meta["latency"])
	}
	assert.Equal(t, "tr-9", backend.complete)
}
