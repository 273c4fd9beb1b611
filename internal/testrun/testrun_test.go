package testrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

var faqStructure = DataStructure{
	"Input":           ColumnInput,
	"Expected Output": ColumnExpectedOutput,
	"Context":         ColumnContextToEvaluate,
}

func faqRows(n int) Rows {
	rows := make(Rows, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, Row{
			"Input":           fmt.Sprintf("question %d", i),
			"Expected Output": fmt.Sprintf("answer %d", i),
			"Context":         []any{"policy", "faq"},
		})
	}
	return rows
}

func echo(_ context.Context, e Entry) (Output, error) {
	return Output{Data: strings.Replace(e.Input, "question", "answer", 1)}, nil
}

var exactMatch = CustomEvaluator("exact", func(_ context.Context, out Output, e Entry) (Score, error) {
	return Score{Value: out.Data == e.ExpectedOutput}, nil
}, PassFailCriteria{
	OnEachEntry:       OnEachEntry{ScoreShouldBe: OpEqual, Value: true},
	ForTestRunOverall: ForTestRunOverall{OverallShouldBe: OpGreaterEqual, Value: 80, For: AggregatePercentagePassed},
})

type recordingLogger struct {
	mu        sync.Mutex
	infos     []string
	errors    []string
	processed []ProcessedData
}

func (l *recordingLogger) Info(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Error(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Processed(_ string, data ProcessedData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processed = append(l.processed, data)
}

type fakePlatform struct {
	mu        sync.Mutex
	created   []CreateRequest
	pushed    []EntryResult
	completed []string
	pages     map[int][]Row
	pushErr   map[int]error
}

func (f *fakePlatform) CreateTestRun(_ context.Context, req CreateRequest) (RunInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return RunInfo{ID: "tr-1", Link: "https://app.getmaxim.ai/runs/tr-1"}, nil
}

func (f *fakePlatform) DatasetEntries(_ context.Context, _ string, page int) ([]Row, bool, error) {
	rows, ok := f.pages[page]
	return rows, ok, nil
}

func (f *fakePlatform) ExecuteWorkflow(_ context.Context, _ string, e Entry) (Output, error) {
	return Output{Data: "workflow: " + e.Input, RetrievedContext: []string{"retrieved"}}, nil
}

func (f *fakePlatform) ExecutePromptVersion(_ context.Context, _ string, e Entry) (Output, error) {
	return Output{Data: "prompt: " + e.Input}, nil
}

func (f *fakePlatform) PushEntry(_ context.Context, _ string, r EntryResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pushErr[r.Index]; err != nil {
		return err
	}
	f.pushed = append(f.pushed, r)
	return nil
}

func (f *fakePlatform) CompleteTestRun(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func TestDataStructureValidate(t *testing.T) {
	tests := []struct {
		name    string
		ds      DataStructure
		wantErr bool
	}{
		{"valid", faqStructure, false},
		{"input only", DataStructure{"q": ColumnInput}, false},
		{"variables", DataStructure{"q": ColumnInput, "a": ColumnVariable, "b": ColumnNullableVariable}, false},
		{"empty", DataStructure{}, true},
		{"no input", DataStructure{"a": ColumnExpectedOutput}, true},
		{"two inputs", DataStructure{"a": ColumnInput, "b": ColumnInput}, true},
		{"two expected", DataStructure{"q": ColumnInput, "a": ColumnExpectedOutput, "b": ColumnExpectedOutput}, true},
		{"two contexts", DataStructure{"q": ColumnInput, "a": ColumnContextToEvaluate, "b": ColumnContextToEvaluate}, true},
		{"unknown type", DataStructure{"q": ColumnInput, "x": "SCORE"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ds.Validate()
			if tt.wantErr {
				assert.True(t, apperrors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEntryResolution(t *testing.T) {
	ds := DataStructure{"q": ColumnInput, "ctx": ColumnContextToEvaluate, "lang": ColumnVariable, "tone": ColumnNullableVariable}

	e, err := ds.entry(3, Row{"q": "hi", "ctx": "single doc", "lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, 3, e.Index)
	assert.Equal(t, "hi", e.Input)
	assert.Equal(t, []string{"single doc"}, e.Context)
	assert.Equal(t, map[string]string{"lang": "en"}, e.Variables)

	_, err = ds.entry(0, Row{"q": "hi"})
	assert.Error(t, err, "VARIABLE columns are required")

	_, err = ds.entry(0, Row{"lang": "en"})
	assert.Error(t, err, "input is required")
}

func TestOnEachEntryPasses(t *testing.T) {
	tests := []struct {
		name  string
		crit  OnEachEntry
		score any
		want  bool
		err   bool
	}{
		{"bool equal", OnEachEntry{OpEqual, true}, true, true, false},
		{"bool not equal", OnEachEntry{OpNotEqual, true}, true, false, false},
		{"bool bad operator", OnEachEntry{OpGreater, true}, true, false, true},
		{"number gte", OnEachEntry{OpGreaterEqual, 0.7}, 0.7, true, false},
		{"number lt", OnEachEntry{OpLess, 3}, 4, false, false},
		{"int vs float", OnEachEntry{OpGreater, 1}, 1.5, true, false},
		{"string equal", OnEachEntry{OpEqual, "good"}, "good", true, false},
		{"string mismatch type", OnEachEntry{OpEqual, "good"}, 1, false, true},
		{"number from string", OnEachEntry{OpEqual, 1}, "1", false, true},
		{"unknown operator", OnEachEntry{"~", 1}, 1, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.crit.Passes(tt.score)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuilderValidation(t *testing.T) {
	p := &fakePlatform{}
	tests := []struct {
		name  string
		build func() *Builder
	}{
		{"no name", func() *Builder {
			return New("", "", nil, nil).WithDataStructure(faqStructure).WithData(faqRows(1)).YieldsOutput(echo)
		}},
		{"no data structure", func() *Builder {
			return New("run", "", nil, nil).WithData(faqRows(1)).YieldsOutput(echo)
		}},
		{"no data", func() *Builder {
			return New("run", "", nil, nil).WithDataStructure(faqStructure).YieldsOutput(echo)
		}},
		{"no output source", func() *Builder {
			return New("run", "", nil, nil).WithDataStructure(faqStructure).WithData(faqRows(1))
		}},
		{"two output sources", func() *Builder {
			return New("run", "ws", p, nil).WithDataStructure(faqStructure).WithData(faqRows(1)).
				YieldsOutput(echo).WithWorkflowID("wf")
		}},
		{"workflow without platform", func() *Builder {
			return New("run", "ws", nil, nil).WithDataStructure(faqStructure).WithData(faqRows(1)).WithWorkflowID("wf")
		}},
		{"dataset without platform", func() *Builder {
			return New("run", "ws", nil, nil).WithDataStructure(faqStructure).WithData(DatasetID("ds")).YieldsOutput(echo)
		}},
		{"platform without workspace", func() *Builder {
			return New("run", "", p, nil).WithDataStructure(faqStructure).WithData(faqRows(1)).YieldsOutput(echo)
		}},
		{"zero concurrency", func() *Builder {
			return New("run", "", nil, nil).WithDataStructure(faqStructure).WithData(faqRows(1)).
				YieldsOutput(echo).WithConcurrency(0)
		}},
		{"duplicate evaluator", func() *Builder {
			return New("run", "", nil, nil).WithDataStructure(faqStructure).WithData(faqRows(1)).
				YieldsOutput(echo).WithEvaluators(exactMatch, exactMatch)
		}},
		{"platform evaluator without platform", func() *Builder {
			return New("run", "", nil, nil).WithDataStructure(faqStructure).WithData(faqRows(1)).
				YieldsOutput(echo).WithPlatformEvaluators("Faithfulness")
		}},
		{"combined evaluator missing criteria", func() *Builder {
			ev := CombinedEvaluators("a", "b").Build(nil, map[string]PassFailCriteria{"a": {}})
			return New("run", "", nil, nil).WithDataStructure(faqStructure).WithData(faqRows(1)).
				YieldsOutput(echo).WithEvaluators(ev)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Run(context.Background())
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
		})
	}
}

func TestRunLocal(t *testing.T) {
	rows := faqRows(5)
	rows[2]["Expected Output"] = "something else"
	log := &recordingLogger{}

	res, err := New("local", "", nil, zap.NewNop()).
		WithDataStructure(faqStructure).
		WithData(rows).
		YieldsOutput(echo).
		WithEvaluators(exactMatch).
		WithConcurrency(2).
		WithLogger(log).
		Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, res.FailedEntryIndices)
	assert.NotEmpty(t, res.TestRunResult.ID)
	assert.Empty(t, res.TestRunResult.Link)
	require.Len(t, res.TestRunResult.Result, 1)
	sum := res.TestRunResult.Result[0]
	assert.Equal(t, "exact", sum.Name)
	assert.Equal(t, 5, sum.Entries)
	assert.InDelta(t, 0.8, sum.MeanScore, 1e-9)
	assert.InDelta(t, 80.0, sum.PassedPercentage, 1e-9)
	assert.True(t, sum.Passed)

	assert.Len(t, log.processed, 5)
	assert.NotEmpty(t, log.infos)
	assert.Empty(t, log.errors)
}

func TestRunFailedEntriesContinue(t *testing.T) {
	log := &recordingLogger{}
	res, err := New("failing", "", nil, nil).
		WithDataStructure(faqStructure).
		WithData(faqRows(6)).
		YieldsOutput(func(ctx context.Context, e Entry) (Output, error) {
			if e.Index%2 == 1 {
				return Output{}, errors.New("model unavailable")
			}
			return echo(ctx, e)
		}).
		WithEvaluators(exactMatch).
		WithLogger(log).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 5}, res.FailedEntryIndices)
	assert.Equal(t, 3, res.TestRunResult.Result[0].Entries)
	assert.Len(t, log.errors, 3)
}

func TestRunDataFuncPages(t *testing.T) {
	var calls []int
	data := DataFunc(func(page int) ([]Row, bool) {
		calls = append(calls, page)
		if page >= 3 {
			return nil, false
		}
		return faqRows(4), true
	})

	res, err := New("paged", "", nil, nil).
		WithDataStructure(faqStructure).
		WithData(data).
		YieldsOutput(echo).
		WithEvaluators(exactMatch).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, calls)
	assert.Equal(t, 12, res.TestRunResult.Result[0].Entries)
}

func TestRunRespectsConcurrency(t *testing.T) {
	var inFlight, peak int32
	_, err := New("limited", "", nil, nil).
		WithDataStructure(faqStructure).
		WithData(faqRows(12)).
		YieldsOutput(func(ctx context.Context, e Entry) (Output, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return echo(ctx, e)
		}).
		WithConcurrency(3).
		Run(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRunTimeout(t *testing.T) {
	_, err := New("slow", "", nil, nil).
		WithDataStructure(faqStructure).
		WithData(faqRows(4)).
		YieldsOutput(func(ctx context.Context, e Entry) (Output, error) {
			<-ctx.Done()
			return Output{}, ctx.Err()
		}).
		WithTimeout(20 * time.Millisecond).
		Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTimeout, apperrors.GetAppError(err).Code)
}

func TestRunCombinedEvaluator(t *testing.T) {
	combined := CombinedEvaluators("length", "tone").Build(
		func(_ context.Context, out Output, _ Entry) (map[string]Score, error) {
			return map[string]Score{
				"length": {Value: len(out.Data)},
				"tone":   {Value: "neutral", Reasoning: "no adjectives"},
			}, nil
		},
		map[string]PassFailCriteria{
			"length": {
				OnEachEntry:       OnEachEntry{ScoreShouldBe: OpLessEqual, Value: 8},
				ForTestRunOverall: ForTestRunOverall{OverallShouldBe: OpLess, Value: 9, For: AggregateAverage},
			},
			"tone": {OnEachEntry: OnEachEntry{ScoreShouldBe: OpEqual, Value: "neutral"}},
		},
	)

	res, err := New("combined", "", nil, nil).
		WithDataStructure(DataStructure{"q": ColumnInput}).
		WithData(Rows{{"q": "short"}, {"q": "a longer one"}}).
		YieldsOutput(func(_ context.Context, e Entry) (Output, error) { return Output{Data: e.Input}, nil }).
		WithEvaluators(combined).
		Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.TestRunResult.Result, 2)
	length, tone := res.TestRunResult.Result[0], res.TestRunResult.Result[1]
	assert.Equal(t, "length", length.Name)
	assert.InDelta(t, 8.5, length.MeanScore, 1e-9)
	assert.InDelta(t, 50.0, length.PassedPercentage, 1e-9)
	assert.True(t, length.Passed)

	assert.Equal(t, "tone", tone.Name)
	assert.Zero(t, tone.MeanScore, "string scores are not averaged")
	assert.True(t, tone.Passed)
}

func TestRunEvaluatorError(t *testing.T) {
	broken := CustomEvaluator("broken", func(context.Context, Output, Entry) (Score, error) {
		return Score{}, errors.New("judge offline")
	}, PassFailCriteria{OnEachEntry: OnEachEntry{ScoreShouldBe: OpEqual, Value: true}})

	res, err := New("broken", "", nil, nil).
		WithDataStructure(faqStructure).
		WithData(faqRows(2)).
		YieldsOutput(echo).
		WithEvaluators(broken).
		Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.FailedEntryIndices, "evaluator errors do not fail the entry")
	sum := res.TestRunResult.Result[0]
	assert.Equal(t, 2, sum.Errors)
	assert.False(t, sum.Passed)
}

func TestRunWithPlatform(t *testing.T) {
	p := &fakePlatform{
		pages:   map[int][]Row{0: faqRows(2), 1: faqRows(1)},
		pushErr: map[int]error{1: errors.New("push rejected")},
	}

	res, err := New("hosted", "ws-1", p, nil).
		WithDataStructure(faqStructure).
		WithData(DatasetID("ds-1")).
		WithWorkflowID("wf-1").
		WithPlatformEvaluators("Faithfulness").
		WithEvaluators(exactMatch).
		Run(context.Background())
	require.NoError(t, err)

	require.Len(t, p.created, 1)
	req := p.created[0]
	assert.Equal(t, "ws-1", req.WorkspaceID)
	assert.Equal(t, "ds-1", req.DatasetID)
	assert.Equal(t, "wf-1", req.WorkflowID)
	assert.Equal(t, []string{"Faithfulness"}, req.PlatformEvaluators)
	assert.Equal(t, []string{"exact"}, req.LocalEvaluators)

	assert.Equal(t, []string{"tr-1"}, p.completed)
	assert.Equal(t, "https://app.getmaxim.ai/runs/tr-1", res.TestRunResult.Link)
	assert.Equal(t, []int{1}, res.FailedEntryIndices)

	require.Len(t, p.pushed, 2)
	for _, pushed := range p.pushed {
		assert.True(t, strings.HasPrefix(pushed.Output, "workflow: "))
		assert.Equal(t, []string{"retrieved"}, pushed.Context, "retrieved context replaces dataset context")
		require.Len(t, pushed.Evaluations, 1)
	}
	require.Len(t, res.TestRunResult.Result, 1, "platform evaluators are summarised by the platform")
}

func TestRunPromptVersion(t *testing.T) {
	p := &fakePlatform{}
	res, err := New("prompt", "ws-1", p, nil).
		WithDataStructure(faqStructure).
		WithData(faqRows(1)).
		WithPromptVersionID("pv-1").
		Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.FailedEntryIndices)
	require.Len(t, p.pushed, 1)
	assert.Equal(t, "prompt: question 0", p.pushed[0].Output)
}

func TestOverall(t *testing.T) {
	s := Summary{Entries: 4, MeanScore: 0.6, PassedPercentage: 75}
	assert.False(t, overall(ForTestRunOverall{}, s), "default needs every entry to pass")
	assert.True(t, overall(ForTestRunOverall{}, Summary{Entries: 2, PassedPercentage: 100}))
	assert.True(t, overall(ForTestRunOverall{OverallShouldBe: OpGreaterEqual, Value: 0.5, For: AggregateAverage}, s))
	assert.False(t, overall(ForTestRunOverall{OverallShouldBe: OpGreater, Value: 80, For: AggregatePercentagePassed}, s))
	assert.False(t, overall(ForTestRunOverall{OverallShouldBe: "??", Value: 1}, s))
}
