package testrun

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/logger"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/metrics"
)

// Summary aggregates one evaluator over the whole run
type Summary struct {
	Name string `json:"name"`
	// MeanScore averages numeric scores; bools count as 1 and 0, strings are skipped
	MeanScore        float64 `json:"meanScore"`
	PassedPercentage float64 `json:"passedPercentage"`
	Passed           bool    `json:"passed"`
	Entries          int     `json:"entries"`
	Errors           int     `json:"errors"`
}

// RunResult describes the finished run
type RunResult struct {
	ID     string    `json:"id"`
	Link   string    `json:"link"`
	Result []Summary `json:"result"`
}

// Result is returned by Run
type Result struct {
	FailedEntryIndices []int     `json:"failedEntryIndices"`
	TestRunResult      RunResult `json:"testRunResult"`
}

// Run validates the builder, processes every entry and summarises the local evaluators.
// Entries whose output or upload fails are reported in FailedEntryIndices and do not stop the run.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	info := RunInfo{ID: uuid.NewString()}
	if b.platform != nil {
		var err error
		info, err = b.platform.CreateTestRun(ctx, b.createRequest())
		if err != nil {
			return nil, fmt.Errorf("create test run: %w", err)
		}
	}

	log := b.log
	if log == nil {
		log = logger.WithTestRunID(info.ID)
	} else {
		log = log.With(zap.String("test_run_id", info.ID))
	}
	out := b.logger
	if out == nil {
		out = NewZapLogger(log)
	}
	out.Info(fmt.Sprintf("Created test run %q (%s)", b.name, info.ID))

	r := &run{Builder: b, info: info, out: out, log: log, agg: newAggregator(b.evaluators)}
	if err := r.process(ctx); err != nil {
		out.Error(fmt.Sprintf("Test run %q failed: %v", b.name, err))
		return nil, err
	}

	if b.platform != nil {
		if err := b.platform.CompleteTestRun(ctx, info.ID); err != nil {
			return nil, fmt.Errorf("complete test run: %w", err)
		}
	}

	res := &Result{
		FailedEntryIndices: r.failedIndices(),
		TestRunResult:      RunResult{ID: info.ID, Link: info.Link, Result: r.agg.summaries()},
	}
	out.Info(fmt.Sprintf("Test run %q finished: %d entries, %d failed", b.name, r.entries, len(res.FailedEntryIndices)))
	return res, nil
}

type run struct {
	*Builder
	info RunInfo
	out  TestRunLogger
	log  *zap.Logger
	agg  *aggregator

	mu      sync.Mutex
	failed  []int
	entries int
}

func (r *run) process(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	index := 0
	var fetchErr error
pages:
	for page := 0; ; page++ {
		if err := gctx.Err(); err != nil {
			break
		}
		rows, ok, err := r.data.fetch(gctx, r.platform, page)
		if err != nil {
			fetchErr = fmt.Errorf("fetch page %d: %w", page, err)
			break
		}
		if !ok {
			break
		}
		r.log.Debug("fetched page", zap.Int("page", page), zap.Int("rows", len(rows)))
		for _, row := range rows {
			if gctx.Err() != nil {
				break pages
			}
			idx, row := index, row
			index++
			g.Go(func() error {
				r.entry(gctx, idx, row)
				return nil
			})
		}
	}
	_ = g.Wait()

	if fetchErr != nil {
		return fetchErr
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.Timeout(fmt.Sprintf("test run %q timed out after %s", r.name, r.timeout))
		}
		return err
	}
	return nil
}

// entry processes one row; failures are recorded, never returned
func (r *run) entry(ctx context.Context, idx int, row Row) {
	r.mu.Lock()
	r.entries++
	r.mu.Unlock()

	entry, err := r.structure.entry(idx, row)
	if err != nil {
		r.fail(idx, err)
		return
	}

	output, err := r.output(ctx, entry)
	if err != nil {
		r.fail(idx, fmt.Errorf("entry %d: output: %w", idx, err))
		return
	}

	evals := r.evaluate(ctx, output, entry)
	r.agg.add(evals)

	if r.platform != nil {
		result := EntryResult{
			Index:          idx,
			Input:          entry.Input,
			ExpectedOutput: entry.ExpectedOutput,
			Context:        contextFor(output, entry),
			Variables:      entry.Variables,
			Output:         output.Data,
			Meta:           output.Meta,
			Evaluations:    evals,
		}
		if err := r.platform.PushEntry(ctx, r.info.ID, result); err != nil {
			r.fail(idx, fmt.Errorf("entry %d: push: %w", idx, err))
			return
		}
	}

	metrics.RecordTestRunEntry("passed")
	r.out.Processed(fmt.Sprintf("Processed entry %d", idx), ProcessedData{Entry: entry, Output: &output, Evaluations: evals})
}

func (r *run) output(ctx context.Context, entry Entry) (Output, error) {
	switch {
	case r.outputFn != nil:
		return r.outputFn(ctx, entry)
	case r.workflowID != "":
		return r.platform.ExecuteWorkflow(ctx, r.workflowID, entry)
	default:
		return r.platform.ExecutePromptVersion(ctx, r.promptVersionID, entry)
	}
}

func (r *run) evaluate(ctx context.Context, output Output, entry Entry) []EvaluationResult {
	if len(output.RetrievedContext) > 0 {
		entry.Context = output.RetrievedContext
	}
	var results []EvaluationResult
	for _, ev := range r.evaluators {
		if ev.Platform() {
			continue
		}
		scores, err := ev.Evaluate(ctx, output, entry)
		for _, name := range ev.Names() {
			res := EvaluationResult{Name: name}
			if err != nil {
				res.Error = err.Error()
				results = append(results, res)
				continue
			}
			res.Score = scores[name]
			criteria, _ := ev.Criteria(name)
			passed, perr := criteria.OnEachEntry.Passes(res.Score.Value)
			if perr != nil {
				res.Error = perr.Error()
			}
			res.Passed = passed
			results = append(results, res)
		}
		if err != nil {
			r.out.Error(fmt.Sprintf("Evaluator %v failed on entry %d: %v", ev.Names(), entry.Index, err))
		}
	}
	return results
}

func (r *run) fail(idx int, err error) {
	r.mu.Lock()
	r.failed = append(r.failed, idx)
	r.mu.Unlock()
	metrics.RecordTestRunEntry("failed")
	r.out.Error(err.Error())
}

func (r *run) failedIndices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]int{}, r.failed...)
	sort.Ints(out)
	return out
}

func contextFor(output Output, entry Entry) []string {
	if len(output.RetrievedContext) > 0 {
		return output.RetrievedContext
	}
	return entry.Context
}

// aggregator accumulates per-evaluator statistics across entries
type aggregator struct {
	mu       sync.Mutex
	order    []string
	criteria map[string]PassFailCriteria
	stats    map[string]*evalStats
}

type evalStats struct {
	sum     float64
	scored  int
	passed  int
	entries int
	errors  int
}

func newAggregator(evals []Evaluator) *aggregator {
	a := &aggregator{criteria: map[string]PassFailCriteria{}, stats: map[string]*evalStats{}}
	for _, ev := range evals {
		if ev.Platform() {
			continue
		}
		for _, name := range ev.Names() {
			c, _ := ev.Criteria(name)
			a.order = append(a.order, name)
			a.criteria[name] = c
			a.stats[name] = &evalStats{}
		}
	}
	return a
}

func (a *aggregator) add(results []EvaluationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, res := range results {
		s, ok := a.stats[res.Name]
		if !ok {
			continue
		}
		s.entries++
		if res.Error != "" {
			s.errors++
		}
		if res.Passed {
			s.passed++
		}
		if v, ok := toFloat(res.Score.Value); ok {
			s.sum += v
			s.scored++
		}
	}
}

func (a *aggregator) summaries() []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Summary, 0, len(a.order))
	for _, name := range a.order {
		s := a.stats[name]
		sum := Summary{Name: name, Entries: s.entries, Errors: s.errors}
		if s.scored > 0 {
			sum.MeanScore = s.sum / float64(s.scored)
		}
		if s.entries > 0 {
			sum.PassedPercentage = float64(s.passed) / float64(s.entries) * 100
		}
		sum.Passed = overall(a.criteria[name].ForTestRunOverall, sum)
		out = append(out, sum)
	}
	return out
}

// overall applies the run-level criterion. Without one the run passes when every entry passed.
func overall(c ForTestRunOverall, s Summary) bool {
	if c.OverallShouldBe == "" {
		return s.Entries > 0 && s.PassedPercentage == 100
	}
	value := s.PassedPercentage
	if c.For == AggregateAverage {
		value = s.MeanScore
	}
	passed, err := compare(value, c.OverallShouldBe, c.Value)
	return err == nil && passed
}
