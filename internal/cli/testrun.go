package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/whoshyam/maxim-cookbooks/internal/chain"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/logger"
	"github.com/whoshyam/maxim-cookbooks/internal/testrun"
	"github.com/whoshyam/maxim-cookbooks/internal/tracer"
)

var qaStructure = testrun.DataStructure{
	"Input":           testrun.ColumnInput,
	"Expected Output": testrun.ColumnExpectedOutput,
	"Context":         testrun.ColumnContextToEvaluate,
}

var qaRows = testrun.Rows{
	{
		"Input":           "What is the capital of France?",
		"Expected Output": "Paris is the capital of France.",
		"Context":         "France is a country in Western Europe. Its capital and largest city is Paris.",
	},
	{
		"Input":           "Explain what a trace is in LLM observability",
		"Expected Output": "A trace records every step of one request, including model calls and tool calls.",
		"Context":         []string{"A trace groups the spans of one request.", "Generations inside a trace record model calls."},
	},
	{
		"Input":           "Summarize the benefits of unit tests",
		"Expected Output": "Unit tests catch regressions early and document expected behaviour.",
		"Context":         "Unit tests run quickly, catch regressions early and act as executable documentation.",
	},
}

// completeness scores how much of the question and expected answer the output covers
func completeness(_ context.Context, out testrun.Output, e testrun.Entry) (testrun.Score, error) {
	words := strings.Fields(strings.ToLower(out.Data))
	covered := func(text string) (hit, total int) {
		for _, k := range strings.Fields(strings.ToLower(text)) {
			if len(k) <= 3 {
				continue
			}
			total++
			for _, w := range words {
				if strings.Contains(w, k) || strings.Contains(k, w) {
					hit++
					break
				}
			}
		}
		return hit, total
	}
	addressing, content := 1.0, 0.5
	if hit, total := covered(e.Input); total > 0 {
		addressing = float64(hit) / float64(total)
	}
	if hit, total := covered(e.ExpectedOutput); total > 0 {
		content = float64(hit) / float64(total)
	}
	score := addressing*0.6 + content*0.4
	return testrun.Score{
		Value:     score,
		Reasoning: fmt.Sprintf("addresses %.0f%% of the question, covers %.0f%% of the expected answer", addressing*100, content*100),
	}, nil
}

// tone fails outputs that are dismissive or shouting
func tone(_ context.Context, out testrun.Output, _ testrun.Entry) (testrun.Score, error) {
	lower := strings.ToLower(out.Data)
	for _, bad := range []string{"obviously", "stupid", "whatever", "i don't care"} {
		if strings.Contains(lower, bad) {
			return testrun.Score{Value: false, Reasoning: "uses dismissive language: " + bad}, nil
		}
	}
	if out.Data != "" && out.Data == strings.ToUpper(out.Data) && strings.ToLower(out.Data) != out.Data {
		return testrun.Score{Value: false, Reasoning: "written in capitals"}, nil
	}
	return testrun.Score{Value: true, Reasoning: "tone is appropriate"}, nil
}

func localEvaluators() []testrun.Evaluator {
	return []testrun.Evaluator{
		testrun.CustomEvaluator("completeness-evaluator", completeness, testrun.PassFailCriteria{
			OnEachEntry:       testrun.OnEachEntry{ScoreShouldBe: testrun.OpGreaterEqual, Value: 0.6},
			ForTestRunOverall: testrun.ForTestRunOverall{OverallShouldBe: testrun.OpGreaterEqual, Value: 70, For: testrun.AggregatePercentagePassed},
		}),
		testrun.CustomEvaluator("tone-evaluator", tone, testrun.PassFailCriteria{
			OnEachEntry:       testrun.OnEachEntry{ScoreShouldBe: testrun.OpEqual, Value: true},
			ForTestRunOverall: testrun.ForTestRunOverall{OverallShouldBe: testrun.OpGreaterEqual, Value: 85, For: testrun.AggregatePercentagePassed},
		}),
	}
}

func (a *app) testrunCmd() *cobra.Command {
	var (
		name        string
		concurrency int
		local       bool
		dataset     bool
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "testrun",
		Short: "Run a test run with local evaluators over the selected model",
		Long: `Answer every row with the --provider model and score the answers with a
completeness and a tone evaluator. The run is reported to Maxim unless --local
or --dry-run is set; reported runs also get the platform "Bias" evaluator.
--dataset pages rows from MAXIM_DATASET_ID instead of the built-in rows.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			local = local || a.opts.dryRun

			model, modelName, err := a.model(ctx, nil)
			if err != nil {
				return err
			}
			chat := chain.NewChatModel(model, chain.CallOptions{Model: modelName, Temperature: llm.Float(0)}).WithLogger(a.log)

			if name == "" {
				name = fmt.Sprintf("local evaluators local workflow test on %d", time.Now().Unix())
			}
			var b *testrun.Builder
			if local {
				b = testrun.New(name, a.cfg.Maxim.WorkspaceID, nil, a.log.Named("testrun"))
			} else {
				if err := a.cfg.Require("MAXIM_WORKSPACE_ID"); err != nil {
					return err
				}
				c, err := a.maximClient()
				if err != nil {
					return err
				}
				b = c.CreateTestRun(name, a.cfg.Maxim.WorkspaceID).WithPlatformEvaluators("Bias")
			}

			var data testrun.Data = qaRows
			if dataset {
				if local {
					return fmt.Errorf("--dataset needs the platform, drop --local and --dry-run")
				}
				if err := a.cfg.Require("MAXIM_DATASET_ID"); err != nil {
					return err
				}
				data = testrun.DatasetID(a.cfg.Maxim.DatasetID)
			}

			res, err := b.WithDataStructure(qaStructure).
				WithData(data).
				YieldsOutput(answerWith(chat)).
				WithEvaluators(localEvaluators()...).
				WithConcurrency(concurrency).
				WithTimeout(timeout).
				WithLogger(testrun.NewZapLogger(logger.WithTestRunID(name))).
				Run(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "========Test run results========")
			fmt.Fprintln(out, "Failed entries:", res.FailedEntryIndices)
			if res.TestRunResult.Link != "" {
				fmt.Fprintln(out, "Test run link:", res.TestRunResult.Link)
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res.TestRunResult.Result)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Test run name")
	cmd.Flags().IntVar(&concurrency, "concurrency", 3, "Entries processed in parallel")
	cmd.Flags().BoolVar(&local, "local", false, "Keep the run local, nothing is reported to Maxim")
	cmd.Flags().BoolVar(&dataset, "dataset", false, "Read rows from the configured Maxim dataset")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall run timeout")
	return cmd
}

// answerWith answers each entry with chat, grounding it in the entry's context
func answerWith(chat *chain.ChatModel) testrun.OutputFunc {
	return func(ctx context.Context, e testrun.Entry) (testrun.Output, error) {
		start := time.Now()
		system := "Answer in one or two sentences."
		if len(e.Context) > 0 {
			system += " Use this context:\n" + strings.Join(e.Context, "\n")
		}
		resp, err := chat.Generate(ctx, []llm.Message{llm.System(system), llm.User(e.Input)},
			chain.WithMetadata(map[string]any{tracer.MetaGenerationName: "testrun_entry"}))
		if err != nil {
			return testrun.Output{}, err
		}
		return testrun.Output{
			Data:             resp.Message.Content,
			RetrievedContext: e.Context,
			Meta: map[string]any{
				"usage":   resp.Usage,
				"latency": time.Since(start).Milliseconds(),
				"model":   resp.Model,
			},
		}, nil
	}
}
