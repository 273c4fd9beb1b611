package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/chain"
	"github.com/whoshyam/maxim-cookbooks/internal/graph"
	"github.com/whoshyam/maxim-cookbooks/internal/graph/checkpoint"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/logger"
	"github.com/whoshyam/maxim-cookbooks/internal/support"
)

func (a *app) supportCmd() *cobra.Command {
	var (
		threadID    string
		authorize   bool
		promptsFile string
		history     bool
	)
	cmd := &cobra.Command{
		Use:   "support [question]",
		Short: "Run the customer support graph",
		Long: `Run the LangCorp support graph: a frontline agent routes to billing or
technical support, and billing may hand off to refunds. A refund halts the
thread until it is authorized.

With a question the thread takes a new turn. --authorize-refund then resumes
an interrupted thread with the refund approved, in the same process or, with
a sqlite or redis checkpoint backend, in a later one:

  cookbook support --thread t1 "I want a refund for order #182818"
  cookbook support --thread t1 --authorize-refund`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 && !authorize && !history {
				return errors.New("ask a question, or pass --authorize-refund or --history with --thread")
			}
			if threadID == "" {
				threadID = uuid.NewString()
			}
			log := logger.WithThreadID(threadID)

			saver, err := checkpoint.Open(ctx, a.cfg.Checkpoint)
			if err != nil {
				return err
			}
			defer saver.Close()

			prompts := support.DefaultPrompts()
			if promptsFile != "" {
				if prompts, err = support.LoadPrompts(promptsFile); err != nil {
					return err
				}
			}

			// history only reads checkpoints, it needs neither Maxim nor a provider
			var (
				model llm.Model
				name  string
				hs    []callbacks.Handler
			)
			if !history {
				l, err := a.maximLogger(ctx)
				if err != nil {
					return err
				}
				_, hs = a.handlers(l)
				if model, name, err = a.model(ctx, nil); err != nil {
					return err
				}
			}
			agent, err := support.NewAgent(model, chain.CallOptions{Model: name}, prompts, log)
			if err != nil {
				return err
			}
			compiled, err := agent.Compile(graph.CompileOptions{Checkpointer: saver, Logger: log})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if history {
				return printHistory(ctx, out, compiled, threadID)
			}
			rc := graph.RunConfig{ThreadID: threadID, Callbacks: hs, Tags: map[string]string{"cookbook": "support"}}

			var state support.State
			if len(args) > 0 {
				state, err = compiled.Stream(ctx, support.Ask(question(args, "")), rc, func(s graph.Step[support.State]) error {
					fmt.Fprintf(out, "[%s] -> %s\n", s.Node, s.Next)
					return nil
				})
				if !interrupted(out, err) {
					return finish(out, threadID, state, err)
				}
				if !authorize {
					fmt.Fprintf(out, "thread %s is waiting, resume it with --authorize-refund\n", threadID)
					return nil
				}
			}

			log.Info("resuming with refund authorized")
			state, err = compiled.Resume(ctx, threadID, support.Authorize(), rc)
			if interrupted(out, err) {
				return nil
			}
			return finish(out, threadID, state, err)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id (default a new uuid)")
	cmd.Flags().BoolVar(&authorize, "authorize-refund", false, "Approve a pending refund and resume the thread")
	cmd.Flags().StringVar(&promptsFile, "prompts", "", "YAML prompt library replacing the embedded one")
	cmd.Flags().BoolVar(&history, "history", false, "Print the checkpoints of --thread and exit")
	return cmd
}

// interrupted prints the interrupt reason, if err is one
func interrupted(out io.Writer, err error) bool {
	ni, ok := graph.AsInterrupt(err)
	if ok {
		fmt.Fprintf(out, "interrupted before %s: %s\n", ni.Node, ni.Reason)
	}
	return ok
}

func finish(out io.Writer, threadID string, state support.State, err error) error {
	if err != nil {
		return fmt.Errorf("thread %s: %w", threadID, err)
	}
	fmt.Fprintln(out, llm.LastContent(state.Messages))
	return nil
}

func printHistory(ctx context.Context, out io.Writer, compiled *graph.Compiled[support.State], threadID string) error {
	snaps, err := compiled.History(ctx, threadID)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		line := fmt.Sprintf("%3d  %-18s -> %-18s %d messages", s.Step, s.Node, s.Next, len(s.State.Messages))
		if s.Interrupt != "" {
			line += "  (" + s.Interrupt + ")"
		}
		fmt.Fprintln(out, line)
	}
	logger.Debug("history printed", zap.String("thread_id", threadID), zap.Int("checkpoints", len(snaps)))
	return nil
}
