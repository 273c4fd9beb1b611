package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whoshyam/maxim-cookbooks/internal/logging"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/logger"
)

func (a *app) manualCmd() *cobra.Command {
	var (
		noSession bool
		score     int
		comment   string
	)
	cmd := &cobra.Command{
		Use:   "manual",
		Short: "Log a session, trace, span, generation, retrieval and tool call by hand",
		Long: `Build the log hierarchy directly with the logging API, without any model:
a session holding a trace, a span under it with a retrieval, a generation and
a tool call, then session feedback. Nothing is sent to a provider.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			l, err := a.maximLogger(ctx)
			if err != nil {
				return err
			}
			var session *logging.Session
			if !noSession {
				session = l.Session(logging.SessionConfig{ID: uuid.NewString(), Name: "manual session"})
			}
			traceID := manualTrace(ctx, l, session)
			if session != nil {
				f := logging.Feedback{Score: score}
				if comment != "" {
					f.Comment = &comment
				}
				session.SetFeedback(f)
				session.End()
			}
			logger.WithTraceID(traceID).Info("manual trace logged")
			fmt.Fprintln(cmd.OutOrStdout(), traceID)
			return l.Flush(ctx)
		},
	}
	cmd.Flags().BoolVar(&noSession, "no-session", false, "Log a standalone trace")
	cmd.Flags().IntVar(&score, "score", 3, "Session feedback score")
	cmd.Flags().StringVar(&comment, "comment", "This is a test feedback", "Session feedback comment")
	return cmd
}

// manualTrace logs one request by hand and returns the trace id
func manualTrace(ctx context.Context, l *logging.Logger, session *logging.Session) string {
	cfg := logging.TraceConfig{
		ID:    uuid.NewString(),
		Name:  "manual trace",
		Input: "Hello, world!",
		Tags:  map[string]string{"cookbook": "manual"},
	}
	var trace *logging.Trace
	if session != nil {
		trace = session.AddTrace(cfg)
	} else {
		trace = l.Trace(cfg)
	}
	defer trace.End()

	span, _ := logging.StartSpan(logging.WithTrace(ctx, trace), logging.SpanConfig{ID: uuid.NewString(), Name: "manual span"})
	defer span.End()

	retrieval := span.AddRetrieval(logging.RetrievalConfig{ID: uuid.NewString(), Name: "greeting docs"})
	retrieval.SetInput("how do people say hello")
	retrieval.SetOutput([]string{"Hello is the most common English greeting.", "Programs traditionally print Hello, world!"})

	gen := span.AddGeneration(logging.GenerationConfig{
		ID:       uuid.NewString(),
		Name:     "manual generation",
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []logging.CompletionRequest{
			{Role: "user", Content: "Hello, world!"},
		},
		ModelParameters: map[string]any{"temperature": 0.5},
	})
	gen.SetResult(logging.GenerationResult{
		ID:      uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "gpt-4o",
		Choices: []logging.Choice{{
			Message:      logging.ChoiceMessage{Role: "assistant", Content: "Hello, world!"},
			FinishReason: "stop",
		}},
		Usage: logging.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
	})

	tool := span.AddToolCall(logging.ToolCallConfig{
		ID:          uuid.NewString(),
		Name:        "get_time",
		Description: "Returns the current UTC time",
		Args:        `{"timezone":"UTC"}`,
	})
	tool.SetResult(time.Now().UTC().Format(time.RFC3339))

	span.AddEvent(logging.EventConfig{Name: "manual steps done", Metadata: map[string]any{"entities": 3}})
	trace.SetOutput("Hello, world!")
	return trace.ID()
}
