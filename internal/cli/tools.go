package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whoshyam/maxim-cookbooks/internal/chain"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/tracer"
)

type weatherArgs struct {
	Location string `json:"location" jsonschema:"city and country, e.g. Paris, France"`
	Unit     string `json:"unit,omitempty" jsonschema:"celsius or fahrenheit"`
}

// knowledge is the small corpus searched by the search_docs tool
var knowledge = []string{
	"Maxim traces group the spans, generations, retrievals and tool calls of one request.",
	"A session groups the traces of one multi-turn conversation and can carry user feedback.",
	"Generations record the provider, model, messages, parameters and token usage of a model call.",
	"Test runs execute a workflow or prompt version over a dataset and score every entry with evaluators.",
	"Deployed prompts are selected by deployment variables such as environment or tenant.",
}

func cookbookTools() []*chain.Tool {
	weather := chain.MustTool("get_weather", "Get the current weather in a given location",
		func(_ context.Context, args weatherArgs) (string, error) {
			unit := args.Unit
			if unit == "" {
				unit = "celsius"
			}
			temp := 22
			if unit == "fahrenheit" {
				temp = 72
			}
			return fmt.Sprintf("It is sunny and %d degrees %s in %s.", temp, unit, args.Location), nil
		})

	docs := chain.NewKeywordRetriever("maxim_docs", knowledge, 2)
	search := chain.MustTool("search_docs", "Search the Maxim documentation",
		func(ctx context.Context, args struct {
			Query string `json:"query" jsonschema:"what to look for"`
		}) (string, error) {
			hits, err := docs.Invoke(ctx, args.Query)
			if err != nil {
				return "", err
			}
			if len(hits) == 0 {
				return "no matching documents", nil
			}
			return strings.Join(hits, "\n"), nil
		})
	return []*chain.Tool{weather, search}
}

func (a *app) toolsCmd() *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "tools [question]",
		Short: "Answer a question with tool calls, logging each call",
		Long: `Bind get_weather and search_docs to the model and loop until it stops
calling tools. Each model call is a generation and each tool run a tool call,
all under one trace.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := a.maximLogger(ctx)
			if err != nil {
				return err
			}
			_, hs := a.handlers(l)
			model, name, err := a.model(ctx, hs)
			if err != nil {
				return err
			}

			chat := chain.NewChatModel(model, chain.CallOptions{Model: name}).
				WithLogger(a.log).
				BindTools(cookbookTools()...)
			agent := chain.Lambda("tool_agent", func(ctx context.Context, q string) (string, error) {
				transcript, err := chat.RunTools(ctx, []llm.Message{
					llm.System("Use the tools when they help. Answer briefly."),
					llm.User(q),
				}, rounds, chain.WithMetadata(map[string]any{tracer.MetaGenerationName: "tool_agent"}))
				if err != nil {
					return "", err
				}
				return llm.LastContent(transcript), nil
			})

			answer, err := agent.Invoke(ctx, question(args, "What's the weather in Paris, and what does a Maxim trace contain?"),
				chain.WithCallbacks(hs...))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().IntVar(&rounds, "max-rounds", chain.DefaultMaxToolRounds, "Model calls allowed before giving up")
	return cmd
}
