package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whoshyam/maxim-cookbooks/internal/chain"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/tracer"
)

type joke struct {
	Setup     string `json:"setup" jsonschema:"the question that sets up the joke"`
	Punchline string `json:"punchline" jsonschema:"the answer that resolves it"`
}

var jokePrompt = chain.FromMessages(
	chain.SystemTemplate("You are a comedian who writes clean one-liners."),
	chain.HumanTemplate("Tell me a joke about {topic}."),
)

func (a *app) chainCmd() *cobra.Command {
	var structured bool
	cmd := &cobra.Command{
		Use:   "chain [topic]",
		Short: "Run a prompt | model | parser pipeline",
		Long: `Run a three step pipeline: a chat prompt template, the model and an output
parser. The pipeline is a trace, each step a span and the model call a
generation. --json asks for a structured joke and validates it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := a.maximLogger(ctx)
			if err != nil {
				return err
			}
			_, hs := a.handlers(l)
			model, name, err := a.model(ctx, nil)
			if err != nil {
				return err
			}
			chat := chain.NewChatModel(model, chain.CallOptions{Model: name, Temperature: llm.Float(0.7)}).WithLogger(a.log)
			values := chain.Values{"topic": question(args, "observability")}
			opts := []chain.Option{
				chain.WithCallbacks(hs...),
				chain.WithMetadata(map[string]any{tracer.MetaGenerationName: "joke"}),
			}

			if !structured {
				joker := chain.Pipe3[chain.Values, []llm.Message, llm.Message, string]("joke_chain", jokePrompt, chat, chain.StringOutputParser{})
				out, err := joker.Invoke(ctx, values, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			}

			parser, err := chain.NewJSONOutputParser[joke]("joke")
			if err != nil {
				return err
			}
			prompt := chain.FromMessages(
				chain.SystemTemplate("You are a comedian who writes clean one-liners.\n{format_instructions}"),
				chain.HumanTemplate("Tell me a joke about {topic}."),
			)
			values["format_instructions"] = parser.FormatInstructions()
			joker := chain.Pipe3[chain.Values, []llm.Message, llm.Message, joke]("structured_joke_chain",
				prompt, chat.WithResponseFormat(parser.ResponseFormat()), parser)
			out, err := joker.Invoke(ctx, values, opts...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&structured, "json", false, "Ask for a structured joke")
	return cmd
}
