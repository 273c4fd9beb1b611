package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/chain"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/logging"
	"github.com/whoshyam/maxim-cookbooks/internal/middleware"
	"github.com/whoshyam/maxim-cookbooks/internal/tracer"
)

const defaultQuestion = "What is the capital of France?"

func question(args []string, def string) string {
	if q := strings.TrimSpace(strings.Join(args, " ")); q != "" {
		return q
	}
	return def
}

func (a *app) chatCmd() *cobra.Command {
	var (
		system    string
		transport bool
		tags      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "chat [question]",
		Short: "Send one chat completion and log it",
		Long: `Send one chat completion and log it as a trace with a single generation.

With --transport the call is logged by an HTTP transport wrapped around the
provider's client instead of by callbacks. Only OpenAI-compatible providers
(openai, azure, together) can be traced this way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := a.maximLogger(ctx)
			if err != nil {
				return err
			}

			mc, err := a.modelConfig(a.opts.provider)
			if err != nil {
				return err
			}
			if transport {
				switch mc.Provider {
				case "openai", "azure", "together":
				default:
					return fmt.Errorf("--transport needs an OpenAI-compatible provider, got %q", mc.Provider)
				}
				t, err := middleware.NewTransport(middleware.Config{Logger: l, Provider: mc.Provider, GenerationName: "chat", Log: a.log})
				if err != nil {
					return err
				}
				mc.HTTPClient = t.Client()
			} else {
				_, mc.Callbacks = a.handlers(l, tracer.WithTags(tags))
			}
			model, err := a.newModel(ctx, mc)
			if err != nil {
				return err
			}

			msgs := []llm.Message{llm.User(question(args, defaultQuestion))}
			if system != "" {
				msgs = append([]llm.Message{llm.System(system)}, msgs...)
			}
			ctx = logging.WithTags(ctx, tags)
			reply, err := chain.NewChatModel(model, chain.CallOptions{Model: mc.Model}).WithLogger(a.log).
				Invoke(ctx, msgs, chain.WithMetadata(map[string]any{
					tracer.MetaTraceName:      "chat",
					tracer.MetaGenerationName: "chat",
				}))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
			return nil
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().BoolVar(&transport, "transport", false, "Log through the HTTP transport instead of callbacks")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "Trace tags as key=value")
	return cmd
}

func (a *app) streamCmd() *cobra.Command {
	var system string
	cmd := &cobra.Command{
		Use:   "stream [question]",
		Short: "Stream a chat completion and log it",
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

			msgs := []llm.Message{llm.User(question(args, "Tell me a short story about a lighthouse keeper."))}
			if system != "" {
				msgs = append([]llm.Message{llm.System(system)}, msgs...)
			}
			out := cmd.OutOrStdout()
			resp, err := chain.NewChatModel(model, chain.CallOptions{Model: name}).WithLogger(a.log).
				Stream(ctx, msgs, func(c llm.Chunk) error {
					_, err := fmt.Fprint(out, c.Content)
					return err
				}, chain.WithMetadata(map[string]any{
					tracer.MetaTraceName:      "stream",
					tracer.MetaGenerationName: "stream",
				}))
			fmt.Fprintln(out)
			if err != nil {
				return err
			}
			a.log.Debug("stream finished",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens))
			return nil
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	return cmd
}
