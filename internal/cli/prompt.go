package cli

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/chain"
	"github.com/whoshyam/maxim-cookbooks/internal/maxim"
	"github.com/whoshyam/maxim-cookbooks/internal/tracer"
)

func (a *app) promptCmd() *cobra.Command {
	var (
		promptID   string
		deployment map[string]string
		tags       map[string]string
		folder     string
		exact      bool
		variables  map[string]string
		run        bool
	)
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Fetch a deployed prompt and optionally run it",
		Long: `Fetch the prompt version deployed under the given deployment variables,
print its messages with --var values filled in and, with --run, send them to
the --provider model.

Example:
  cookbook prompt --id $MAXIM_PROMPT_ID --deployment Environment=prod --var city=Paris --run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if promptID == "" {
				promptID = a.cfg.Maxim.PromptID
			}
			if promptID == "" {
				return a.cfg.Require("MAXIM_PROMPT_ID")
			}
			c, err := a.maximClient()
			if err != nil {
				return err
			}

			qb := maxim.NewQueryBuilder().And()
			for _, k := range slices.Sorted(maps.Keys(deployment)) {
				qb.DeploymentVar(k, deployment[k])
			}
			for _, k := range slices.Sorted(maps.Keys(tags)) {
				qb.Tag(k, tags[k])
			}
			if folder != "" {
				qb.Folder(folder)
			}
			if exact {
				qb.ExactMatch()
			}
			rule := qb.Build()
			a.log.Debug("fetching prompt", zap.String("prompt_id", promptID), zap.Stringer("rule", rule))

			p, err := c.GetPrompt(ctx, promptID, rule)
			if err != nil {
				return err
			}
			vars := make(map[string]any, len(variables))
			for k, v := range variables {
				vars[k] = v
			}
			msgs := p.Compile(vars)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "prompt %s version %d (%s/%s)\n", p.PromptID, p.Version, p.Provider, p.Model)
			if missing := missingVariables(p.Variables(), variables); len(missing) > 0 {
				fmt.Fprintf(out, "unfilled variables: %v\n", missing)
			}
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
			}
			if !run {
				return nil
			}

			l, err := a.maximLogger(ctx)
			if err != nil {
				return err
			}
			_, hs := a.handlers(l)
			model, name, err := a.model(ctx, hs)
			if err != nil {
				return err
			}
			reply, err := chain.NewChatModel(model, chain.CallOptions{Model: name}).WithLogger(a.log).
				Invoke(ctx, msgs, chain.WithMetadata(map[string]any{
					tracer.MetaTraceName:      "prompt " + p.PromptID,
					tracer.MetaGenerationName: "prompt_version_" + p.ID,
				}))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s\n", reply.Content)
			return nil
		},
	}
	cmd.Flags().StringVar(&promptID, "id", "", "Prompt id (default MAXIM_PROMPT_ID)")
	cmd.Flags().StringToStringVar(&deployment, "deployment", nil, "Deployment variables as key=value")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "Version tags to prefer as key=value")
	cmd.Flags().StringVar(&folder, "folder", "", "Restrict to a folder")
	cmd.Flags().BoolVar(&exact, "exact", false, "Require every condition to match")
	cmd.Flags().StringToStringVar(&variables, "var", nil, "Prompt variables as key=value")
	cmd.Flags().BoolVar(&run, "run", false, "Send the compiled prompt to the --provider model")
	return cmd
}

func missingVariables(names []string, values map[string]string) []string {
	var missing []string
	for _, n := range names {
		if _, ok := values[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}
