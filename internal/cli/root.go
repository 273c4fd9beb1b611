// Package cli is the cookbook command line: one subcommand per cookbook, all
// sharing configuration, logging and the Maxim client set up by the root.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/config"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/logging"
	"github.com/whoshyam/maxim-cookbooks/internal/maxim"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/logger"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
	"github.com/whoshyam/maxim-cookbooks/internal/provider/anthropic"
	"github.com/whoshyam/maxim-cookbooks/internal/provider/bedrock"
	"github.com/whoshyam/maxim-cookbooks/internal/provider/openai"
	"github.com/whoshyam/maxim-cookbooks/internal/tracer"
)

// Version is set at build time
var Version = "0.1.0"

type options struct {
	configFile string
	envFile    string
	provider   string
	verbose    bool
	dryRun     bool
}

// app holds what the subcommands share. The root's PersistentPreRunE fills it
// in and every subcommand tears it down when it returns.
type app struct {
	opts options
	cfg  *config.Config
	log  *zap.Logger

	factory *provider.Factory
	client  *maxim.Client
	memory  *logging.MemoryWriter
	otel    *sdktrace.TracerProvider
	metrics *http.Server

	// newModel builds provider models; tests swap it for a scripted model
	newModel func(ctx context.Context, cfg provider.ModelConfig) (llm.Model, error)
}

func newApp() *app {
	a := &app{
		log: zap.NewNop(),
		factory: provider.NewFactory(
			openai.OpenAI{},
			openai.Azure{},
			openai.Together{},
			anthropic.Provider{},
			bedrock.Provider{},
		),
	}
	a.newModel = func(ctx context.Context, mc provider.ModelConfig) (llm.Model, error) {
		if err := a.cfg.Require(config.ProviderEnv(mc.Provider)...); err != nil {
			return nil, err
		}
		return a.factory.NewModel(ctx, mc)
	}
	return a
}

// NewRootCommand builds the cookbook command tree
func NewRootCommand() *cobra.Command {
	return newApp().root()
}

func (a *app) root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cookbook",
		Short: "Maxim cookbooks - LLM observability recipes",
		Long: `Runnable recipes that log LLM applications to Maxim.

Commands:
  chat      - One chat completion, logged as a trace and generation
  stream    - The same, streamed
  tools     - A tool calling loop
  chain     - A prompt | model | parser pipeline
  manual    - Sessions, traces, spans and generations by hand
  support   - The customer support graph with human-approved refunds
  testrun   - A test run with local evaluators
  prompt    - Fetch a deployed prompt and run it

Example:
  cookbook chat --provider anthropic "What is the capital of France?"
  cookbook support --thread t1 "I want a refund for order #182818"
  cookbook support --thread t1 --authorize-refund
  cookbook manual --dry-run`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.opts.configFile, "config", "", "Config file (default ./config.yaml or ./config/config.yaml)")
	flags.StringVar(&a.opts.envFile, "env-file", "", "Dotenv file merged below the environment (default .env)")
	flags.StringVarP(&a.opts.provider, "provider", "p", "openai", "Model provider: openai, azure, anthropic, bedrock or together")
	flags.BoolVarP(&a.opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&a.opts.dryRun, "dry-run", false, "Keep log commits in memory and print them instead of sending them to Maxim")

	cmd.AddCommand(
		a.chatCmd(),
		a.streamCmd(),
		a.toolsCmd(),
		a.chainCmd(),
		a.manualCmd(),
		a.supportCmd(),
		a.testrunCmd(),
		a.promptCmd(),
	)
	// teardown runs after failures too so buffered log commits are not lost
	for _, sub := range cmd.Commands() {
		run := sub.RunE
		sub.RunE = func(c *cobra.Command, args []string) error {
			err := run(c, args)
			return errors.Join(err, a.teardown(c.Context(), c.OutOrStdout()))
		}
	}
	return cmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.Options{ConfigFile: a.opts.configFile, EnvFile: a.opts.envFile})
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Log.Level
	if a.opts.verbose || cfg.Maxim.Debug {
		level = "debug"
	}
	if err := logger.Init(logger.Config{Level: level, Format: cfg.Log.Format, Output: cmd.ErrOrStderr()}); err != nil {
		return err
	}
	a.log = logger.Named("cookbook")
	// verbose runs also echo every commit line the writer sends
	cfg.Maxim.Debug = cfg.Maxim.Debug || logger.IsDebug()

	if cfg.Metrics.Enabled {
		a.serveMetrics(cfg.Metrics.Addr)
	}
	if cfg.OTel.Enabled {
		tp, err := tracer.NewStdoutProvider(tracer.StdoutConfig{
			ServiceName: cfg.OTel.ServiceName,
			PrettyPrint: cfg.OTel.PrettyPrint,
			Writer:      cmd.ErrOrStderr(),
		})
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		a.otel = tp
	}
	return nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.log.Info("serving metrics", zap.String("addr", addr))
}

// teardown flushes every logger, prints dry-run commits and stops exporters
func (a *app) teardown(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Cleanup(ctx))
	}
	if a.memory != nil {
		errs = append(errs, printCommits(out, a.memory.Commits()))
	}
	if a.otel != nil {
		errs = append(errs, a.otel.Shutdown(ctx))
	}
	if a.metrics != nil {
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	_ = logger.Sync()
	return errors.Join(errs...)
}

func printCommits(out io.Writer, commits []logging.CommitLog) error {
	fmt.Fprintf(out, "\n-- dry run: %d commit lines --\n", len(commits))
	for _, c := range commits {
		line, err := c.Line()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(line))
	}
	return nil
}

// maximClient creates the Maxim client on first use. A dry run needs no API key.
func (a *app) maximClient() (*maxim.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	key := a.cfg.Maxim.APIKey
	if key == "" && a.opts.dryRun {
		key = "dry-run"
	} else if err := a.cfg.Require("MAXIM_API_KEY"); err != nil {
		return nil, err
	}
	c, err := maxim.New(maxim.Config{
		APIKey:  key,
		BaseURL: a.cfg.Maxim.BaseURL,
		Debug:   a.cfg.Maxim.Debug,
		Writer:  a.cfg.Writer,
		Logger:  a.log,
	})
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

// maximLogger returns the logger for the configured log repository. Dry runs
// write to memory and skip the repository check.
func (a *app) maximLogger(ctx context.Context) (*logging.Logger, error) {
	c, err := a.maximClient()
	if err != nil {
		return nil, err
	}
	lc := maxim.LoggerConfig{ID: a.cfg.Maxim.LogRepoID}
	if a.opts.dryRun {
		if a.memory == nil {
			a.memory = logging.NewMemoryWriter()
		}
		lc.Writer = a.memory
		lc.SkipVerify = true
		if lc.ID == "" {
			lc.ID = "dry-run"
		}
	} else if err := a.cfg.Require("MAXIM_LOG_REPO_ID"); err != nil {
		return nil, err
	}
	return c.Logger(ctx, lc)
}

// handlers returns the Maxim tracer for l, plus the OpenTelemetry mirror when enabled
func (a *app) handlers(l *logging.Logger, opts ...tracer.Option) (*tracer.MaximTracer, []callbacks.Handler) {
	mt := tracer.New(l, append([]tracer.Option{tracer.WithZap(a.log)}, opts...)...)
	hs := []callbacks.Handler{mt}
	if a.otel != nil {
		hs = append(hs, tracer.NewOTelHandler(a.otel))
	}
	return mt, hs
}

// modelConfig maps the loaded configuration onto the selected provider
func (a *app) modelConfig(name string) (provider.ModelConfig, error) {
	mc := provider.ModelConfig{Provider: name, Logger: a.log}
	switch name {
	case "openai":
		mc.APIKey, mc.BaseURL, mc.Model = a.cfg.OpenAI.APIKey, a.cfg.OpenAI.BaseURL, a.cfg.OpenAI.Model
	case "azure":
		mc.APIKey = a.cfg.Azure.APIKey
		mc.Extra = map[string]string{
			openai.ExtraAzureEndpoint:   a.cfg.Azure.Endpoint,
			openai.ExtraAzureDeployment: a.cfg.Azure.Deployment,
			openai.ExtraAzureAPIVersion: a.cfg.Azure.APIVersion,
		}
	case "anthropic":
		mc.APIKey, mc.BaseURL, mc.Model = a.cfg.Anthropic.APIKey, a.cfg.Anthropic.BaseURL, a.cfg.Anthropic.Model
	case "bedrock":
		mc.Model = a.cfg.Bedrock.Model
		mc.Extra = map[string]string{
			bedrock.ExtraRegion:       a.cfg.Bedrock.Region,
			bedrock.ExtraAccessKey:    a.cfg.Bedrock.AccessKeyID,
			bedrock.ExtraSecretKey:    a.cfg.Bedrock.SecretAccessKey,
			bedrock.ExtraSessionToken: a.cfg.Bedrock.SessionToken,
		}
	case "together":
		mc.APIKey, mc.BaseURL, mc.Model = a.cfg.Together.APIKey, a.cfg.Together.BaseURL, a.cfg.Together.Model
	default:
		return mc, fmt.Errorf("unknown provider %q, expected one of %v", name, a.factory.Names())
	}
	if a.cfg.RateLimit.Enabled {
		mc.RateLimit = rate.Limit(a.cfg.RateLimit.RequestsPerSecond)
		mc.Burst = a.cfg.RateLimit.Burst
	}
	return mc, nil
}

// model builds the --provider model reporting to hs
func (a *app) model(ctx context.Context, hs []callbacks.Handler) (llm.Model, string, error) {
	mc, err := a.modelConfig(a.opts.provider)
	if err != nil {
		return nil, "", err
	}
	mc.Callbacks = hs
	m, err := a.newModel(ctx, mc)
	if err != nil {
		return nil, "", err
	}
	return m, mc.Model, nil
}
