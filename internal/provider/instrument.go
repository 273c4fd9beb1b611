package provider

import (
	"context"
	"maps"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/circuitbreaker"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/metrics"
	"github.com/whoshyam/maxim-cookbooks/internal/tokens"
)

// Run metadata keys set on every LLM run
const (
	MetaProvider = "provider"
	MetaModel    = "model"
)

// Instrumented decorates a model with callbacks, limiting, a breaker and metrics.
type Instrumented struct {
	inner    llm.Model
	provider string
	handlers []callbacks.Handler
	limiter  *rate.Limiter
	breaker  *circuitbreaker.Breaker
	log      *zap.Logger
}

// Instrument wraps model according to cfg
func Instrument(model llm.Model, cfg ModelConfig) *Instrumented {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	providerName := cfg.Provider
	if providerName == "" {
		providerName = model.Name()
	}

	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:   providerName,
			Trip:   tripsBreaker,
			Logger: log,
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.SetBreakerState(name, int(to))
			},
		})
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	return &Instrumented{
		inner:    model,
		provider: providerName,
		handlers: cfg.Callbacks,
		limiter:  limiter,
		breaker:  breaker,
		log:      log.Named("provider").With(zap.String("provider", providerName)),
	}
}

// tripsBreaker counts transport failures, throttling and 5xx against the backend
func tripsBreaker(err error) bool {
	if !apperrors.IsAppError(err) {
		return true
	}
	return apperrors.IsRetryable(err)
}

// Name returns the wrapped model name
func (m *Instrumented) Name() string { return m.inner.Name() }

// Unwrap returns the wrapped model
func (m *Instrumented) Unwrap() llm.Model { return m.inner }

// Generate runs a non-streaming call
func (m *Instrumented) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return m.call(ctx, req, "generate", func(ctx context.Context) (*llm.Response, error) {
		return m.inner.Generate(ctx, req)
	})
}

// Stream runs a streaming call
func (m *Instrumented) Stream(ctx context.Context, req llm.Request, fn llm.StreamFunc) (*llm.Response, error) {
	return m.call(ctx, req, "stream", func(ctx context.Context) (*llm.Response, error) {
		return m.inner.Stream(ctx, req, fn)
	})
}

func (m *Instrumented) call(ctx context.Context, req llm.Request, mode string, do func(context.Context) (*llm.Response, error)) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = m.inner.Name()
	}

	meta := maps.Clone(req.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[MetaProvider] = m.provider
	meta[MetaModel] = model

	run := callbacks.NewRun(ctx, model, callbacks.KindLLM, meta)
	h := callbacks.Resolve(ctx, m.handlers...)
	if h != nil {
		h.OnLLMStart(ctx, run, req)
	}

	fail := func(err error) (*llm.Response, error) {
		if h != nil {
			h.OnLLMError(ctx, run, err)
		}
		return nil, err
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fail(err)
		}
	}

	start := time.Now()
	resp, err := circuitbreaker.Call(ctx, m.breaker, do)
	metrics.RecordProviderRequest(m.provider, model, mode, time.Since(start), err)
	if err != nil {
		m.log.Warn("model call failed", zap.String("model", model), zap.String("mode", mode), zap.Error(err))
		return fail(err)
	}

	resp.Usage = tokens.Fill(resp.Usage, model, req.Messages, resp.Message.Content)
	metrics.RecordTokens(m.provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	m.log.Debug("model call finished",
		zap.String("model", model),
		zap.String("mode", mode),
		zap.Duration("duration", time.Since(start)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))

	if h != nil {
		h.OnLLMEnd(ctx, run, resp)
	}
	return resp, nil
}
