// Package provider builds chat models for the supported LLM backends and
// wraps them with callbacks, rate limiting, a circuit breaker and metrics.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/circuitbreaker"
)

// Provider constructs concrete models for one backend such as Anthropic or OpenAI.
type Provider interface {
	Name() string
	NewModel(ctx context.Context, cfg ModelConfig) (llm.Model, error)
}

// ModelConfig captures the settings required to build a model.
// Extra carries provider-specific values (Azure deployment, Bedrock credentials).
type ModelConfig struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	Timeout    time.Duration
	HTTPClient *http.Client
	Extra      map[string]string

	// Callbacks receive LLM start/end/error events for every call
	Callbacks []callbacks.Handler
	// RateLimit caps requests per second; zero disables limiting
	RateLimit rate.Limit
	Burst     int
	// Breaker guards the backend; nil uses a default breaker named after the provider
	Breaker *circuitbreaker.Breaker
	Logger  *zap.Logger
}

// ExtraValue returns cfg.Extra[key] or def
func (c ModelConfig) ExtraValue(key, def string) string {
	if v, ok := c.Extra[key]; ok && v != "" {
		return v
	}
	return def
}

// Client returns the configured HTTP client or one with the configured timeout
func (c ModelConfig) Client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

// Factory holds the registered providers and creates instrumented models on demand.
type Factory struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewFactory constructs a factory seeded with the given providers.
func NewFactory(providers ...Provider) *Factory {
	f := &Factory{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		f.Register(p)
	}
	return f
}

// Register attaches or replaces a provider.
func (f *Factory) Register(p Provider) {
	if p == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[p.Name()] = p
}

// Names lists registered providers in sorted order
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewModel builds the model declared in cfg and instruments it.
func (f *Factory) NewModel(ctx context.Context, cfg ModelConfig) (llm.Model, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("model provider not specified")
	}

	f.mu.RLock()
	p := f.providers[cfg.Provider]
	f.mu.RUnlock()
	if p == nil {
		return nil, fmt.Errorf("model provider %q is not registered", cfg.Provider)
	}

	model, err := p.NewModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Provider, err)
	}
	return Instrument(model, cfg), nil
}
