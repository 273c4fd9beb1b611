// Package maxim is the client for the Maxim platform: it hands out loggers
// bound to log repositories, fetches deployed prompts, pages datasets and
// drives test runs.
package maxim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/config"
	"github.com/whoshyam/maxim-cookbooks/internal/logging"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/validator"
	"github.com/whoshyam/maxim-cookbooks/internal/provider"
	"github.com/whoshyam/maxim-cookbooks/internal/testrun"
)

const (
	DefaultBaseURL        = "https://app.getmaxim.ai"
	DefaultPromptCacheTTL = time.Minute

	service   = "maxim"
	userAgent = "maxim-cookbooks-go/0.1.0"
)

// Config holds configuration for the Client.
type Config struct {
	APIKey  string `json:"apiKey" validate:"required"`
	BaseURL string `json:"baseUrl" validate:"omitempty,url"`

	HTTPClient *http.Client `validate:"-"`
	// Debug makes writers log every commit line.
	Debug bool
	// PromptCacheTTL defaults to DefaultPromptCacheTTL. Negative disables caching.
	PromptCacheTTL time.Duration
	// Writer tunes the batch writers created by Logger. Zero values take the writer defaults.
	Writer config.WriterConfig `validate:"-"`
	Logger *zap.Logger         `validate:"-"`
}

// Client talks to the Maxim API
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	log     *zap.Logger
	prompts *promptCache

	mu      sync.Mutex
	loggers map[string]*logging.Logger
}

// New creates a Client
func New(cfg Config) (*Client, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PromptCacheTTL == 0 {
		cfg.PromptCacheTTL = DefaultPromptCacheTTL
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		log:     log.Named("maxim"),
		prompts: newPromptCache(cfg.PromptCacheTTL),
		loggers: make(map[string]*logging.Logger),
	}, nil
}

// LoggerConfig selects the log repository a logger writes to
type LoggerConfig struct {
	ID string `json:"id" validate:"required"`
	// SkipVerify skips the repository existence check.
	SkipVerify bool
	// Writer replaces the batch writer, for dry runs and tests.
	Writer logging.Writer `validate:"-"`
}

// Logger returns the logger for a log repository, creating it on first use.
// The repository must exist unless SkipVerify is set.
func (c *Client) Logger(ctx context.Context, cfg LoggerConfig) (*logging.Logger, error) {
	if err := validator.Validate(cfg); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.loggers[cfg.ID]; ok && !l.Closed() {
		return l, nil
	}

	if !cfg.SkipVerify {
		if err := c.get(ctx, "/api/sdk/v3/log-repositories", url.Values{"loggerId": {cfg.ID}}, nil); err != nil {
			if apperrors.IsNotFound(err) {
				return nil, apperrors.NotFound(fmt.Sprintf("log repository %q", cfg.ID))
			}
			return nil, fmt.Errorf("verify log repository: %w", err)
		}
	}

	w := cfg.Writer
	if w == nil {
		w = logging.NewWriter(logging.WriterConfig{
			BaseURL:       c.baseURL,
			APIKey:        c.cfg.APIKey,
			RepoID:        cfg.ID,
			FlushAt:       c.cfg.Writer.FlushAt,
			FlushInterval: c.cfg.Writer.FlushInterval,
			MaxQueueSize:  c.cfg.Writer.MaxQueueSize,
			MaxRetries:    c.cfg.Writer.MaxRetries,
			Timeout:       c.cfg.Writer.Timeout,
			HTTPClient:    c.http,
			Debug:         c.cfg.Debug,
			Logger:        c.log,
		})
	}
	l, err := logging.New(logging.Config{ID: cfg.ID, Logger: c.log}, w)
	if err != nil {
		return nil, err
	}
	c.loggers[cfg.ID] = l
	c.log.Debug("logger ready", zap.String("repo", cfg.ID))
	return l, nil
}

// CreateTestRun starts a test run builder reporting to this client
func (c *Client) CreateTestRun(name, workspaceID string) *testrun.Builder {
	return testrun.New(name, workspaceID, platform{c: c}, c.log.Named("testrun"))
}

// Cleanup flushes and closes every logger handed out by the client
func (c *Client) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	loggers := make([]*logging.Logger, 0, len(c.loggers))
	for _, l := range c.loggers {
		loggers = append(loggers, l)
	}
	c.loggers = make(map[string]*logging.Logger)
	c.mu.Unlock()

	var errs []error
	for _, l := range loggers {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close logger %s: %w", l.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// envelope wraps every SDK API response
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"x-maxim-api-key": c.cfg.APIKey,
		"User-Agent":      userAgent,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}
	resp, err := provider.Do(c.http, service, req)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	resp, err := provider.PostJSON(ctx, c.http, service, c.baseURL+path, c.headers(), body)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *Client) decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", service, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", service, err)
	}
	if env.Error != nil {
		return apperrors.Upstream(service, resp.StatusCode, env.Error.Message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", service, err)
	}
	return nil
}
