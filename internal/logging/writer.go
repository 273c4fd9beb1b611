package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
	"github.com/whoshyam/maxim-cookbooks/internal/pkg/metrics"
)

const (
	// DefaultMaxQueueSize is the maximum number of commit lines held before dropping the oldest
	DefaultMaxQueueSize  = 10000
	DefaultFlushAt       = 100
	DefaultFlushInterval = 10 * time.Second
	DefaultMaxRetries    = 3
	DefaultTimeout       = 30 * time.Second
	defaultBackoff       = 500 * time.Millisecond
	maxRetryAfter        = 60 * time.Second
)

// ErrWriterClosed is returned by Flush after Close
var ErrWriterClosed = errors.New("log writer closed")

// Writer receives commit lines from a Logger
type Writer interface {
	Write(CommitLog)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// WriterConfig holds the configuration for the batched HTTP writer.
type WriterConfig struct {
	// BaseURL is the Maxim API origin.
	BaseURL string
	APIKey  string
	// RepoID is the log repository commits are written to.
	RepoID string

	// FlushAt is the number of queued lines that triggers a background flush. Defaults to 100.
	FlushAt int
	// FlushInterval is the duration between background flushes. Defaults to 10 seconds.
	FlushInterval time.Duration
	// MaxQueueSize caps the queue. When exceeded, oldest lines are dropped.
	MaxQueueSize int
	// MaxRetries is the number of send attempts per batch. Defaults to 3.
	MaxRetries int
	// RetryBackoff is the first backoff step; later attempts double it.
	RetryBackoff time.Duration
	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration

	HTTPClient *http.Client
	// OnError receives failures from background flushes. If nil, errors are logged.
	OnError func(err error)
	// Debug logs every commit line as it is queued.
	Debug  bool
	Logger *zap.Logger
}

// BatchWriter queues commit lines and ships them to the logging endpoint in batches.
type BatchWriter struct {
	config     WriterConfig
	endpoint   string
	httpClient *http.Client
	log        *zap.Logger

	queueMu sync.Mutex
	queue   [][]byte
	sendMu  sync.Mutex

	flushCh   chan struct{}
	doneCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

// NewWriter creates a BatchWriter and starts its flush loop.
func NewWriter(config WriterConfig) *BatchWriter {
	if config.FlushAt <= 0 {
		config.FlushAt = DefaultFlushAt
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = DefaultMaxQueueSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultBackoff
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	w := &BatchWriter{
		config:     config,
		endpoint:   config.BaseURL + "/api/logging/v1/log?id=" + url.QueryEscape(config.RepoID),
		httpClient: httpClient,
		log:        config.Logger.Named("writer"),
		flushCh:    make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.flushLoop()

	return w
}

// Write queues a commit line. Lines written after Close are dropped.
func (w *BatchWriter) Write(c CommitLog) {
	if w.closed.Load() {
		w.dropped.Add(1)
		metrics.RecordCommitsDropped("closed", 1)
		return
	}

	line, err := c.Line()
	if err != nil {
		w.reportError(fmt.Errorf("encode commit %s/%s: %w", c.Entity, c.Action, err))
		return
	}
	if w.config.Debug {
		w.log.Debug("commit", zap.ByteString("line", line))
	}

	w.queueMu.Lock()
	if len(w.queue) >= w.config.MaxQueueSize {
		n := len(w.queue) - w.config.MaxQueueSize + 1
		w.queue = w.queue[n:]
		total := w.dropped.Add(int64(n))
		metrics.RecordCommitsDropped("overflow", n)
		w.log.Warn("log queue overflow, dropped oldest commits",
			zap.Int("dropped", n), zap.Int64("total_dropped", total))
	}
	w.queue = append(w.queue, line)
	shouldFlush := len(w.queue) >= w.config.FlushAt
	w.queueMu.Unlock()
	metrics.RecordCommitQueued()

	if shouldFlush {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush sends every queued line and waits for the result.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.queueMu.Lock()
	lines := w.queue
	w.queue = nil
	w.queueMu.Unlock()

	if len(lines) == 0 {
		return nil
	}
	return w.send(ctx, lines)
}

// Close stops the flush loop and drains the queue.
func (w *BatchWriter) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.doneCh)
		w.wg.Wait()
		err = w.Flush(ctx)
	})
	return err
}

// Dropped returns the number of lines lost to overflow or writes after Close.
func (w *BatchWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Pending returns the number of queued lines.
func (w *BatchWriter) Pending() int {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	return len(w.queue)
}

func (w *BatchWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.doneCh:
			return
		case <-w.flushCh:
		case <-ticker.C:
		}
		if err := w.Flush(context.Background()); err != nil {
			w.reportError(err)
		}
	}
}

func (w *BatchWriter) send(ctx context.Context, lines [][]byte) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	body := bytes.Join(lines, []byte("\n"))

	var lastErr error
	for attempt := 0; attempt < w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := w.config.RetryBackoff << (attempt - 1)
			var rl *retryAfterError
			if errors.As(lastErr, &rl) {
				wait = rl.wait
			}
			if err := sleep(ctx, wait); err != nil {
				w.drop("cancelled", len(lines))
				return err
			}
		}

		err := w.post(ctx, body)
		if err == nil {
			metrics.RecordCommitsFlushed(len(lines))
			w.log.Debug("flushed commits", zap.Int("count", len(lines)))
			return nil
		}
		metrics.RecordFlushError()
		lastErr = err

		if ctx.Err() != nil {
			w.drop("cancelled", len(lines))
			return ctx.Err()
		}
		if !retryable(err) {
			w.drop("rejected", len(lines))
			return err
		}
		w.log.Warn("flush attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	w.drop("retries_exhausted", len(lines))
	return fmt.Errorf("flush failed after %d attempts: %w", w.config.MaxRetries, lastErr)
}

func (w *BatchWriter) post(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("x-maxim-api-key", w.config.APIKey)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post commits: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	appErr := apperrors.FromStatus("maxim logging", resp.StatusCode, string(bytes.TrimSpace(msg)))
	if resp.StatusCode == http.StatusTooManyRequests {
		return &retryAfterError{wait: parseRetryAfter(resp.Header.Get("Retry-After"), w.config.RetryBackoff), err: appErr}
	}
	return appErr
}

func (w *BatchWriter) drop(reason string, n int) {
	w.dropped.Add(int64(n))
	metrics.RecordCommitsDropped(reason, n)
}

func (w *BatchWriter) reportError(err error) {
	if w.config.OnError != nil {
		w.config.OnError(err)
		return
	}
	w.log.Error("log writer error", zap.Error(err))
}

type retryAfterError struct {
	wait time.Duration
	err  error
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// retryable is true for transport failures, 429 and 5xx. Other statuses are final.
func retryable(err error) bool {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		return true
	}
	return apperrors.IsRetryable(err)
}

func parseRetryAfter(h string, fallback time.Duration) time.Duration {
	if h == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return min(time.Duration(secs)*time.Second, maxRetryAfter)
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return min(d, maxRetryAfter)
		}
		return 0
	}
	return fallback
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
