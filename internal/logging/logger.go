// Package logging records LLM application activity as sessions, traces,
// spans, generations, retrievals and tool calls.
//
// Every operation on an entity becomes one commit line handed to a Writer.
// The default Writer batches lines and ships them to the Maxim logging API.
//
//	w := logging.NewWriter(logging.WriterConfig{BaseURL: base, APIKey: key, RepoID: repo})
//	logger, _ := logging.New(logging.Config{ID: repo}, w)
//	defer logger.Close(ctx)
//
//	trace := logger.Trace(logging.TraceConfig{Name: "chat"})
//	gen := trace.AddGeneration(logging.GenerationConfig{Provider: "openai", Model: "gpt-4o"})
//	gen.SetResult(result)
//	trace.End()
package logging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/pkg/validator"
)

// Config holds logger configuration
type Config struct {
	// ID is the log repository this logger writes to
	ID     string `validate:"required"`
	Logger *zap.Logger
}

// Logger creates root entities and forwards their commits to a Writer.
type Logger struct {
	id     string
	writer Writer
	log    *zap.Logger
	closed atomic.Bool

	idsMu sync.Mutex
	ids   map[string]Entity
}

// New creates a Logger writing to w
func New(cfg Config, w Writer) (*Logger, error) {
	if w == nil {
		return nil, errors.New("logging: writer is required")
	}
	if err := validator.Validate(cfg); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{
		id:     cfg.ID,
		writer: w,
		log:    log.With(zap.String("log_repo_id", cfg.ID)),
		ids:    make(map[string]Entity),
	}, nil
}

// ID returns the log repository id
func (l *Logger) ID() string {
	return l.id
}

// Session starts a session
func (l *Logger) Session(cfg SessionConfig) *Session {
	id := l.claim(EntitySession, cfg.ID)
	l.commit(EntitySession, id, ActionCreate, map[string]any{
		"name": cfg.Name,
		"tags": cfg.Tags,
	})
	return &Session{base: base{logger: l, kind: EntitySession, id: id}}
}

// Trace starts a trace, attached to cfg.SessionID when set
func (l *Logger) Trace(cfg TraceConfig) *Trace {
	return l.newTrace(cfg)
}

// SessionTrace starts a trace inside an existing session known only by id
func (l *Logger) SessionTrace(sessionID string, cfg TraceConfig) *Trace {
	cfg.SessionID = sessionID
	return l.newTrace(cfg)
}

func (l *Logger) newTrace(cfg TraceConfig) *Trace {
	id := l.claim(EntityTrace, cfg.ID)
	data := map[string]any{
		"name": cfg.Name,
		"tags": cfg.Tags,
	}
	if cfg.SessionID != "" {
		data["sessionId"] = cfg.SessionID
	}
	if cfg.Input != "" {
		data["input"] = cfg.Input
	}
	l.commit(EntityTrace, id, ActionCreate, data)
	return &Trace{container: container{base{logger: l, kind: EntityTrace, id: id}}, sessionID: cfg.SessionID}
}

// Flush ships queued commits
func (l *Logger) Flush(ctx context.Context) error {
	return l.writer.Flush(ctx)
}

// Close drains the writer. Operations after Close are dropped.
func (l *Logger) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.writer.Close(ctx)
}

// Closed reports whether Close has been called
func (l *Logger) Closed() bool {
	return l.closed.Load()
}

// claim returns id, or a fresh uuid when id is empty or already taken by another entity
func (l *Logger) claim(kind Entity, id string) string {
	l.idsMu.Lock()
	defer l.idsMu.Unlock()

	if id != "" {
		if prev, taken := l.ids[id]; taken {
			l.log.Warn("entity id already in use, assigning a new one",
				zap.String("id", id),
				zap.String("existing", string(prev)),
				zap.String("entity", string(kind)))
			id = ""
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	l.ids[id] = kind
	return id
}

func (l *Logger) commit(kind Entity, id, action string, data map[string]any) {
	if l.closed.Load() {
		l.log.Debug("dropping commit after close",
			zap.String("entity", string(kind)), zap.String("action", action))
		return
	}
	l.writer.Write(CommitLog{
		Entity:    kind,
		ID:        id,
		Action:    action,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (l *Logger) check(what string, cfg any) {
	if err := validator.Validate(cfg); err != nil {
		l.log.Warn("invalid "+what+" config", zap.Error(err))
	}
}
