// Package checkpoint persists graph state between steps so interrupted
// threads can be inspected and resumed.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/whoshyam/maxim-cookbooks/internal/config"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

// Checkpoint is the state of a thread after a step
type Checkpoint struct {
	ThreadID string          `json:"threadId"`
	Step     int             `json:"step"`
	Node     string          `json:"node"`
	Next     string          `json:"next"`
	State    json.RawMessage `json:"state"`
	// Interrupt is set when execution halted before Next ran
	Interrupt string    `json:"interrupt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Saver stores checkpoints per thread
type Saver interface {
	Put(ctx context.Context, cp Checkpoint) error
	// Latest returns the newest checkpoint, or a NotFound error
	Latest(ctx context.Context, threadID string) (Checkpoint, error)
	// List returns every checkpoint of a thread, oldest first
	List(ctx context.Context, threadID string) ([]Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
	Close() error
}

func notFound(threadID string) error {
	return apperrors.NotFound(fmt.Sprintf("checkpoint for thread %q", threadID))
}

// Memory keeps checkpoints in process
type Memory struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint
}

// NewMemory creates an empty in-process saver
func NewMemory() *Memory {
	return &Memory{threads: make(map[string][]Checkpoint)}
}

func (m *Memory) Put(_ context.Context, cp Checkpoint) error {
	if cp.ThreadID == "" {
		return apperrors.Validation("checkpoint thread id is required")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], cp)
	return nil
}

func (m *Memory) Latest(_ context.Context, threadID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.threads[threadID]
	if len(cps) == 0 {
		return Checkpoint{}, notFound(threadID)
	}
	return cps[len(cps)-1], nil
}

func (m *Memory) List(_ context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Checkpoint(nil), m.threads[threadID]...), nil
}

func (m *Memory) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	return nil
}

func (m *Memory) Close() error { return nil }

// Open builds the saver selected by cfg
func Open(ctx context.Context, cfg config.CheckpointConfig) (Saver, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "redis":
		return NewRedis(ctx, cfg.Redis)
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unknown checkpoint backend %q", cfg.Backend))
	}
}
