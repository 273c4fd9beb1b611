package logging

import (
	"context"
	"sync"
)

// MemoryWriter keeps commits in memory. It backs dry runs and tests.
type MemoryWriter struct {
	mu      sync.Mutex
	commits []CommitLog
	flushes int
	closed  bool
}

// NewMemoryWriter returns an empty MemoryWriter
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (m *MemoryWriter) Write(c CommitLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.commits = append(m.commits, c)
}

func (m *MemoryWriter) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *MemoryWriter) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Commits returns a copy of everything written
func (m *MemoryWriter) Commits() []CommitLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommitLog, len(m.commits))
	copy(out, m.commits)
	return out
}

// Find returns the commits matching entity and action; an empty action matches all
func (m *MemoryWriter) Find(entity Entity, action string) []CommitLog {
	var out []CommitLog
	for _, c := range m.Commits() {
		if c.Entity == entity && (action == "" || c.Action == action) {
			out = append(out, c)
		}
	}
	return out
}

// Flushes returns how many times Flush was called
func (m *MemoryWriter) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}
