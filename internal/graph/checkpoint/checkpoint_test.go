package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whoshyam/maxim-cookbooks/internal/config"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

// testSaver runs the contract every backend must honour
func testSaver(t *testing.T, s Saver) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Latest(ctx, "t-1")
	assert.True(t, apperrors.IsNotFound(err))

	list, err := s.List(ctx, "t-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Put(ctx, Checkpoint{ThreadID: "t-1", Step: 0, Node: "initial_support", Next: "billing_support", State: json.RawMessage(`{"n":1}`)}))
	require.NoError(t, s.Put(ctx, Checkpoint{ThreadID: "t-1", Step: 1, Node: "billing_support", Next: "handle_refund", State: json.RawMessage(`{"n":2}`), Interrupt: "refund needs approval"}))
	require.NoError(t, s.Put(ctx, Checkpoint{ThreadID: "t-2", Step: 0, Node: "a", Next: "__end__", State: json.RawMessage(`{}`)}))

	latest, err := s.Latest(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Step)
	assert.Equal(t, "handle_refund", latest.Next)
	assert.Equal(t, "refund needs approval", latest.Interrupt)
	assert.JSONEq(t, `{"n":2}`, string(latest.State))
	assert.False(t, latest.CreatedAt.IsZero())

	// a step written twice keeps the newest copy
	require.NoError(t, s.Put(ctx, Checkpoint{ThreadID: "t-1", Step: 1, Node: "billing_support", Next: "__end__", State: json.RawMessage(`{"n":3}`)}))
	list, err = s.List(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].Step)
	assert.Equal(t, "__end__", list[1].Next)
	assert.Empty(t, list[1].Interrupt)

	require.NoError(t, s.Delete(ctx, "t-1"))
	_, err = s.Latest(ctx, "t-1")
	assert.True(t, apperrors.IsNotFound(err))

	other, err := s.Latest(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, "a", other.Node)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	// Memory appends, so step replacement is a property of the durable stores only
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, Checkpoint{ThreadID: "t", Step: 0, Next: "x"}))
	require.NoError(t, m.Put(ctx, Checkpoint{ThreadID: "t", Step: 1, Next: "y"}))
	cp, err := m.Latest(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "y", cp.Next)

	list, err := m.List(ctx, "t")
	require.NoError(t, err)
	list[0].Next = "mutated"
	again, _ := m.List(ctx, "t")
	assert.Equal(t, "x", again[0].Next, "List returns a copy")

	assert.True(t, apperrors.IsValidation(m.Put(ctx, Checkpoint{})))
	require.NoError(t, m.Delete(ctx, "t"))
	_, err = m.Latest(ctx, "t")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkpoints.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	testSaver(t, s)

	// data survives reopening
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Checkpoint{ThreadID: "durable", Step: 4, Next: "n", State: json.RawMessage(`{"ok":true}`)}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	cp, err := reopened.Latest(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, 4, cp.Step)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Skipping integration test: REDIS_TEST_ADDR not set")
	}
	s, err := NewRedis(context.Background(), config.RedisConfig{Addr: addr, Prefix: "cookbook:test:" + t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Delete(context.Background(), "t-2")
		s.Close()
	})
	testSaver(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.CheckpointConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, config.CheckpointConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "cp.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	s.Close()

	_, err = Open(ctx, config.CheckpointConfig{Backend: "etcd"})
	assert.True(t, apperrors.IsValidation(err))
}
