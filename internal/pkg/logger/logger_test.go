package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantDebug bool
	}{
		{name: "debug", level: "debug", wantDebug: true},
		{name: "info", level: "info"},
		{name: "unknown level falls back to info", level: "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Init(Config{Level: tt.level, Output: &buf}))
			assert.Equal(t, tt.wantDebug, IsDebug())

			Debug("debug line")
			if tt.wantDebug {
				assert.Contains(t, buf.String(), "debug line")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "info", Output: &buf}))

	WithTraceID("tr-1").Info("one")
	WithThreadID("th-1").Warn("two")
	WithTestRunID("run-1").Error("three")
	WithContext(zap.String("k", "v")).Info("four")
	Named("cli").Info("five")
	Sugar.Infow("six", "n", 6)
	require.NoError(t, Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 6)

	var entries []map[string]any
	for _, l := range lines {
		var e map[string]any
		require.NoError(t, json.Unmarshal(l, &e))
		assert.Contains(t, e, "timestamp")
		entries = append(entries, e)
	}
	assert.Equal(t, "tr-1", entries[0]["trace_id"])
	assert.Equal(t, "th-1", entries[1]["thread_id"])
	assert.Equal(t, "warn", entries[1]["level"])
	assert.Equal(t, "run-1", entries[2]["test_run_id"])
	assert.Equal(t, "v", entries[3]["k"])
	assert.Equal(t, "cli", entries[4]["logger"])
	assert.Equal(t, float64(6), entries[5]["n"])
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "info", Format: "console", Output: &buf}))
	Info("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), `"msg"`)
}
