package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{EnvFile: noEnvFile(t)})
	require.NoError(t, err)

	assert.Equal(t, "https://app.getmaxim.ai", cfg.Maxim.BaseURL)
	assert.Equal(t, "https://api.together.xyz/v1", cfg.Together.BaseURL)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 10*time.Second, cfg.Writer.FlushInterval)
	assert.Equal(t, 100, cfg.Writer.FlushAt)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("MAXIM_API_KEY", "mx-key")
	t.Setenv("MAXIM_LOG_REPO_ID", "repo-1")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("BEDROCK_AWS_REGION", "eu-west-1")
	t.Setenv("WRITER_FLUSH_AT", "5")

	cfg, err := Load(Options{EnvFile: noEnvFile(t)})
	require.NoError(t, err)

	assert.Equal(t, "mx-key", cfg.Maxim.APIKey)
	assert.Equal(t, "repo-1", cfg.Maxim.LogRepoID)
	assert.Equal(t, "https://example.openai.azure.com", cfg.Azure.Endpoint)
	assert.Equal(t, "eu-west-1", cfg.Bedrock.Region)
	assert.Equal(t, 5, cfg.Writer.FlushAt)
}

func TestLoadDotEnvBelowEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"OPENAI_API_KEY=from-file\nTOGETHER_API_KEY=together-file\n"), 0o600))
	t.Setenv("OPENAI_API_KEY", "from-env")

	cfg, err := Load(Options{EnvFile: envFile})
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.OpenAI.APIKey)
	assert.Equal(t, "together-file", cfg.Together.APIKey)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
checkpoint:
  backend: sqlite
  path: /tmp/support.db
log:
  level: debug
  format: json
`), 0o600))

	cfg, err := Load(Options{ConfigFile: file, EnvFile: noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, "/tmp/support.db", cfg.Checkpoint.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CHECKPOINT_BACKEND", "postgres")

	_, err := Load(Options{EnvFile: noEnvFile(t)})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRequire(t *testing.T) {
	cfg := &Config{Maxim: MaximConfig{APIKey: "k"}}

	assert.NoError(t, cfg.Require("MAXIM_API_KEY"))

	err := cfg.Require("MAXIM_API_KEY", "MAXIM_LOG_REPO_ID", "OPENAI_API_KEY")
	require.Error(t, err)
	assert.True(t, apperrors.IsMissingConfig(err))
	assert.Contains(t, err.Error(), "MAXIM_LOG_REPO_ID, OPENAI_API_KEY")
}

func TestProviderEnv(t *testing.T) {
	assert.Equal(t, []string{"ANTHROPIC_API_KEY"}, ProviderEnv("anthropic"))
	assert.Len(t, ProviderEnv("bedrock"), 3)
	assert.Nil(t, ProviderEnv("grok"))
}
