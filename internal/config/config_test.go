package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/sync
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/sync", cfg.Database.URL)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)

	assert.Equal(t, 100, cfg.Backfill.PageSize)
	assert.Equal(t, 365, cfg.Backfill.MaxRangeDays)
	assert.Equal(t, 3, cfg.Backfill.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Backfill.PollInterval())

	assert.Equal(t, 4, cfg.ThreadSync.NumWorkers)
	assert.Equal(t, 5, cfg.ThreadSync.MaxRetries)
	assert.Equal(t, 100, cfg.ThreadSync.MaxMessagesPerThread)
	assert.Equal(t, 300*time.Second, cfg.ThreadSync.VisibilityTimeout())

	assert.Equal(t, 3, cfg.Webhook.MaxRetries)
	assert.False(t, cfg.Webhook.TestingMode)

	assert.Equal(t, 5*time.Second, cfg.Monitor.CheckInterval())
	assert.Equal(t, 60*time.Second, cfg.Monitor.RecoveryInterval())

	assert.Equal(t, 1, cfg.Extraction.Version)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, cfg.LLM.Model, cfg.Extraction.SpamModel)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
backfill:
  page_size: 50
  max_range_days: 30
thread_sync:
  num_workers: 8
  rate_per_minute: 120
llm:
  provider: bedrock
  model: anthropic.claude-3-haiku-20240307-v1:0
extraction:
  spam_detection: true
  spam_model: gpt-4o-mini
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Backfill.PageSize)
	assert.Equal(t, 30, cfg.Backfill.MaxRangeDays)
	assert.Equal(t, 8, cfg.ThreadSync.NumWorkers)
	assert.Equal(t, 120, cfg.ThreadSync.RatePerMinute)
	assert.Equal(t, "bedrock", cfg.LLM.Provider)
	assert.True(t, cfg.Extraction.SpamDetection)
	assert.Equal(t, "gpt-4o-mini", cfg.Extraction.SpamModel)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file/db
`)

	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("NYLAS_API_KEY", "nylas-key")
	t.Setenv("LLM_PROVIDER", "bedrock")
	t.Setenv("SYNC_TESTING_MODE", "true")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "nylas-key", cfg.Provider.APIKey)
	assert.Equal(t, "bedrock", cfg.LLM.Provider)
	assert.True(t, cfg.Webhook.TestingMode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
