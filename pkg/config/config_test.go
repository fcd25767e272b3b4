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

	path := filepath.Join(t.TempDir(), "flowtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
queue:
  workflow_concurrency: 8
polling:
  cron: "0 */2 * * *"
  pause: 500ms
webhooks:
  dead_letter_batch: 25
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.WorkflowConcurrency)
	assert.Equal(t, 1, cfg.Queue.PollingConcurrency)
	assert.Equal(t, "0 */2 * * *", cfg.Polling.Cron)
	assert.Equal(t, 500*time.Millisecond, cfg.Polling.Pause)
	assert.Equal(t, 25, cfg.Webhooks.DeadLetterBatch)
	assert.Equal(t, 10, cfg.Webhooks.FailureThreshold)
	assert.Equal(t, "https://api.calendly.com", cfg.Calendly.APIBase)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad_yaml", "queue: [", "failed to parse YAML config"},
		{"bad_cron", "polling:\n  cron: \"every hour\"\n", "cron"},
		{"zero_concurrency", "queue:\n  workflow_concurrency: 0\n", "WorkflowConcurrency"},
		{"bad_url", "calendly:\n  api_base: \"not a url\"\n", "APIBase"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
