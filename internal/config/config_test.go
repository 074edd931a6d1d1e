package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "./demos", cfg.DemosPath)
	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Backoff)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
	assert.Equal(t, 60*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Session.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 720*time.Hour, cfg.Cleanup.KeepFor)
	assert.False(t, cfg.Webhook.Enabled)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_BACKOFF", "500ms")
	t.Setenv("WEBHOOK_ENABLED", "true")
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/demos")
	t.Setenv("WEBHOOK_SECRET", "s3cr3t")
	t.Setenv("STEAM_USERNAME", "bot")
	t.Setenv("CLEANUP_KEEP_FOR", "48h")
	t.Setenv("QUEUE_BACKEND", "memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Backoff)
	assert.True(t, cfg.Webhook.Enabled)
	assert.Equal(t, "https://hooks.example.com/demos", cfg.Webhook.URL)
	assert.Equal(t, "s3cr3t", cfg.Webhook.Secret)
	assert.Equal(t, "bot", cfg.Steam.Username)
	assert.Equal(t, 48*time.Hour, cfg.Cleanup.KeepFor)
	assert.Equal(t, "memory", cfg.QueueBackend)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{DemosPath: "./demos", QueueBackend: "redis", WorkerConcurrency: 1}
		c.Retry.MaxAttempts = 3

		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"webhook without url", func(c *Config) { c.Webhook.Enabled = true }, "WEBHOOK_URL"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "RETRY_MAX_ATTEMPTS"},
		{"zero workers", func(c *Config) { c.WorkerConcurrency = 0 }, "WORKER_CONCURRENCY"},
		{"unknown queue", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"empty demos path", func(c *Config) { c.DemosPath = "" }, "DEMOS_PATH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)

			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		assert.Equal(t, want, (&Config{LogLevel: in}).SlogLevel(), in)
	}
}
