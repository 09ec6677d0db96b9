package config

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(testLogger())
	require.NoError(t, err)

	assert.Equal(t, "manager_tasks", cfg.Queues.IntakeQueue)
	assert.Equal(t, 20*time.Second, cfg.Queues.IntakeWait)
	assert.Equal(t, 45*time.Second, cfg.Queues.IntakeVisibility)
	assert.Equal(t, 10, cfg.Queues.ResultBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Queues.ResultVisibility)
	assert.Equal(t, 6, cfg.Coordinator.ResultConsumers)
	assert.Equal(t, 0.9, cfg.Coordinator.MemoryThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Coordinator.IdleTimeout)
	assert.Equal(t, 20, cfg.Fleet.MaxWorkers)
	assert.Equal(t, "t2.micro", cfg.Fleet.InstanceType)
	assert.Equal(t, 2*time.Minute, cfg.Fleet.ReconcileInterval)
	assert.False(t, cfg.Otel.Enabled())
}

func TestNewConfig_FromEnv(t *testing.T) {
	t.Setenv("INTAKE_QUEUE", "jobs")
	t.Setenv("MAX_WORKERS", "3")
	t.Setenv("IDLE_TIMEOUT", "30s")
	t.Setenv("AWS_ACCESS_KEY_ID", "key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")

	cfg, err := NewConfig(testLogger())
	require.NoError(t, err)

	assert.Equal(t, "jobs", cfg.Queues.IntakeQueue)
	assert.Equal(t, 3, cfg.Fleet.MaxWorkers)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.IdleTimeout)
	assert.True(t, cfg.AWS.StaticCredentials())
	assert.True(t, cfg.Otel.Enabled())
}

func TestNewConfig_ParseError(t *testing.T) {
	t.Setenv("MAX_WORKERS", "many")

	_, err := NewConfig(testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty intake queue", func(c *Config) { c.Queues.IntakeQueue = "" }, "intake queue"},
		{"no result consumers", func(c *Config) { c.Coordinator.ResultConsumers = 0 }, "RESULT_CONSUMERS"},
		{"threshold above one", func(c *Config) { c.Coordinator.MemoryThreshold = 1.5 }, "MEMORY_THRESHOLD"},
		{"batch too large", func(c *Config) { c.Queues.ResultBatchSize = 11 }, "RESULT_BATCH_SIZE"},
		{"negative cap", func(c *Config) { c.Fleet.MaxWorkers = -1 }, "MAX_WORKERS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(testLogger())
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewWorkerConfig(t *testing.T) {
	t.Setenv("OCR_LANGUAGES", "eng,heb")

	cfg, err := NewWorkerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"eng", "heb"}, cfg.Languages)
	assert.Equal(t, "worker_tasks", cfg.TaskQueue)
}
