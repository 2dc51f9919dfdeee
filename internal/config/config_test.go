package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsMatchComponentDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 100, cfg.BatchMax)
	assert.Equal(t, 4, cfg.NWorkers)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.BatchWait)
	assert.Equal(t, 30*time.Second, cfg.StuckAfter)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "minute", cfg.MetricsGranularity)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("B_MAX", "250")
	t.Setenv("N_WORKERS", "8")
	cfg := Load()
	assert.Equal(t, 250, cfg.BatchMax)
	assert.Equal(t, 8, cfg.NWorkers)
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("B_MAX", "not-a-number")
	cfg := Load()
	assert.Equal(t, 100, cfg.BatchMax)
}

func TestValidate_RejectsNonPositiveBatchMax(t *testing.T) {
	cfg := Load()
	cfg.BatchMax = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownGranularity(t *testing.T) {
	cfg := Load()
	cfg.MetricsGranularity = "fortnight"
	require.Error(t, cfg.Validate())
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())
}
