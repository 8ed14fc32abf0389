package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "worker-0", c.WorkerID)
	assert.Equal(t, 50052, c.WorkerPort)
	assert.Equal(t, 9090, c.MetricsPort)
	assert.Equal(t, 32, c.MaxBatchSize)
	assert.Equal(t, 50*time.Millisecond, c.MaxWaitTime)
	assert.Equal(t, "auto", c.UseNVML)
	assert.False(t, c.WatchWeights)
	assert.NoError(t, c.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WORKER_ID", "gpu-3")
	t.Setenv("MAX_BATCH_SIZE", "8")
	t.Setenv("MAX_WAIT", "5ms")
	t.Setenv("WEIGHTS_PATH", "/models/lenet.caffemodel")
	t.Setenv("WATCH_WEIGHTS", "true")
	t.Setenv("USE_NVML", "false")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gpu-3", c.WorkerID)
	assert.Equal(t, 8, c.MaxBatchSize)
	assert.Equal(t, 5*time.Millisecond, c.MaxWaitTime)
	assert.Equal(t, "/models/lenet.caffemodel", c.WeightsPath)
	assert.True(t, c.WatchWeights)
	assert.Equal(t, "false", c.UseNVML)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("MAX_BATCH_SIZE", "lots")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c, err := Load()
		require.NoError(t, err)
		return c
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero port", func(c *Config) { c.WorkerPort = 0 }},
		{"metrics port too large", func(c *Config) { c.MetricsPort = 70000 }},
		{"empty batch", func(c *Config) { c.MaxBatchSize = 0 }},
		{"no wait", func(c *Config) { c.MaxWaitTime = 0 }},
		{"no model", func(c *Config) { c.ModelPath = "" }},
		{"watch without weights", func(c *Config) { c.WatchWeights = true }},
		{"unknown nvml mode", func(c *Config) { c.UseNVML = "maybe" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
