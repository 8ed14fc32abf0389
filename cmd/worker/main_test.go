package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/caffe-serving/pkg/config"
)

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("MAX_BATCH_SIZE", "16")
	t.Setenv("WORKER_ID", "from-env")
	cfg, err := config.Load()
	require.NoError(t, err)

	flags := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	bindFlags(flags, cfg)
	require.NoError(t, flags.Parse([]string{"-m", "/models/lenet.yaml", "--max-wait=5ms", "--nvml", "false"}))

	assert.Equal(t, "from-env", cfg.WorkerID)
	assert.Equal(t, 16, cfg.MaxBatchSize)
	assert.Equal(t, "/models/lenet.yaml", cfg.ModelPath)
	assert.Equal(t, 5*time.Millisecond, cfg.MaxWaitTime)
	assert.Equal(t, "false", cfg.UseNVML)
	assert.NoError(t, cfg.Validate())
}

func TestProbeGPUDisabled(t *testing.T) {
	gpu, err := probeGPU("false", nil)
	assert.NoError(t, err)
	assert.Nil(t, gpu)
}
