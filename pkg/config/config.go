package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config holds the worker configuration.
type Config struct {
	WorkerID    string `envconfig:"WORKER_ID" default:"worker-0"`
	WorkerPort  int    `envconfig:"WORKER_PORT" default:"50052"`
	MetricsPort int    `envconfig:"METRICS_PORT" default:"9090"`

	MaxBatchSize int           `envconfig:"MAX_BATCH_SIZE" default:"32"`
	MaxWaitTime  time.Duration `envconfig:"MAX_WAIT" default:"50ms"`

	// ModelPath is the network topology: a .yaml/.yml/.json descriptor or a
	// binary NetParameter.
	ModelPath    string `envconfig:"MODEL_PATH" default:"/models/model.yaml"`
	WeightsPath  string `envconfig:"WEIGHTS_PATH"`
	WatchWeights bool   `envconfig:"WATCH_WEIGHTS" default:"false"`

	UseNVML string `envconfig:"USE_NVML" default:"auto"` // "auto", "true", "false"

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment bool   `envconfig:"LOG_DEVELOPMENT" default:"false"`
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	c := &Config{}
	if err := envconfig.Process("", c); err != nil {
		return nil, errors.Wrap(err, "reading environment")
	}
	return c, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.WorkerPort <= 0 || c.WorkerPort > 65535:
		return errors.Errorf("invalid worker port %d", c.WorkerPort)
	case c.MetricsPort <= 0 || c.MetricsPort > 65535:
		return errors.Errorf("invalid metrics port %d", c.MetricsPort)
	case c.MaxBatchSize < 1:
		return errors.Errorf("max batch size must be positive, got %d", c.MaxBatchSize)
	case c.MaxWaitTime <= 0:
		return errors.Errorf("max wait must be positive, got %v", c.MaxWaitTime)
	case c.ModelPath == "":
		return errors.New("model path is required")
	case c.WatchWeights && c.WeightsPath == "":
		return errors.New("watching weights requires a weights path")
	}
	switch c.UseNVML {
	case "auto", "true", "false":
	default:
		return errors.Errorf("USE_NVML must be auto, true or false, got %q", c.UseNVML)
	}
	return nil
}
