//go:build !nvml

package nvml

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStubReportsNoDevices(t *testing.T) {
	n, err := New(zap.NewNop().Sugar())
	assert.True(t, errors.Is(err, ErrNotBuilt))
	assert.Nil(t, n)

	assert.False(t, n.Available())
	assert.Zero(t, n.DeviceCount())
	assert.Zero(t, n.GPUCount())
	_, err = n.GetGPUInfo(0)
	assert.Error(t, err)
	n.Shutdown()
}
