//go:build !nvml

package nvml

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNotBuilt is returned by New in binaries built without the nvml tag.
var ErrNotBuilt = errors.New("NVML support not built in (build with -tags nvml)")

// NVML is inert without the nvml build tag: it reports no devices.
type NVML struct{}

// New always fails in the default build. For GPU detection build with:
// go build -tags nvml
func New(logger *zap.SugaredLogger) (*NVML, error) {
	return nil, ErrNotBuilt
}

func (n *NVML) Available() bool { return false }
func (n *NVML) GPUCount() int { return 0 }
func (n *NVML) DeviceCount() int { return 0 }
func (n *NVML) Shutdown() {}

func (n *NVML) GetGPUInfo(index int) (*GPUInfo, error) {
	return nil, ErrNotBuilt
}
