package serving

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kunal/caffe-serving/pkg/caffe"
)

// DeviceCounter reports how many accelerators are present.
// *nvml.NVML satisfies it.
type DeviceCounter interface {
	DeviceCount() int
}

var (
	deviceOnce sync.Once
	deviceMode caffe.Mode
)

// InitDevice binds the process to its execution device. The first call
// decides: with at least one accelerator the process runs in GPU mode on
// device 0, otherwise in CPU mode. Later calls return the earlier choice.
func InitDevice(devices DeviceCounter, logger *zap.SugaredLogger) caffe.Mode {
	deviceOnce.Do(func() {
		if tryAssignGPU(devices) {
			deviceMode = caffe.GPU
		} else {
			deviceMode = caffe.CPU
		}
		if logger != nil {
			logger.Infow("Caffe execution mode", "mode", deviceMode.String(), "device", caffe.Device())
		}
	})
	return deviceMode
}

func tryAssignGPU(devices DeviceCounter) bool {
	if devices != nil && devices.DeviceCount() > 0 {
		caffe.SetDevice(0)
		caffe.SetMode(caffe.GPU)
		return true
	}
	caffe.SetMode(caffe.CPU)
	return false
}
