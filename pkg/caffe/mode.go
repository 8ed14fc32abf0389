package caffe

import "sync"

// Mode is the process-wide execution device class.
type Mode int

const (
	CPU Mode = iota
	GPU
)

func (m Mode) String() string {
	if m == GPU {
		return "GPU"
	}
	return "CPU"
}

var (
	modeMu sync.RWMutex
	mode   = CPU
	device = -1
)

// SetMode selects the device class for every Net in the process.
func SetMode(m Mode) {
	modeMu.Lock()
	mode = m
	modeMu.Unlock()
}

// CurrentMode returns the process-wide device class.
func CurrentMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return mode
}

// SetDevice binds the process to accelerator id.
func SetDevice(id int) {
	modeMu.Lock()
	device = id
	modeMu.Unlock()
}

// Device returns the bound accelerator id, or -1 when none was bound.
func Device() int {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return device
}
