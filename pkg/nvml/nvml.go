//go:build nvml

package nvml

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef int nvmlReturn_t;
typedef void* nvmlDevice_t;
typedef struct { unsigned long long total, free, used; } nvmlMemory_t;
typedef struct { unsigned int gpu, memory; } nvmlUtilization_t;

static void* lib = NULL;
static nvmlReturn_t (*p_init)(void);
static nvmlReturn_t (*p_shutdown)(void);
static nvmlReturn_t (*p_count)(unsigned int*);
static nvmlReturn_t (*p_handle)(unsigned int, nvmlDevice_t*);
static nvmlReturn_t (*p_memory)(nvmlDevice_t, nvmlMemory_t*);
static nvmlReturn_t (*p_util)(nvmlDevice_t, nvmlUtilization_t*);
static nvmlReturn_t (*p_temp)(nvmlDevice_t, int, unsigned int*);
static nvmlReturn_t (*p_name)(nvmlDevice_t, char*, unsigned int);

static void* sym2(const char* a, const char* b) {
    void* f = dlsym(lib, a);
    return f ? f : dlsym(lib, b);
}

static int nvml_load(void) {
    lib = dlopen("libnvidia-ml.so.1", RTLD_LAZY);
    if (!lib) lib = dlopen("libnvidia-ml.so", RTLD_LAZY);
    if (!lib) return -1;
    p_init = sym2("nvmlInit_v2", "nvmlInit");
    p_shutdown = dlsym(lib, "nvmlShutdown");
    p_count = sym2("nvmlDeviceGetCount_v2", "nvmlDeviceGetCount");
    p_handle = sym2("nvmlDeviceGetHandleByIndex_v2", "nvmlDeviceGetHandleByIndex");
    p_memory = dlsym(lib, "nvmlDeviceGetMemoryInfo");
    p_util = dlsym(lib, "nvmlDeviceGetUtilizationRates");
    p_temp = dlsym(lib, "nvmlDeviceGetTemperature");
    p_name = dlsym(lib, "nvmlDeviceGetName");
    if (!p_init || !p_count || !p_handle) return -2;
    return p_init();
}

static int nvml_count(void) {
    unsigned int n = 0;
    if (p_count) p_count(&n);
    return (int)n;
}

static int nvml_device(int idx, nvmlDevice_t* dev) {
    return p_handle((unsigned int)idx, dev) == 0 ? 0 : -1;
}

static int nvml_name(int idx, char* out, int len) {
    nvmlDevice_t dev;
    if (!p_name || nvml_device(idx, &dev)) return -1;
    return p_name(dev, out, len);
}

static int nvml_memory(int idx, nvmlMemory_t* mem) {
    nvmlDevice_t dev;
    if (!p_memory || nvml_device(idx, &dev)) return -1;
    return p_memory(dev, mem);
}

static int nvml_utilization(int idx, nvmlUtilization_t* util) {
    nvmlDevice_t dev;
    if (!p_util || nvml_device(idx, &dev)) return -1;
    return p_util(dev, util);
}

// NVML_TEMPERATURE_GPU = 0
static int nvml_temperature(int idx, unsigned int* temp) {
    nvmlDevice_t dev;
    if (!p_temp || nvml_device(idx, &dev)) return -1;
    return p_temp(dev, 0, temp);
}

static void nvml_shutdown(void) {
    if (p_shutdown) p_shutdown();
    if (lib) dlclose(lib);
    lib = NULL;
}
*/
import "C"

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const gib = 1024 * 1024 * 1024

// NVML wraps the NVIDIA Management Library, loaded with dlopen so the binary
// has no link-time dependency on the driver.
type NVML struct {
	available bool
	gpuCount  int
}

// New loads libnvidia-ml and counts devices. An error means no usable GPU,
// which callers treat as CPU-only rather than fatal.
func New(logger *zap.SugaredLogger) (*NVML, error) {
	if rc := C.nvml_load(); rc != 0 {
		return nil, errors.Errorf("NVML not available (code %d)", rc)
	}

	count := int(C.nvml_count())
	if count == 0 {
		C.nvml_shutdown()
		return nil, errors.New("NVML loaded but no GPUs found")
	}

	logger.Infow("NVML initialized", "gpus", count)
	for i := 0; i < count; i++ {
		if n, ok := deviceName(i); ok {
			logger.Infow("GPU detected", "index", i, "name", n)
		}
	}
	return &NVML{available: true, gpuCount: count}, nil
}

func deviceName(idx int) (string, bool) {
	var buf [256]C.char
	if C.nvml_name(C.int(idx), &buf[0], C.int(len(buf))) != 0 {
		return "", false
	}
	return C.GoString(&buf[0]), true
}

// Available reports whether NVML is loaded with at least one GPU.
func (n *NVML) Available() bool {
	return n != nil && n.available
}

// GPUCount returns the number of GPUs.
func (n *NVML) GPUCount() int {
	if !n.Available() {
		return 0
	}
	return n.gpuCount
}

// DeviceCount is GPUCount; it lets NVML act as the session's device probe.
func (n *NVML) DeviceCount() int { return n.GPUCount() }

// GetGPUInfo reads current metrics for one GPU.
func (n *NVML) GetGPUInfo(index int) (*GPUInfo, error) {
	if !n.Available() {
		return nil, errors.New("NVML not available")
	}
	if index < 0 || index >= n.gpuCount {
		return nil, errors.Errorf("GPU index %d out of range (have %d)", index, n.gpuCount)
	}

	info := &GPUInfo{Index: index}
	info.Name, _ = deviceName(index)

	var mem C.nvmlMemory_t
	if C.nvml_memory(C.int(index), &mem) == 0 {
		info.MemoryTotalGB = float64(mem.total) / gib
		info.MemoryFreeGB = float64(mem.free) / gib
		info.MemoryUsedGB = float64(mem.used) / gib
	}
	var util C.nvmlUtilization_t
	if C.nvml_utilization(C.int(index), &util) == 0 {
		info.GPUUtilization = float64(util.gpu)
		info.MemUtilization = float64(util.memory)
	}
	var temp C.uint
	if C.nvml_temperature(C.int(index), &temp) == 0 {
		info.TemperatureC = float64(temp)
	}
	return info, nil
}

// Shutdown releases the library.
func (n *NVML) Shutdown() {
	if n.Available() {
		C.nvml_shutdown()
		n.available = false
	}
}
