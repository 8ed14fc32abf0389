package nvml

// GPUInfo holds point-in-time metrics for one GPU.
type GPUInfo struct {
	Name           string
	Index          int
	MemoryTotalGB  float64
	MemoryFreeGB   float64
	MemoryUsedGB   float64
	GPUUtilization float64
	MemUtilization float64
	TemperatureC   float64
}
