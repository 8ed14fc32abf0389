// Package inferencev1 is the wire contract of the inference worker. Messages
// travel as JSON over gRPC; see Codec.
package inferencev1

import (
	"github.com/pkg/errors"

	"github.com/kunal/caffe-serving/pkg/tensor"
)

// Priority orders queued requests. Higher values are served first.
type Priority int32

const (
	Priority_LOW    Priority = 0
	Priority_NORMAL Priority = 1
	Priority_HIGH   Priority = 2
)

var priorityNames = map[Priority]string{
	Priority_LOW:    "LOW",
	Priority_NORMAL: "NORMAL",
	Priority_HIGH:   "HIGH",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "UNKNOWN"
}

// Tensor is a named dense float32 array in row-major order.
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

// NewTensor wraps t for the wire. The data slice is shared.
func NewTensor(name string, t *tensor.Tensor) *Tensor {
	shape := t.Shape()
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return &Tensor{Name: name, Shape: dims, Data: t.Data()}
}

// Named converts the wire tensor back into a session input.
func (t *Tensor) Named() (tensor.NamedTensor, error) {
	if t == nil {
		return tensor.NamedTensor{}, errors.New("nil tensor")
	}
	shape := make([]int, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = int(d)
	}
	v, err := tensor.New(shape, t.Data)
	if err != nil {
		return tensor.NamedTensor{}, errors.Wrapf(err, "tensor %q", t.Name)
	}
	return tensor.NamedTensor{Name: t.Name, Tensor: v}, nil
}

type InferRequest struct {
	RequestId   string    `json:"request_id"`
	Inputs      []*Tensor `json:"inputs"`
	OutputNames []string  `json:"output_names"`
	TargetNames []string  `json:"target_names,omitempty"`
	Priority    Priority  `json:"priority"`
	// Timestamp is the client send time in Unix nanoseconds.
	Timestamp int64 `json:"timestamp"`
}

func (r *InferRequest) GetRequestId() string {
	if r == nil {
		return ""
	}
	return r.RequestId
}

type InferResponse struct {
	RequestId    string    `json:"request_id"`
	Outputs      []*Tensor `json:"outputs"`
	WorkerId     string    `json:"worker_id"`
	LatencyNs    int64     `json:"latency_ns"`
	BatchSize    int32     `json:"batch_size"`
	QueueWaitMs  int32     `json:"queue_wait_ms"`
	PriorityUsed string    `json:"priority_used"`
}

type MetricsRequest struct{}

// WorkerMetrics is a point-in-time view of one worker.
type WorkerMetrics struct {
	WorkerId         string  `json:"worker_id"`
	Executor         string  `json:"executor"`
	Network          string  `json:"network"`
	SessionBatchSize int32   `json:"session_batch_size"`
	QueueDepth       int32   `json:"queue_depth"`
	InFlight         int32   `json:"in_flight"`
	CurrentBatch     int32   `json:"current_batch"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	TotalBatches     int64   `json:"total_batches"`
	TotalRequests    int64   `json:"total_requests"`
	WeightReloads    int64   `json:"weight_reloads"`
	GpuName          string  `json:"gpu_name,omitempty"`
	VramFreeGb       float64 `json:"vram_free_gb"`
	VramTotalGb      float64 `json:"vram_total_gb"`
	GpuUtilization   float64 `json:"gpu_utilization"`
	TemperatureC     float64 `json:"temperature_c"`
	Healthy          bool    `json:"healthy"`
}

// ReloadRequest asks the worker to load trained weights. An empty Path
// reloads the configured weights file.
type ReloadRequest struct {
	Path string `json:"path,omitempty"`
}

type ReloadResponse struct {
	Path      string `json:"path"`
	BatchSize int32  `json:"batch_size"`
}
