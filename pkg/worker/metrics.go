package worker

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	pb "github.com/kunal/caffe-serving/api/inference/v1"
	"github.com/kunal/caffe-serving/pkg/nvml"
	"github.com/kunal/caffe-serving/pkg/serving"
)

// GPUProbe reports accelerator state. *nvml.NVML satisfies it.
type GPUProbe interface {
	Available() bool
	DeviceCount() int
	GetGPUInfo(index int) (*nvml.GPUInfo, error)
}

// MetricsCollector tracks worker activity in a private prometheus registry
// and answers GetMetrics snapshots.
type MetricsCollector struct {
	workerID string
	executor string
	network  string
	queue    *PriorityQueue
	gpu      GPUProbe
	log      *zap.SugaredLogger

	registry  *prometheus.Registry
	batches   *prometheus.CounterVec
	requests  prometheus.Counter
	batchRows prometheus.Histogram
	latency   prometheus.Histogram
	reshapes  prometheus.Counter
	reloads   prometheus.Counter

	totalBatches  atomic.Int64
	totalRequests atomic.Int64
	weightReloads atomic.Int64
	lastBatch     atomic.Int32
	sessionBatch  atomic.Int32
	inFlight      atomic.Int32
	avgLatencyUs  atomic.Int64 // exponential moving average
}

func NewMetricsCollector(workerID string, queue *PriorityQueue, gpu GPUProbe, logger *zap.SugaredLogger) *MetricsCollector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	labels := prometheus.Labels{"worker": workerID}
	mc := &MetricsCollector{
		workerID: workerID,
		queue:    queue,
		gpu:      gpu,
		log:      logger,
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "worker_batches_total",
			Help:        "Forward passes executed, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "worker_requests_total",
			Help:        "Requests served by forward passes.",
			ConstLabels: labels,
		}),
		batchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "worker_batch_rows",
			Help:        "Samples per forward pass.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "worker_batch_latency_seconds",
			Help:        "Forward pass latency.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		reshapes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "session_reshapes_total",
			Help:        "Times the session grew its batch capacity.",
			ConstLabels: labels,
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "session_weight_loads_total",
			Help:        "Trained weight files loaded into the session.",
			ConstLabels: labels,
		}),
	}

	mc.registry.MustRegister(
		mc.batches, mc.requests, mc.batchRows, mc.latency, mc.reshapes, mc.reloads,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "worker_queue_depth",
			Help:        "Requests waiting for a batch.",
			ConstLabels: labels,
		}, func() float64 { return float64(queue.Depth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "worker_in_flight",
			Help:        "Infer calls in progress.",
			ConstLabels: labels,
		}, func() float64 { return float64(mc.inFlight.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "session_batch_capacity",
			Help:        "Batch size the session buffers are allocated for.",
			ConstLabels: labels,
		}, func() float64 { return float64(mc.sessionBatch.Load()) }),
	)

	if mc.gpuAvailable() {
		mc.log.Infow("Metrics: using NVML", "gpus", gpu.DeviceCount())
	} else {
		mc.log.Infow("Metrics: no GPU telemetry")
	}
	return mc
}

func (mc *MetricsCollector) gpuAvailable() bool {
	return mc.gpu != nil && mc.gpu.Available()
}

// SetExecutor records what is serving requests.
func (mc *MetricsCollector) SetExecutor(name, network string, batchSize int) {
	mc.executor = name
	mc.network = network
	mc.sessionBatch.Store(int32(batchSize))
}

// ObserveBatch implements BatchObserver.
func (mc *MetricsCollector) ObserveBatch(requests, rows int, elapsed time.Duration, err error) {
	if err != nil {
		mc.batches.WithLabelValues("error").Inc()
		return
	}
	mc.batches.WithLabelValues("ok").Inc()
	mc.requests.Add(float64(requests))
	mc.batchRows.Observe(float64(rows))
	mc.latency.Observe(elapsed.Seconds())

	mc.totalBatches.Add(1)
	mc.totalRequests.Add(int64(requests))
	mc.lastBatch.Store(int32(rows))

	us := elapsed.Microseconds()
	old := mc.avgLatencyUs.Load()
	if old == 0 {
		mc.avgLatencyUs.Store(us)
	} else {
		// EMA with alpha=0.3
		mc.avgLatencyUs.Store(int64(float64(old)*0.7 + float64(us)*0.3))
	}
}

// ObserveSessionEvent counts reshapes and weight loads. It runs inside the
// session's critical section and must not call back into the executor.
func (mc *MetricsCollector) ObserveSessionEvent(e serving.Event) {
	mc.sessionBatch.Store(int32(e.BatchSize))
	switch e.Kind {
	case serving.EventReshaped:
		mc.reshapes.Inc()
	case serving.EventWeightsLoaded:
		mc.reloads.Inc()
		mc.weightReloads.Add(1)
	}
}

func (mc *MetricsCollector) IncrInFlight() { mc.inFlight.Add(1) }
func (mc *MetricsCollector) DecrInFlight() { mc.inFlight.Add(-1) }

// GetMetrics returns a snapshot of the worker.
func (mc *MetricsCollector) GetMetrics() *pb.WorkerMetrics {
	m := &pb.WorkerMetrics{
		WorkerId:         mc.workerID,
		Executor:         mc.executor,
		Network:          mc.network,
		SessionBatchSize: mc.sessionBatch.Load(),
		QueueDepth:       int32(mc.queue.Depth()),
		InFlight:         mc.inFlight.Load(),
		CurrentBatch:     mc.lastBatch.Load(),
		AvgLatencyMs:     float64(mc.avgLatencyUs.Load()) / 1000,
		TotalBatches:     mc.totalBatches.Load(),
		TotalRequests:    mc.totalRequests.Load(),
		WeightReloads:    mc.weightReloads.Load(),
		Healthy:          true,
	}
	if mc.gpuAvailable() {
		info, err := mc.gpu.GetGPUInfo(0)
		if err != nil {
			mc.log.Warnw("Reading GPU metrics failed", "error", err)
		} else {
			m.GpuName = info.Name
			m.VramFreeGb = info.MemoryFreeGB
			m.VramTotalGb = info.MemoryTotalGB
			m.GpuUtilization = info.GPUUtilization
			m.TemperatureC = info.TemperatureC
		}
	}
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}

// Registry exposes the collector's registry.
func (mc *MetricsCollector) Registry() *prometheus.Registry { return mc.registry }
