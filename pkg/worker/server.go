package worker

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/kunal/caffe-serving/api/inference/v1"
	"github.com/kunal/caffe-serving/pkg/config"
	"github.com/kunal/caffe-serving/pkg/serving"
	"github.com/kunal/caffe-serving/pkg/tensor"
	"github.com/kunal/caffe-serving/pkg/worker/executor"
)

// Worker is the main worker service.
type Worker struct {
	pb.UnimplementedInferenceServiceServer

	cfg     *config.Config
	log     *zap.SugaredLogger
	queue   *PriorityQueue
	batcher *Batcher
	metrics *MetricsCollector
	events  *Broadcaster
	exec    executor.Executor
}

// New loads the configured network and builds a worker around it. gpu may be
// nil.
func New(cfg *config.Config, gpu GPUProbe, logger *zap.SugaredLogger) (*Worker, error) {
	w := newWorker(cfg, gpu, logger)

	sess, err := serving.NewSessionFromFiles(cfg.ModelPath, cfg.WeightsPath, serving.Options{
		Logger:   w.log.Named("session"),
		Devices:  gpu,
		Listener: w.onSessionEvent,
	})
	if err != nil {
		return nil, err
	}
	exec := executor.NewSession(sess)
	w.setExecutor(exec, exec.Network())
	return w, nil
}

// NewWithExecutor builds a worker around an existing executor.
func NewWithExecutor(cfg *config.Config, exec executor.Executor, gpu GPUProbe, logger *zap.SugaredLogger) *Worker {
	w := newWorker(cfg, gpu, logger)
	w.setExecutor(exec, "")
	return w
}

func newWorker(cfg *config.Config, gpu GPUProbe, logger *zap.SugaredLogger) *Worker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	queue := NewPriorityQueue()
	return &Worker{
		cfg:     cfg,
		log:     logger,
		queue:   queue,
		metrics: NewMetricsCollector(cfg.WorkerID, queue, gpu, logger.Named("metrics")),
		events:  NewBroadcaster(logger.Named("events")),
	}
}

func (w *Worker) setExecutor(exec executor.Executor, network string) {
	w.exec = exec
	w.metrics.SetExecutor(exec.Name(), network, exec.BatchSize())
	w.batcher = NewBatcher(BatcherConfig{
		MaxBatchSize: w.cfg.MaxBatchSize,
		MaxWaitTime:  w.cfg.MaxWaitTime,
	}, w.queue, exec, w.metrics, w.log.Named("batcher"))
	w.log.Infow("Executor ready", "executor", exec.Name(), "network", network, "batchSize", exec.BatchSize())
}

func (w *Worker) onSessionEvent(e serving.Event) {
	w.metrics.ObserveSessionEvent(e)
	w.events.Broadcast(e)
}

// RegisterGRPC registers the worker's gRPC service.
func (w *Worker) RegisterGRPC(s *grpc.Server) {
	pb.RegisterInferenceServiceServer(s, w)
}

// RegisterHTTP registers /metrics, /health and /events.
func (w *Worker) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("/metrics", w.metrics.Handler())
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("OK"))
	})
	mux.HandleFunc("/events", w.events.HandleWS)
}

// StartBatcher starts the micro-batching engine.
func (w *Worker) StartBatcher() {
	w.batcher.Start()
}

// Stop drains queued work and disconnects event clients.
func (w *Worker) Stop() {
	w.batcher.Stop()
	w.events.Close()
}

// Infer enqueues a request and blocks until the batcher answers it or ctx
// ends.
func (w *Worker) Infer(ctx context.Context, req *pb.InferRequest) (*pb.InferResponse, error) {
	w.metrics.IncrInFlight()
	defer w.metrics.DecrInFlight()

	inputs := make([]tensor.NamedTensor, len(req.Inputs))
	for i, in := range req.Inputs {
		named, err := in.Named()
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "input %d: %v", i, err)
		}
		inputs[i] = named
	}

	pending := &PendingRequest{
		Req:       req,
		Inputs:    inputs,
		Rows:      leadingRows(inputs),
		DoneCh:    make(chan *pb.InferResponse, 1),
		ErrCh:     make(chan error, 1),
		EnqueueAt: time.Now(),
	}

	w.queue.Enqueue(pending)
	w.batcher.Signal()

	select {
	case resp := <-pending.DoneCh:
		resp.WorkerId = w.cfg.WorkerID
		return resp, nil
	case err := <-pending.ErrCh:
		return nil, err
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// leadingRows is the batch dimension of the first input, or 1.
func leadingRows(inputs []tensor.NamedTensor) int {
	if len(inputs) == 0 || inputs[0].Tensor.Dims() < 2 || inputs[0].Tensor.DimSize(0) < 1 {
		return 1
	}
	return inputs[0].Tensor.DimSize(0)
}

// GetMetrics returns current worker metrics.
func (w *Worker) GetMetrics(ctx context.Context, req *pb.MetricsRequest) (*pb.WorkerMetrics, error) {
	return w.metrics.GetMetrics(), nil
}

// ReloadWeights loads trained weights into the running network. Batches in
// progress finish first.
func (w *Worker) ReloadWeights(ctx context.Context, req *pb.ReloadRequest) (*pb.ReloadResponse, error) {
	r, ok := w.exec.(executor.Reloader)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "executor %s cannot reload weights", w.exec.Name())
	}
	path := req.Path
	if path == "" {
		path = w.cfg.WeightsPath
	}
	if path == "" {
		return nil, status.Error(codes.InvalidArgument, "no weights path given or configured")
	}
	if err := r.ReloadWeights(path); err != nil {
		return nil, err
	}
	return &pb.ReloadResponse{Path: path, BatchSize: int32(w.exec.BatchSize())}, nil
}

// Reload is the WeightsWatcher callback.
func (w *Worker) Reload(path string) error {
	_, err := w.ReloadWeights(context.Background(), &pb.ReloadRequest{Path: path})
	return err
}
