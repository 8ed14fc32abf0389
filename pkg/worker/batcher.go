package worker

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	pb "github.com/kunal/caffe-serving/api/inference/v1"
	"github.com/kunal/caffe-serving/pkg/tensor"
	"github.com/kunal/caffe-serving/pkg/worker/executor"
)

// BatcherConfig holds tunable batching parameters. Sizes count samples, not
// requests.
type BatcherConfig struct {
	MaxBatchSize int
	MaxWaitTime  time.Duration
}

// BatchObserver receives one call per executed group.
type BatchObserver interface {
	ObserveBatch(requests, rows int, elapsed time.Duration, err error)
}

// Batcher implements the adaptive micro-batching engine.
// It collects requests from the priority queue and flushes them to the
// executor when the batch is full or the wait expires. Requests with the same
// input layout and outputs are concatenated into one forward pass.
type Batcher struct {
	cfg      BatcherConfig
	queue    *PriorityQueue
	exec     executor.Executor
	observer BatchObserver
	log      *zap.SugaredLogger
	notify   chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu          sync.RWMutex
	currentWait time.Duration
}

func NewBatcher(cfg BatcherConfig, queue *PriorityQueue, exec executor.Executor, observer BatchObserver, logger *zap.SugaredLogger) *Batcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Batcher{
		cfg:         cfg,
		queue:       queue,
		exec:        exec,
		observer:    observer,
		log:         logger,
		notify:      make(chan struct{}, 256),
		stopCh:      make(chan struct{}),
		currentWait: cfg.MaxWaitTime,
	}
}

// Start begins the batching loop in a background goroutine.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.loop()
	b.log.Infow("Batcher started",
		"maxBatch", b.cfg.MaxBatchSize, "maxWait", b.cfg.MaxWaitTime, "executor", b.exec.Name())
}

// Stop drains the queue and waits for the loop to exit.
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Signal notifies the batcher that a new request has arrived.
func (b *Batcher) Signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Batcher) loop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			b.drainRemaining()
			return
		case <-b.notify:
		}

		batch := b.collectBatch()
		if len(batch) == 0 {
			continue
		}
		b.executeBatch(batch)
	}
}

func (b *Batcher) collectBatch() []*PendingRequest {
	b.mu.RLock()
	wait := b.currentWait
	b.mu.RUnlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if b.queue.Rows() >= b.cfg.MaxBatchSize {
			return b.queue.DequeueRows(b.cfg.MaxBatchSize)
		}

		select {
		case <-b.stopCh:
			return b.queue.DequeueRows(b.cfg.MaxBatchSize)
		case <-timer.C:
			return b.queue.DequeueRows(b.cfg.MaxBatchSize)
		case <-b.notify:
		}
	}
}

func (b *Batcher) executeBatch(batch []*PendingRequest) {
	groups := groupRequests(batch)
	for _, g := range groups {
		b.runGroup(g)
	}
	b.log.Debugw("Batch executed", "requests", len(batch), "groups", len(groups))
	b.adaptWait()
}

// runGroup executes requests that share an input layout as one forward pass
// and hands each request its rows of every output.
func (b *Batcher) runGroup(group []*PendingRequest) {
	head := group[0]
	inputs, rows, err := mergeInputs(group)
	if err != nil {
		b.fail(group, err)
		return
	}

	start := time.Now()
	outputs, err := b.exec.Execute(inputs, head.Req.OutputNames, head.Req.TargetNames)
	elapsed := time.Since(start)
	if b.observer != nil {
		b.observer.ObserveBatch(len(group), rows, elapsed, err)
	}
	if err != nil {
		b.fail(group, err)
		return
	}

	offset := 0
	for _, r := range group {
		resp := &pb.InferResponse{
			RequestId:    r.Req.RequestId,
			Outputs:      make([]*pb.Tensor, len(outputs)),
			LatencyNs:    elapsed.Nanoseconds(),
			BatchSize:    int32(rows),
			QueueWaitMs:  int32(start.Sub(r.EnqueueAt).Milliseconds()),
			PriorityUsed: r.Req.Priority.String(),
		}
		var sliceErr error
		for i, out := range outputs {
			part := out
			if len(group) > 1 {
				if part, sliceErr = out.SliceRows(offset, offset+r.Rows); sliceErr != nil {
					break
				}
			}
			resp.Outputs[i] = pb.NewTensor(head.Req.OutputNames[i], part)
		}
		offset += r.Rows
		if sliceErr != nil {
			r.ErrCh <- sliceErr
			continue
		}
		r.DoneCh <- resp
	}
}

func (b *Batcher) fail(group []*PendingRequest, err error) {
	for _, r := range group {
		r.ErrCh <- err
	}
}

func (b *Batcher) adaptWait() {
	rows := b.queue.Rows()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case rows > 4*b.cfg.MaxBatchSize:
		// High pressure, flush faster.
		b.currentWait = b.cfg.MaxWaitTime / 4
	case rows < b.cfg.MaxBatchSize/4:
		// Low pressure, wait for bigger batches.
		b.currentWait = b.cfg.MaxWaitTime
	default:
		b.currentWait = b.cfg.MaxWaitTime / 2
	}
}

func (b *Batcher) drainRemaining() {
	for {
		batch := b.queue.DequeueRows(b.cfg.MaxBatchSize)
		if len(batch) == 0 {
			return
		}
		b.executeBatch(batch)
	}
}

// mergeInputs concatenates the group's inputs along the batch dimension.
// A single request passes through untouched.
func mergeInputs(group []*PendingRequest) ([]tensor.NamedTensor, int, error) {
	head := group[0]
	if len(group) == 1 {
		return head.Inputs, head.Rows, nil
	}

	rows := 0
	for _, r := range group {
		rows += r.Rows
	}
	merged := make([]tensor.NamedTensor, len(head.Inputs))
	parts := make([]*tensor.Tensor, len(group))
	for i, in := range head.Inputs {
		for j, r := range group {
			parts[j] = r.Inputs[i].Tensor
		}
		t, err := tensor.ConcatRows(parts)
		if err != nil {
			return nil, 0, err
		}
		merged[i] = tensor.NamedTensor{Name: in.Name, Tensor: t}
	}
	return merged, rows, nil
}

// groupRequests splits a batch into runs that can share a forward pass,
// keeping first-seen order. Requests the session would reject or that cannot
// be split back apart run alone so their errors stay their own.
func groupRequests(batch []*PendingRequest) [][]*PendingRequest {
	var groups [][]*PendingRequest
	index := make(map[string]int)
	for _, r := range batch {
		key, ok := batchKey(r)
		if !ok {
			groups = append(groups, []*PendingRequest{r})
			continue
		}
		if i, seen := index[key]; seen {
			groups[i] = append(groups[i], r)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []*PendingRequest{r})
	}
	return groups
}

func batchKey(r *PendingRequest) (string, bool) {
	if len(r.Inputs) == 0 || len(r.Req.TargetNames) > 0 || r.Rows < 1 {
		return "", false
	}
	var sb strings.Builder
	for _, in := range r.Inputs {
		if in.Tensor == nil || in.Tensor.Dims() < 2 || in.Tensor.DimSize(0) != r.Rows {
			return "", false
		}
		sb.WriteString(in.Name)
		for _, d := range in.Tensor.Shape()[1:] {
			sb.WriteByte(':')
			sb.WriteString(strconv.Itoa(d))
		}
		sb.WriteByte(';')
	}
	sb.WriteString("->")
	sb.WriteString(strings.Join(r.Req.OutputNames, "\x00"))
	return sb.String(), true
}
