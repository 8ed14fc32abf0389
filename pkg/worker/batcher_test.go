package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/kunal/caffe-serving/api/inference/v1"
	"github.com/kunal/caffe-serving/pkg/tensor"
)

// echoExecutor returns its first input, flattened to [rows, n], for every
// requested output.
type echoExecutor struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (e *echoExecutor) Name() string   { return "echo" }
func (e *echoExecutor) BatchSize() int { return 1 }

func (e *echoExecutor) Execute(inputs []tensor.NamedTensor, outputNames, targetNames []string) ([]*tensor.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if len(inputs) == 0 || inputs[0].Tensor.Dims() < 2 {
		return nil, errors.New("echo needs a batched input")
	}
	in := inputs[0].Tensor
	rows := in.DimSize(0)
	e.calls = append(e.calls, rows)

	outs := make([]*tensor.Tensor, len(outputNames))
	for i := range outputNames {
		data := append([]float32(nil), in.Data()...)
		t, err := tensor.New([]int{rows, len(data) / rows}, data)
		if err != nil {
			return nil, err
		}
		outs[i] = t
	}
	return outs, nil
}

func (e *echoExecutor) Calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.calls...)
}

type recordingObserver struct {
	mu     sync.Mutex
	rows   []int
	failed int
}

func (o *recordingObserver) ObserveBatch(requests, rows int, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failed++
		return
	}
	o.rows = append(o.rows, rows)
}

func request(id string, rows, width int, start float32, outputs ...string) *PendingRequest {
	x := tensor.Zeros(rows, width)
	for i := range x.Data() {
		x.Data()[i] = start + float32(i)
	}
	p := pending(id, pb.Priority_NORMAL, rows)
	p.Req.OutputNames = outputs
	p.Inputs = []tensor.NamedTensor{{Name: "data", Tensor: x}}
	p.EnqueueAt = time.Now()
	return p
}

func newTestBatcher(exec *echoExecutor, obs BatchObserver) *Batcher {
	return NewBatcher(BatcherConfig{MaxBatchSize: 8, MaxWaitTime: 10 * time.Millisecond}, NewPriorityQueue(), exec, obs, nil)
}

func TestExecuteBatchMergesCompatibleRequests(t *testing.T) {
	exec := &echoExecutor{}
	obs := &recordingObserver{}
	b := newTestBatcher(exec, obs)

	r1 := request("r1", 2, 3, 0, "out")
	r2 := request("r2", 1, 3, 100, "out")
	b.executeBatch([]*PendingRequest{r1, r2})

	assert.Equal(t, []int{3}, exec.Calls())
	assert.Equal(t, []int{3}, obs.rows)

	resp1 := <-r1.DoneCh
	assert.Equal(t, "r1", resp1.RequestId)
	assert.Equal(t, int32(3), resp1.BatchSize)
	require.Len(t, resp1.Outputs, 1)
	assert.Equal(t, "out", resp1.Outputs[0].Name)
	assert.Equal(t, []int64{2, 3}, resp1.Outputs[0].Shape)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5}, resp1.Outputs[0].Data)

	resp2 := <-r2.DoneCh
	assert.Equal(t, []int64{1, 3}, resp2.Outputs[0].Shape)
	assert.Equal(t, []float32{100, 101, 102}, resp2.Outputs[0].Data)
	assert.Equal(t, "NORMAL", resp2.PriorityUsed)
}

func TestExecuteBatchSeparatesIncompatibleRequests(t *testing.T) {
	exec := &echoExecutor{}
	b := newTestBatcher(exec, nil)

	wide := request("wide", 1, 4, 0, "out")
	narrow := request("narrow", 2, 3, 0, "out")
	otherOutputs := request("other", 1, 3, 0, "out", "out")
	b.executeBatch([]*PendingRequest{wide, narrow, otherOutputs})

	assert.Equal(t, []int{1, 2, 1}, exec.Calls())
	assert.Len(t, (<-otherOutputs.DoneCh).Outputs, 2)
	assert.Equal(t, int32(1), (<-wide.DoneCh).BatchSize)
	assert.Equal(t, int32(2), (<-narrow.DoneCh).BatchSize)
}

func TestExecuteBatchRunsUnbatchableRequestsAlone(t *testing.T) {
	exec := &echoExecutor{}
	b := newTestBatcher(exec, nil)

	flat, err := tensor.New([]int{3}, []float32{1, 2, 3})
	require.NoError(t, err)
	bad := pending("bad", pb.Priority_NORMAL, 1)
	bad.Req.OutputNames = []string{"out"}
	bad.Inputs = []tensor.NamedTensor{{Name: "data", Tensor: flat}}

	good := request("good", 1, 3, 0, "out")
	b.executeBatch([]*PendingRequest{bad, good})

	assert.Error(t, <-bad.ErrCh)
	resp := <-good.DoneCh
	assert.Equal(t, []float32{0, 1, 2}, resp.Outputs[0].Data)
}

func TestExecuteBatchDeliversErrorsToWholeGroup(t *testing.T) {
	exec := &echoExecutor{err: errors.New("device lost")}
	obs := &recordingObserver{}
	b := newTestBatcher(exec, obs)

	r1 := request("r1", 1, 3, 0, "out")
	r2 := request("r2", 1, 3, 0, "out")
	b.executeBatch([]*PendingRequest{r1, r2})

	assert.EqualError(t, <-r1.ErrCh, "device lost")
	assert.EqualError(t, <-r2.ErrCh, "device lost")
	assert.Equal(t, 1, obs.failed)
}

func TestBatcherFlushesOnTimeout(t *testing.T) {
	exec := &echoExecutor{}
	b := newTestBatcher(exec, nil)
	b.Start()
	defer b.Stop()

	r := request("r", 1, 3, 0, "out")
	b.queue.Enqueue(r)
	b.Signal()

	select {
	case resp := <-r.DoneCh:
		assert.Equal(t, "r", resp.RequestId)
	case err := <-r.ErrCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request was never flushed")
	}
}

func TestBatcherStopDrainsQueue(t *testing.T) {
	exec := &echoExecutor{}
	b := newTestBatcher(exec, nil)
	b.Start()

	reqs := []*PendingRequest{request("a", 1, 3, 0, "out"), request("b", 1, 3, 0, "out")}
	for _, r := range reqs {
		b.queue.Enqueue(r)
	}
	b.Stop()

	for _, r := range reqs {
		select {
		case <-r.DoneCh:
		default:
			t.Fatalf("request %s was not served before Stop returned", r.Req.RequestId)
		}
	}
}

func TestAdaptWait(t *testing.T) {
	b := newTestBatcher(&echoExecutor{}, nil)
	b.adaptWait()
	assert.Equal(t, 10*time.Millisecond, b.currentWait)

	for i := 0; i < 40; i++ {
		b.queue.Enqueue(request("r", 1, 1, 0, "out"))
	}
	b.adaptWait()
	assert.Equal(t, 10*time.Millisecond/4, b.currentWait)
}
