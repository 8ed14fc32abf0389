package worker

import (
	"container/heap"
	"sync"
	"time"

	pb "github.com/kunal/caffe-serving/api/inference/v1"
	"github.com/kunal/caffe-serving/pkg/tensor"
)

// PendingRequest is a decoded Infer call waiting for a batch slot.
type PendingRequest struct {
	Req    *pb.InferRequest
	Inputs []tensor.NamedTensor
	// Rows is the batch dimension of the request, 1 when it cannot be
	// determined.
	Rows      int
	DoneCh    chan *pb.InferResponse
	ErrCh     chan error
	EnqueueAt time.Time
	seq       uint64
	index     int // used by heap
}

// PriorityQueue is a heap of PendingRequests.
// HIGH priority requests are dequeued first. Within the same priority, FIFO.
type PriorityQueue struct {
	mu    sync.Mutex
	items []*PendingRequest
	rows  int
	seq   uint64
}

func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		items: make([]*PendingRequest, 0, 64),
	}
	heap.Init(pq)
	return pq
}

// Enqueue adds a request (thread-safe).
func (pq *PriorityQueue) Enqueue(req *PendingRequest) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.seq++
	req.seq = pq.seq
	heap.Push(pq, req)
	pq.rows += req.Rows
}

// DequeueRows removes highest-priority requests while their combined rows
// fit in maxRows. The head request is always returned, even when it alone
// exceeds maxRows.
func (pq *PriorityQueue) DequeueRows(maxRows int) []*PendingRequest {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	var result []*PendingRequest
	rows := 0
	for len(pq.items) > 0 {
		next := pq.items[0]
		if len(result) > 0 && rows+next.Rows > maxRows {
			break
		}
		heap.Pop(pq)
		pq.rows -= next.Rows
		rows += next.Rows
		result = append(result, next)
	}
	return result
}

// Depth returns the number of queued requests (thread-safe).
func (pq *PriorityQueue) Depth() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

// Rows returns the number of queued samples (thread-safe).
func (pq *PriorityQueue) Rows() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.rows
}

// --- heap.Interface implementation (not thread-safe, use Enqueue/DequeueRows) ---

func (pq *PriorityQueue) Len() int { return len(pq.items) }

func (pq *PriorityQueue) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.Req.Priority != b.Req.Priority {
		return a.Req.Priority > b.Req.Priority
	}
	return a.seq < b.seq
}

func (pq *PriorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	item := x.(*PendingRequest)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[:n-1]
	return item
}
