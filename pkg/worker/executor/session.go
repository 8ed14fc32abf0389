package executor

import (
	"sync"

	"github.com/kunal/caffe-serving/pkg/caffe"
	"github.com/kunal/caffe-serving/pkg/serving"
	"github.com/kunal/caffe-serving/pkg/tensor"
)

// Session serializes access to a serving.Session, which is single-threaded.
type Session struct {
	mu   sync.Mutex
	sess *serving.Session
	name string
}

// NewSession wraps sess. The name reflects the process execution mode at
// construction time.
func NewSession(sess *serving.Session) *Session {
	name := "caffe-cpu"
	if caffe.CurrentMode() == caffe.GPU {
		name = "caffe-gpu"
	}
	return &Session{sess: sess, name: name}
}

func (s *Session) Name() string { return s.name }

func (s *Session) Execute(inputs []tensor.NamedTensor, outputNames, targetNames []string) ([]*tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Run(inputs, outputNames, targetNames)
}

func (s *Session) BatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.BatchSize()
}

// ReloadWeights loads trained weights between batches.
func (s *Session) ReloadWeights(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.LoadWeights(path)
}

// Network returns the network name.
func (s *Session) Network() string {
	return s.sess.Net().Name()
}
