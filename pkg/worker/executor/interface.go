package executor

import "github.com/kunal/caffe-serving/pkg/tensor"

// Executor runs one batched forward pass. Inputs are batch-leading; outputs
// come back in outputNames order, shaped [batch, channels].
type Executor interface {
	Execute(inputs []tensor.NamedTensor, outputNames, targetNames []string) ([]*tensor.Tensor, error)

	// BatchSize returns the allocated batch capacity.
	BatchSize() int

	// Name returns the executor type for logging.
	Name() string
}

// Reloader is implemented by executors that can swap trained weights in place.
type Reloader interface {
	ReloadWeights(path string) error
}
