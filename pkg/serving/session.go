package serving

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kunal/caffe-serving/pkg/caffe"
	"github.com/kunal/caffe-serving/pkg/tensor"
)

// EventKind identifies a session state change.
type EventKind string

const (
	EventReshaped      EventKind = "reshaped"
	EventWeightsLoaded EventKind = "weights_loaded"
)

// Event describes a session state change. BatchSize is the allocated batch
// size after the change; PrevBatchSize is set for reshapes, Path for weight
// loads.
type Event struct {
	Kind          EventKind `json:"kind"`
	Network       string    `json:"network"`
	BatchSize     int       `json:"batch_size"`
	PrevBatchSize int       `json:"prev_batch_size,omitempty"`
	Path          string    `json:"path,omitempty"`
}

// Options configure a Session.
type Options struct {
	Logger *zap.SugaredLogger
	// Devices is probed once per process to choose GPU or CPU mode. Nil
	// means no accelerator.
	Devices DeviceCounter
	// Listener, when set, is called synchronously after every reshape and
	// weight load.
	Listener func(Event)
}

// Session runs inference against one Net whose blobs have a fixed,
// batch-leading layout. Requests may carry any batch size: the session grows
// its allocated batch size when a request needs more rows and never shrinks
// it on its own.
//
// A Session is not safe for concurrent use. Callers serialize Run, Reshape
// and LoadWeights.
type Session struct {
	log      *zap.SugaredLogger
	listener func(Event)

	net       *caffe.Net
	inputs    map[string]int
	outputs   map[string]int
	batchSize int
}

// NewSession builds the Net described by param. The device is selected
// before the Net is constructed.
func NewSession(param *caffe.NetParameter, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	InitDevice(opts.Devices, logger)

	net, err := caffe.NewNet(param)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "building network: %v", err)
	}

	s := &Session{
		log:      logger,
		listener: opts.Listener,
		net:      net,
		inputs:   make(map[string]int),
		outputs:  make(map[string]int),
	}
	names := net.BlobNames()
	for _, idx := range net.InputBlobIndices() {
		s.inputs[names[idx]] = idx
	}
	for _, idx := range net.OutputBlobIndices() {
		s.outputs[names[idx]] = idx
	}

	s.batchSize = batchSizeOf(net)
	s.log.Infow("Loaded network",
		"name", net.Name(),
		"inputs", len(s.inputs),
		"outputs", len(s.outputs),
		"batchSize", s.batchSize)
	return s, nil
}

// NewSessionFromFiles reads a topology and, when weightsPath is not empty,
// loads trained weights into it.
func NewSessionFromFiles(topologyPath, weightsPath string, opts Options) (*Session, error) {
	param, err := caffe.ReadNetParameterFile(topologyPath)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "reading topology: %v", err)
	}
	s, err := NewSession(param, opts)
	if err != nil {
		return nil, err
	}
	if weightsPath != "" {
		if err := s.LoadWeights(weightsPath); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// batchSizeOf guesses the batch size from the declared inputs: the largest
// leading dimension among inputs with more than one axis, or 1. Topologies
// do not mark which axis is the batch, so atypical layouts (for example a
// 2-D input whose first axis is a sequence) yield surprising values.
func batchSizeOf(net *caffe.Net) int {
	size := 1
	for _, idx := range net.InputBlobIndices() {
		shape := net.Blob(idx).Shape()
		if len(shape) > 1 && shape[0] > 0 && shape[0] > size {
			size = shape[0]
		}
	}
	return size
}

// BatchSize returns the currently allocated batch size.
func (s *Session) BatchSize() int { return s.batchSize }

// Net exposes the underlying network.
func (s *Session) Net() *caffe.Net { return s.net }

// InputNames returns the declared input names in declaration order.
func (s *Session) InputNames() []string { return s.namesOf(s.net.InputBlobIndices()) }

// OutputNames returns the declared output names in declaration order.
func (s *Session) OutputNames() []string { return s.namesOf(s.net.OutputBlobIndices()) }

func (s *Session) namesOf(indices []int) []string {
	names := make([]string, len(indices))
	for i, idx := range indices {
		names[i] = s.net.BlobNames()[idx]
	}
	return names
}

// LoadWeights copies trained parameters from a binary weight file into
// same-named layers. Shapes, name maps and the batch size are unchanged.
// Parameters that do not fit their layer are rejected before any are
// written.
func (s *Session) LoadWeights(path string) error {
	param, err := caffe.ReadProtoFromBinaryFile(path)
	if err != nil {
		return status.Errorf(codes.InvalidArgument,
			"Caffe network failed to load pretrained layers from file: %s: %v", path, err)
	}
	skipped, err := s.net.CopyTrainedLayersFrom(param)
	if err != nil {
		if errors.Is(err, caffe.ErrIncompatibleWeights) {
			return status.Errorf(codes.FailedPrecondition, "weights in %s do not match the network: %v", path, err)
		}
		return status.Errorf(codes.Internal, "copying weights from %s: %v", path, err)
	}
	for _, name := range skipped {
		s.log.Debugw("Ignoring source layer", "layer", name, "path", path)
	}
	s.log.Infow("Loaded weights", "path", path, "layers", len(param.Layer)-len(skipped))
	s.emit(Event{Kind: EventWeightsLoaded, Path: path})
	return nil
}

// Reshape sets the leading dimension of every multi-axis input to batchSize
// and propagates the change through the network. Reshaping to the current
// size does nothing.
func (s *Session) Reshape(batchSize int) error {
	if batchSize < 1 {
		return status.Error(codes.InvalidArgument, "batch_size must be at least 1")
	}
	if batchSize == s.batchSize {
		return nil
	}

	saved := make(map[int][]int)
	for _, idx := range s.net.InputBlobIndices() {
		blob := s.net.Blob(idx)
		shape := blob.Shape()
		if len(shape) > 1 && shape[0] > 0 {
			saved[idx] = blob.Shape()
			shape[0] = batchSize
			if err := blob.Reshape(shape); err != nil {
				s.restoreShapes(saved)
				return status.Errorf(codes.Internal, "reshaping input %s: %v", s.net.BlobNames()[idx], err)
			}
		}
	}
	if err := s.net.Reshape(); err != nil {
		s.restoreShapes(saved)
		return status.Errorf(codes.Internal, "reshaping network: %v", err)
	}

	prev := s.batchSize
	s.batchSize = batchSize
	s.log.Infow("Reshaped network", "batchSize", batchSize, "previous", prev)
	s.emit(Event{Kind: EventReshaped, PrevBatchSize: prev})
	return nil
}

// restoreShapes puts input blobs back to their previous shapes and re-runs
// the network reshape, so a failed Reshape leaves every buffer at BatchSize.
func (s *Session) restoreShapes(saved map[int][]int) {
	for idx, shape := range saved {
		if err := s.net.Blob(idx).Reshape(shape); err != nil {
			s.log.Errorw("Restoring input shape", "input", s.net.BlobNames()[idx], "error", err)
		}
	}
	if err := s.net.Reshape(); err != nil {
		s.log.Errorw("Restoring network shapes", "batchSize", s.batchSize, "error", err)
	}
}

// Run feeds inputs into the network, runs one forward pass and returns the
// requested outputs in request order, each shaped [batch, channels].
// targetNames must be empty. The batch size is taken from the first input.
// On error no outputs are returned.
func (s *Session) Run(inputs []tensor.NamedTensor, outputNames, targetNames []string) ([]*tensor.Tensor, error) {
	if len(targetNames) > 0 {
		return nil, status.Error(codes.InvalidArgument, "target_node_names is not supported by the Caffe backend")
	}

	if len(inputs) == 0 || len(inputs) < len(s.inputs) {
		return nil, status.Errorf(codes.InvalidArgument, "Expected %d inputs, but got %d.", len(s.inputs), len(inputs))
	}

	for _, in := range inputs {
		if in.Tensor == nil {
			return nil, status.Errorf(codes.InvalidArgument, "Input Tensor %s has no data.", in.Name)
		}
	}

	first := inputs[0].Tensor
	if first.Dims() < 2 {
		return nil, status.Error(codes.InvalidArgument,
			"Could not determine the batch size; input must have at least 2 dimensions")
	}
	batchSize := first.DimSize(0)
	if batchSize < 1 {
		return nil, status.Errorf(codes.InvalidArgument, "Invalid batch size of %d", batchSize)
	}

	if s.batchSize < batchSize {
		if err := s.Reshape(batchSize); err != nil {
			return nil, err
		}
	}

	blobs := s.net.Blobs()
	targets := make([]*caffe.Blob, len(inputs))
	for i, in := range inputs {
		idx, ok := s.inputs[in.Name]
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "Input Tensor %s does not exist in the network.", in.Name)
		}
		if in.Tensor.DimSize(0) != batchSize {
			return nil, status.Errorf(codes.InvalidArgument, "Input Tensor %s has an incorrect batch size.", in.Name)
		}
		// Trailing dimensions are not compared with the blob's; only the
		// storage bound is enforced.
		if in.Tensor.NumElements() > blobs[idx].Count() {
			return nil, status.Errorf(codes.InvalidArgument,
				"Input Tensor %s has %d values, network buffer holds %d.", in.Name, in.Tensor.NumElements(), blobs[idx].Count())
		}
		targets[i] = blobs[idx]
	}
	for i, in := range inputs {
		copy(targets[i].MutableCPUData(), in.Tensor.Data())
	}

	s.net.Forward()

	outputs := make([]*tensor.Tensor, 0, len(outputNames))
	for _, name := range outputNames {
		idx, ok := s.outputs[name]
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "Specified network output '%s' does not exist.", name)
		}
		blob := blobs[idx]
		channels := blob.Channels()
		n := batchSize * channels
		if n > blob.Count() {
			return nil, status.Errorf(codes.Internal, "output %s holds %d values, need %d", name, blob.Count(), n)
		}
		data := make([]float32, n)
		copy(data, blob.CPUData()[:n])
		t, err := tensor.New([]int{batchSize, channels}, data)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "packaging output %s: %v", name, err)
		}
		outputs = append(outputs, t)
	}
	return outputs, nil
}

func (s *Session) emit(e Event) {
	if s.listener == nil {
		return
	}
	e.Network = s.net.Name()
	e.BatchSize = s.batchSize
	s.listener(e)
}
