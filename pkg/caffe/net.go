package caffe

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrIncompatibleWeights is returned when trained parameters do not fit the
// layers they are copied into.
var ErrIncompatibleWeights = errors.New("incompatible trained weights")

// Net is a directed acyclic graph of layers connected by named blobs. Its
// shapes are fixed at construction and change only through Reshape.
type Net struct {
	name string

	layers     []Layer
	layerIndex map[string]int
	bottomVecs [][]*Blob
	topVecs    [][]*Blob

	blobs     []*Blob
	blobNames []string
	blobIndex map[string]int

	inputIndices  []int
	outputIndices []int
}

// NewNet builds a Net from a topology. Layers are set up and reshaped once;
// parameters embedded in the topology are copied in.
func NewNet(param *NetParameter) (*Net, error) {
	if param == nil {
		return nil, errors.New("nil network parameter")
	}
	n := &Net{
		name:       param.Name,
		layerIndex: make(map[string]int),
		blobIndex:  make(map[string]int),
	}

	available := newBlobSet()

	inputShapes, err := legacyInputShapes(param)
	if err != nil {
		return nil, err
	}
	for i, name := range param.Input {
		idx, err := n.appendBlob(name, inputShapes[i])
		if err != nil {
			return nil, err
		}
		n.inputIndices = append(n.inputIndices, idx)
		available.add(idx)
	}

	for li, lp := range param.Layer {
		if lp.Name == "" {
			named := *lp
			named.Name = fmt.Sprintf("%s%d", lp.Type, li)
			lp = &named
		}
		if _, dup := n.layerIndex[lp.Name]; dup {
			return nil, errors.Errorf("duplicate layer name %q", lp.Name)
		}
		layer, err := CreateLayer(lp)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %q", lp.Name)
		}

		bottom := make([]*Blob, 0, len(lp.Bottom))
		for bi, name := range lp.Bottom {
			idx, ok := n.blobIndex[name]
			if !ok {
				return nil, errors.Errorf("unknown bottom blob %q (layer %q, bottom index %d)", name, lp.Name, bi)
			}
			bottom = append(bottom, n.blobs[idx])
			available.remove(idx)
		}

		top := make([]*Blob, 0, len(lp.Top))
		for ti, name := range lp.Top {
			if ti < len(lp.Bottom) && lp.Bottom[ti] == name {
				idx := n.blobIndex[name]
				top = append(top, n.blobs[idx])
				available.add(idx)
				continue
			}
			if _, exists := n.blobIndex[name]; exists {
				return nil, errors.Errorf("top blob %q produced by multiple sources (layer %q)", name, lp.Name)
			}
			idx, err := n.appendBlob(name, nil)
			if err != nil {
				return nil, err
			}
			top = append(top, n.blobs[idx])
			available.add(idx)
			if lp.Type == "Input" {
				n.inputIndices = append(n.inputIndices, idx)
			}
		}

		if err := layer.SetUp(bottom, top); err != nil {
			return nil, errors.Wrapf(err, "setting up layer %q", lp.Name)
		}
		if err := layer.Reshape(bottom, top); err != nil {
			return nil, errors.Wrapf(err, "reshaping layer %q", lp.Name)
		}
		if len(lp.Blobs) > 0 {
			if err := checkLayerBlobs(layer, lp); err != nil {
				return nil, err
			}
			copyLayerBlobs(layer, lp)
		}

		n.layerIndex[lp.Name] = len(n.layers)
		n.layers = append(n.layers, layer)
		n.bottomVecs = append(n.bottomVecs, bottom)
		n.topVecs = append(n.topVecs, top)
	}

	n.outputIndices = available.ordered()
	return n, nil
}

func legacyInputShapes(param *NetParameter) ([][]int, error) {
	shapes := make([][]int, len(param.Input))
	switch {
	case len(param.Input) == 0:
		if len(param.InputShape) > 0 || len(param.InputDim) > 0 {
			return nil, errors.New("input shapes given without input names")
		}
	case len(param.InputShape) == len(param.Input):
		for i, s := range param.InputShape {
			shapes[i] = shapeOf(s)
		}
	case len(param.InputShape) == 0 && len(param.InputDim) == 4*len(param.Input):
		for i := range param.Input {
			dims := param.InputDim[4*i : 4*i+4]
			shapes[i] = []int{int(dims[0]), int(dims[1]), int(dims[2]), int(dims[3])}
		}
	default:
		return nil, errors.Errorf("%d inputs need exactly one input_shape each, or four input_dim values each", len(param.Input))
	}
	return shapes, nil
}

func (n *Net) appendBlob(name string, shape []int) (int, error) {
	if _, exists := n.blobIndex[name]; exists {
		return 0, errors.Errorf("duplicate blob %q", name)
	}
	blob, err := NewBlob(shape)
	if err != nil {
		return 0, errors.Wrapf(err, "blob %q", name)
	}
	idx := len(n.blobs)
	n.blobs = append(n.blobs, blob)
	n.blobNames = append(n.blobNames, name)
	n.blobIndex[name] = idx
	return idx, nil
}

// Name returns the topology's name.
func (n *Net) Name() string { return n.name }

// Blobs returns every blob, indexed like BlobNames.
func (n *Net) Blobs() []*Blob { return n.blobs }

// BlobNames returns blob names in creation order.
func (n *Net) BlobNames() []string { return n.blobNames }

// Blob returns the blob at idx.
func (n *Net) Blob(idx int) *Blob { return n.blobs[idx] }

// BlobByName looks a blob up by name.
func (n *Net) BlobByName(name string) (*Blob, bool) {
	idx, ok := n.blobIndex[name]
	if !ok {
		return nil, false
	}
	return n.blobs[idx], true
}

// InputBlobIndices returns the indices of the declared inputs.
func (n *Net) InputBlobIndices() []int { return n.inputIndices }

// OutputBlobIndices returns the indices of blobs no layer consumes.
func (n *Net) OutputBlobIndices() []int { return n.outputIndices }

// Layers returns the layers in execution order.
func (n *Net) Layers() []Layer { return n.layers }

// LayerNames returns layer names in execution order.
func (n *Net) LayerNames() []string {
	names := make([]string, len(n.layers))
	for i, l := range n.layers {
		names[i] = l.Name()
	}
	return names
}

// LayerByName looks a layer up by name.
func (n *Net) LayerByName(name string) (Layer, bool) {
	idx, ok := n.layerIndex[name]
	if !ok {
		return nil, false
	}
	return n.layers[idx], true
}

// Reshape propagates the current input shapes through every layer.
func (n *Net) Reshape() error {
	for i, l := range n.layers {
		if err := l.Reshape(n.bottomVecs[i], n.topVecs[i]); err != nil {
			return errors.Wrapf(err, "reshaping layer %q", l.Name())
		}
	}
	return nil
}

// Forward runs every layer once, in order.
func (n *Net) Forward() {
	for i, l := range n.layers {
		l.Forward(n.bottomVecs[i], n.topVecs[i])
	}
}

// CopyTrainedLayersFrom copies the blobs of every source layer whose name
// matches a layer of n. Source layers unknown to n are skipped and returned.
// Every blob is checked before any is written, so a mismatch leaves n
// untouched.
func (n *Net) CopyTrainedLayersFrom(param *NetParameter) (skipped []string, err error) {
	type pending struct {
		layer Layer
		src   *LayerParameter
	}
	var plan []pending
	for _, src := range param.Layer {
		layer, ok := n.LayerByName(src.Name)
		if !ok {
			skipped = append(skipped, src.Name)
			continue
		}
		if err := checkLayerBlobs(layer, src); err != nil {
			return nil, err
		}
		plan = append(plan, pending{layer: layer, src: src})
	}
	for _, p := range plan {
		copyLayerBlobs(p.layer, p.src)
	}
	return skipped, nil
}

// CopyTrainedLayersFromFile reads a binary weight file and copies it in.
func (n *Net) CopyTrainedLayersFromFile(path string) ([]string, error) {
	param, err := ReadProtoFromBinaryFile(path)
	if err != nil {
		return nil, err
	}
	return n.CopyTrainedLayersFrom(param)
}

func checkLayerBlobs(layer Layer, src *LayerParameter) error {
	target := layer.Blobs()
	if len(src.Blobs) != len(target) {
		return errors.Wrapf(ErrIncompatibleWeights, "layer %q has %d parameter blobs, source has %d",
			layer.Name(), len(target), len(src.Blobs))
	}
	for i, sb := range src.Blobs {
		if !target[i].ShapeEquals(sb) {
			return errors.Wrapf(ErrIncompatibleWeights, "layer %q blob %d: target shape %v, source shape %v",
				layer.Name(), i, target[i].Shape(), protoShape(sb))
		}
		if len(sb.Data) != target[i].Count() {
			return errors.Wrapf(ErrIncompatibleWeights, "layer %q blob %d: expected %d values, source has %d",
				layer.Name(), i, target[i].Count(), len(sb.Data))
		}
	}
	return nil
}

func copyLayerBlobs(layer Layer, src *LayerParameter) {
	for i, sb := range src.Blobs {
		copy(layer.Blobs()[i].MutableCPUData(), sb.Data)
	}
}

// ToProto serializes the layers that hold parameters, in the format
// CopyTrainedLayersFrom reads.
func (n *Net) ToProto() *NetParameter {
	out := &NetParameter{Name: n.name}
	for _, l := range n.layers {
		if len(l.Blobs()) == 0 {
			continue
		}
		lp := &LayerParameter{Name: l.Name(), Type: l.Type()}
		for _, b := range l.Blobs() {
			lp.Blobs = append(lp.Blobs, b.ToProto())
		}
		out.Layer = append(out.Layer, lp)
	}
	return out
}

// blobSet keeps blob indices in first-insertion order.
type blobSet struct {
	order []int
	seen  map[int]bool
	in    map[int]bool
}

func newBlobSet() *blobSet { return &blobSet{seen: make(map[int]bool), in: make(map[int]bool)} }

func (s *blobSet) add(idx int) {
	s.in[idx] = true
	if !s.seen[idx] {
		s.seen[idx] = true
		s.order = append(s.order, idx)
	}
}

func (s *blobSet) remove(idx int) { delete(s.in, idx) }

func (s *blobSet) ordered() []int {
	var out []int
	for _, idx := range s.order {
		if s.in[idx] {
			out = append(out, idx)
		}
	}
	return out
}
