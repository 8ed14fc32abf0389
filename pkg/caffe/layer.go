package caffe

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Layer is one stage of a Net. Layers are created from a LayerParameter,
// set up once against their bottom and top blobs, reshaped whenever an
// upstream shape changes, and run forward in topology order.
type Layer interface {
	Name() string
	Type() string
	Param() *LayerParameter

	// SetUp validates the layer against its blobs and allocates learnable
	// parameters. It is called once, before the first Reshape.
	SetUp(bottom, top []*Blob) error
	// Reshape sizes the top blobs from the bottom blobs.
	Reshape(bottom, top []*Blob) error
	Forward(bottom, top []*Blob)

	// Blobs returns the learnable parameters in serialization order.
	Blobs() []*Blob
}

// LayerFactory builds an unconfigured layer.
type LayerFactory func(param *LayerParameter) Layer

var (
	registryMu sync.RWMutex
	registry   = map[string]LayerFactory{}
)

// RegisterLayer makes a layer type available to NewNet. Registering the
// same type twice panics.
func RegisterLayer(typ string, factory LayerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[typ]; ok {
		panic("caffe: layer type " + typ + " registered twice")
	}
	registry[typ] = factory
}

// LayerTypes lists the registered layer types.
func LayerTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CreateLayer instantiates the layer described by param.
func CreateLayer(param *LayerParameter) (Layer, error) {
	registryMu.RLock()
	factory, ok := registry[param.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown layer type %q (known types: %v)", param.Type, LayerTypes())
	}
	return factory(param), nil
}

type layerBase struct {
	param *LayerParameter
	blobs []*Blob
}

func (l *layerBase) Name() string           { return l.param.Name }
func (l *layerBase) Type() string           { return l.param.Type }
func (l *layerBase) Param() *LayerParameter { return l.param }
func (l *layerBase) Blobs() []*Blob         { return l.blobs }

func checkBlobCounts(l Layer, bottom, top []*Blob, wantBottom, wantTop int) error {
	if wantBottom >= 0 && len(bottom) != wantBottom {
		return errors.Errorf("%s layer %q takes %d bottom blob(s), got %d", l.Type(), l.Name(), wantBottom, len(bottom))
	}
	if wantTop >= 0 && len(top) != wantTop {
		return errors.Errorf("%s layer %q produces %d top blob(s), got %d", l.Type(), l.Name(), wantTop, len(top))
	}
	return nil
}

func canonicalAxis(b *Blob, axis int32) (int, error) {
	n := b.NumAxes()
	a := int(axis)
	if a < -n || a >= n {
		return 0, errors.Errorf("axis %d out of range for blob with %d axes", axis, n)
	}
	if a < 0 {
		a += n
	}
	return a, nil
}
