package caffe

import (
	"math"

	"github.com/pkg/errors"
)

func init() {
	RegisterLayer("Input", func(p *LayerParameter) Layer { return &inputLayer{layerBase: layerBase{param: p}} })
	RegisterLayer("InnerProduct", func(p *LayerParameter) Layer { return &innerProductLayer{layerBase: layerBase{param: p}} })
	RegisterLayer("ReLU", func(p *LayerParameter) Layer {
		var slope float32
		if p.ReLUParam != nil {
			slope = p.ReLUParam.NegativeSlope
		}
		return &neuronLayer{layerBase: layerBase{param: p}, fn: func(x float32) float32 {
			if x > 0 {
				return x
			}
			return slope * x
		}}
	})
	RegisterLayer("Sigmoid", func(p *LayerParameter) Layer {
		return &neuronLayer{layerBase: layerBase{param: p}, fn: func(x float32) float32 {
			return float32(1 / (1 + math.Exp(-float64(x))))
		}}
	})
	RegisterLayer("TanH", func(p *LayerParameter) Layer {
		return &neuronLayer{layerBase: layerBase{param: p}, fn: func(x float32) float32 {
			return float32(math.Tanh(float64(x)))
		}}
	})
	// Dropout is the identity at inference time.
	RegisterLayer("Dropout", func(p *LayerParameter) Layer { return &neuronLayer{layerBase: layerBase{param: p}} })
	RegisterLayer("Softmax", func(p *LayerParameter) Layer { return &softmaxLayer{layerBase: layerBase{param: p}} })
	RegisterLayer("Flatten", func(p *LayerParameter) Layer { return &flattenLayer{layerBase: layerBase{param: p}} })
}

// inputLayer declares network inputs. Its tops are shaped once at setup and
// afterwards only change when the owner reshapes them directly.
type inputLayer struct {
	layerBase
}

func (l *inputLayer) SetUp(bottom, top []*Blob) error {
	if err := checkBlobCounts(l, bottom, top, 0, -1); err != nil {
		return err
	}
	var shapes []*BlobShape
	if l.param.InputParam != nil {
		shapes = l.param.InputParam.Shape
	}
	if len(shapes) != 1 && len(shapes) != len(top) {
		return errors.Errorf("Input layer %q needs one shape or one per top (%d tops), got %d", l.Name(), len(top), len(shapes))
	}
	for i, t := range top {
		s := shapes[0]
		if len(shapes) > 1 {
			s = shapes[i]
		}
		if err := t.Reshape(shapeOf(s)); err != nil {
			return err
		}
	}
	return nil
}

func (l *inputLayer) Reshape(bottom, top []*Blob) error { return nil }
func (l *inputLayer) Forward(bottom, top []*Blob)       {}

// innerProductLayer computes top = bottom * W^T + b over the axes starting
// at the configured axis.
type innerProductLayer struct {
	layerBase
	axis      int
	numOutput int
	k         int
	m         int
	bias      bool
	transpose bool
}

func (l *innerProductLayer) SetUp(bottom, top []*Blob) error {
	if err := checkBlobCounts(l, bottom, top, 1, 1); err != nil {
		return err
	}
	p := l.param.InnerProductParam
	if p == nil || p.NumOutput == 0 {
		return errors.Errorf("InnerProduct layer %q needs inner_product_param.num_output > 0", l.Name())
	}
	axis, err := canonicalAxis(bottom[0], p.GetAxis())
	if err != nil {
		return errors.Wrapf(err, "InnerProduct layer %q", l.Name())
	}
	l.axis = axis
	l.numOutput = int(p.NumOutput)
	l.k = bottom[0].CountFrom(axis)
	l.bias = p.GetBiasTerm()
	l.transpose = p.Transpose

	weightShape := []int{l.numOutput, l.k}
	if l.transpose {
		weightShape = []int{l.k, l.numOutput}
	}
	weights, err := NewBlob(weightShape)
	if err != nil {
		return err
	}
	l.blobs = []*Blob{weights}
	if l.bias {
		bias, err := NewBlob([]int{l.numOutput})
		if err != nil {
			return err
		}
		l.blobs = append(l.blobs, bias)
	}
	return nil
}

func (l *innerProductLayer) Reshape(bottom, top []*Blob) error {
	in := bottom[0]
	if in.NumAxes() <= l.axis {
		return errors.Errorf("InnerProduct layer %q: input has %d axes, axis is %d", l.Name(), in.NumAxes(), l.axis)
	}
	if k := in.CountFrom(l.axis); k != l.k {
		return errors.Errorf("InnerProduct layer %q: input size %d incompatible with inner product parameters (expected %d)", l.Name(), k, l.k)
	}
	l.m = in.CountRange(0, l.axis)
	shape := append(in.Shape()[:l.axis], l.numOutput)
	return top[0].Reshape(shape)
}

func (l *innerProductLayer) Forward(bottom, top []*Blob) {
	x := bottom[0].CPUData()
	y := top[0].MutableCPUData()
	w := l.blobs[0].CPUData()
	var b []float32
	if l.bias {
		b = l.blobs[1].CPUData()
	}

	n, k := l.numOutput, l.k
	for i := 0; i < l.m; i++ {
		row := x[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			var sum float32
			if l.transpose {
				for c, v := range row {
					sum += v * w[c*n+j]
				}
			} else {
				wr := w[j*k : (j+1)*k]
				for c, v := range row {
					sum += v * wr[c]
				}
			}
			if b != nil {
				sum += b[j]
			}
			y[i*n+j] = sum
		}
	}
}

// neuronLayer applies fn elementwise; a nil fn copies. Tops may alias bottoms.
type neuronLayer struct {
	layerBase
	fn func(float32) float32
}

func (l *neuronLayer) SetUp(bottom, top []*Blob) error {
	return checkBlobCounts(l, bottom, top, 1, 1)
}

func (l *neuronLayer) Reshape(bottom, top []*Blob) error {
	if top[0] == bottom[0] {
		return nil
	}
	return top[0].ReshapeLike(bottom[0])
}

func (l *neuronLayer) Forward(bottom, top []*Blob) {
	x := bottom[0].CPUData()
	y := top[0].MutableCPUData()
	if l.fn == nil {
		if top[0] != bottom[0] {
			copy(y, x)
		}
		return
	}
	for i, v := range x {
		y[i] = l.fn(v)
	}
}

// softmaxLayer normalizes over one axis.
type softmaxLayer struct {
	layerBase
	axis  int
	outer int
	inner int
}

func (l *softmaxLayer) SetUp(bottom, top []*Blob) error {
	return checkBlobCounts(l, bottom, top, 1, 1)
}

func (l *softmaxLayer) Reshape(bottom, top []*Blob) error {
	axis, err := canonicalAxis(bottom[0], l.param.SoftmaxParam.GetAxis())
	if err != nil {
		return errors.Wrapf(err, "Softmax layer %q", l.Name())
	}
	l.axis = axis
	l.outer = bottom[0].CountRange(0, axis)
	l.inner = bottom[0].CountFrom(axis + 1)
	if top[0] == bottom[0] {
		return nil
	}
	return top[0].ReshapeLike(bottom[0])
}

func (l *softmaxLayer) Forward(bottom, top []*Blob) {
	x := bottom[0].CPUData()
	y := top[0].MutableCPUData()
	channels := bottom[0].ShapeAt(l.axis)
	stride := channels * l.inner

	for o := 0; o < l.outer; o++ {
		for in := 0; in < l.inner; in++ {
			base := o*stride + in
			maxVal := float32(math.Inf(-1))
			for c := 0; c < channels; c++ {
				if v := x[base+c*l.inner]; v > maxVal {
					maxVal = v
				}
			}
			var sum float32
			for c := 0; c < channels; c++ {
				i := base + c*l.inner
				e := float32(math.Exp(float64(x[i] - maxVal)))
				y[i] = e
				sum += e
			}
			for c := 0; c < channels; c++ {
				y[base+c*l.inner] /= sum
			}
		}
	}
}

// flattenLayer collapses axes [axis, end_axis] into one.
type flattenLayer struct {
	layerBase
}

func (l *flattenLayer) SetUp(bottom, top []*Blob) error {
	if err := checkBlobCounts(l, bottom, top, 1, 1); err != nil {
		return err
	}
	if top[0] == bottom[0] {
		return errors.Errorf("Flatten layer %q does not allow in-place computation", l.Name())
	}
	return nil
}

func (l *flattenLayer) Reshape(bottom, top []*Blob) error {
	in := bottom[0]
	start, err := canonicalAxis(in, l.param.FlattenParam.GetAxis())
	if err != nil {
		return errors.Wrapf(err, "Flatten layer %q", l.Name())
	}
	end, err := canonicalAxis(in, l.param.FlattenParam.GetEndAxis())
	if err != nil {
		return errors.Wrapf(err, "Flatten layer %q", l.Name())
	}
	if end < start {
		return errors.Errorf("Flatten layer %q: end_axis %d precedes axis %d", l.Name(), end, start)
	}
	shape := in.Shape()
	flat := append([]int{}, shape[:start]...)
	flat = append(flat, in.CountRange(start, end+1))
	flat = append(flat, shape[end+1:]...)
	return top[0].Reshape(flat)
}

func (l *flattenLayer) Forward(bottom, top []*Blob) {
	copy(top[0].MutableCPUData(), bottom[0].CPUData())
}
