package caffe

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mlpTopology = `
name: mlp
layer:
- name: data
  type: Input
  top: [data]
  input_param:
    shape:
    - dim: [2, 4]
- name: fc1
  type: InnerProduct
  bottom: [data]
  top: [fc1]
  inner_product_param:
    num_output: 3
- name: relu1
  type: ReLU
  bottom: [fc1]
  top: [fc1]
- name: prob
  type: Softmax
  bottom: [fc1]
  top: [prob]
`

func mustNet(t *testing.T, topology string) *Net {
	t.Helper()
	param, err := ParseNetParameterYAML([]byte(topology))
	require.NoError(t, err)
	net, err := NewNet(param)
	require.NoError(t, err)
	return net
}

func TestNewNetWiresInputsAndOutputs(t *testing.T) {
	net := mustNet(t, mlpTopology)

	assert.Equal(t, "mlp", net.Name())
	assert.Equal(t, []string{"data", "fc1", "prob"}, net.BlobNames())
	assert.Equal(t, []string{"data", "fc1", "relu1", "prob"}, net.LayerNames())
	require.Len(t, net.InputBlobIndices(), 1)
	require.Len(t, net.OutputBlobIndices(), 1)
	assert.Equal(t, "data", net.BlobNames()[net.InputBlobIndices()[0]])
	assert.Equal(t, "prob", net.BlobNames()[net.OutputBlobIndices()[0]])

	prob, ok := net.BlobByName("prob")
	require.True(t, ok)
	assert.Equal(t, []int{2, 3}, prob.Shape())
	assert.Equal(t, 3, prob.Channels())
}

func TestNewNetLegacyInputs(t *testing.T) {
	net, err := NewNet(&NetParameter{
		Input:    []string{"image"},
		InputDim: []int32{1, 3, 2, 2},
		Layer: []*LayerParameter{{
			Name: "flat", Type: "Flatten", Bottom: []string{"image"}, Top: []string{"flat"},
		}},
	})
	require.NoError(t, err)

	flat, ok := net.BlobByName("flat")
	require.True(t, ok)
	assert.Equal(t, []int{1, 12}, flat.Shape())
	assert.Equal(t, []int{0}, net.InputBlobIndices())
}

func TestNewNetRejectsMalformedTopologies(t *testing.T) {
	tests := []struct {
		name    string
		param   *NetParameter
		wantErr string
	}{
		{
			name:    "nil",
			wantErr: "nil network parameter",
		},
		{
			name: "unknown bottom",
			param: &NetParameter{Layer: []*LayerParameter{
				{Name: "relu", Type: "ReLU", Bottom: []string{"missing"}, Top: []string{"out"}},
			}},
			wantErr: `unknown bottom blob "missing"`,
		},
		{
			name: "unknown layer type",
			param: &NetParameter{Layer: []*LayerParameter{
				{Name: "conv", Type: "Convolution"},
			}},
			wantErr: `unknown layer type "Convolution"`,
		},
		{
			name: "top produced twice",
			param: &NetParameter{
				Input:      []string{"x"},
				InputShape: []*BlobShape{{Dim: []int64{1, 2}}},
				Layer: []*LayerParameter{
					{Name: "a", Type: "Sigmoid", Bottom: []string{"x"}, Top: []string{"y"}},
					{Name: "b", Type: "TanH", Bottom: []string{"x"}, Top: []string{"y"}},
				},
			},
			wantErr: "produced by multiple sources",
		},
		{
			name: "inputs without shapes",
			param: &NetParameter{
				Input: []string{"x", "y"},
			},
			wantErr: "need exactly one input_shape each",
		},
		{
			name: "inner product without outputs",
			param: &NetParameter{
				Input:      []string{"x"},
				InputShape: []*BlobShape{{Dim: []int64{1, 2}}},
				Layer: []*LayerParameter{
					{Name: "fc", Type: "InnerProduct", Bottom: []string{"x"}, Top: []string{"fc"}},
				},
			},
			wantErr: "num_output > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNet(tt.param)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestForwardComputesInnerProductReLUAndSoftmax(t *testing.T) {
	net := mustNet(t, mlpTopology)

	fc, ok := net.LayerByName("fc1")
	require.True(t, ok)
	require.Len(t, fc.Blobs(), 2)
	// Rows of W pick out single input features.
	copy(fc.Blobs()[0].MutableCPUData(), []float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, -1, 0,
	})
	copy(fc.Blobs()[1].MutableCPUData(), []float32{0, 0, 0.5})

	data, _ := net.BlobByName("data")
	copy(data.MutableCPUData(), []float32{
		1, 2, 3, 4,
		0, 0, 0, 0,
	})
	net.Forward()

	fc1, _ := net.BlobByName("fc1")
	// relu1 runs in place on fc1.
	assert.Equal(t, []float32{1, 2, 0, 0, 0, 0.5}, fc1.CPUData())

	prob, _ := net.BlobByName("prob")
	for row := 0; row < 2; row++ {
		var sum float32
		for _, v := range prob.CPUData()[row*3 : row*3+3] {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
	assert.Greater(t, prob.CPUData()[1], prob.CPUData()[0])
}

func TestReshapePropagatesBatchDimension(t *testing.T) {
	net := mustNet(t, mlpTopology)

	data, _ := net.BlobByName("data")
	require.NoError(t, data.Reshape([]int{7, 4}))
	require.NoError(t, net.Reshape())

	for _, name := range []string{"fc1", "prob"} {
		b, ok := net.BlobByName(name)
		require.True(t, ok)
		assert.Equal(t, []int{7, 3}, b.Shape(), name)
	}

	require.NoError(t, data.Reshape([]int{7, 5}))
	err := net.Reshape()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible with inner product parameters")
}

func TestCopyTrainedLayersFrom(t *testing.T) {
	net := mustNet(t, mlpTopology)
	fc, _ := net.LayerByName("fc1")

	weights := make([]float32, 12)
	for i := range weights {
		weights[i] = float32(i)
	}
	src := &NetParameter{Layer: []*LayerParameter{
		{Name: "loss", Type: "SoftmaxWithLoss"},
		{Name: "fc1", Type: "InnerProduct", Blobs: []*BlobProto{
			{Shape: &BlobShape{Dim: []int64{3, 4}}, Data: weights},
			{Shape: &BlobShape{Dim: []int64{3}}, Data: []float32{1, 2, 3}},
		}},
	}}

	skipped, err := net.CopyTrainedLayersFrom(src)
	require.NoError(t, err)
	assert.Equal(t, []string{"loss"}, skipped)
	assert.Equal(t, weights, fc.Blobs()[0].CPUData())
	assert.Equal(t, []float32{1, 2, 3}, fc.Blobs()[1].CPUData())
}

func TestCopyTrainedLayersFromRejectsMismatchWithoutWriting(t *testing.T) {
	net := mustNet(t, mlpTopology)
	fc, _ := net.LayerByName("fc1")

	src := &NetParameter{Layer: []*LayerParameter{
		{Name: "fc1", Type: "InnerProduct", Blobs: []*BlobProto{
			{Shape: &BlobShape{Dim: []int64{3, 4}}, Data: make([]float32, 12)},
			{Shape: &BlobShape{Dim: []int64{5}}, Data: []float32{9, 9, 9, 9, 9}},
		}},
	}}
	fc.Blobs()[0].MutableCPUData()[0] = 42

	_, err := net.CopyTrainedLayersFrom(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompatibleWeights))
	assert.Equal(t, float32(42), fc.Blobs()[0].CPUData()[0])

	src.Layer[0].Blobs = src.Layer[0].Blobs[:1]
	_, err = net.CopyTrainedLayersFrom(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompatibleWeights))
}

func TestWeightsFileRoundTrip(t *testing.T) {
	net := mustNet(t, mlpTopology)
	fc, _ := net.LayerByName("fc1")
	for i := range fc.Blobs()[0].MutableCPUData() {
		fc.Blobs()[0].MutableCPUData()[i] = float32(i) * 0.25
	}

	path := filepath.Join(t.TempDir(), "mlp.caffemodel")
	require.NoError(t, WriteProtoToBinaryFile(path, net.ToProto()))

	other := mustNet(t, mlpTopology)
	_, err := other.CopyTrainedLayersFromFile(path)
	require.NoError(t, err)
	otherFC, _ := other.LayerByName("fc1")
	assert.Equal(t, fc.Blobs()[0].CPUData(), otherFC.Blobs()[0].CPUData())
	assert.Equal(t, fc.Blobs()[1].CPUData(), otherFC.Blobs()[1].CPUData())
}

func TestTopologyEmbeddedBlobsInitializeLayers(t *testing.T) {
	net, err := NewNet(&NetParameter{
		Input:      []string{"x"},
		InputShape: []*BlobShape{{Dim: []int64{1, 2}}},
		Layer: []*LayerParameter{{
			Name: "fc", Type: "InnerProduct", Bottom: []string{"x"}, Top: []string{"y"},
			InnerProductParam: &InnerProductParameter{NumOutput: 1, BiasTerm: boolPtr(false)},
			Blobs:             []*BlobProto{{Num: 1, Channels: 1, Height: 1, Width: 2, Data: []float32{2, 3}}},
		}},
	})
	require.NoError(t, err)

	x, _ := net.BlobByName("x")
	copy(x.MutableCPUData(), []float32{1, 1})
	net.Forward()
	y, _ := net.BlobByName("y")
	assert.Equal(t, []float32{5}, y.CPUData())
}

func TestFlattenCollapsesTrailingAxes(t *testing.T) {
	net := mustNet(t, `
layer:
- name: in
  type: Input
  top: [in]
  input_param:
    shape:
    - dim: [2, 2, 3]
- name: flat
  type: Flatten
  bottom: [in]
  top: [flat]
`)
	in, _ := net.BlobByName("in")
	for i := range in.MutableCPUData() {
		in.MutableCPUData()[i] = float32(i)
	}
	net.Forward()

	flat, _ := net.BlobByName("flat")
	assert.Equal(t, []int{2, 6}, flat.Shape())
	assert.Equal(t, in.CPUData(), flat.CPUData())
}

func TestParseNetParameterYAMLRejectsUnknownKeys(t *testing.T) {
	_, err := ParseNetParameterYAML([]byte("name: x\nlayers: []\n"))
	require.Error(t, err)
}

func boolPtr(b bool) *bool { return &b }
