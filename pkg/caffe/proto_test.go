package caffe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestUnmarshalAcceptsUnpackedDataAndSkipsUnknownFields(t *testing.T) {
	var blob []byte
	for _, v := range []float32{1.5, -2} {
		blob = protowire.AppendTag(blob, blobDataField, protowire.Fixed32Type)
		blob = protowire.AppendFixed32(blob, math.Float32bits(v))
	}
	// diff (field 6) is not decoded.
	blob = protowire.AppendTag(blob, 6, protowire.BytesType)
	blob = protowire.AppendBytes(blob, []byte{0, 0, 0, 0})
	blob = appendMessage(blob, blobShapeField, (&BlobShape{Dim: []int64{2}}).marshal())

	var layer []byte
	layer = appendString(layer, layerNameField, "fc")
	layer = appendVarint(layer, 10, 1) // phase
	layer = appendMessage(layer, layerBlobsField, blob)

	var net []byte
	net = appendString(net, netNameField, "legacy")
	net = appendVarint(net, 5, 1) // force_backward
	net = appendMessage(net, netLayerField, layer)

	param, err := UnmarshalNetParameter(net)
	require.NoError(t, err)
	assert.Equal(t, "legacy", param.Name)
	require.Len(t, param.Layer, 1)
	require.Len(t, param.Layer[0].Blobs, 1)
	assert.Equal(t, []float32{1.5, -2}, param.Layer[0].Blobs[0].Data)
	assert.Equal(t, []int64{2}, param.Layer[0].Blobs[0].Shape.Dim)
}

func TestMarshalPreservesOptionalDefaults(t *testing.T) {
	axis := int32(-1)
	in := &NetParameter{
		Name:       "net",
		Input:      []string{"x"},
		InputShape: []*BlobShape{{Dim: []int64{1, 8}}},
		Layer: []*LayerParameter{
			{
				Name: "fc", Type: "InnerProduct", Bottom: []string{"x"}, Top: []string{"fc"},
				InnerProductParam: &InnerProductParameter{NumOutput: 2, BiasTerm: boolPtr(false), Axis: &axis},
			},
			{
				Name: "act", Type: "ReLU", Bottom: []string{"fc"}, Top: []string{"fc"},
				ReLUParam: &ReLUParameter{NegativeSlope: 0.1},
			},
			{Name: "prob", Type: "Softmax", Bottom: []string{"fc"}, Top: []string{"prob"}},
		},
	}

	out, err := UnmarshalNetParameter(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, out.Layer[0].InnerProductParam.GetBiasTerm())
	assert.Equal(t, int32(-1), out.Layer[0].InnerProductParam.GetAxis())
	assert.Nil(t, out.Layer[2].SoftmaxParam)
	assert.Equal(t, int32(1), out.Layer[2].SoftmaxParam.GetAxis())
}

func TestUnmarshalRejectsV1LayersAndTruncatedInput(t *testing.T) {
	v1 := appendMessage(nil, netV1LayersField, nil)
	_, err := UnmarshalNetParameter(v1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "V1 layer")

	good := (&NetParameter{Name: "truncated"}).Marshal()
	_, err = UnmarshalNetParameter(good[:len(good)-2])
	require.Error(t, err)
}
