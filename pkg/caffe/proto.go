package caffe

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The message types below mirror the subset of caffe.proto the engine
// understands. Field numbers match caffe.proto so binary .caffemodel files
// decode directly; unknown fields are skipped.

// NetParameter describes a network topology and, in weight files, its
// trained parameters.
type NetParameter struct {
	Name       string            `json:"name,omitempty"`
	Input      []string          `json:"input,omitempty"`
	InputShape []*BlobShape      `json:"input_shape,omitempty"`
	InputDim   []int32           `json:"input_dim,omitempty"`
	Layer      []*LayerParameter `json:"layer,omitempty"`
}

// LayerParameter describes one layer.
type LayerParameter struct {
	Name   string       `json:"name,omitempty"`
	Type   string       `json:"type,omitempty"`
	Bottom []string     `json:"bottom,omitempty"`
	Top    []string     `json:"top,omitempty"`
	Blobs  []*BlobProto `json:"blobs,omitempty"`

	DropoutParam      *DropoutParameter      `json:"dropout_param,omitempty"`
	FlattenParam      *FlattenParameter      `json:"flatten_param,omitempty"`
	InnerProductParam *InnerProductParameter `json:"inner_product_param,omitempty"`
	InputParam        *InputParameter        `json:"input_param,omitempty"`
	ReLUParam         *ReLUParameter         `json:"relu_param,omitempty"`
	SoftmaxParam      *SoftmaxParameter      `json:"softmax_param,omitempty"`
}

// BlobShape is an ordered list of dimension sizes.
type BlobShape struct {
	Dim []int64 `json:"dim,omitempty"`
}

// BlobProto stores a blob's shape and values. Num/Channels/Height/Width is
// the legacy 4-D shape used when Shape is absent.
type BlobProto struct {
	Shape    *BlobShape `json:"shape,omitempty"`
	Data     []float32  `json:"data,omitempty"`
	Num      int32      `json:"num,omitempty"`
	Channels int32      `json:"channels,omitempty"`
	Height   int32      `json:"height,omitempty"`
	Width    int32      `json:"width,omitempty"`
}

type InnerProductParameter struct {
	NumOutput uint32 `json:"num_output,omitempty"`
	BiasTerm  *bool  `json:"bias_term,omitempty"`
	Axis      *int32 `json:"axis,omitempty"`
	Transpose bool   `json:"transpose,omitempty"`
}

// GetBiasTerm defaults to true.
func (p *InnerProductParameter) GetBiasTerm() bool {
	if p == nil || p.BiasTerm == nil {
		return true
	}
	return *p.BiasTerm
}

// GetAxis defaults to 1.
func (p *InnerProductParameter) GetAxis() int32 {
	if p == nil || p.Axis == nil {
		return 1
	}
	return *p.Axis
}

type InputParameter struct {
	Shape []*BlobShape `json:"shape,omitempty"`
}

type ReLUParameter struct {
	NegativeSlope float32 `json:"negative_slope,omitempty"`
}

type SoftmaxParameter struct {
	Axis *int32 `json:"axis,omitempty"`
}

// GetAxis defaults to 1.
func (p *SoftmaxParameter) GetAxis() int32 {
	if p == nil || p.Axis == nil {
		return 1
	}
	return *p.Axis
}

type DropoutParameter struct {
	DropoutRatio *float32 `json:"dropout_ratio,omitempty"`
}

type FlattenParameter struct {
	Axis    *int32 `json:"axis,omitempty"`
	EndAxis *int32 `json:"end_axis,omitempty"`
}

// GetAxis defaults to 1.
func (p *FlattenParameter) GetAxis() int32 {
	if p == nil || p.Axis == nil {
		return 1
	}
	return *p.Axis
}

// GetEndAxis defaults to -1.
func (p *FlattenParameter) GetEndAxis() int32 {
	if p == nil || p.EndAxis == nil {
		return -1
	}
	return *p.EndAxis
}

const (
	netNameField       protowire.Number = 1
	netV1LayersField   protowire.Number = 2
	netInputField      protowire.Number = 3
	netInputDimField   protowire.Number = 4
	netInputShapeField protowire.Number = 8
	netLayerField      protowire.Number = 100

	layerNameField         protowire.Number = 1
	layerTypeField         protowire.Number = 2
	layerBottomField       protowire.Number = 3
	layerTopField          protowire.Number = 4
	layerBlobsField        protowire.Number = 7
	layerDropoutField      protowire.Number = 108
	layerInnerProductField protowire.Number = 117
	layerReLUField         protowire.Number = 123
	layerSoftmaxField      protowire.Number = 125
	layerFlattenField      protowire.Number = 135
	layerInputField        protowire.Number = 143

	blobNumField      protowire.Number = 1
	blobChannelsField protowire.Number = 2
	blobHeightField   protowire.Number = 3
	blobWidthField    protowire.Number = 4
	blobDataField     protowire.Number = 5
	blobShapeField    protowire.Number = 7

	shapeDimField protowire.Number = 1
)

// UnmarshalNetParameter decodes a binary NetParameter.
func UnmarshalNetParameter(b []byte) (*NetParameter, error) {
	m := &NetParameter{}
	if err := m.unmarshal(b); err != nil {
		return nil, errors.Wrap(err, "decoding NetParameter")
	}
	return m, nil
}

// fieldDecoder consumes the value of one field and returns the number of
// bytes read. Returning 0 skips the field.
type fieldDecoder func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeMessage(b []byte, decode fieldDecoder) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := decode(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return errors.Wrapf(protowire.ParseError(m), "field %d", num)
		}
		b = b[m:]
	}
	return nil
}

func (m *NetParameter) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case netNameField:
			return consumeString(typ, b, &m.Name)
		case netInputField:
			var s string
			n, err := consumeString(typ, b, &s)
			if n > 0 {
				m.Input = append(m.Input, s)
			}
			return n, err
		case netInputDimField:
			return consumeInt32s(typ, b, &m.InputDim)
		case netInputShapeField:
			shape := &BlobShape{}
			n, err := consumeMessage(typ, b, shape.unmarshal)
			if n > 0 {
				m.InputShape = append(m.InputShape, shape)
			}
			return n, err
		case netLayerField:
			layer := &LayerParameter{}
			n, err := consumeMessage(typ, b, layer.unmarshal)
			if n > 0 {
				m.Layer = append(m.Layer, layer)
			}
			return n, err
		case netV1LayersField:
			return 0, errors.New("V1 layer definitions are not supported; upgrade the model to the current format")
		}
		return 0, nil
	})
}

func (m *LayerParameter) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case layerNameField:
			return consumeString(typ, b, &m.Name)
		case layerTypeField:
			return consumeString(typ, b, &m.Type)
		case layerBottomField, layerTopField:
			var s string
			n, err := consumeString(typ, b, &s)
			if n > 0 {
				if num == layerBottomField {
					m.Bottom = append(m.Bottom, s)
				} else {
					m.Top = append(m.Top, s)
				}
			}
			return n, err
		case layerBlobsField:
			blob := &BlobProto{}
			n, err := consumeMessage(typ, b, blob.unmarshal)
			if n > 0 {
				m.Blobs = append(m.Blobs, blob)
			}
			return n, err
		case layerDropoutField:
			m.DropoutParam = &DropoutParameter{}
			return consumeMessage(typ, b, m.DropoutParam.unmarshal)
		case layerFlattenField:
			m.FlattenParam = &FlattenParameter{}
			return consumeMessage(typ, b, m.FlattenParam.unmarshal)
		case layerInnerProductField:
			m.InnerProductParam = &InnerProductParameter{}
			return consumeMessage(typ, b, m.InnerProductParam.unmarshal)
		case layerInputField:
			m.InputParam = &InputParameter{}
			return consumeMessage(typ, b, m.InputParam.unmarshal)
		case layerReLUField:
			m.ReLUParam = &ReLUParameter{}
			return consumeMessage(typ, b, m.ReLUParam.unmarshal)
		case layerSoftmaxField:
			m.SoftmaxParam = &SoftmaxParameter{}
			return consumeMessage(typ, b, m.SoftmaxParam.unmarshal)
		}
		return 0, nil
	})
}

func (m *BlobProto) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case blobShapeField:
			m.Shape = &BlobShape{}
			return consumeMessage(typ, b, m.Shape.unmarshal)
		case blobDataField:
			return consumeFloats(typ, b, &m.Data)
		case blobNumField:
			return consumeInt32(typ, b, &m.Num)
		case blobChannelsField:
			return consumeInt32(typ, b, &m.Channels)
		case blobHeightField:
			return consumeInt32(typ, b, &m.Height)
		case blobWidthField:
			return consumeInt32(typ, b, &m.Width)
		}
		return 0, nil
	})
}

func (m *BlobShape) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == shapeDimField {
			return consumeInt64s(typ, b, &m.Dim)
		}
		return 0, nil
	})
}

func (m *InnerProductParameter) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v int32
			n, err := consumeInt32(typ, b, &v)
			m.NumOutput = uint32(v)
			return n, err
		case 2:
			var v bool
			n, err := consumeBool(typ, b, &v)
			if n > 0 {
				m.BiasTerm = &v
			}
			return n, err
		case 5:
			var v int32
			n, err := consumeInt32(typ, b, &v)
			if n > 0 {
				m.Axis = &v
			}
			return n, err
		case 6:
			return consumeBool(typ, b, &m.Transpose)
		}
		return 0, nil
	})
}

func (m *InputParameter) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			shape := &BlobShape{}
			n, err := consumeMessage(typ, b, shape.unmarshal)
			if n > 0 {
				m.Shape = append(m.Shape, shape)
			}
			return n, err
		}
		return 0, nil
	})
}

func (m *ReLUParameter) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeFloat(typ, b, &m.NegativeSlope)
		}
		return 0, nil
	})
}

func (m *SoftmaxParameter) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 2 {
			var v int32
			n, err := consumeInt32(typ, b, &v)
			if n > 0 {
				m.Axis = &v
			}
			return n, err
		}
		return 0, nil
	})
}

func (m *DropoutParameter) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			var v float32
			n, err := consumeFloat(typ, b, &v)
			if n > 0 {
				m.DropoutRatio = &v
			}
			return n, err
		}
		return 0, nil
	})
}

func (m *FlattenParameter) unmarshal(b []byte) error {
	return decodeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var dst **int32
		switch num {
		case 1:
			dst = &m.Axis
		case 2:
			dst = &m.EndAxis
		default:
			return 0, nil
		}
		var v int32
		n, err := consumeInt32(typ, b, &v)
		if n > 0 {
			*dst = &v
		}
		return n, err
	})
}

func consumeMessage(typ protowire.Type, b []byte, unmarshal func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, unmarshal(v)
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeInt32(typ protowire.Type, b []byte, dst *int32) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int32(v)
	}
	return n, nil
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n, nil
}

func consumeFloat(typ protowire.Type, b []byte, dst *float32) (int, error) {
	if typ != protowire.Fixed32Type {
		return 0, nil
	}
	v, n := protowire.ConsumeFixed32(b)
	if n >= 0 {
		*dst = math.Float32frombits(v)
	}
	return n, nil
}

// consumeFloats accepts both packed and unpacked encodings.
func consumeFloats(typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	switch typ {
	case protowire.Fixed32Type:
		var v float32
		n, err := consumeFloat(typ, b, &v)
		if n > 0 {
			*dst = append(*dst, v)
		}
		return n, err
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		if len(packed)%4 != 0 {
			return 0, errors.Errorf("packed float field has %d bytes, not a multiple of 4", len(packed))
		}
		if *dst == nil {
			*dst = make([]float32, 0, len(packed)/4)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			*dst = append(*dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, nil
}

func consumeInt64s(typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			*dst = append(*dst, int64(v))
		}
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return m, nil
			}
			*dst = append(*dst, int64(v))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, nil
}

func consumeInt32s(typ protowire.Type, b []byte, dst *[]int32) (int, error) {
	var wide []int64
	n, err := consumeInt64s(typ, b, &wide)
	for _, v := range wide {
		*dst = append(*dst, int32(v))
	}
	return n, err
}

// Marshal encodes the message in Caffe's binary format.
func (m *NetParameter) Marshal() []byte {
	var b []byte
	if m.Name != "" {
		b = appendString(b, netNameField, m.Name)
	}
	for _, s := range m.Input {
		b = appendString(b, netInputField, s)
	}
	for _, d := range m.InputDim {
		b = protowire.AppendTag(b, netInputDimField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(d)))
	}
	for _, s := range m.InputShape {
		b = appendMessage(b, netInputShapeField, s.marshal())
	}
	for _, l := range m.Layer {
		b = appendMessage(b, netLayerField, l.marshal())
	}
	return b
}

func (m *LayerParameter) marshal() []byte {
	var b []byte
	if m.Name != "" {
		b = appendString(b, layerNameField, m.Name)
	}
	if m.Type != "" {
		b = appendString(b, layerTypeField, m.Type)
	}
	for _, s := range m.Bottom {
		b = appendString(b, layerBottomField, s)
	}
	for _, s := range m.Top {
		b = appendString(b, layerTopField, s)
	}
	for _, blob := range m.Blobs {
		b = appendMessage(b, layerBlobsField, blob.marshal())
	}
	if p := m.DropoutParam; p != nil {
		var sub []byte
		if p.DropoutRatio != nil {
			sub = appendFloat(sub, 1, *p.DropoutRatio)
		}
		b = appendMessage(b, layerDropoutField, sub)
	}
	if p := m.InnerProductParam; p != nil {
		var sub []byte
		sub = appendVarint(sub, 1, uint64(p.NumOutput))
		if p.BiasTerm != nil {
			sub = appendVarint(sub, 2, protowire.EncodeBool(*p.BiasTerm))
		}
		if p.Axis != nil {
			sub = appendVarint(sub, 5, uint64(int64(*p.Axis)))
		}
		if p.Transpose {
			sub = appendVarint(sub, 6, protowire.EncodeBool(true))
		}
		b = appendMessage(b, layerInnerProductField, sub)
	}
	if p := m.ReLUParam; p != nil {
		var sub []byte
		if p.NegativeSlope != 0 {
			sub = appendFloat(sub, 1, p.NegativeSlope)
		}
		b = appendMessage(b, layerReLUField, sub)
	}
	if p := m.SoftmaxParam; p != nil {
		var sub []byte
		if p.Axis != nil {
			sub = appendVarint(sub, 2, uint64(int64(*p.Axis)))
		}
		b = appendMessage(b, layerSoftmaxField, sub)
	}
	if p := m.FlattenParam; p != nil {
		var sub []byte
		if p.Axis != nil {
			sub = appendVarint(sub, 1, uint64(int64(*p.Axis)))
		}
		if p.EndAxis != nil {
			sub = appendVarint(sub, 2, uint64(int64(*p.EndAxis)))
		}
		b = appendMessage(b, layerFlattenField, sub)
	}
	if p := m.InputParam; p != nil {
		var sub []byte
		for _, s := range p.Shape {
			sub = appendMessage(sub, 1, s.marshal())
		}
		b = appendMessage(b, layerInputField, sub)
	}
	return b
}

func (m *BlobProto) marshal() []byte {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		v   int32
	}{{blobNumField, m.Num}, {blobChannelsField, m.Channels}, {blobHeightField, m.Height}, {blobWidthField, m.Width}} {
		if f.v != 0 {
			b = appendVarint(b, f.num, uint64(int64(f.v)))
		}
	}
	if len(m.Data) > 0 {
		packed := make([]byte, 0, 4*len(m.Data))
		for _, v := range m.Data {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = appendMessage(b, blobDataField, packed)
	}
	if m.Shape != nil {
		b = appendMessage(b, blobShapeField, m.Shape.marshal())
	}
	return b
}

func (m *BlobShape) marshal() []byte {
	if len(m.Dim) == 0 {
		return nil
	}
	var packed []byte
	for _, d := range m.Dim {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	return appendMessage(nil, shapeDimField, packed)
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}
