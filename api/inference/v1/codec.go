package inferencev1

import (
	"math"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
	"github.com/modern-go/reflect2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype carried by this service.
const CodecName = "json"

var json = newJSON()

// newJSON is the standard-library compatible config with a tensor data codec
// that carries non-finite values as "NaN", "Infinity" and "-Infinity", the
// protobuf JSON spelling.
func newJSON() jsoniter.API {
	api := jsoniter.Config{
		EscapeHTML:             true,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
	}.Froze()
	typ := reflect2.TypeOf([]float32(nil))
	api.RegisterExtension(jsoniter.EncoderExtension{typ: float32sCodec{}})
	api.RegisterExtension(jsoniter.DecoderExtension{typ: float32sCodec{}})
	return api
}

// Codec marshals messages as JSON. Registered on import.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}

type float32sCodec struct{}

func (float32sCodec) IsEmpty(ptr unsafe.Pointer) bool {
	return len(*(*[]float32)(ptr)) == 0
}

func (float32sCodec) Encode(ptr unsafe.Pointer, stream *jsoniter.Stream) {
	vs := *(*[]float32)(ptr)
	if vs == nil {
		stream.WriteNil()
		return
	}
	stream.WriteArrayStart()
	for i, v := range vs {
		if i > 0 {
			stream.WriteMore()
		}
		switch {
		case math.IsNaN(float64(v)):
			stream.WriteString("NaN")
		case math.IsInf(float64(v), 1):
			stream.WriteString("Infinity")
		case math.IsInf(float64(v), -1):
			stream.WriteString("-Infinity")
		default:
			stream.WriteFloat32(v)
		}
	}
	stream.WriteArrayEnd()
}

func (float32sCodec) Decode(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
	if iter.ReadNil() {
		*(*[]float32)(ptr) = nil
		return
	}
	vs := []float32{}
	for iter.ReadArray() {
		if iter.WhatIsNext() != jsoniter.StringValue {
			vs = append(vs, iter.ReadFloat32())
			continue
		}
		switch s := iter.ReadString(); s {
		case "NaN":
			vs = append(vs, float32(math.NaN()))
		case "Infinity":
			vs = append(vs, float32(math.Inf(1)))
		case "-Infinity":
			vs = append(vs, float32(math.Inf(-1)))
		default:
			iter.ReportError("decode tensor data", "unknown float literal "+s)
			return
		}
	}
	*(*[]float32)(ptr) = vs
}
