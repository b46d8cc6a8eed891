// Package codec serializes the RPCMessage envelope.
//
// Two codecs are available: JSON (debuggable, cross-language) and a compact
// length-prefixed binary layout. The codec only covers the envelope; call
// arguments and return values are JSON inside the payload either way.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec maps a wire codec type to its implementation. Unknown values fall
// back to binary, mirroring the frame validation which rejects them earlier.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &BinaryCodec{}
}
