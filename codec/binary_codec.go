package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"stream-rpc/message"
)

// BinaryCodec lays the envelope out as three length-prefixed fields:
//
//	uint16 len | ServiceMethod | uint32 len | Payload | uint16 len | Error
//
// Lengths are big-endian. Only *message.RPCMessage round-trips through it.
type BinaryCodec struct{}

var errNotRPCMessage = errors.New("binary codec: value must be *message.RPCMessage")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotRPCMessage
	}

	var buf bytes.Buffer
	buf.Grow(2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error))

	writeUint16(&buf, uint16(len(msg.ServiceMethod)))
	buf.WriteString(msg.ServiceMethod)
	writeUint32(&buf, uint32(len(msg.Payload)))
	buf.Write(msg.Payload)
	writeUint16(&buf, uint16(len(msg.Error)))
	buf.WriteString(msg.Error)

	return buf.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotRPCMessage
	}

	r := reader{data: data}
	method, err := r.bytes16()
	if err != nil {
		return err
	}
	payload, err := r.bytes32()
	if err != nil {
		return err
	}
	errStr, err := r.bytes16()
	if err != nil {
		return err
	}

	msg.ServiceMethod = string(method)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errStr)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// reader walks the encoded envelope with bounds checking, so a truncated or
// corrupt body surfaces as an error instead of a panic.
type reader struct {
	data []byte
	off  int
}

func (r *reader) bytes16() ([]byte, error) {
	if r.off+2 > len(r.data) {
		return nil, fmt.Errorf("binary codec: truncated length at offset %d", r.off)
	}
	n := int(binary.BigEndian.Uint16(r.data[r.off:]))
	r.off += 2
	return r.take(n)
}

func (r *reader) bytes32() ([]byte, error) {
	if r.off+4 > len(r.data) {
		return nil, fmt.Errorf("binary codec: truncated length at offset %d", r.off)
	}
	n := int(binary.BigEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return r.take(n)
}

func (r *reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("binary codec: field of %d bytes exceeds body", n)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}
