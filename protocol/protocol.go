// Package protocol implements the binary frame protocol for stream-rpc.
//
// It solves TCP's sticky packet problem with a fixed-size 30-byte header
// followed by a variable-length body. The receiver reads the header first to
// learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10                 26        30
//	┌──────┬──┬──┬──┬─────────┬──────────────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │    request id    │ bodyLen │    body ...   │
//	│ mrp  │02│  │  │ uint32  │     16 bytes     │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴──────────────────┴─────────┴───────────────┘
//
// The request id identifies the logical request. Two frames with different
// sequence numbers but the same request id are two transport-level attempts
// at one call (a client retry), and the server must execute it at most once.
// The id sits in the header, not the body, so the server can find or create
// the invocation context before the body is decoded. Heartbeats carry a zero
// id.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "mrp" identify a stream-rpc frame, rejecting stray connections
// (e.g. an HTTP client hitting the wrong port) on the first read.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x02
	HeaderSize  int  = 30 // 3 magic + 1 version + 1 codec + 1 msgType + 4 seq + 16 request id + 4 bodyLen
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // keepalive probe, no body, zero request id
)

// Codec type constants, mirrored from the codec package to avoid a circular
// import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 30-byte frame header.
type Header struct {
	CodecType byte     // serialization format of the body: 0=JSON, 1=Binary
	MsgType   MsgType  // request, response, or heartbeat
	Seq       uint32   // per-connection multiplexing key (matches request ↔ response)
	RequestID [16]byte // logical request id, stable across retried attempts
	BodyLen   uint32   // body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// Callers sharing a writer across goroutines must hold a write lock around
// the call, otherwise frames interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	copy(buf[10:26], h.RequestID[:])
	binary.BigEndian.PutUint32(buf[26:30], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	// body may be nil for heartbeat frames
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads one complete frame from r, validating magic, version, codec
// type, and message type. io.ReadFull guarantees exact reads so a slow peer
// never yields a partial header or body.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	h := &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Seq:       binary.BigEndian.Uint32(headerBuf[6:10]),
		BodyLen:   binary.BigEndian.Uint32(headerBuf[26:30]),
	}
	copy(h.RequestID[:], headerBuf[10:26])

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
