// Package transport implements the client-side transport layer with
// multiplexing and heartbeat.
//
// ClientTransport runs multiple concurrent RPC calls over a single TCP
// connection. Each call gets a unique sequence number; a background goroutine
// (recvLoop) reads response frames and routes each one to the waiting caller
// through its pending channel.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ server
//	goroutine-3 ──Send(seq=3)──┘
//
// The sequence number is per-connection plumbing; the logical request id
// passed to Send is what the server arbitrates on. A retried call re-sends
// the same request id under a fresh sequence number (often on a different
// connection).
package transport

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"stream-rpc/codec"
	"stream-rpc/message"
	"stream-rpc/protocol"
)

// Response carries one response frame body (a status-byte response record) or
// the transport error that ended the wait.
type Response struct {
	Body []byte
	Err  error
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // next sequence number, protected by sending
	pending sync.Map   // map[uint32]chan *Response
	sending sync.Mutex // serializes frame writes; interleaved writes corrupt the stream
}

// NewClientTransport wraps a connection and starts the receive and heartbeat
// loops.
func NewClientTransport(conn net.Conn, codecType codec.CodecType) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
	}
	go t.recvLoop()
	go t.heartbeatLoop(30 * time.Second)
	return t
}

// Send serializes one attempt at the given logical request and writes it as a
// single frame. It returns the attempt's sequence number and the channel the
// response record will arrive on.
func (t *ClientTransport) Send(id message.RequestID, serviceMethod string, args any) (uint32, <-chan *Response, error) {
	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, err
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	if err != nil {
		return 0, nil, err
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		RequestID: id.Bytes(),
		BodyLen:   uint32(len(body)),
	}

	// Register the response channel before writing, so recvLoop cannot race
	// a fast response past us. Buffered: recvLoop must never block on a
	// caller that already gave up.
	respChan := make(chan *Response, 1)
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// Forget abandons a pending call, typically after a per-attempt timeout. A
// late response for that sequence number is dropped by recvLoop.
func (t *ClientTransport) Forget(seq uint32) {
	t.pending.Delete(seq)
}

// recvLoop is the single reader of the connection: it parses response frames
// sequentially and routes each body to the caller registered under its
// sequence number. Responses may arrive in any order.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeAllPending(err)
			return
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *Response) <- &Response{Body: body}
		}
	}
}

// closeAllPending fails every in-flight call when the connection breaks, so
// no caller blocks forever.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		value.(chan *Response) <- &Response{Err: err}
		return true
	})
	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		return true
	})
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop keeps the connection alive with periodic empty heartbeat
// frames (zero request id, no body).
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		header := &protocol.Header{
			MsgType: protocol.MsgTypeHeartbeat,
			BodyLen: 0,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
