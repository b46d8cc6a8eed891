package server

import (
	"sync/atomic"

	"stream-rpc/codec"
	"stream-rpc/message"
)

// Invocator is one transport-level attempt to execute a logical request.
// A retried call produces several invocators registered against the same
// Context; the context's arbitration lets exactly one of them run the method.
//
// Cancellation is cooperative: the arbiter sets the abort flag and the
// invocator's own goroutine polls it between pipeline stages. Nothing
// preempts a running attempt.
type Invocator struct {
	requestID message.RequestID
	codecType codec.CodecType
	msg       message.RPCMessage

	abort atomic.Bool
}

// NewInvocator creates an attempt handle for one request frame.
func NewInvocator(id message.RequestID, codecType codec.CodecType) *Invocator {
	return &Invocator{
		requestID: id,
		codecType: codecType,
	}
}

// SetAbortInvocation marks the attempt as lost. Called by the context's
// arbiter; observed by the attempt's goroutine via Aborted.
func (inv *Invocator) SetAbortInvocation() {
	inv.abort.Store(true)
}

// Aborted reports whether the arbiter told this attempt to stand down.
func (inv *Invocator) Aborted() bool {
	return inv.abort.Load()
}

// RequestID returns the logical request this attempt belongs to.
func (inv *Invocator) RequestID() message.RequestID {
	return inv.requestID
}

// ReadParameters decodes the frame body into the attempt's envelope. This is
// the reading-parameters stage of the invocation lifecycle.
func (inv *Invocator) ReadParameters(body []byte) error {
	c := codec.GetCodec(inv.codecType)
	return c.Decode(body, &inv.msg)
}

// Message returns the decoded envelope. Valid after ReadParameters.
func (inv *Invocator) Message() *message.RPCMessage {
	return &inv.msg
}
