// Package message defines the envelope exchanged between client and server,
// the logical request identifier, and the fault payload.
//
// RPCMessage is serialized by the codec layer and carried inside a protocol
// frame. The logical request id travels in the frame header, not here: the
// server needs it to locate the invocation context before the body is decoded.
package message

// RPCMessage carries the data for a single RPC request.
//
//   - ServiceMethod: "ServiceName.MethodName", e.g. "Arith.Add"
//   - Payload: serialized call arguments
//   - Error: set by the dispatch layer when the handler fails
type RPCMessage struct {
	ServiceMethod string
	Error         string
	Payload       []byte
}

// Fault is the payload serialized in place of a return value when the invoked
// method failed. The response record's status byte tells the two apart.
type Fault struct {
	Message string `json:"message"`
}
