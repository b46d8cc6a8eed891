package message

import "github.com/google/uuid"

// RequestID identifies one logical request. A client that retries a call over
// a new connection re-sends the same RequestID, so the server can recognize
// the duplicate attempt and route it to the existing invocation context.
//
// It is a plain 16-byte value: comparable, usable as a map key, and written
// verbatim into the frame header and the audit record.
type RequestID uuid.UUID

// ZeroRequestID marks frames that carry no logical request (heartbeats).
var ZeroRequestID RequestID

// NewRequestID returns a fresh random id.
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

// RequestIDFromBytes rebuilds an id from its 16 raw bytes.
func RequestIDFromBytes(b [16]byte) RequestID {
	return RequestID(b)
}

// IsZero reports whether the id is unset.
func (id RequestID) IsZero() bool {
	return id == ZeroRequestID
}

// Bytes returns the raw 16-byte form written to the wire.
func (id RequestID) Bytes() [16]byte {
	return [16]byte(id)
}

func (id RequestID) String() string {
	return uuid.UUID(id).String()
}
