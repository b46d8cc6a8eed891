package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Response-record sentinels. The record written into a response frame body
// starts with one status byte; the audit copy of the record is prefixed with
// AuditRecordHeader, which is deliberately distinct from both status values.
const (
	StatusOK          byte = 100 // payload is the serialized return value
	StatusFault       byte = 101 // payload is the serialized fault
	AuditRecordHeader byte = 102 // audit log record marker, never on the wire
)

// DecodeResponseRecord splits a response frame body into its status byte and
// payload, inflating the payload when the peer compresses responses. Whether
// the record is compressed is configuration shared by both ends: the record
// itself carries no marker.
func DecodeResponseRecord(body []byte, compressed bool) (status byte, payload []byte, err error) {
	if len(body) == 0 {
		return 0, nil, fmt.Errorf("empty response record")
	}
	status = body[0]
	if status != StatusOK && status != StatusFault {
		return 0, nil, fmt.Errorf("unknown response status: %d", status)
	}

	rest := body[1:]
	if !compressed {
		return status, rest, nil
	}

	fr := flate.NewReader(bytes.NewReader(rest))
	defer fr.Close()
	payload, err = io.ReadAll(fr)
	if err != nil {
		return 0, nil, fmt.Errorf("inflate response payload: %w", err)
	}
	return status, payload, nil
}
