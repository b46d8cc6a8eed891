package stream

import "io"

// CopyWriter mirrors every byte written to the primary writer into a
// secondary one. Response emission uses it to duplicate the wire bytes into
// the audit record after the record header has been written.
//
// Unlike io.MultiWriter it reports the primary's byte count, so the caller's
// view of wire progress is unaffected by the mirror.
type CopyWriter struct {
	primary io.Writer
	mirror  io.Writer
}

func NewCopyWriter(primary, mirror io.Writer) *CopyWriter {
	return &CopyWriter{primary: primary, mirror: mirror}
}

func (c *CopyWriter) Write(p []byte) (int, error) {
	n, err := c.primary.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := c.mirror.Write(p[:n]); err != nil {
		return n, err
	}
	return n, nil
}
