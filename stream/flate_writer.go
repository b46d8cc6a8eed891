package stream

import (
	"io"

	"github.com/klauspost/compress/flate"
)

// FlateWriter compresses response payloads with raw deflate. Close finishes
// the stream (flushing buffered data and writing the final block) without
// closing the underlying writer. Skipping Close truncates the payload: the
// reader would run out of input before the finish marker.
type FlateWriter struct {
	zw *flate.Writer
}

func NewFlateWriter(w io.Writer) (*FlateWriter, error) {
	zw, err := flate.NewWriter(w, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	return &FlateWriter{zw: zw}, nil
}

func (f *FlateWriter) Write(p []byte) (int, error) {
	return f.zw.Write(p)
}

// Close finishes the deflate stream. The underlying writer stays open.
func (f *FlateWriter) Close() error {
	return f.zw.Close()
}
