// Package stream provides the output plumbing used by response emission:
// the audit-sink builder, the tee writer that mirrors wire bytes into the
// audit record, and the finish-flushed deflate filter.
package stream

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
)

// Builder creates one audit record writer per emitted response. A nil Builder
// on the emitting side means auditing is off; emission then writes only to
// the wire.
//
// The record writer must be closed on every exit path, including emission
// failures, so implementations can rely on Close to seal the record.
type Builder interface {
	NewRecordWriter() (io.WriteCloser, error)
}

// BuilderFunc adapts a plain function to the Builder interface.
type BuilderFunc func() (io.WriteCloser, error)

func (f BuilderFunc) NewRecordWriter() (io.WriteCloser, error) {
	return f()
}

// FileBuilder appends audit records to a single file. Each record is buffered
// in memory while the response is emitted and written atomically on Close as
// a uint32 big-endian length followed by the record bytes, so concurrent
// emissions never interleave and the file stays parseable.
type FileBuilder struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileBuilder opens (creating if needed) the audit log file for appending.
func NewFileBuilder(path string) (*FileBuilder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileBuilder{f: f}, nil
}

func (b *FileBuilder) NewRecordWriter() (io.WriteCloser, error) {
	return &fileRecord{builder: b}, nil
}

// Close closes the underlying audit file. Pending record writers must be
// closed first.
func (b *FileBuilder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}

type fileRecord struct {
	builder *FileBuilder
	buf     []byte
	closed  bool
}

func (r *fileRecord) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

func (r *fileRecord) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.buf)))

	b := r.builder
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.f.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := b.f.Write(r.buf)
	return err
}
