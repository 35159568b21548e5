// Package buffer bounds an HTTP response body's memory footprint, spilling
// to a temp file once it grows past a configured limit (spec §4.2's
// unbounded, non-chunked body path).
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/qorelanguage/netcore/pkg/qerrors"
)

// DefaultMemoryLimit is the in-memory threshold before a Buffer spills to disk.
const DefaultMemoryLimit = 4 * 1024 * 1024

// Buffer accumulates written bytes in memory up to limit, then spools the
// rest to a temp file; Bytes/Reader/Size reflect whichever backing is live.
type Buffer struct {
	buf    bytes.Buffer
	file   *os.File
	path   string
	size   int64
	limit  int64
	mu     sync.Mutex
	closed bool
}

// New returns a Buffer that spills past limit bytes (DefaultMemoryLimit if
// limit <= 0).
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Buffer{limit: limit}
}

// NewWithData seeds a Buffer with data already in hand, under the default limit.
func NewWithData(data []byte) *Buffer {
	b := &Buffer{limit: DefaultMemoryLimit, size: int64(len(data))}
	b.buf.Write(data)
	return b
}

func bufErr(op, msg string, cause error) error {
	return qerrors.New(qerrors.KindPersistenceError, op, "", msg, cause)
}

// Write appends p, spilling to a netcore-buffer-*.tmp file the first time
// the memory limit would be exceeded.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, bufErr("write", "buffer is closed", nil)
	}
	b.size += int64(len(p))

	if b.file == nil && int64(b.buf.Len()+len(p)) <= b.limit {
		return b.buf.Write(p)
	}

	if b.file == nil {
		tmp, err := os.CreateTemp("", "netcore-buffer-*.tmp")
		if err != nil {
			return 0, bufErr("write", "creating temp file", err)
		}
		b.file = tmp
		b.path = tmp.Name()
		if b.buf.Len() > 0 {
			if _, err := tmp.Write(b.buf.Bytes()); err != nil {
				b.Close()
				return 0, bufErr("write", "writing to temp file", err)
			}
		}
		b.buf.Reset()
	}

	n, err := b.file.Write(p)
	if err != nil {
		return n, bufErr("write", "writing to temp file", err)
	}
	return n, nil
}

// Bytes returns the in-memory payload, or nil once the buffer has spilled.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		return nil
	}
	return b.buf.Bytes()
}

// Path returns the spilled file's path, or "" if still in memory.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total number of bytes written so far.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled reports whether the buffer has moved to disk.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Reader returns a fresh reader over the stored data, memory or disk.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bufErr("reader", "buffer is closed", nil)
	}
	if b.file != nil {
		if err := b.file.Sync(); err != nil {
			return nil, bufErr("reader", "syncing temp file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, bufErr("reader", "opening temp file for reading", err)
		}
		return f, nil
	}
	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// Close closes and removes any spilled temp file. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.file != nil {
		err := b.file.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = bufErr("close", "removing temp file", removeErr)
		}
		b.file = nil
		b.path = ""
		if err != nil {
			return bufErr("close", "closing temp file", err)
		}
	}
	return nil
}

// Reset closes any spilled file and prepares the Buffer for reuse.
func (b *Buffer) Reset() error {
	if err := b.Close(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.size = 0
	b.closed = false
	return nil
}
