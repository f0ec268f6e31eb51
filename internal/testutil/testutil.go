// Package testutil holds fixtures shared by package tests: a registry with a
// small class hierarchy and byte sources that count their reads.
package testutil

import (
	"io"
	"sync"
	"sync/atomic"
)

// CountingSource is an in-memory byte source that counts ReadAt calls.
type CountingSource struct {
	mu    sync.RWMutex
	id    string
	data  []byte
	reads atomic.Int64
}

// NewCountingSource returns a source over data identified by id.
func NewCountingSource(id string, data []byte) *CountingSource {
	return &CountingSource{id: id, data: data}
}

// ReadAt implements io.ReaderAt over the backing slice.
func (s *CountingSource) ReadAt(p []byte, off int64) (int, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (s *CountingSource) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.data))
}

// SourceID returns the id given at construction.
func (s *CountingSource) SourceID() string { return "count:" + s.id }

// Reads returns the number of ReadAt calls so far.
func (s *CountingSource) Reads() int64 { return s.reads.Load() }

// Corrupt flips the byte at off.
func (s *CountingSource) Corrupt(off int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[off] ^= 0xFF
}
