// Package source provides random-access byte sources for package files and
// the resolvers that map package names onto them.
package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ByteSource provides random access to package bytes.
type ByteSource interface {
	io.ReaderAt

	// Size returns the total size of the data source in bytes.
	Size() int64

	// SourceID returns a stable identifier for the content. It keys the
	// block cache, so it must be unique across different sources.
	SourceID() string
}

// ErrNotFound is returned by resolvers when no source exists for a package.
var ErrNotFound = errors.New("source: package not found")

// Memory is a ByteSource over an in-memory buffer.
type Memory struct {
	data []byte
	id   string
}

// NewMemory returns a Memory source over data. The slice is not copied.
func NewMemory(id string, data []byte) *Memory {
	return &Memory{data: data, id: id}
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= int64(len(m.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the buffer length.
func (m *Memory) Size() int64 { return int64(len(m.data)) }

// SourceID returns the identifier given to NewMemory.
func (m *Memory) SourceID() string { return "mem:" + m.id }

// Bytes returns the underlying buffer.
func (m *Memory) Bytes() []byte { return m.data }

// File is a ByteSource over an open file.
type File struct {
	f    *os.File
	size int64
	id   string
}

// OpenFile opens path and returns a File source. The caller must Close it.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the resolver's search list
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &File{
		f:    f,
		size: info.Size(),
		id:   fmt.Sprintf("file:%s|size:%d|mod:%d", abs, info.Size(), info.ModTime().UnixNano()),
	}, nil
}

// ReadAt implements io.ReaderAt.
func (s *File) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Size returns the file size captured at open.
func (s *File) Size() int64 { return s.size }

// SourceID identifies the file by path, size and modification time.
func (s *File) SourceID() string { return s.id }

// Name returns the file path.
func (s *File) Name() string { return s.f.Name() }

// Close closes the underlying file.
func (s *File) Close() error { return s.f.Close() }

// ReadFull reads exactly len(p) bytes at off, mapping a short read to
// io.ErrUnexpectedEOF.
func ReadFull(src io.ReaderAt, p []byte, off int64) error {
	n, err := src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Close closes src if it implements io.Closer.
func Close(src ByteSource) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
