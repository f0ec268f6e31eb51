package archive

import (
	"fmt"
	"io"
	"slices"

	"github.com/meigma/pak/compression"
	"github.com/meigma/pak/internal/objtype"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/source"
)

// DefaultReadAhead is the minimum size of a synchronous fill.
const DefaultReadAhead = 64 << 10

// AsyncReader is a persistent loading archive over a ByteSource.
//
// Precache starts a background read of a region and reports whether it is
// already resident, so a time-sliced caller can poll instead of blocking.
// Two regions are kept: the one being consumed and the one being fetched.
// The fetched region replaces the current one once a caller needs it and the
// fetch has finished. Reads outside both regions fall back to a synchronous
// read. When compressed chunks are set, offsets are logical (uncompressed)
// positions and chunks are decoded transparently.
type AsyncReader struct {
	Base
	view      view
	pos       int64
	cur       *region
	next      *region
	readAhead int64
}

// AsyncOption configures an AsyncReader.
type AsyncOption func(*AsyncReader)

// WithReadAhead sets the minimum size of synchronous fills.
func WithReadAhead(n int64) AsyncOption {
	return func(a *AsyncReader) {
		a.readAhead = n
	}
}

// NewAsyncReader returns a reader positioned at the start of src.
func NewAsyncReader(src source.ByteSource, opts ...AsyncOption) *AsyncReader {
	a := &AsyncReader{
		Base:      NewBase(FlagLoading | FlagPersistent),
		view:      view{src: src, size: src.Size()},
		readAhead: DefaultReadAhead,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Source returns the underlying byte source.
func (a *AsyncReader) Source() source.ByteSource { return a.view.src }

// SetCompressedChunks switches the reader to logical addressing over the
// given chunks. Offsets before the first chunk stay physical, which covers
// the uncompressed summary at the start of a compressed package.
func (a *AsyncReader) SetCompressedChunks(m compression.Method, chunks []compression.Chunk) {
	a.view.method = m
	a.view.chunks = slices.Clone(chunks)
	a.view.size = a.view.src.Size()
	for _, c := range chunks {
		a.view.size = max(a.view.size, int64(c.UncompressedOffset)+int64(c.UncompressedSize))
	}
	a.cur, a.next = nil, nil
}

// IsCompressed reports whether chunks are set.
func (a *AsyncReader) IsCompressed() bool { return len(a.view.chunks) > 0 }

// ReaderAt returns an independent reader over the logical stream. It shares
// no cursor or buffers with a, so bulk loads can run concurrently.
func (a *AsyncReader) ReaderAt() io.ReaderAt { return a.view }

// Precache requests [off, off+size) and reports whether it is resident.
func (a *AsyncReader) Precache(off, size int64) bool {
	if size <= 0 || off >= a.view.size {
		return true
	}
	size = min(size, a.view.size-off)
	if a.cur != nil && a.cur.covers(off, size) {
		return true
	}
	if a.next != nil && a.next.covers(off, size) {
		if !a.next.ready() {
			return false
		}
		a.promote()
		return true
	}
	a.next = a.startRead(off, size)
	return false
}

// PrecacheWait blocks until [off, off+size) is resident.
func (a *AsyncReader) PrecacheWait(off, size int64) error {
	if !a.Precache(off, size) {
		<-a.next.done
		a.Precache(off, size)
	}
	return a.Err()
}

// Serialize fills p from the cursor.
func (a *AsyncReader) Serialize(p []byte) {
	if a.Err() != nil {
		clear(p)
		return
	}
	if a.pos+int64(len(p)) > a.view.size {
		clear(p)
		a.SetError(fmt.Errorf("%w: %d bytes at %d of %d", ErrReadOverrun, len(p), a.pos, a.view.size))
		a.pos = a.view.size
		return
	}
	for len(p) > 0 {
		r := a.regionAt(a.pos)
		if r == nil {
			fill := max(int64(len(p)), a.readAhead)
			fill = min(fill, a.view.size-a.pos)
			off, n := a.view.align(a.pos, fill)
			data, err := a.view.read(off, n)
			if err != nil {
				clear(p)
				a.SetError(err)
				return
			}
			r = &region{off: off, n: n, data: data, done: closedChan}
			a.cur = r
		}
		copied := copy(p, r.data[a.pos-r.off:])
		p = p[copied:]
		a.pos += int64(copied)
	}
}

// SerializeName reads a name stored as text.
func (a *AsyncReader) SerializeName(n *name.Name) { SerializeNameText(a, n) }

// SerializeObject reads a raw handle.
func (a *AsyncReader) SerializeObject(h *objtype.Handle) {
	var u uint32
	Uint32(a, &u)
	*h = objtype.Handle(u)
}

// SeekTo moves the cursor.
func (a *AsyncReader) SeekTo(pos int64) {
	if pos < 0 || pos > a.view.size {
		a.SetError(fmt.Errorf("%w: seek to %d of %d", ErrReadOverrun, pos, a.view.size))
		return
	}
	a.pos = pos
}

// Tell returns the cursor.
func (a *AsyncReader) Tell() int64 { return a.pos }

// TotalSize returns the logical size.
func (a *AsyncReader) TotalSize() int64 { return a.view.size }

// Close closes the underlying source if it is closable.
func (a *AsyncReader) Close() error { return source.Close(a.view.src) }

func (a *AsyncReader) regionAt(pos int64) *region {
	if a.cur != nil && a.cur.covers(pos, 1) {
		return a.cur
	}
	if a.next != nil && a.next.ready() && a.next.covers(pos, 1) {
		if a.next.err != nil {
			// retried synchronously by the caller
			a.next = nil
			return nil
		}
		a.cur, a.next = a.next, nil
		return a.cur
	}
	return nil
}

// promote makes the finished background region current. A failed fetch
// becomes the archive's error.
func (a *AsyncReader) promote() {
	if a.next.err != nil {
		a.SetError(a.next.err)
		a.next = nil
		return
	}
	a.cur, a.next = a.next, nil
}

func (a *AsyncReader) startRead(off, size int64) *region {
	off, n := a.view.align(off, size)
	r := &region{off: off, n: n, done: make(chan struct{})}
	v := a.view
	go func() {
		defer close(r.done)
		r.data, r.err = v.read(off, n)
	}()
	return r
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

type region struct {
	off  int64
	n    int64
	data []byte
	err  error
	done chan struct{}
}

func (r *region) ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *region) covers(off, size int64) bool {
	return off >= r.off && off+size <= r.off+r.n
}

// view maps logical offsets onto a source, decoding chunks when present.
// It is immutable after construction and safe to share between goroutines.
type view struct {
	src    source.ByteSource
	method compression.Method
	chunks []compression.Chunk
	size   int64
}

// align widens [off, off+n) to whole chunks.
func (v view) align(off, n int64) (int64, int64) {
	if len(v.chunks) == 0 {
		return off, n
	}
	start, end := off, off+n
	for _, c := range v.chunks {
		cs := int64(c.UncompressedOffset)
		ce := cs + int64(c.UncompressedSize)
		if ce <= off || cs >= off+n {
			continue
		}
		start = min(start, cs)
		end = max(end, ce)
	}
	return start, end - start
}

func (v view) read(off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := v.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadAt reads logical bytes.
func (v view) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if len(v.chunks) == 0 {
		if err := source.ReadFull(v.src, p, off); err != nil {
			return 0, fmt.Errorf("read %d bytes at %d: %w", len(p), off, err)
		}
		return len(p), nil
	}
	end := off + int64(len(p))
	if end > v.size {
		return 0, fmt.Errorf("%w: %d bytes at %d of %d", ErrReadOverrun, len(p), off, v.size)
	}
	first := int64(v.chunks[0].UncompressedOffset)
	if off < first {
		raw := min(end, first) - off
		if err := source.ReadFull(v.src, p[:raw], off); err != nil {
			return 0, fmt.Errorf("read %d bytes at %d: %w", raw, off, err)
		}
	}
	for _, c := range v.chunks {
		cs := int64(c.UncompressedOffset)
		ce := cs + int64(c.UncompressedSize)
		if ce <= off || cs >= end {
			continue
		}
		dst := make([]byte, c.UncompressedSize)
		err := compression.DecompressChunk(v.method, c, dst, func(c compression.Chunk) ([]byte, error) {
			buf := make([]byte, c.CompressedSize)
			return buf, source.ReadFull(v.src, buf, int64(c.CompressedOffset))
		})
		if err != nil {
			return 0, err
		}
		lo, hi := max(off, cs), min(end, ce)
		copy(p[lo-off:hi-off], dst[lo-cs:hi-cs])
	}
	return len(p), nil
}
