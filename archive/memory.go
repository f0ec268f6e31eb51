package archive

import (
	"fmt"

	"github.com/meigma/pak/internal/objtype"
	"github.com/meigma/pak/name"
)

// MemoryWriter is a seekable saving archive over a growable buffer. Names
// are written as strings and object references as raw handles, which suits
// in-process round trips such as duplication.
type MemoryWriter struct {
	Base
	buf []byte
	pos int64
}

// NewMemoryWriter returns an empty MemoryWriter. Extra mode flags are added
// to FlagSaving.
func NewMemoryWriter(extra Flags) *MemoryWriter {
	return &MemoryWriter{Base: NewBase(FlagSaving | extra)}
}

// Serialize writes p at the cursor, overwriting or growing the buffer.
func (w *MemoryWriter) Serialize(p []byte) {
	end := w.pos + int64(len(p))
	if end > int64(len(w.buf)) {
		if end > int64(cap(w.buf)) {
			grown := make([]byte, end, max(end, 2*int64(cap(w.buf))))
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:end], p)
	w.pos = end
}

// SerializeName writes n as its base string plus number.
func (w *MemoryWriter) SerializeName(n *name.Name) {
	SerializeNameText(w, n)
}

// SerializeObject writes the raw handle.
func (w *MemoryWriter) SerializeObject(h *objtype.Handle) {
	u := uint32(*h)
	Uint32(w, &u)
}

// SeekTo moves the cursor. Seeking past the end is allowed; the gap is
// zero-filled by the next write.
func (w *MemoryWriter) SeekTo(pos int64) {
	if pos < 0 {
		w.SetError(fmt.Errorf("%w: seek to %d", ErrCorrupt, pos))
		return
	}
	w.pos = pos
}

// Tell returns the cursor.
func (w *MemoryWriter) Tell() int64 { return w.pos }

// TotalSize returns the buffer length.
func (w *MemoryWriter) TotalSize() int64 { return int64(len(w.buf)) }

// Bytes returns the written bytes. The slice aliases the writer's buffer.
func (w *MemoryWriter) Bytes() []byte { return w.buf }

// MemoryReader is a loading archive over a byte slice.
type MemoryReader struct {
	Base
	data []byte
	pos  int64
}

// NewMemoryReader returns a reader over data. Extra mode flags are added to
// FlagLoading.
func NewMemoryReader(data []byte, extra Flags) *MemoryReader {
	return &MemoryReader{Base: NewBase(FlagLoading | extra), data: data}
}

// Serialize fills p from the cursor. A read past the end zero-fills p and
// sets ErrReadOverrun.
func (r *MemoryReader) Serialize(p []byte) {
	if r.Err() != nil {
		clear(p)
		return
	}
	end := r.pos + int64(len(p))
	if end > int64(len(r.data)) {
		clear(p)
		r.SetError(fmt.Errorf("%w: %d bytes at %d of %d", ErrReadOverrun, len(p), r.pos, len(r.data)))
		r.pos = int64(len(r.data))
		return
	}
	copy(p, r.data[r.pos:end])
	r.pos = end
}

// SerializeName reads a name written by MemoryWriter.
func (r *MemoryReader) SerializeName(n *name.Name) {
	SerializeNameText(r, n)
}

// SerializeObject reads a raw handle.
func (r *MemoryReader) SerializeObject(h *objtype.Handle) {
	var u uint32
	Uint32(r, &u)
	*h = objtype.Handle(u)
}

// SeekTo moves the cursor.
func (r *MemoryReader) SeekTo(pos int64) {
	if pos < 0 || pos > int64(len(r.data)) {
		r.SetError(fmt.Errorf("%w: seek to %d of %d", ErrReadOverrun, pos, len(r.data)))
		return
	}
	r.pos = pos
}

// Tell returns the cursor.
func (r *MemoryReader) Tell() int64 { return r.pos }

// TotalSize returns the data length.
func (r *MemoryReader) TotalSize() int64 { return int64(len(r.data)) }

// Counter is a saving archive that only tracks position, used to measure
// serialized sizes without producing bytes.
type Counter struct {
	Base
	pos int64
	end int64
}

// NewCounter returns a Counter with the given extra mode flags.
func NewCounter(extra Flags) *Counter {
	return &Counter{Base: NewBase(FlagSaving | extra)}
}

// Serialize advances the cursor by len(p).
func (c *Counter) Serialize(p []byte) {
	c.pos += int64(len(p))
	c.end = max(c.end, c.pos)
}

// SerializeName counts a name as two int32 values.
func (c *Counter) SerializeName(*name.Name) { c.Serialize(make([]byte, 8)) }

// SerializeObject counts a reference as one int32.
func (c *Counter) SerializeObject(*objtype.Handle) { c.Serialize(make([]byte, 4)) }

// SeekTo moves the cursor.
func (c *Counter) SeekTo(pos int64) { c.pos = pos }

// Tell returns the cursor.
func (c *Counter) Tell() int64 { return c.pos }

// TotalSize returns the furthest position reached.
func (c *Counter) TotalSize() int64 { return c.end }

// SerializeNameText moves a name as a string plus an int32 number.
func SerializeNameText(ar Archive, n *name.Name) {
	if ar.IsLoading() {
		var (
			base   string
			number int32
		)
		String(ar, &base)
		Int32(ar, &number)
		*n = name.WithNumber(base, number)
		return
	}
	base := ""
	if !n.IsNone() {
		base = n.Base()
	}
	number := n.Number()
	String(ar, &base)
	Int32(ar, &number)
}
