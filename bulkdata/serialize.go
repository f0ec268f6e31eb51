package bulkdata

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/compression"
	"github.com/meigma/pak/internal/objtype"
)

// SidecarWriter is implemented by saving archives that can place payloads in
// a separate file. WriteSidecar appends p and returns its offset there.
type SidecarWriter interface {
	WriteSidecar(p []byte) (int64, error)
}

// headerSize is flags, count, size on disk and offset.
const headerSize = 16

// Serialize moves the payload header and, unless it is deferred, the payload
// itself. On a loading archive that implements Attacher the payload is left
// on disk and read on first use; owner identifies the object for
// diagnostics. Reference collectors and memory counters skip payloads.
func (b *BulkData) Serialize(ar archive.Archive, owner objtype.Handle) {
	if ar.IsObjectReferenceCollector() || ar.IsCountingMemory() {
		return
	}
	if ar.IsLoading() {
		b.serializeLoad(ar, owner)
		return
	}
	b.serializeSave(ar)
}

func (b *BulkData) serializeSave(ar archive.Archive) {
	b.mu.Lock()
	needLoad := !b.loaded && !b.discarded && b.src != nil
	b.mu.Unlock()
	if needLoad {
		if err := b.load(context.Background()); err != nil {
			ar.SetError(fmt.Errorf("bulkdata: load before save: %w", err))
			return
		}
	}

	b.mu.Lock()
	flags := b.flags
	count := b.count
	data := b.data
	serializer := b.serializer
	b.mu.Unlock()

	if flags&Unused != 0 || !b.IsLoaded() {
		count, data = 0, nil
	}
	stored, err := encode(data, flags, b.elementSize, count, ar.ByteOrder(), serializer)
	if err != nil {
		ar.SetError(err)
		return
	}

	sidecar, separate := ar.(SidecarWriter)
	separate = separate && flags&StoreInSeparateFile != 0 && ar.IsPersistent()
	if !separate {
		flags &^= StoreInSeparateFile
	}

	// payload sizes and offsets are bounded by the int32 file format
	rawFlags := uint32(flags)
	rawCount := int32(count)      //nolint:gosec // see above
	rawSize := int32(len(stored)) //nolint:gosec // see above
	var rawOffset int32
	var checksum [32]byte
	if separate {
		off, err := sidecar.WriteSidecar(stored)
		if err != nil {
			ar.SetError(fmt.Errorf("bulkdata: write sidecar: %w", err))
			return
		}
		rawOffset = int32(off) //nolint:gosec // see above
		checksum = sum(stored)
	} else {
		rawOffset = int32(ar.Tell() + headerSize) //nolint:gosec // see above
	}

	archive.Uint32(ar, &rawFlags)
	archive.Int32(ar, &rawCount)
	archive.Int32(ar, &rawSize)
	archive.Int32(ar, &rawOffset)
	if separate {
		ar.Serialize(checksum[:])
		return
	}
	ar.Serialize(stored)
}

func (b *BulkData) serializeLoad(ar archive.Archive, owner objtype.Handle) {
	var (
		rawFlags  uint32
		rawCount  int32
		rawSize   int32
		rawOffset int32
		checksum  [32]byte
	)
	archive.Uint32(ar, &rawFlags)
	archive.Int32(ar, &rawCount)
	archive.Int32(ar, &rawSize)
	archive.Int32(ar, &rawOffset)
	flags := Flags(rawFlags)
	if flags&StoreInSeparateFile != 0 {
		ar.Serialize(checksum[:])
	}
	if ar.Err() != nil {
		return
	}
	if rawCount < 0 || rawSize < 0 {
		ar.SetError(fmt.Errorf("%w: bulk data count %d size %d", archive.ErrCorrupt, rawCount, rawSize))
		return
	}

	b.mu.Lock()
	if b.lockMode != Unlocked {
		b.mu.Unlock()
		panic("bulkdata: serialize into a locked payload")
	}
	b.flags = flags
	b.count = int(rawCount)
	b.offset = int64(rawOffset)
	b.sizeOnDisk = int64(rawSize)
	b.checksum = checksum
	b.owner = owner
	b.data = nil
	b.loaded = false
	b.discarded = false
	b.mu.Unlock()

	if attacher, ok := ar.(Attacher); ok && ar.IsPersistent() {
		src := attacher.AttachBulkData(owner, b)
		b.mu.Lock()
		b.src = src
		b.mu.Unlock()
		if flags&StoreInSeparateFile == 0 {
			b.mu.Lock()
			b.offset = ar.Tell()
			b.mu.Unlock()
			ar.SeekTo(ar.Tell() + int64(rawSize))
		}
		return
	}

	if flags&StoreInSeparateFile != 0 {
		ar.SetError(fmt.Errorf("bulkdata: %w for separate payload", ErrNoSource))
		return
	}
	if remaining := ar.TotalSize() - ar.Tell(); int64(rawSize) > remaining {
		ar.SetError(fmt.Errorf("%w: bulk payload of %d bytes, %d remain", archive.ErrReadOverrun, rawSize, remaining))
		return
	}
	stored := make([]byte, rawSize)
	ar.Serialize(stored)
	if ar.Err() != nil {
		return
	}
	b.mu.Lock()
	serializer := b.serializer
	b.mu.Unlock()
	data, err := decode(stored, flags, b.elementSize, int(rawCount), ar.ByteOrder(), serializer)
	if err != nil {
		ar.SetError(err)
		return
	}
	b.mu.Lock()
	b.data = data
	b.loaded = true
	b.mu.Unlock()
}

// encode turns in-memory bytes into their stored form.
func encode(data []byte, flags Flags, elemSize, count int, order binary.ByteOrder, fn ElementSerializer) ([]byte, error) {
	stored := data[:count*elemSize]
	if flags&ForceSingleElementSerialization != 0 {
		w := archive.NewMemoryWriter(archive.FlagPersistent)
		w.SetByteOrder(order)
		fn = elementSerializer(fn, elemSize)
		for i := range count {
			fn(w, stored[i*elemSize:(i+1)*elemSize])
		}
		if err := w.Err(); err != nil {
			return nil, err
		}
		stored = w.Bytes()
	}
	if m := flags.Method(); m != compression.None {
		packed, err := compression.Compress(m, stored)
		if err != nil {
			return nil, fmt.Errorf("bulkdata: %w", err)
		}
		return packed, nil
	}
	return stored, nil
}

// decode turns stored bytes into in-memory bytes.
func decode(stored []byte, flags Flags, elemSize, count int, order binary.ByteOrder, fn ElementSerializer) ([]byte, error) {
	size := count * elemSize
	raw := stored
	if m := flags.Method(); m != compression.None {
		// element serializers write exactly one element's size each
		raw = make([]byte, size)
		if err := compression.Decompress(m, raw, stored); err != nil {
			return nil, fmt.Errorf("bulkdata: %w", err)
		}
	}
	if flags&ForceSingleElementSerialization == 0 {
		if len(raw) != size {
			return nil, fmt.Errorf("%w: bulk payload is %d bytes, want %d", archive.ErrCorrupt, len(raw), size)
		}
		return raw, nil
	}
	r := archive.NewMemoryReader(raw, archive.FlagPersistent)
	r.SetByteOrder(order)
	out := make([]byte, size)
	fn = elementSerializer(fn, elemSize)
	for i := range count {
		fn(r, out[i*elemSize:(i+1)*elemSize])
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// elementSerializer returns fn or a default that byte-swaps whole elements
// of size 2, 4 or 8. In-memory elements are little-endian.
func elementSerializer(fn ElementSerializer, elemSize int) ElementSerializer {
	if fn != nil {
		return fn
	}
	switch elemSize {
	case 2:
		return func(ar archive.Archive, elem []byte) {
			v := binary.LittleEndian.Uint16(elem)
			archive.Uint16(ar, &v)
			binary.LittleEndian.PutUint16(elem, v)
		}
	case 4:
		return func(ar archive.Archive, elem []byte) {
			v := binary.LittleEndian.Uint32(elem)
			archive.Uint32(ar, &v)
			binary.LittleEndian.PutUint32(elem, v)
		}
	case 8:
		return func(ar archive.Archive, elem []byte) {
			v := binary.LittleEndian.Uint64(elem)
			archive.Uint64(ar, &v)
			binary.LittleEndian.PutUint64(elem, v)
		}
	default:
		return func(ar archive.Archive, elem []byte) { ar.Serialize(elem) }
	}
}

func sum(p []byte) [32]byte {
	return blake3.Sum256(p)
}

// LoadAll preloads items concurrently, at most limit at a time (limit <= 0
// means no limit). Each payload reads through its own reader, so this may
// overlap with table traversal on the owning goroutine.
func LoadAll(ctx context.Context, items []*BulkData, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, b := range items {
		g.Go(func() error {
			return b.Preload(ctx)
		})
	}
	return g.Wait()
}
