// Package bulkdata implements large payloads that are stored next to an
// object's serialized properties but loaded, locked and released on their
// own schedule.
//
// A BulkData read from a package stays attached to the package's linker
// until it is loaded or discarded, and only then may it be detached.
// Detaching an unloaded, undiscarded payload is a programming error and
// panics.
package bulkdata

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/compression"
	"github.com/meigma/pak/internal/objtype"
)

// Flags control how a payload is stored.
type Flags uint32

// Storage flags. Values are persisted.
const (
	// StoreInSeparateFile stores the payload in the package's sidecar file.
	StoreInSeparateFile Flags = 1 << iota

	// CompressedZLIB compresses the payload with zlib.
	CompressedZLIB

	// ForceSingleElementSerialization serializes elements one at a time so
	// that multi-byte fields follow the archive's byte order.
	ForceSingleElementSerialization

	// SingleUse frees the payload after its first unlock.
	SingleUse

	// CompressedLZ4 compresses the payload with LZ4.
	CompressedLZ4

	// Unused marks a payload that is not needed; it is saved empty.
	Unused

	// CompressedZSTD compresses the payload with zstd.
	CompressedZSTD
)

// Method returns the codec selected by f.
func (f Flags) Method() compression.Method {
	switch {
	case f&CompressedZLIB != 0:
		return compression.ZLIB
	case f&CompressedLZ4 != 0:
		return compression.LZ4
	case f&CompressedZSTD != 0:
		return compression.ZSTD
	default:
		return compression.None
	}
}

// LockMode selects read-only or read-write access.
type LockMode int

const (
	// Unlocked means no outstanding lock.
	Unlocked LockMode = iota

	// ReadOnly locks the payload for reading.
	ReadOnly

	// ReadWrite locks the payload for reading, writing and Realloc.
	ReadWrite
)

// ErrChecksum is returned when a sidecar payload fails verification.
var ErrChecksum = errors.New("bulkdata: checksum mismatch")

// ErrNoSource is returned when a payload must be loaded but is attached to
// nothing.
var ErrNoSource = errors.New("bulkdata: not attached to a source")

// Source supplies the bytes of attached payloads. Package linkers implement
// it.
type Source interface {
	// BulkReaderAt returns a reader over the package stream or, when
	// separate is true, over the sidecar file.
	BulkReaderAt(separate bool) (io.ReaderAt, error)

	// BulkByteOrder returns the byte order of the package.
	BulkByteOrder() binary.ByteOrder

	// ForgetBulkData drops b from the source's attachment list.
	ForgetBulkData(b *BulkData)
}

// Attacher is implemented by loading archives that defer payload reads.
type Attacher interface {
	AttachBulkData(owner objtype.Handle, b *BulkData) Source
}

// ElementSerializer moves one element between its in-memory bytes and an
// archive. It is used with ForceSingleElementSerialization.
type ElementSerializer func(ar archive.Archive, elem []byte)

// BulkData is an independently loaded payload of fixed-size elements.
// Its methods are safe for concurrent use, but a lock is exclusive.
type BulkData struct {
	mu          sync.Mutex
	flags       Flags
	elementSize int
	count       int
	data        []byte
	lockMode    LockMode
	loaded      bool
	discarded   bool
	serializer  ElementSerializer

	owner      objtype.Handle
	src        Source
	offset     int64
	sizeOnDisk int64
	checksum   [32]byte

	loadGroup singleflight.Group
}

// New returns an empty, loaded payload of the given element size.
func New(elementSize int) *BulkData {
	if elementSize <= 0 {
		panic(fmt.Sprintf("bulkdata: invalid element size %d", elementSize))
	}
	return &BulkData{elementSize: elementSize, loaded: true}
}

// WithBytes returns a loaded byte payload holding a copy of p.
func WithBytes(p []byte) *BulkData {
	b := New(1)
	b.data = append([]byte(nil), p...)
	b.count = len(p)
	return b
}

// SetElementSerializer sets the per-element serializer used when
// ForceSingleElementSerialization is set.
func (b *BulkData) SetElementSerializer(fn ElementSerializer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serializer = fn
}

// Flags returns the storage flags.
func (b *BulkData) Flags() Flags {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags
}

// SetFlags adds flags.
func (b *BulkData) SetFlags(f Flags) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags |= f
}

// ClearFlags removes flags.
func (b *BulkData) ClearFlags(f Flags) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags &^= f
}

// ElementSize returns the size of one element in bytes.
func (b *BulkData) ElementSize() int { return b.elementSize }

// ElementCount returns the number of elements.
func (b *BulkData) ElementCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Size returns the payload size in bytes.
func (b *BulkData) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count * b.elementSize
}

// SizeOnDisk returns the stored (possibly compressed) size recorded when the
// payload was last serialized.
func (b *BulkData) SizeOnDisk() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizeOnDisk
}

// OffsetInFile returns the stored offset recorded when the payload was last
// serialized.
func (b *BulkData) OffsetInFile() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// IsLoaded reports whether the payload is resident.
func (b *BulkData) IsLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// IsLocked reports whether a lock is outstanding.
func (b *BulkData) IsLocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lockMode != Unlocked
}

// IsAttached reports whether the payload is attached to a source.
func (b *BulkData) IsAttached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src != nil
}

// Owner returns the object the payload was attached for.
func (b *BulkData) Owner() objtype.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

// Lock returns the payload bytes, loading them first if needed. The slice is
// valid until Unlock. Locking a locked payload panics.
func (b *BulkData) Lock(mode LockMode) ([]byte, error) {
	if mode != ReadOnly && mode != ReadWrite {
		panic(fmt.Sprintf("bulkdata: invalid lock mode %d", mode))
	}
	if err := b.load(context.Background()); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockMode != Unlocked {
		panic("bulkdata: lock while already locked")
	}
	b.lockMode = mode
	return b.data, nil
}

// Realloc resizes the payload to n elements and returns the new bytes. The
// first min(old, new) elements are preserved. It requires a ReadWrite lock.
func (b *BulkData) Realloc(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockMode != ReadWrite {
		panic("bulkdata: realloc without a read-write lock")
	}
	if n < 0 {
		panic(fmt.Sprintf("bulkdata: realloc to %d elements", n))
	}
	size := n * b.elementSize
	if size <= cap(b.data) {
		old := len(b.data)
		b.data = b.data[:size]
		if size > old {
			clear(b.data[old:])
		}
	} else {
		grown := make([]byte, size)
		copy(grown, b.data)
		b.data = grown
	}
	b.count = n
	return b.data
}

// Unlock releases the outstanding lock. Unlocking an unlocked payload
// panics. SingleUse payloads are freed on unlock.
func (b *BulkData) Unlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockMode == Unlocked {
		panic("bulkdata: unlock without a lock")
	}
	b.lockMode = Unlocked
	if b.flags&SingleUse != 0 {
		b.data = nil
		b.loaded = false
		b.discarded = true
	}
}

// Copy returns a copy of the payload bytes, loading them first if needed.
func (b *BulkData) Copy() ([]byte, error) {
	if err := b.load(context.Background()); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...), nil
}

// RemoveBulkData frees the payload. A removed payload counts as discarded
// and may be detached.
func (b *BulkData) RemoveBulkData() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockMode != Unlocked {
		panic("bulkdata: remove while locked")
	}
	b.data = nil
	b.loaded = false
	b.discarded = true
}

// DetachFromArchive detaches the payload from its source. When ensureLoaded
// is true the payload is loaded first. Detaching a payload that is neither
// loaded nor discarded panics.
func (b *BulkData) DetachFromArchive(ensureLoaded bool) error {
	if ensureLoaded {
		b.mu.Lock()
		needLoad := !b.loaded && !b.discarded
		b.mu.Unlock()
		if needLoad {
			if err := b.load(context.Background()); err != nil {
				return err
			}
		}
	}
	b.mu.Lock()
	src := b.src
	if !b.loaded && !b.discarded {
		b.mu.Unlock()
		panic("bulkdata: detach before the payload was loaded or discarded")
	}
	b.src = nil
	b.mu.Unlock()
	if src != nil {
		src.ForgetBulkData(b)
	}
	return nil
}

// Preload loads the payload in the calling goroutine if it is not resident.
// Concurrent calls share one read.
func (b *BulkData) Preload(ctx context.Context) error {
	return b.load(ctx)
}

func (b *BulkData) load(ctx context.Context) error {
	b.mu.Lock()
	if b.loaded {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	_, err, _ := b.loadGroup.Do("load", func() (any, error) {
		return nil, b.loadFromSource(ctx)
	})
	return err
}

func (b *BulkData) loadFromSource(ctx context.Context) error {
	b.mu.Lock()
	if b.loaded {
		b.mu.Unlock()
		return nil
	}
	src := b.src
	flags := b.flags
	offset, sizeOnDisk, count := b.offset, b.sizeOnDisk, b.count
	checksum := b.checksum
	serializer := b.serializer
	b.mu.Unlock()

	if src == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.discarded {
			return ErrNoSource
		}
		// a removed payload that was never attached comes back empty
		b.data, b.count = nil, 0
		b.loaded, b.discarded = true, false
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := src.BulkReaderAt(flags&StoreInSeparateFile != 0)
	if err != nil {
		return fmt.Errorf("bulkdata: open source: %w", err)
	}
	stored := make([]byte, sizeOnDisk)
	if n, err := r.ReadAt(stored, offset); n != len(stored) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("bulkdata: read %d bytes at %d: %w", sizeOnDisk, offset, err)
	}
	if flags&StoreInSeparateFile != 0 && sum(stored) != checksum {
		return ErrChecksum
	}
	data, err := decode(stored, flags, b.elementSize, count, src.BulkByteOrder(), serializer)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		b.data = data
		b.loaded = true
		b.discarded = false
	}
	return nil
}
