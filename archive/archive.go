// Package archive defines the serialization boundary used by package
// loading, saving, the collector and graph audits.
//
// An Archive moves raw bytes in one direction and exposes hooks for names
// and object references so that concrete archives can translate them: to
// table indices on save, to live handles on load, or to nothing at all for
// reference-collecting archives. Errors are sticky. Callers check Err after a
// batch of operations instead of after every call.
package archive

import (
	"encoding/binary"
	"errors"

	"github.com/meigma/pak/internal/objtype"
	"github.com/meigma/pak/name"
)

var (
	// ErrReadOverrun is set when a read requests more bytes than remain.
	ErrReadOverrun = errors.New("archive: read past end of data")

	// ErrCorrupt is set when decoded data fails a sanity check.
	ErrCorrupt = errors.New("archive: corrupt data")
)

// Archive is the serialization contract shared by every concrete archive.
type Archive interface {
	// Serialize moves len(p) bytes in the archive's direction: into p when
	// loading, out of p when saving.
	Serialize(p []byte)

	// SerializeName moves a name, translating it as the archive requires.
	SerializeName(n *name.Name)

	// SerializeObject moves an object reference.
	SerializeObject(h *objtype.Handle)

	// Preload makes sure h's payload has been read before it is used.
	Preload(h objtype.Handle)

	SeekTo(pos int64)
	Tell() int64
	TotalSize() int64

	IsLoading() bool
	IsSaving() bool
	IsPersistent() bool
	IsCountingMemory() bool
	IsObjectReferenceCollector() bool

	Version() int32
	LicenseeVersion() int32
	ByteOrder() binary.ByteOrder

	Err() error
	SetError(err error)
	ClearError()
}

// Flags select an archive's mode.
type Flags uint32

// Archive mode flags.
const (
	FlagLoading Flags = 1 << iota
	FlagSaving
	FlagPersistent
	FlagCountingMemory
	FlagReferenceCollector
)

// Base carries the mode, version, byte order and sticky error shared by all
// archives. Concrete archives embed it.
type Base struct {
	flags    Flags
	version  int32
	licensee int32
	order    binary.ByteOrder
	err      error
}

// NewBase returns a Base with the given mode and little-endian byte order.
func NewBase(flags Flags) Base {
	return Base{flags: flags, version: CurrentVersion, licensee: CurrentLicenseeVersion, order: binary.LittleEndian}
}

// IsLoading reports whether bytes flow into memory.
func (b *Base) IsLoading() bool { return b.flags&FlagLoading != 0 }

// IsSaving reports whether bytes flow out of memory.
func (b *Base) IsSaving() bool { return b.flags&FlagSaving != 0 }

// IsPersistent reports whether the archive targets persistent storage.
func (b *Base) IsPersistent() bool { return b.flags&FlagPersistent != 0 }

// IsCountingMemory reports whether the archive only measures memory.
func (b *Base) IsCountingMemory() bool { return b.flags&FlagCountingMemory != 0 }

// IsObjectReferenceCollector reports whether the archive only gathers
// object references.
func (b *Base) IsObjectReferenceCollector() bool { return b.flags&FlagReferenceCollector != 0 }

// Flags returns the mode flags.
func (b *Base) Flags() Flags { return b.flags }

// SetFlags replaces the mode flags.
func (b *Base) SetFlags(f Flags) { b.flags = f }

// Version returns the engine file version in effect.
func (b *Base) Version() int32 { return b.version }

// LicenseeVersion returns the licensee file version in effect.
func (b *Base) LicenseeVersion() int32 { return b.licensee }

// SetVersion sets the engine and licensee file versions.
func (b *Base) SetVersion(engine, licensee int32) {
	b.version = engine
	b.licensee = licensee
}

// ByteOrder returns the byte order used for multi-byte values.
func (b *Base) ByteOrder() binary.ByteOrder {
	if b.order == nil {
		return binary.LittleEndian
	}
	return b.order
}

// SetByteOrder sets the byte order used for multi-byte values.
func (b *Base) SetByteOrder(order binary.ByteOrder) { b.order = order }

// Err returns the first error recorded, or nil.
func (b *Base) Err() error { return b.err }

// SetError records err unless an error is already recorded.
func (b *Base) SetError(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

// ClearError resets the error state.
func (b *Base) ClearError() { b.err = nil }

// Preload does nothing; linker archives override it.
func (b *Base) Preload(objtype.Handle) {}

// Supported file versions.
const (
	// MinVersion is the oldest engine file version that can be loaded.
	MinVersion int32 = 600

	// CurrentVersion is the engine file version written on save.
	CurrentVersion int32 = 868

	// CurrentLicenseeVersion is the licensee version written on save.
	CurrentLicenseeVersion int32 = 0
)
