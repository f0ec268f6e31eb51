// Package catalog maps package names to files on disk.
//
// A catalog is a FlatBuffers blob sorted by package name, so lookups are
// O(log n) without decoding the whole table. Each entry records the file path
// relative to the catalog's base directory, the package GUID and flags copied
// from its summary, and the content digest used to verify the file on open.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"os"
	"slices"
	"strings"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/pak/catalog/internal/fb"
	"github.com/meigma/pak/internal/write"
)

// Version is the catalog format version written by Build.
const Version uint32 = 1

var (
	// ErrDuplicate is returned by Build when two entries share a name.
	ErrDuplicate = errors.New("catalog: duplicate package name")

	// ErrInvalidEntry is returned by Build for entries without a name or path
	// or with a malformed digest.
	ErrInvalidEntry = errors.New("catalog: invalid entry")

	// ErrUnsupportedVersion is returned by Load for catalogs written by a
	// newer format.
	ErrUnsupportedVersion = errors.New("catalog: unsupported version")
)

// Entry describes one package file.
type Entry struct {
	// Name is the package name, matched case-sensitively.
	Name string

	// Path is the package file, slash separated and relative to the
	// catalog's base directory.
	Path string

	GUID   uuid.UUID
	Size   int64
	Digest digest.Digest

	// Flags holds the package flags from the file's summary.
	Flags uint32
}

// Build encodes entries into a catalog blob. Entries are sorted by name; the
// input slice is not modified.
func Build(entries []Entry) ([]byte, error) {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	for i := range sorted {
		e := &sorted[i]
		if e.Name == "" || e.Path == "" {
			return nil, fmt.Errorf("%w: entry %d has no name or path", ErrInvalidEntry, i)
		}
		if e.Size < 0 {
			return nil, fmt.Errorf("%w: %s: negative size", ErrInvalidEntry, e.Name)
		}
		if e.Digest != "" {
			if err := e.Digest.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidEntry, e.Name, err)
			}
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, e.Name)
		}
	}

	builder := flatbuffers.NewBuilder(1024)

	// Vectors are built back to front.
	offsets := make([]flatbuffers.UOffsetT, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		e := &sorted[i]
		nameOff := builder.CreateString(e.Name)
		pathOff := builder.CreateString(e.Path)
		guidOff := builder.CreateByteVector(e.GUID[:])
		var digestOff flatbuffers.UOffsetT
		if e.Digest != "" {
			digestOff = builder.CreateString(e.Digest.String())
		}

		fb.EntryStart(builder)
		fb.EntryAddName(builder, nameOff)
		fb.EntryAddPath(builder, pathOff)
		fb.EntryAddGuid(builder, guidOff)
		fb.EntryAddSize(builder, uint64(e.Size)) //nolint:gosec // validated non-negative above
		if digestOff != 0 {
			fb.EntryAddDigest(builder, digestOff)
		}
		fb.EntryAddFlags(builder, e.Flags)
		offsets[i] = fb.EntryEnd(builder)
	}

	fb.CatalogStartEntriesVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	entriesVec := builder.EndVector(len(offsets))

	fb.CatalogStart(builder)
	fb.CatalogAddVersion(builder, Version)
	fb.CatalogAddEntries(builder, entriesVec)
	fb.FinishCatalogBuffer(builder, fb.CatalogEnd(builder))
	return builder.FinishedBytes(), nil
}

// WriteFile builds a catalog from entries and writes it to path atomically.
func WriteFile(path string, entries []Entry) error {
	data, err := Build(entries)
	if err != nil {
		return err
	}
	if _, err := write.Atomic(path, bytes.NewReader(data), 0o644); err != nil {
		return fmt.Errorf("catalog: write %s: %w", path, err)
	}
	return nil
}

// Catalog provides read access to an encoded catalog.
type Catalog struct {
	data []byte
	root *fb.Catalog
}

// Load parses a catalog blob. The data is retained; callers must not modify
// it afterwards.
func Load(data []byte) (c *Catalog, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("catalog: failed to parse: %v", r)
		}
	}()
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, errors.New("catalog: empty catalog data")
	}
	root := fb.GetRootAsCatalog(data, 0)
	if v := root.Version(); v == 0 || v > Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	c = &Catalog{data: data, root: root}
	// Touch every entry so a truncated blob fails here rather than on lookup.
	for e := range c.Entries() {
		_ = e
	}
	return c, nil
}

// ReadFile loads the catalog stored at path.
func ReadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // catalog path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Load(data)
}

// Version returns the format version of the catalog.
func (c *Catalog) Version() uint32 {
	return c.root.Version()
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return c.root.EntriesLength()
}

// Lookup returns the entry for the package name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	var e fb.Entry
	if !c.root.EntriesByKey(&e, name) {
		return Entry{}, false
	}
	return entryFrom(&e), true
}

// Entries iterates over all entries in name order.
func (c *Catalog) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		var e fb.Entry
		for i := range c.root.EntriesLength() {
			if !c.root.Entries(&e, i) {
				return
			}
			if !yield(entryFrom(&e)) {
				return
			}
		}
	}
}

func entryFrom(e *fb.Entry) Entry {
	out := Entry{
		Name:   string(e.Name()),
		Path:   string(e.Path()),
		Size:   int64(e.Size()), //nolint:gosec // sizes are written from int64
		Digest: digest.Digest(e.Digest()),
		Flags:  e.Flags(),
	}
	if g := e.GuidBytes(); len(g) == len(out.GUID) {
		copy(out.GUID[:], g)
	}
	return out
}
