package linker

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/source"
)

// maxThumbnailTable bounds the thumbnail table read from disk.
const maxThumbnailTable = 64 << 20

// Thumbnail is a preview image stored for one object of a package.
type Thumbnail struct {
	ObjectClass string `cbor:"1,keyasint"`
	ObjectPath  string `cbor:"2,keyasint"`
	Width       int32  `cbor:"3,keyasint"`
	Height      int32  `cbor:"4,keyasint"`

	// Format names the encoding of Data, such as "png".
	Format string `cbor:"5,keyasint"`
	Data   []byte `cbor:"6,keyasint"`
}

// thumbnailEnc encodes with Core Deterministic Encoding so identical tables
// produce identical bytes.
var thumbnailEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("linker: thumbnail encoder: " + err.Error())
	}
	return em
}()

var thumbnailDec = func() cbor.DecMode {
	dm, err := cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic("linker: thumbnail decoder: " + err.Error())
	}
	return dm
}()

// encodeThumbnails returns the table body, sorted by object path.
func encodeThumbnails(thumbs []Thumbnail) ([]byte, error) {
	sorted := slices.Clone(thumbs)
	slices.SortFunc(sorted, func(a, b Thumbnail) int { return strings.Compare(a.ObjectPath, b.ObjectPath) })
	return thumbnailEnc.Marshal(sorted)
}

// Thumbnails reads the package's thumbnail table. Packages without one
// return nil.
func (l *LinkerLoad) Thumbnails() ([]Thumbnail, error) {
	if err := l.usable(); err != nil {
		return nil, err
	}
	off := int64(l.Summary.ThumbnailTableOffset)
	if off == 0 || l.Summary.EngineFileVersion() < VersionThumbnailTable {
		return nil, nil
	}
	r := l.ReaderAt()
	var head [4]byte
	if err := source.ReadFull(r, head[:], off); err != nil {
		return nil, fmt.Errorf("linker: thumbnail table: %w", err)
	}
	n := int64(int32(l.ByteOrder().Uint32(head[:]))) //nolint:gosec // sign is checked below
	if n < 0 || n > maxThumbnailTable || off+4+n > l.TotalSize() {
		return nil, fmt.Errorf("%w: thumbnail table of %d bytes at %d", archive.ErrCorrupt, n, off)
	}
	body := make([]byte, n)
	if err := source.ReadFull(r, body, off+4); err != nil {
		return nil, fmt.Errorf("linker: thumbnail table: %w", err)
	}
	var thumbs []Thumbnail
	if err := thumbnailDec.Unmarshal(body, &thumbs); err != nil {
		return nil, fmt.Errorf("%w: thumbnail table: %w", archive.ErrCorrupt, err)
	}
	return thumbs, nil
}

// Thumbnail returns the thumbnail of the object at path, if stored.
func (l *LinkerLoad) Thumbnail(path string) (Thumbnail, bool, error) {
	thumbs, err := l.Thumbnails()
	if err != nil {
		return Thumbnail{}, false, err
	}
	i, ok := slices.BinarySearchFunc(thumbs, path, func(t Thumbnail, p string) int { return strings.Compare(t.ObjectPath, p) })
	if !ok {
		return Thumbnail{}, false, nil
	}
	return thumbs[i], true, nil
}
