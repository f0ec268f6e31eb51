package linker

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/compression"
	"github.com/meigma/pak/source"
)

// Package file tags. A file written on a machine of the other byte order
// starts with SwappedTag.
const (
	PackageTag uint32 = 0x9E2A83C1
	SwappedTag uint32 = 0xC1832A9E
)

// File versions that changed the summary layout.
const (
	// VersionThumbnailTable added ThumbnailTableOffset.
	VersionThumbnailTable int32 = 650

	// VersionGuidMaps added the import and export GUID maps.
	VersionGuidMaps int32 = 700
)

// Generation records the table sizes of one save, oldest first.
type Generation struct {
	ExportCount    int32
	NameCount      int32
	NetObjectCount int32
}

// Summary is the fixed header at the start of a package file.
type Summary struct {
	Tag uint32

	// FileVersion packs the engine version (low 16 bits) and the licensee
	// version (high 16 bits).
	FileVersion     int32
	TotalHeaderSize int32
	PackageFlags    uint32
	FolderName      string

	NameCount    int32
	NameOffset   int32
	ExportCount  int32
	ExportOffset int32
	ImportCount  int32
	ImportOffset int32

	DependsOffset int32

	ImportExportGuidsOffset int32
	ImportGuidsCount        int32
	ExportGuidsCount        int32

	ThumbnailTableOffset int32

	GUID        uuid.UUID
	Generations []Generation

	EngineVersion        int32
	CookedContentVersion int32

	CompressionFlags compression.Method
	CompressedChunks []compression.Chunk
}

// PackFileVersion combines engine and licensee versions.
func PackFileVersion(engine, licensee int32) int32 {
	return int32(uint32(engine)&0xFFFF | uint32(licensee)<<16) //nolint:gosec // bit packing
}

// EngineFileVersion returns the engine part of FileVersion.
func (s *Summary) EngineFileVersion() int32 { return s.FileVersion & 0xFFFF }

// LicenseeFileVersion returns the licensee part of FileVersion.
func (s *Summary) LicenseeFileVersion() int32 {
	return int32(uint32(s.FileVersion) >> 16) //nolint:gosec // bit packing
}

// IsCompressed reports whether the body is stored in compressed chunks.
func (s *Summary) IsCompressed() bool { return len(s.CompressedChunks) > 0 }

// ByteOrderOf returns the byte order a package was written in, judged by
// its first four bytes.
func ByteOrderOf(head []byte) (binary.ByteOrder, error) {
	if len(head) < 4 {
		return nil, ErrBadTag
	}
	switch binary.LittleEndian.Uint32(head) {
	case PackageTag:
		return binary.LittleEndian, nil
	case SwappedTag:
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%w: tag %#08x", ErrBadTag, binary.LittleEndian.Uint32(head))
	}
}

// ReadSummary reads the summary of the package in src without creating a
// linker.
func ReadSummary(src source.ByteSource) (*Summary, error) {
	ar := archive.NewAsyncReader(src)
	if err := ar.PrecacheWait(0, summaryPrecache); err != nil {
		return nil, err
	}
	head := make([]byte, 4)
	ar.Serialize(head)
	if err := ar.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadTag, err)
	}
	order, err := ByteOrderOf(head)
	if err != nil {
		return nil, err
	}
	ar.SetByteOrder(order)
	ar.SeekTo(0)
	var s Summary
	s.Serialize(ar)
	if err := ar.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Serialize moves the summary. The archive's byte order must already match
// the file's; see ByteOrderOf.
func (s *Summary) Serialize(ar archive.Archive) {
	archive.Uint32(ar, &s.Tag)
	if ar.IsLoading() && ar.Err() == nil && s.Tag != PackageTag {
		ar.SetError(fmt.Errorf("%w: tag %#08x", ErrBadTag, s.Tag))
		return
	}
	archive.Int32(ar, &s.FileVersion)
	if ar.IsLoading() && ar.Err() == nil {
		if err := s.checkVersion(); err != nil {
			ar.SetError(err)
			return
		}
	}
	version := s.EngineFileVersion()

	archive.Int32(ar, &s.TotalHeaderSize)
	archive.Uint32(ar, &s.PackageFlags)
	archive.String(ar, &s.FolderName)
	archive.Int32(ar, &s.NameCount)
	archive.Int32(ar, &s.NameOffset)
	archive.Int32(ar, &s.ExportCount)
	archive.Int32(ar, &s.ExportOffset)
	archive.Int32(ar, &s.ImportCount)
	archive.Int32(ar, &s.ImportOffset)
	archive.Int32(ar, &s.DependsOffset)
	if version >= VersionGuidMaps {
		archive.Int32(ar, &s.ImportExportGuidsOffset)
		archive.Int32(ar, &s.ImportGuidsCount)
		archive.Int32(ar, &s.ExportGuidsCount)
	}
	if version >= VersionThumbnailTable {
		archive.Int32(ar, &s.ThumbnailTableOffset)
	}
	archive.GUID(ar, &s.GUID)
	archive.Array(ar, &s.Generations, 12, func(ar archive.Archive, g *Generation) {
		archive.Int32(ar, &g.ExportCount)
		archive.Int32(ar, &g.NameCount)
		archive.Int32(ar, &g.NetObjectCount)
	})
	archive.Int32(ar, &s.EngineVersion)
	archive.Int32(ar, &s.CookedContentVersion)
	flags := uint32(s.CompressionFlags)
	archive.Uint32(ar, &flags)
	s.CompressionFlags = compression.Method(flags)
	archive.Array(ar, &s.CompressedChunks, 16, func(ar archive.Archive, c *compression.Chunk) {
		archive.Int32(ar, &c.UncompressedOffset)
		archive.Int32(ar, &c.UncompressedSize)
		archive.Int32(ar, &c.CompressedOffset)
		archive.Int32(ar, &c.CompressedSize)
	})
	if ar.IsLoading() && ar.Err() == nil {
		if err := s.validate(); err != nil {
			ar.SetError(err)
		}
	}
}

func (s *Summary) checkVersion() error {
	v := s.EngineFileVersion()
	switch {
	case v < archive.MinVersion:
		return fmt.Errorf("%w: %d, minimum %d", ErrVersionTooOld, v, archive.MinVersion)
	case v > archive.CurrentVersion:
		return fmt.Errorf("%w: %d, current %d", ErrVersionTooNew, v, archive.CurrentVersion)
	case s.LicenseeFileVersion() > archive.CurrentLicenseeVersion:
		return fmt.Errorf("%w: licensee version %d", ErrVersionTooNew, s.LicenseeFileVersion())
	}
	return nil
}

func (s *Summary) validate() error {
	for _, v := range []int32{
		s.TotalHeaderSize, s.NameCount, s.NameOffset, s.ExportCount, s.ExportOffset,
		s.ImportCount, s.ImportOffset, s.DependsOffset, s.ImportExportGuidsOffset,
		s.ImportGuidsCount, s.ExportGuidsCount, s.ThumbnailTableOffset,
	} {
		if v < 0 {
			return fmt.Errorf("%w: negative summary field %d", archive.ErrCorrupt, v)
		}
	}
	if len(s.CompressedChunks) > 0 && s.CompressionFlags.Codec() == compression.None {
		return fmt.Errorf("%w: compressed chunks without a codec", archive.ErrCorrupt)
	}
	return nil
}
