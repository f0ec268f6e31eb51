// Package compression implements the codecs used for compressed package
// chunks and compressed bulk payloads.
package compression

import (
	"errors"
	"fmt"
	"strings"
)

// Method is a compression selector stored in package summaries and bulk data
// headers. Values are protocol constants.
type Method uint32

const (
	// None stores data uncompressed.
	None Method = 0x00

	// ZLIB selects zlib (deflate) compression.
	ZLIB Method = 0x01

	// LZ4 selects LZ4 block compression.
	LZ4 Method = 0x02

	// ZSTD selects zstd compression.
	ZSTD Method = 0x04

	// BiasMemory prefers smaller output over speed. It is a modifier bit.
	BiasMemory Method = 0x10

	// BiasSpeed prefers speed over ratio. It is a modifier bit.
	BiasSpeed Method = 0x20
)

// codecMask selects the codec bits, dropping modifiers.
const codecMask = ZLIB | LZ4 | ZSTD

// DefaultChunkSize is the uncompressed size of each package chunk.
const DefaultChunkSize = 128 << 10

var (
	// ErrUnknownMethod is returned for an unsupported codec selector.
	ErrUnknownMethod = errors.New("compression: unknown method")

	// ErrCorrupt is returned when compressed input does not decode to the
	// expected size.
	ErrCorrupt = errors.New("compression: corrupt data")
)

// Codec returns the codec bits of m without modifiers.
func (m Method) Codec() Method {
	return m & codecMask
}

// String returns the human-readable name of the method's codec.
func (m Method) String() string {
	switch m.Codec() {
	case None:
		return "none"
	case ZLIB:
		return "zlib"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%#x)", uint32(m))
	}
}

// ParseMethod parses a codec name as produced by String.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "zlib":
		return ZLIB, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Compress compresses src with m. When the output would not be smaller than
// src, src is returned unchanged; Decompress treats equal sizes as stored.
func Compress(m Method, src []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch m.Codec() {
	case None:
		return src, nil
	case ZLIB:
		out, err = compressZlib(src, m)
	case LZ4:
		out, err = compressLZ4(src)
	case ZSTD:
		out, err = compressZstd(src, m)
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownMethod, uint32(m))
	}
	if err != nil {
		return nil, err
	}
	if out == nil || len(out) >= len(src) {
		return src, nil
	}
	return out, nil
}

// Decompress decodes src into dst, which must be sized to the exact
// uncompressed length.
func Decompress(m Method, dst, src []byte) error {
	if len(src) == len(dst) {
		copy(dst, src)
		return nil
	}
	switch m.Codec() {
	case None:
		return fmt.Errorf("%w: stored data is %d bytes, want %d", ErrCorrupt, len(src), len(dst))
	case ZLIB:
		return decompressZlib(dst, src)
	case LZ4:
		return decompressLZ4(dst, src)
	case ZSTD:
		return decompressZstd(dst, src)
	default:
		return fmt.Errorf("%w: %#x", ErrUnknownMethod, uint32(m))
	}
}
