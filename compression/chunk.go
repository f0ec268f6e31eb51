package compression

import (
	"fmt"
	"math"
)

// Chunk maps a range of the logical (uncompressed) package stream onto a
// range of the physical file.
type Chunk struct {
	UncompressedOffset int32
	UncompressedSize   int32
	CompressedOffset   int32
	CompressedSize     int32
}

// Contains reports whether logical offset off falls inside the chunk.
func (c Chunk) Contains(off int64) bool {
	return off >= int64(c.UncompressedOffset) && off < int64(c.UncompressedOffset)+int64(c.UncompressedSize)
}

// CompressChunks splits src into chunkSize pieces and compresses each. The
// returned chunks record physical offsets starting at base; packed is the
// concatenated physical bytes.
func CompressChunks(m Method, src []byte, chunkSize int, base int64) ([]Chunk, []byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if int64(len(src)) > math.MaxInt32 || base+int64(len(src)) > math.MaxInt32 {
		return nil, nil, fmt.Errorf("compression: %d bytes exceed chunk offset range", len(src))
	}
	chunks := make([]Chunk, 0, (len(src)+chunkSize-1)/chunkSize)
	var packed []byte
	for off := 0; off < len(src); off += chunkSize {
		end := min(off+chunkSize, len(src))
		out, err := Compress(m, src[off:end])
		if err != nil {
			return nil, nil, fmt.Errorf("compress chunk at %d: %w", off, err)
		}
		// all values are bounded by the MaxInt32 check above
		chunks = append(chunks, Chunk{
			UncompressedOffset: int32(off),                       //nolint:gosec // bounded
			UncompressedSize:   int32(end - off),                 //nolint:gosec // bounded
			CompressedOffset:   int32(base + int64(len(packed))), //nolint:gosec // bounded
			CompressedSize:     int32(len(out)),                  //nolint:gosec // bounded
		})
		packed = append(packed, out...)
	}
	return chunks, packed, nil
}

// DecompressChunks rebuilds the logical stream from chunks, using fetch to
// read each chunk's physical bytes.
func DecompressChunks(m Method, chunks []Chunk, fetch func(Chunk) ([]byte, error)) ([]byte, error) {
	var total int64
	for _, c := range chunks {
		total = max(total, int64(c.UncompressedOffset)+int64(c.UncompressedSize))
	}
	out := make([]byte, total)
	for _, c := range chunks {
		if err := DecompressChunk(m, c, out[c.UncompressedOffset:int64(c.UncompressedOffset)+int64(c.UncompressedSize)], fetch); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecompressChunk decodes a single chunk into dst.
func DecompressChunk(m Method, c Chunk, dst []byte, fetch func(Chunk) ([]byte, error)) error {
	if c.UncompressedSize < 0 || c.CompressedSize < 0 || int(c.UncompressedSize) != len(dst) {
		return fmt.Errorf("%w: chunk at %d has invalid sizes", ErrCorrupt, c.UncompressedOffset)
	}
	src, err := fetch(c)
	if err != nil {
		return fmt.Errorf("read chunk at %d: %w", c.CompressedOffset, err)
	}
	if len(src) != int(c.CompressedSize) {
		return fmt.Errorf("%w: chunk at %d: got %d bytes, want %d", ErrCorrupt, c.CompressedOffset, len(src), c.CompressedSize)
	}
	if err := Decompress(m, dst, src); err != nil {
		return fmt.Errorf("chunk at %d: %w", c.UncompressedOffset, err)
	}
	return nil
}
