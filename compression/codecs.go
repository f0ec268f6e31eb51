package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// zlibPool reuses zlib readers; they are reset onto each new input.
var zlibPool sync.Pool

func compressZlib(src []byte, m Method) ([]byte, error) {
	level := zlib.DefaultCompression
	switch {
	case m&BiasSpeed != 0:
		level = zlib.BestSpeed
	case m&BiasMemory != 0:
		level = zlib.BestCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressZlib(dst, src []byte) error {
	r, release, err := getZlibReader(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
	}
	defer release()

	n, err := io.ReadFull(r, dst)
	if err != nil {
		return fmt.Errorf("%w: zlib: got %d of %d bytes: %v", ErrCorrupt, n, len(dst), err)
	}
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m != 0 {
		return fmt.Errorf("%w: zlib: trailing data", ErrCorrupt)
	}
	return nil
}

// getZlibReader returns a pooled reader reading from r plus its release func.
func getZlibReader(r io.Reader) (io.ReadCloser, func(), error) {
	if v := zlibPool.Get(); v != nil {
		zr, ok := v.(io.ReadCloser)
		if ok {
			if resetter, ok := zr.(zlib.Resetter); ok {
				if err := resetter.Reset(r, nil); err == nil {
					return zr, func() { zlibPool.Put(zr) }, nil
				}
			}
			_ = zr.Close()
		}
	}
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return zr, func() { zlibPool.Put(zr) }, nil
}

func compressLZ4(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// incompressible; caller stores src
		return nil, nil
	}
	return dst[:n], nil
}

func decompressLZ4(dst, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	if n != len(dst) {
		return fmt.Errorf("%w: lz4: got %d bytes, want %d", ErrCorrupt, n, len(dst))
	}
	return nil
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdOnce       sync.Once
	zstdFast       *zstd.Encoder
	zstdDefault    *zstd.Encoder
	zstdBest       *zstd.Encoder
	zstdDecoder    *zstd.Decoder
	errZstdStartup error
)

// DefaultMaxDecoderMemory caps the memory a zstd frame may request (256MB).
const DefaultMaxDecoderMemory = 256 << 20

func initZstd() {
	zstdOnce.Do(func() {
		var err error
		if zstdFast, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1)); err != nil {
			errZstdStartup = err
			return
		}
		if zstdDefault, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1)); err != nil {
			errZstdStartup = err
			return
		}
		if zstdBest, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression), zstd.WithEncoderConcurrency(1)); err != nil {
			errZstdStartup = err
			return
		}
		zstdDecoder, errZstdStartup = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(DefaultMaxDecoderMemory),
		)
	})
}

func compressZstd(src []byte, m Method) ([]byte, error) {
	initZstd()
	if errZstdStartup != nil {
		return nil, fmt.Errorf("zstd compress: %w", errZstdStartup)
	}
	enc := zstdDefault
	switch {
	case m&BiasSpeed != 0:
		enc = zstdFast
	case m&BiasMemory != 0:
		enc = zstdBest
	}
	return enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func decompressZstd(dst, src []byte) error {
	initZstd()
	if errZstdStartup != nil {
		return fmt.Errorf("zstd decompress: %w", errZstdStartup)
	}
	out, err := zstdDecoder.DecodeAll(src, dst[:0])
	if err != nil {
		return fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("%w: zstd: got %d bytes, want %d", ErrCorrupt, len(out), len(dst))
	}
	if len(dst) > 0 && &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}
