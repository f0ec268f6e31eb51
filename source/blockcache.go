package source

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultBlockSize is the block size used by NewBlockCache.
const DefaultBlockSize int64 = 64 << 10

// BlockCache caches fixed-size blocks of wrapped sources in memory. When the
// byte limit is exceeded the oldest blocks are evicted first. Concurrent
// misses on the same block share one fetch. It is safe for concurrent use.
type BlockCache struct {
	blockSize  int64
	maxBytes   int64
	fetchGroup singleflight.Group

	mu     sync.Mutex
	blocks map[string][]byte
	order  []string
	bytes  int64
}

// BlockCacheOption configures a BlockCache.
type BlockCacheOption func(*BlockCache)

// WithBlockSize sets the cached block size.
func WithBlockSize(n int64) BlockCacheOption {
	return func(c *BlockCache) {
		c.blockSize = n
	}
}

// WithMaxBytes bounds the cache size. Values <= 0 disable the limit.
func WithMaxBytes(n int64) BlockCacheOption {
	return func(c *BlockCache) {
		c.maxBytes = n
	}
}

// NewBlockCache creates an empty block cache.
func NewBlockCache(opts ...BlockCacheOption) (*BlockCache, error) {
	c := &BlockCache{
		blockSize: DefaultBlockSize,
		blocks:    make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.blockSize <= 0 {
		return nil, errors.New("source: block size must be > 0")
	}
	return c, nil
}

// Wrap returns a ByteSource that serves reads of src from the cache.
func (c *BlockCache) Wrap(src ByteSource) (ByteSource, error) {
	if src == nil {
		return nil, errors.New("source: block cache source is nil")
	}
	if src.SourceID() == "" {
		return nil, errors.New("source: block cache source id is empty")
	}
	return &cachedSource{src: src, cache: c}, nil
}

// SizeBytes returns the bytes currently held.
func (c *BlockCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *BlockCache) lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blocks[key]
	return data, ok
}

func (c *BlockCache) store(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blocks[key]; ok {
		return
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return
	}
	c.blocks[key] = data
	c.order = append(c.order, key)
	c.bytes += int64(len(data))
	for c.maxBytes > 0 && c.bytes > c.maxBytes && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.bytes -= int64(len(c.blocks[oldest]))
		delete(c.blocks, oldest)
	}
}

func (c *BlockCache) getBlock(src ByteSource, index, length int64) ([]byte, error) {
	key := src.SourceID() + "#" + strconv.FormatInt(index, 10)
	if data, ok := c.lookup(key); ok {
		return data, nil
	}
	result, err, _ := c.fetchGroup.Do(key, func() (any, error) {
		if data, ok := c.lookup(key); ok {
			return data, nil
		}
		buf := make([]byte, length)
		if err := ReadFull(src, buf, index*c.blockSize); err != nil {
			return nil, err
		}
		c.store(key, buf)
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck // type assertion always succeeds when err is nil
}

type cachedSource struct {
	src   ByteSource
	cache *BlockCache
}

func (s *cachedSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	expected := min(int64(len(p)), size-off)
	bs := s.cache.blockSize

	var n int64
	for index := off / bs; index <= (off+expected-1)/bs; index++ {
		blockStart := index * bs
		blockEnd := min(blockStart+bs, size)
		data, err := s.cache.getBlock(s.src, index, blockEnd-blockStart)
		if err != nil {
			return int(n), err
		}
		copyStart := max(off, blockStart)
		copyEnd := min(off+expected, blockEnd)
		copy(p[copyStart-off:copyEnd-off], data[copyStart-blockStart:copyEnd-blockStart])
		n += copyEnd - copyStart
	}
	if expected < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (s *cachedSource) Size() int64 { return s.src.Size() }

func (s *cachedSource) SourceID() string { return s.src.SourceID() }

// Close closes the wrapped source if it is closable.
func (s *cachedSource) Close() error { return Close(s.src) }
