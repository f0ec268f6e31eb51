package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReadAt(t *testing.T) {
	t.Parallel()

	src := NewMemory("m", []byte("hello world"))
	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	n, err = src.ReadAt(buf, 8)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "rld", string(buf[:n]))

	_, err = src.ReadAt(buf, 11)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "mem:m", src.SourceID())
}

func TestReadFull_Short(t *testing.T) {
	t.Parallel()

	src := NewMemory("m", []byte("abc"))
	err := ReadFull(src, make([]byte, 4), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.NoError(t, ReadFull(src, make([]byte, 3), 0))
}

func TestHTTP_ReadAt(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	src, err := NewHTTP(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), src.Size())

	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	buf = make([]byte, 10)
	n, err = src.ReadAt(buf, 8)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "rld", string(buf[:n]))
}

func TestHTTP_RangeUnsupported(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("no ranges"))
	}))
	t.Cleanup(server.Close)

	_, err := NewHTTP(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrRangeUnsupported)
}

type countingSource struct {
	*Memory
	reads atomic.Int32
}

func (c *countingSource) ReadAt(p []byte, off int64) (int, error) {
	c.reads.Add(1)
	return c.Memory.ReadAt(p, off)
}

func TestBlockCache_ServesRepeatReadsFromMemory(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("0123456789"), 10)
	src := &countingSource{Memory: NewMemory("c", data)}
	cache, err := NewBlockCache(WithBlockSize(16))
	require.NoError(t, err)
	wrapped, err := cache.Wrap(src)
	require.NoError(t, err)

	buf := make([]byte, 20)
	n, err := wrapped.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, data[10:30], buf[:n])
	first := src.reads.Load()
	assert.Equal(t, int32(2), first)

	n, err = wrapped.ReadAt(buf, 12)
	require.NoError(t, err)
	assert.Equal(t, data[12:32], buf[:n])
	assert.Equal(t, first, src.reads.Load())

	n, err = wrapped.ReadAt(buf, 90)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, data[90:], buf[:n])
}

func TestBlockCache_EvictsOldest(t *testing.T) {
	t.Parallel()

	src := NewMemory("e", make([]byte, 64))
	cache, err := NewBlockCache(WithBlockSize(16), WithMaxBytes(32))
	require.NoError(t, err)
	wrapped, err := cache.Wrap(src)
	require.NoError(t, err)

	buf := make([]byte, 64)
	_, err = wrapped.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(32), cache.SizeBytes())
}

func TestDirResolver(t *testing.T) {
	t.Parallel()

	first := t.TempDir()
	second := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(second, "Engine.upk"), []byte("pkg"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(first, "Engine.ubulk"), []byte("bulk"), 0o600))

	r := NewDirResolver([]string{first, second})
	src, err := r.Open("Engine", KindPackage)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(src) })
	assert.Equal(t, int64(3), src.Size())

	bulk, err := r.Open("Engine", KindBulk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(bulk) })
	assert.Equal(t, int64(4), bulk.Size())

	_, err = r.Open("Missing", KindPackage)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Open("../escape", KindPackage)
	assert.Error(t, err)
}

func TestSidecarPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join("a", "Pkg.ubulk"), SidecarPath(filepath.Join("a", "Pkg.upk"), ""))
}

func TestMapResolver(t *testing.T) {
	t.Parallel()

	r := NewMapResolver()
	r.Put("Core", KindPackage, []byte{1, 2})
	src, err := r.Open("Core", KindPackage)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.Size())

	_, err = r.Open("Core", KindBulk)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestURLResolver(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Engine.upk"), []byte("package"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Engine.ubulk"), []byte("bulk"), 0o644))
	server := httptest.NewServer(http.FileServer(http.Dir(dir)))
	t.Cleanup(server.Close)

	cache, err := NewBlockCache(WithBlockSize(4), WithMaxBytes(64))
	require.NoError(t, err)
	r, err := NewURLResolver(server.URL+"/paks/", WithURLCache(cache))
	require.NoError(t, err)
	u, err := r.URL("Engine", KindBulk)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/paks/Engine.ubulk", u)

	r, err = NewURLResolver(server.URL, WithURLCache(cache), WithURLHTTPOptions(WithHTTPHeader("X-Token", "t")))
	require.NoError(t, err)
	src, err := r.Open("Engine", KindPackage)
	require.NoError(t, err)
	assert.Equal(t, int64(7), src.Size())
	buf := make([]byte, 4)
	require.NoError(t, ReadFull(src, buf, 3))
	assert.Equal(t, "kage", string(buf))

	bulk, err := r.Open("Engine", KindBulk)
	require.NoError(t, err)
	assert.Equal(t, int64(4), bulk.Size())

	_, err = r.Open("Missing", KindPackage)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Open("a/b", KindPackage)
	require.Error(t, err)
}

func TestNewURLResolverRejectsBadBase(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"ftp://host/paks", "/local/dir", "http://"} {
		_, err := NewURLResolver(base)
		assert.Error(t, err, base)
	}
}

func TestChainResolver(t *testing.T) {
	t.Parallel()

	first := NewMapResolver()
	first.Put("Core", KindPackage, []byte{1})
	second := NewMapResolver()
	second.Put("Core", KindPackage, []byte{1, 2})
	second.Put("Engine", KindPackage, []byte{1, 2, 3})
	chain := ChainResolver{first, second}

	src, err := chain.Open("Core", KindPackage)
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.Size(), "earlier resolvers win")
	src, err = chain.Open("Engine", KindPackage)
	require.NoError(t, err)
	assert.Equal(t, int64(3), src.Size())
	_, err = chain.Open("Missing", KindPackage)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = ChainResolver{NewDirResolver(nil), second}.Open("../bad", KindPackage)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound, "other errors stop the chain")
}
