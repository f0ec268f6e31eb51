package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Kind selects which file of a package a resolver opens.
type Kind int

const (
	// KindPackage is the package file holding summary, tables and payloads.
	KindPackage Kind = iota

	// KindBulk is the sidecar file holding separately stored bulk data.
	KindBulk
)

// Default file extensions.
const (
	DefaultPackageExt = ".upk"
	DefaultBulkExt    = ".ubulk"
)

// Resolver maps package names to byte sources.
type Resolver interface {
	Open(pkg string, kind Kind) (ByteSource, error)
}

// DirResolver finds package files in an ordered list of directories.
type DirResolver struct {
	dirs       []string
	packageExt string
	bulkExt    string
	cache      *BlockCache
}

// DirOption configures a DirResolver.
type DirOption func(*DirResolver)

// WithPackageExt sets the package file extension (default ".upk").
func WithPackageExt(ext string) DirOption {
	return func(r *DirResolver) {
		r.packageExt = ext
	}
}

// WithBulkExt sets the bulk sidecar extension (default ".ubulk").
func WithBulkExt(ext string) DirOption {
	return func(r *DirResolver) {
		r.bulkExt = ext
	}
}

// WithCache serves opened files through c.
func WithCache(c *BlockCache) DirOption {
	return func(r *DirResolver) {
		r.cache = c
	}
}

// NewDirResolver returns a resolver searching dirs in order.
func NewDirResolver(dirs []string, opts ...DirOption) *DirResolver {
	r := &DirResolver{
		dirs:       append([]string(nil), dirs...),
		packageExt: DefaultPackageExt,
		bulkExt:    DefaultBulkExt,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the first existing path for pkg, or ErrNotFound.
func (r *DirResolver) Path(pkg string, kind Kind) (string, error) {
	if pkg == "" || strings.ContainsAny(pkg, `/\`) {
		return "", fmt.Errorf("source: invalid package name %q", pkg)
	}
	file := pkg + r.ext(kind)
	for _, dir := range r.dirs {
		p := filepath.Join(dir, file)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, file)
}

// Open opens the file for pkg.
func (r *DirResolver) Open(pkg string, kind Kind) (ByteSource, error) {
	p, err := r.Path(pkg, kind)
	if err != nil {
		return nil, err
	}
	f, err := OpenFile(p)
	if err != nil {
		return nil, err
	}
	if r.cache == nil {
		return f, nil
	}
	wrapped, err := r.cache.Wrap(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return wrapped, nil
}

// SidecarPath returns the bulk sidecar path for a package file path.
func SidecarPath(packagePath, bulkExt string) string {
	if bulkExt == "" {
		bulkExt = DefaultBulkExt
	}
	return strings.TrimSuffix(packagePath, filepath.Ext(packagePath)) + bulkExt
}

func (r *DirResolver) ext(kind Kind) string {
	if kind == KindBulk {
		return r.bulkExt
	}
	return r.packageExt
}

// ChainResolver tries each resolver in order, moving to the next when one
// reports ErrNotFound.
type ChainResolver []Resolver

// Open implements Resolver.
func (c ChainResolver) Open(pkg string, kind Kind) (ByteSource, error) {
	for _, r := range c {
		src, err := r.Open(pkg, kind)
		if err == nil {
			return src, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, pkg)
}

// MapResolver serves packages from memory. It is safe for concurrent use.
type MapResolver struct {
	mu    sync.RWMutex
	files map[mapKey][]byte
}

type mapKey struct {
	pkg  string
	kind Kind
}

// NewMapResolver returns an empty MapResolver.
func NewMapResolver() *MapResolver {
	return &MapResolver{files: make(map[mapKey][]byte)}
}

// Put stores data for pkg.
func (r *MapResolver) Put(pkg string, kind Kind, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[mapKey{pkg, kind}] = data
}

// Open returns a Memory source for pkg.
func (r *MapResolver) Open(pkg string, kind Kind) (ByteSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.files[mapKey{pkg, kind}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, pkg)
	}
	return NewMemory(pkg, data), nil
}
