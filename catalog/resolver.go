package catalog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/pak/source"
)

var (
	// ErrDigestMismatch is returned when a package file does not match the
	// digest recorded in the catalog.
	ErrDigestMismatch = errors.New("catalog: digest mismatch")

	// ErrSizeMismatch is returned when a package file's size differs from the
	// catalog entry.
	ErrSizeMismatch = errors.New("catalog: size mismatch")
)

// Resolver opens package files listed in a catalog. It implements
// source.Resolver and is safe for concurrent use.
type Resolver struct {
	cat      *Catalog
	base     string
	bulkExt  string
	verify   bool
	fallback source.Resolver
	logger   *slog.Logger

	group    singleflight.Group
	mu       sync.Mutex
	verified map[string]struct{}
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithVerify checks each package file's size and digest against the catalog
// the first time it is opened. A file is verified once per SourceID.
func WithVerify(enabled bool) ResolverOption {
	return func(r *Resolver) {
		r.verify = enabled
	}
}

// WithFallback consults next for packages the catalog does not list.
func WithFallback(next source.Resolver) ResolverOption {
	return func(r *Resolver) {
		r.fallback = next
	}
}

// WithResolverBulkExt sets the bulk sidecar extension (default ".ubulk").
func WithResolverBulkExt(ext string) ResolverOption {
	return func(r *Resolver) {
		r.bulkExt = ext
	}
}

// WithResolverLogger sets the logger for verification events.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver returns a resolver for the packages in cat. Entry paths are
// resolved against base.
func NewResolver(cat *Catalog, base string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cat:      cat,
		base:     base,
		bulkExt:  source.DefaultBulkExt,
		verified: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Path returns the file path for pkg, or source.ErrNotFound when the catalog
// does not list it.
func (r *Resolver) Path(pkg string, kind source.Kind) (string, error) {
	e, ok := r.cat.Lookup(pkg)
	if !ok {
		return "", fmt.Errorf("%w: %s", source.ErrNotFound, pkg)
	}
	p := filepath.Join(r.base, filepath.FromSlash(e.Path))
	if kind == source.KindBulk {
		p = source.SidecarPath(p, r.bulkExt)
	}
	return p, nil
}

// Open implements source.Resolver.
func (r *Resolver) Open(pkg string, kind source.Kind) (source.ByteSource, error) {
	e, ok := r.cat.Lookup(pkg)
	if !ok {
		if r.fallback != nil {
			return r.fallback.Open(pkg, kind)
		}
		return nil, fmt.Errorf("%w: %s", source.ErrNotFound, pkg)
	}
	p, err := r.Path(pkg, kind)
	if err != nil {
		return nil, err
	}
	f, err := source.OpenFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", source.ErrNotFound, pkg, err)
		}
		return nil, err
	}
	if !r.verify || kind != source.KindPackage {
		return f, nil
	}
	if err := r.check(f, e); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (r *Resolver) check(src source.ByteSource, e Entry) error {
	id := src.SourceID()
	r.mu.Lock()
	_, done := r.verified[id]
	r.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := r.group.Do(id, func() (any, error) {
		if src.Size() != e.Size {
			return nil, fmt.Errorf("%w: %s: %d bytes, catalog has %d", ErrSizeMismatch, e.Name, src.Size(), e.Size)
		}
		if e.Digest != "" {
			v := e.Digest.Verifier()
			if _, err := io.Copy(v, io.NewSectionReader(src, 0, src.Size())); err != nil {
				return nil, fmt.Errorf("catalog: verify %s: %w", e.Name, err)
			}
			if !v.Verified() {
				return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, e.Name)
			}
		}
		r.mu.Lock()
		r.verified[id] = struct{}{}
		r.mu.Unlock()
		r.log().Debug("package verified", "package", e.Name, "digest", e.Digest)
		return nil, nil
	})
	return err
}
