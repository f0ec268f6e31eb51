package pak

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/meigma/pak/catalog"
	"github.com/meigma/pak/config"
	"github.com/meigma/pak/gc"
	"github.com/meigma/pak/linker"
	"github.com/meigma/pak/object"
	"github.com/meigma/pak/source"
)

// ErrClosed is returned by operations on a closed Runtime.
var ErrClosed = errors.New("pak: runtime closed")

// Runtime owns a registry together with its loader and collector. It is not
// safe for concurrent use; one goroutine drives loading and collection.
type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	reg       *object.Registry
	ownsReg   bool
	resolver  source.Resolver
	cache     *source.BlockCache
	catalog   *catalog.Catalog
	loader    *linker.Loader
	collector *gc.Collector
	closed    bool
}

// New returns a Runtime configured by opts.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg == nil {
		r.cfg = config.Default()
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	if r.logger == nil {
		r.logger = r.cfg.Logger(os.Stderr)
	}
	if r.reg == nil {
		r.reg = object.NewRegistry(object.WithLogger(r.logger))
		r.ownsReg = true
	}
	if r.resolver == nil {
		res, err := r.buildResolver()
		if err != nil {
			return nil, err
		}
		r.resolver = res
	}

	lc := r.cfg.Loader
	r.loader = linker.NewLoader(r.reg,
		linker.WithResolver(r.resolver),
		linker.WithLogger(r.logger),
		linker.WithStrictImports(lc.StrictImports),
		linker.WithRedirects(lc.Redirects),
		linker.WithTickBatch(lc.TickBatch),
		linker.WithReadAhead(lc.ReadAhead),
	)
	r.collector = gc.New(r.reg,
		gc.WithLogger(r.logger),
		gc.WithPurgeBatch(r.cfg.Collector.PurgeBatch),
		gc.WithWaitTimeout(r.cfg.Collector.WaitTimeout),
	)
	return r, nil
}

func (r *Runtime) buildResolver() (source.Resolver, error) {
	cfg := r.cfg
	dirOpts := []source.DirOption{
		source.WithPackageExt(cfg.PackageExt),
		source.WithBulkExt(cfg.BulkExt),
	}
	if cfg.Cache.MaxBytes > 0 {
		cache, err := source.NewBlockCache(
			source.WithBlockSize(cfg.Cache.BlockSize),
			source.WithMaxBytes(cfg.Cache.MaxBytes),
		)
		if err != nil {
			return nil, fmt.Errorf("pak: block cache: %w", err)
		}
		r.cache = cache
		dirOpts = append(dirOpts, source.WithCache(cache))
	}
	var res source.Resolver = source.NewDirResolver(cfg.SearchPaths, dirOpts...)
	if cfg.Remote.BaseURL != "" {
		remote, err := r.remoteResolver()
		if err != nil {
			return nil, err
		}
		res = source.ChainResolver{res, remote}
		r.logger.Debug("remote packages enabled", "base_url", cfg.Remote.BaseURL)
	}
	if cfg.Catalog.Path == "" {
		return res, nil
	}

	cat, err := catalog.ReadFile(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	r.catalog = cat
	base := cfg.Catalog.Base
	if base == "" {
		base = filepath.Dir(cfg.Catalog.Path)
	}
	r.logger.Debug("catalog loaded", "path", cfg.Catalog.Path, "packages", cat.Len())
	return catalog.NewResolver(cat, base,
		catalog.WithVerify(cfg.Catalog.Verify),
		catalog.WithFallback(res),
		catalog.WithResolverBulkExt(cfg.BulkExt),
		catalog.WithResolverLogger(r.logger),
	), nil
}

func (r *Runtime) remoteResolver() (*source.URLResolver, error) {
	cfg := r.cfg.Remote
	httpOpts := []source.HTTPOption{source.WithHTTPClient(&http.Client{Timeout: cfg.Timeout})}
	for k, v := range cfg.Headers {
		httpOpts = append(httpOpts, source.WithHTTPHeader(k, v))
	}
	opts := []source.URLOption{
		source.WithURLExt(r.cfg.PackageExt, r.cfg.BulkExt),
		source.WithURLHTTPOptions(httpOpts...),
	}
	if r.cache != nil {
		opts = append(opts, source.WithURLCache(r.cache))
	}
	res, err := source.NewURLResolver(cfg.BaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("pak: %w", err)
	}
	return res, nil
}

// Config returns the configuration in use.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Registry returns the object registry.
func (r *Runtime) Registry() *object.Registry { return r.reg }

// Loader returns the package loader.
func (r *Runtime) Loader() *linker.Loader { return r.loader }

// Collector returns the garbage collector.
func (r *Runtime) Collector() *gc.Collector { return r.collector }

// Resolver returns the resolver package files are opened through.
func (r *Runtime) Resolver() source.Resolver { return r.resolver }

// Catalog returns the configured catalog, or nil.
func (r *Runtime) Catalog() *catalog.Catalog { return r.catalog }

// CacheBytes returns the bytes held by the block cache, zero when disabled.
func (r *Runtime) CacheBytes() int64 {
	if r.cache == nil {
		return 0
	}
	return r.cache.SizeBytes()
}

// LoadPackage loads pkg and everything it needs, returning the package object.
func (r *Runtime) LoadPackage(pkg string) (object.Handle, error) {
	if r.closed {
		return object.Nil, ErrClosed
	}
	return r.loader.LoadPackage(pkg, 0)
}

// LoadObject loads the object at path ("Pkg.Outer.Name") and its package.
func (r *Runtime) LoadObject(path string) (object.Handle, error) {
	if r.closed {
		return object.Nil, ErrClosed
	}
	return r.loader.LoadObject(path, 0)
}

// AsyncLoad queues pkg for incremental loading by Tick.
func (r *Runtime) AsyncLoad(pkg string) *linker.AsyncPackage {
	return r.loader.AsyncLoad(pkg, 0)
}

// Tick advances queued loads within the configured time limit, then
// continues a pending purge within the purge time limit. It returns the
// number of loads still queued.
func (r *Runtime) Tick() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	limit := r.cfg.Loader.TimeLimit
	pending, err := r.loader.ProcessAsyncLoading(limit, limit > 0)
	if r.collector.Purging() {
		r.Purge()
	}
	return pending, err
}

// Flush ticks until every queued load has finished or ctx is done.
func (r *Runtime) Flush(ctx context.Context) error {
	var errs []error
	for {
		pending, err := r.Tick()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			errs = append(errs, err)
		}
		if pending == 0 {
			return errors.Join(errs...)
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}
}

// SavePackage writes pkg to path with the configured sidecar extension.
func (r *Runtime) SavePackage(pkg object.Handle, path string, opts ...linker.SaveOption) (*linker.SaveResult, error) {
	if r.closed {
		return nil, ErrClosed
	}
	base := []linker.SaveOption{
		linker.WithSidecarExt(r.cfg.BulkExt),
		linker.WithSaveLogger(r.logger),
	}
	return linker.SavePackage(r.reg, pkg, path, append(base, opts...)...)
}

// Collect marks everything reachable from the root set and from objects
// carrying keep, then purges within the configured purge time limit. Call
// Purge or Tick to finish a time-limited purge.
func (r *Runtime) Collect(keep object.Flags) (gc.Stats, error) {
	if r.closed {
		return gc.Stats{}, ErrClosed
	}
	stats, err := r.collector.Collect(keep)
	if err != nil {
		return stats, err
	}
	r.Purge()
	return stats, nil
}

// Purge continues a pending purge within the configured purge time limit
// and reports whether it finished.
func (r *Runtime) Purge() bool {
	limit := r.cfg.Collector.PurgeTimeLimit
	return r.collector.IncrementalPurge(limit > 0, limit)
}

// Close finishes any pending purge and releases the loader's files. A
// registry created by the runtime is closed too.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.collector.IncrementalPurge(false, 0)
	if r.ownsReg {
		return r.reg.Close()
	}
	return r.loader.Close()
}
