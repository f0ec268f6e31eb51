package linker

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/internal/clock"
	"github.com/meigma/pak/object"
	"github.com/meigma/pak/source"
)

// LoadFlags adjust a single load.
type LoadFlags uint32

const (
	// LoadStrict makes unresolved imports and failed exports errors,
	// whatever the loader default.
	LoadStrict LoadFlags = 1 << iota

	// LoadRelaxed logs unresolved imports and failed exports and carries on
	// with nil references, whatever the loader default.
	LoadRelaxed

	// LoadNoVerify skips resolving every import up front. Imports are then
	// resolved as payloads reference them.
	LoadNoVerify
)

// DefaultTickBatch is the number of table rows processed between clock
// checks in time-limited ticks.
const DefaultTickBatch = 64

// Loader owns the live linkers of one registry, keyed by package name, and
// the objects waiting to be loaded.
type Loader struct {
	reg       *object.Registry
	resolver  source.Resolver
	logger    *slog.Logger
	clock     clock.Clock
	strict    bool
	redirects map[string]string
	tickBatch int
	readAhead int64

	linkers map[string]*LinkerLoad
	order   []*LinkerLoad
	pending []object.Handle
	async   []*AsyncPackage
	closed  bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithResolver sets where package files are opened from.
func WithResolver(r source.Resolver) Option {
	return func(ld *Loader) {
		ld.resolver = r
	}
}

// WithLogger sets the logger. By default the registry's logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(ld *Loader) {
		ld.logger = logger
	}
}

// WithClock sets the clock used for time-limited ticks.
func WithClock(c clock.Clock) Option {
	return func(ld *Loader) {
		ld.clock = c
	}
}

// WithStrictImports makes unresolved imports fail loads by default.
func WithStrictImports(strict bool) Option {
	return func(ld *Loader) {
		ld.strict = strict
	}
}

// WithRedirects sets the redirect table. A key naming a package ("OldPkg")
// maps to a package name and a key naming an object ("OldPkg.Obj") maps to
// an object path. Redirects apply only where the original cannot be found.
func WithRedirects(redirects map[string]string) Option {
	return func(ld *Loader) {
		ld.redirects = redirects
	}
}

// WithTickBatch sets the number of rows processed between clock checks.
func WithTickBatch(n int) Option {
	return func(ld *Loader) {
		ld.tickBatch = n
	}
}

// WithReadAhead sets the minimum size of synchronous package reads.
func WithReadAhead(n int64) Option {
	return func(ld *Loader) {
		ld.readAhead = n
	}
}

// NewLoader returns a loader for reg. The loader detaches its linkers when
// reg is closed.
func NewLoader(reg *object.Registry, opts ...Option) *Loader {
	ld := &Loader{
		reg:       reg,
		clock:     clock.Real(),
		tickBatch: DefaultTickBatch,
		readAhead: archive.DefaultReadAhead,
		linkers:   make(map[string]*LinkerLoad),
	}
	for _, opt := range opts {
		opt(ld)
	}
	if ld.resolver == nil {
		ld.resolver = source.NewMapResolver()
	}
	reg.OnClose(ld.Close)
	return ld
}

func (ld *Loader) log() *slog.Logger {
	if ld.logger != nil {
		return ld.logger
	}
	return ld.reg.Logger()
}

// Registry returns the registry objects are loaded into.
func (ld *Loader) Registry() *object.Registry { return ld.reg }

// Find returns the live linker of pkg, or nil.
func (ld *Loader) Find(pkg string) *LinkerLoad { return ld.linkers[pkg] }

// Linkers returns the live linkers in creation order.
func (ld *Loader) Linkers() []*LinkerLoad { return slices.Clone(ld.order) }

// CreateLinkerAsync returns the linker of pkg, creating it in its first
// state if needed. The caller drives it with Tick.
func (ld *Loader) CreateLinkerAsync(pkg string, flags LoadFlags) (*LinkerLoad, error) {
	if ld.closed {
		return nil, ErrDetached
	}
	if pkg == "" || strings.Contains(pkg, ".") {
		return nil, fmt.Errorf("linker: invalid package name %q", pkg)
	}
	if l := ld.linkers[pkg]; l != nil {
		return l, nil
	}
	l := newLinkerLoad(ld, pkg, flags)
	ld.linkers[pkg] = l
	ld.order = append(ld.order, l)
	ld.log().Debug("linker created", "package", pkg)
	return l, nil
}

// CreateLinker returns the finalized linker of pkg. A linker that fails to
// load is detached so a later call can retry.
func (ld *Loader) CreateLinker(pkg string, flags LoadFlags) (*LinkerLoad, error) {
	l, err := ld.CreateLinkerAsync(pkg, flags)
	if err != nil {
		return nil, err
	}
	if _, err := l.Tick(0, false); err != nil {
		return nil, errors.Join(err, l.Detach(false))
	}
	return l, nil
}

// GetPackageLinker returns the finalized linker of pkg. A linker still being
// created asynchronously is ticked to completion.
func (ld *Loader) GetPackageLinker(pkg string, flags LoadFlags) (*LinkerLoad, error) {
	return ld.CreateLinker(pkg, flags)
}

// LoadPackage loads every export of pkg and returns the package object.
func (ld *Loader) LoadPackage(pkg string, flags LoadFlags) (object.Handle, error) {
	l, err := ld.CreateLinker(pkg, flags)
	if err != nil {
		return object.Nil, err
	}
	if flags&LoadNoVerify == 0 {
		if err := l.Verify(); err != nil {
			return object.Nil, err
		}
	}
	if err := l.LoadAllObjects(); err != nil {
		return object.Nil, err
	}
	if err := ld.EndLoad(); err != nil {
		return object.Nil, err
	}
	ld.log().Info("package loaded", "package", pkg, "exports", len(l.ExportMap))
	return l.Root, nil
}

// LoadObject loads the object at a dotted path such as "Pkg.Group.Obj",
// opening its package if needed. Configured object redirects are followed
// when the path names no export.
func (ld *Loader) LoadObject(path string, flags LoadFlags) (object.Handle, error) {
	h, err := ld.loadObject(path, flags)
	if err != nil {
		return object.Nil, err
	}
	if err := ld.EndLoad(); err != nil {
		return object.Nil, err
	}
	return h, nil
}

func (ld *Loader) loadObject(path string, flags LoadFlags) (object.Handle, error) {
	if h := ld.reg.FindPath(path); h != object.Nil {
		if o := ld.reg.Get(h); !o.Has(object.FlagNeedLoad) {
			if target := ld.reg.RedirectorTarget(h); target != object.Nil {
				return target, nil
			}
			return h, nil
		}
	}
	for seen := map[string]bool{}; !seen[path]; {
		seen[path] = true
		pkg, rest, _ := strings.Cut(path, ".")
		l, err := ld.CreateLinker(pkg, flags)
		if err != nil {
			return object.Nil, err
		}
		if rest == "" {
			return l.Root, nil
		}
		if i := l.FindExportPath(rest); i >= 0 {
			h, err := l.CreateExport(i)
			if err != nil {
				return object.Nil, err
			}
			if h == object.Nil {
				return object.Nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			if err := l.preloadObject(h); err != nil {
				return object.Nil, err
			}
			if target := ld.reg.RedirectorTarget(h); target != object.Nil {
				return target, nil
			}
			return h, nil
		}
		to, ok := ld.redirects[path]
		if !ok {
			break
		}
		ld.log().Debug("object redirected", "from", path, "to", to)
		path = to
	}
	return object.Nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

func (ld *Loader) enqueue(h object.Handle) {
	ld.pending = append(ld.pending, h)
}

// EndLoad reads every created object that has not been read yet, then runs
// PostLoad on them. Objects created while reading are handled in the same
// call. In relaxed mode read failures are logged; otherwise the first one
// is returned after the rest were processed.
func (ld *Loader) EndLoad() error {
	var first error
	for len(ld.pending) > 0 {
		var loaded []object.Handle
		for len(ld.pending) > 0 {
			batch := ld.pending
			ld.pending = nil
			for _, h := range batch {
				if err := ld.preload(h); err != nil && first == nil {
					first = err
				}
			}
			loaded = append(loaded, batch...)
		}
		for _, h := range loaded {
			o := ld.reg.Get(h)
			if o == nil || o.Has(object.FlagNeedLoad) {
				continue
			}
			o.Flags &^= object.FlagAsyncLoading
			ld.reg.PostLoad(h)
		}
	}
	return first
}

func (ld *Loader) preload(h object.Handle) error {
	o := ld.reg.Get(h)
	if o == nil || !o.Has(object.FlagNeedLoad) {
		return nil
	}
	l, ok := o.Linker.(*LinkerLoad)
	if !ok || l.detached {
		return nil
	}
	err := l.preloadObject(h)
	if err != nil && !l.strict() {
		ld.log().Warn("object not loaded", "package", l.pkgName, "path", ld.reg.PathName(h), "error", err)
		return nil
	}
	return err
}

// ResetLoaders detaches the linker of pkg, or every linker when pkg is
// empty. Objects already loaded stay in memory; unread payloads are lost.
func (ld *Loader) ResetLoaders(pkg string) error {
	if pkg != "" {
		if l := ld.linkers[pkg]; l != nil {
			return l.Detach(false)
		}
		return nil
	}
	var errs []error
	for _, l := range slices.Clone(ld.order) {
		errs = append(errs, l.Detach(false))
	}
	return errors.Join(errs...)
}

func (ld *Loader) remove(l *LinkerLoad) {
	if ld.linkers[l.pkgName] == l {
		delete(ld.linkers, l.pkgName)
	}
	ld.order = slices.DeleteFunc(ld.order, func(x *LinkerLoad) bool { return x == l })
	ld.async = slices.DeleteFunc(ld.async, func(p *AsyncPackage) bool { return p.linker == l })
}

// Close detaches every linker. Loaded bulk payloads stay usable.
func (ld *Loader) Close() error {
	if ld.closed {
		return nil
	}
	var errs []error
	for _, l := range slices.Clone(ld.order) {
		errs = append(errs, l.Detach(true))
	}
	ld.closed = true
	ld.pending = nil
	return errors.Join(errs...)
}
