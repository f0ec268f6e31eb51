package linker

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/bulkdata"
	"github.com/meigma/pak/internal/clock"
	"github.com/meigma/pak/internal/objtype"
	"github.com/meigma/pak/internal/sizing"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
	"github.com/meigma/pak/source"
)

// LoadState is a step of linker creation. States run in declaration order.
type LoadState int

// Linker creation states.
const (
	StateCreatingLoader LoadState = iota
	StateSerializingSummary
	StateSerializingNameMap
	StateSerializingImportMap
	StateFixingUpImportMap
	StateSerializingExportMap
	StateSerializingDependsMap
	StateSerializingGUIDMaps
	StateCreatingExportHash
	StateFindingExistingExports
	StateFinalized
)

var stateNames = [...]string{
	"CreatingLoader",
	"SerializingSummary",
	"SerializingNameMap",
	"SerializingImportMap",
	"FixingUpImportMap",
	"SerializingExportMap",
	"SerializingDependsMap",
	"SerializingGUIDMaps",
	"CreatingExportHash",
	"FindingExistingExports",
	"Finalized",
}

func (s LoadState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("LoadState(%d)", int(s))
}

// summaryPrecache is the prefix requested before the summary is parsed.
const summaryPrecache = 16 << 10

// LinkerLoad reads a package. It is the loading archive for the package's
// export payloads: names are read as name table indices and object
// references as package indices, which it resolves to live objects.
//
// Creation is driven by Tick. Table rows become objects through
// CreateExport and CreateImport, and payloads are read by Preload. A
// LinkerLoad belongs to the goroutine driving its Loader.
type LinkerLoad struct {
	Linker
	*archive.AsyncReader

	loader *Loader
	reg    *object.Registry
	flags  LoadFlags
	state  LoadState
	fatal  error

	// table progress within the current state
	pos      int
	tablePos int64

	constructing map[int]bool
	patches      map[int][]byte

	bulkMu   sync.Mutex
	bulk     map[*bulkdata.BulkData]struct{}
	sidecar  source.ByteSource
	detached bool
}

func newLinkerLoad(ld *Loader, pkgName string, flags LoadFlags) *LinkerLoad {
	return &LinkerLoad{
		Linker:       newLinker(pkgName),
		loader:       ld,
		reg:          ld.reg,
		flags:        flags,
		constructing: make(map[int]bool),
		bulk:         make(map[*bulkdata.BulkData]struct{}),
	}
}

// State returns the current creation state.
func (l *LinkerLoad) State() LoadState { return l.state }

// IsFinalized reports whether the tables are complete.
func (l *LinkerLoad) IsFinalized() bool { return l.state == StateFinalized }

// LoadFlags returns the flags the linker was created with.
func (l *LinkerLoad) LoadFlags() LoadFlags { return l.flags }

func (l *LinkerLoad) strict() bool {
	switch {
	case l.flags&LoadStrict != 0:
		return true
	case l.flags&LoadRelaxed != 0:
		return false
	default:
		return l.loader.strict
	}
}

// Tick advances creation. It returns true once the linker is finalized.
// With useTimeLimit it returns after roughly timeLimit, checking the clock
// once per batch of table rows; every call makes progress. Without it, Tick
// runs to completion, waiting for reads as needed. Format errors are fatal:
// every later call returns the same error.
func (l *LinkerLoad) Tick(timeLimit time.Duration, useTimeLimit bool) (bool, error) {
	return l.tick(clock.NewBudget(l.loader.clock, timeLimit, useTimeLimit))
}

func (l *LinkerLoad) tick(budget clock.Budget) (bool, error) {
	if l.fatal != nil {
		return false, l.fatal
	}
	if l.detached {
		return false, ErrDetached
	}
	for l.state != StateFinalized {
		done, err := l.step(budget)
		if err == nil && l.AsyncReader != nil {
			err = l.Err()
		}
		if err != nil {
			l.fatal = fmt.Errorf("linker %s: %s: %w", l.pkgName, l.state, err)
			l.loader.log().Error("linker creation failed", "package", l.pkgName, "state", l.state.String(), "error", err)
			return false, l.fatal
		}
		if done {
			l.state++
			l.pos = 0
			if l.state == StateFinalized {
				l.loader.log().Info("linker finalized", "package", l.pkgName,
					"names", len(l.NameMap), "imports", len(l.ImportMap), "exports", len(l.ExportMap))
			}
		}
		if budget.Exceeded() {
			break
		}
		if !done && budget.Limited() {
			// waiting for a read
			break
		}
	}
	return l.state == StateFinalized, nil
}

// step runs the current state until it finishes or the budget runs out.
// It reports whether the state finished.
func (l *LinkerLoad) step(budget clock.Budget) (bool, error) {
	switch l.state {
	case StateCreatingLoader:
		return l.createLoader()
	case StateSerializingSummary:
		return l.serializeSummary(budget)
	case StateSerializingNameMap:
		if !l.ready(0, int64(l.Summary.TotalHeaderSize), budget) {
			return false, nil
		}
		return l.readTable(budget, l.Summary.NameOffset, l.Summary.NameCount, minNameEntrySize, func(ar archive.Archive) {
			var e NameEntry
			e.Serialize(ar)
			l.NameMap = append(l.NameMap, e)
		})
	case StateSerializingImportMap:
		return l.readTable(budget, l.Summary.ImportOffset, l.Summary.ImportCount, minImportSize, func(ar archive.Archive) {
			var imp ObjectImport
			imp.Serialize(ar)
			l.ImportMap = append(l.ImportMap, imp)
		})
	case StateFixingUpImportMap:
		l.fixupImportMap()
		return true, nil
	case StateSerializingExportMap:
		return l.readTable(budget, l.Summary.ExportOffset, l.Summary.ExportCount, minExportSize, func(ar archive.Archive) {
			var exp ObjectExport
			exp.Serialize(ar)
			exp.hashNext = hashNone
			l.ExportMap = append(l.ExportMap, exp)
		})
	case StateSerializingDependsMap:
		if l.Summary.DependsOffset == 0 {
			l.DependsMap = make([][]PackageIndex, len(l.ExportMap))
			return true, nil
		}
		return l.readTable(budget, l.Summary.DependsOffset, l.Summary.ExportCount, minDependsSize, func(ar archive.Archive) {
			var deps []PackageIndex
			serializeDepends(ar, &deps)
			l.DependsMap = append(l.DependsMap, deps)
		})
	case StateSerializingGUIDMaps:
		return l.serializeGUIDMaps()
	case StateCreatingExportHash:
		return l.batched(budget, len(l.ExportMap), func(i int) {
			if i == 0 {
				l.clearExportHash()
			}
			l.hashExport(i)
		}), nil
	case StateFindingExistingExports:
		return l.batched(budget, len(l.ExportMap), l.findExistingExport), nil
	default:
		return true, nil
	}
}

func (l *LinkerLoad) createLoader() (bool, error) {
	src, err := l.loader.resolver.Open(l.pkgName, source.KindPackage)
	if err != nil {
		return false, err
	}
	l.AsyncReader = archive.NewAsyncReader(src, archive.WithReadAhead(l.loader.readAhead))
	root, err := l.reg.CreatePackage(l.pkgName)
	if err != nil {
		return false, err
	}
	l.Root = root
	l.reg.Get(root).Linker = l
	return true, nil
}

// ready requests [off, off+size). Time-limited callers poll; others wait.
func (l *LinkerLoad) ready(off, size int64, budget clock.Budget) bool {
	if !budget.Limited() {
		return l.PrecacheWait(off, size) == nil
	}
	return l.Precache(off, size)
}

func (l *LinkerLoad) serializeSummary(budget clock.Budget) (bool, error) {
	if !l.ready(0, summaryPrecache, budget) {
		return false, nil
	}
	head := make([]byte, 4)
	l.SeekTo(0)
	l.Serialize(head)
	if err := l.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrBadTag, err)
	}
	order, err := ByteOrderOf(head)
	if err != nil {
		return false, err
	}
	l.SetByteOrder(order)
	l.SeekTo(0)
	l.Summary.Serialize(l)
	if err := l.Err(); err != nil {
		return false, err
	}
	s := &l.Summary
	l.SetVersion(s.EngineFileVersion(), s.LicenseeFileVersion())
	if s.IsCompressed() {
		l.SetCompressedChunks(s.CompressionFlags, s.CompressedChunks)
	}
	if int64(s.TotalHeaderSize) > l.TotalSize() {
		return false, fmt.Errorf("%w: header size %d exceeds file size %d", archive.ErrCorrupt, s.TotalHeaderSize, l.TotalSize())
	}
	if ld := l.reg.Get(l.Root); ld != nil && ld.Package != nil {
		ld.Package.GUID = s.GUID
		ld.Package.Flags = s.PackageFlags
	}
	l.NameMap = make([]NameEntry, 0, s.NameCount)
	l.ImportMap = make([]ObjectImport, 0, s.ImportCount)
	l.ExportMap = make([]ObjectExport, 0, s.ExportCount)
	return true, nil
}

// readTable reads count rows starting at offset, a batch at a time.
func (l *LinkerLoad) readTable(budget clock.Budget, offset, count int32, minSize int64, row func(archive.Archive)) (bool, error) {
	if l.pos == 0 {
		if _, err := sizing.Count(count, l.TotalSize()-int64(offset), minSize, archive.ErrCorrupt); err != nil || offset < 0 {
			return false, fmt.Errorf("%w: table of %d rows at %d", archive.ErrCorrupt, count, offset)
		}
		l.tablePos = int64(offset)
	}
	l.SeekTo(l.tablePos)
	done := l.batched(budget, int(count), func(int) { row(l) })
	l.tablePos = l.Tell()
	return done, l.Err()
}

// batched calls fn for items l.pos..n-1, checking the budget once per batch.
// At least one batch runs per call.
func (l *LinkerLoad) batched(budget clock.Budget, n int, fn func(i int)) bool {
	batch := max(l.loader.tickBatch, 1)
	for l.pos < n {
		for end := min(l.pos+batch, n); l.pos < end; l.pos++ {
			fn(l.pos)
			if l.Err() != nil {
				return false
			}
		}
		if budget.Exceeded() {
			break
		}
	}
	return l.pos >= n
}

// fixupImportMap applies the loader's package and class redirects.
func (l *LinkerLoad) fixupImportMap() {
	redirects := l.loader.redirects
	if len(redirects) == 0 {
		return
	}
	for i := range l.ImportMap {
		imp := &l.ImportMap[i]
		if imp.OuterIndex.IsNull() && imp.ClassName.String() == object.PackageClassName {
			if to, ok := redirects[imp.Name.String()]; ok && !strings.Contains(to, ".") {
				l.loader.log().Debug("package import redirected", "package", l.pkgName, "from", imp.Name.String(), "to", to)
				imp.Name = name.New(to)
			}
			continue
		}
		key := imp.ClassPackage.String() + "." + imp.ClassName.String()
		if to, ok := redirects[key]; ok {
			if pkg, class, ok := strings.Cut(to, "."); ok {
				l.loader.log().Debug("class import redirected", "package", l.pkgName, "from", key, "to", to)
				imp.ClassPackage = name.New(pkg)
				imp.ClassName = name.New(class)
			}
		}
	}
}

func (l *LinkerLoad) serializeGUIDMaps() (bool, error) {
	s := &l.Summary
	if s.EngineFileVersion() < VersionGuidMaps || s.ImportExportGuidsOffset == 0 {
		return true, nil
	}
	l.SeekTo(int64(s.ImportExportGuidsOffset))
	remaining := l.TotalSize() - int64(s.ImportExportGuidsOffset)
	ni, err := sizing.Count(s.ImportGuidsCount, remaining, minImportGUIDSize, archive.ErrCorrupt)
	if err != nil {
		return false, fmt.Errorf("%w: %d import GUIDs", err, s.ImportGuidsCount)
	}
	ne, err := sizing.Count(s.ExportGuidsCount, remaining, minExportGUIDSize, archive.ErrCorrupt)
	if err != nil {
		return false, fmt.Errorf("%w: %d export GUIDs", err, s.ExportGuidsCount)
	}
	l.ImportGUIDs = make([]ImportGUID, ni)
	for i := range l.ImportGUIDs {
		l.SerializeName(&l.ImportGUIDs[i].Package)
		archive.GUID(l, &l.ImportGUIDs[i].GUID)
	}
	l.ExportGUIDs = make([]ExportGUID, ne)
	for i := range l.ExportGUIDs {
		archive.GUID(l, &l.ExportGUIDs[i].GUID)
		serializeIndex(l, &l.ExportGUIDs[i].Index)
	}
	return true, l.Err()
}

// findExistingExport binds export i to an object already in memory under
// the same path, such as one kept alive after its linker was reset.
func (l *LinkerLoad) findExistingExport(i int) {
	exp := &l.ExportMap[i]
	if exp.Object != object.Nil {
		return
	}
	h := l.reg.FindPath(l.PathName(ExportIndex(i), "", true))
	o := l.reg.Get(h)
	if o == nil || o.Has(object.FlagPendingKill) || o.Linker != nil {
		return
	}
	l.bind(i, h)
	l.loader.log().Debug("existing export bound", "package", l.pkgName, "path", l.reg.PathName(h))
}

func (l *LinkerLoad) bind(i int, h object.Handle) {
	l.ExportMap[i].Object = h
	o := l.reg.Get(h)
	o.Linker = l
	o.LinkerIndex = i
}

// SerializeName reads a name table index and number.
func (l *LinkerLoad) SerializeName(n *name.Name) { l.readName(l, n) }

// SerializeObject reads a package index and resolves it.
func (l *LinkerLoad) SerializeObject(h *objtype.Handle) { l.readObject(l, h) }

// Preload loads h's payload if it still needs loading. It is called while
// reading an export that depends on h.
func (l *LinkerLoad) Preload(h objtype.Handle) { l.preloadFor(l, h) }

func (l *LinkerLoad) readName(ar archive.Archive, n *name.Name) {
	var idx, number int32
	archive.Int32(ar, &idx)
	archive.Int32(ar, &number)
	if ar.Err() != nil {
		*n = name.None
		return
	}
	if idx < 0 || int(idx) >= len(l.NameMap) {
		ar.SetError(fmt.Errorf("%w: name index %d of %d", archive.ErrCorrupt, idx, len(l.NameMap)))
		*n = name.None
		return
	}
	*n = l.NameMap[idx].Name.WithNumber(number)
}

func (l *LinkerLoad) readObject(ar archive.Archive, h *objtype.Handle) {
	var p PackageIndex
	serializeIndex(ar, &p)
	if ar.Err() != nil {
		*h = object.Nil
		return
	}
	obj, err := l.IndexToObject(p)
	if err != nil {
		ar.SetError(err)
	}
	*h = obj
}

func (l *LinkerLoad) preloadFor(ar archive.Archive, h objtype.Handle) {
	if err := l.preloadAny(h); err != nil {
		if l.strict() {
			ar.SetError(err)
			return
		}
		l.loader.log().Warn("dependency failed to load", "package", l.pkgName, "object", l.reg.PathName(h), "error", err)
	}
}

// AttachBulkData records b as read from this package; its payload is read
// on first use.
func (l *LinkerLoad) AttachBulkData(_ objtype.Handle, b *bulkdata.BulkData) bulkdata.Source {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()
	l.bulk[b] = struct{}{}
	return l
}

// BulkReaderAt returns a reader over the package stream or its sidecar.
// It is safe for concurrent use.
func (l *LinkerLoad) BulkReaderAt(separate bool) (io.ReaderAt, error) {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()
	if l.detached {
		return nil, ErrDetached
	}
	if !separate {
		return l.ReaderAt(), nil
	}
	if l.sidecar == nil {
		src, err := l.loader.resolver.Open(l.pkgName, source.KindBulk)
		if err != nil {
			return nil, err
		}
		l.sidecar = src
	}
	return l.sidecar, nil
}

// BulkByteOrder returns the package byte order.
func (l *LinkerLoad) BulkByteOrder() binary.ByteOrder { return l.ByteOrder() }

// ForgetBulkData drops b from the attachment list.
func (l *LinkerLoad) ForgetBulkData(b *bulkdata.BulkData) {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()
	delete(l.bulk, b)
}

// AttachedBulkData returns the payloads still attached to the linker.
func (l *LinkerLoad) AttachedBulkData() []*bulkdata.BulkData {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()
	out := make([]*bulkdata.BulkData, 0, len(l.bulk))
	for b := range l.bulk {
		out = append(out, b)
	}
	return out
}

// ObjectDestroyed forgets the live object of export i.
func (l *LinkerLoad) ObjectDestroyed(i int) {
	if exp := l.Export(i); exp != nil {
		exp.Object = object.Nil
	}
}

// Detach releases the linker's files and bulk data, unhooks its objects
// and removes it from its loader. With ensureLoaded, unread exports and
// attached payloads are loaded first; otherwise unread payloads are
// discarded.
func (l *LinkerLoad) Detach(ensureLoaded bool) error {
	if l.detached {
		return nil
	}
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if ensureLoaded && l.IsFinalized() {
		for i := range l.ExportMap {
			if h := l.ExportMap[i].Object; h != object.Nil {
				keep(l.preloadObject(h))
			}
		}
	}
	for _, b := range l.AttachedBulkData() {
		if !ensureLoaded && !b.IsLoaded() && !b.IsLocked() {
			b.RemoveBulkData()
		}
		keep(b.DetachFromArchive(ensureLoaded))
	}
	for i := range l.ExportMap {
		o := l.reg.Get(l.ExportMap[i].Object)
		if o == nil || o.Linker != object.LinkerRef(l) {
			continue
		}
		o.Linker = nil
		o.LinkerIndex = -1
		o.Flags &^= object.FlagNeedLoad
	}
	if o := l.reg.Get(l.Root); o != nil && o.Linker == object.LinkerRef(l) {
		o.Linker = nil
	}

	l.bulkMu.Lock()
	l.detached = true
	sidecar := l.sidecar
	l.sidecar = nil
	l.bulkMu.Unlock()
	if sidecar != nil {
		keep(source.Close(sidecar))
	}
	if l.AsyncReader != nil {
		keep(l.AsyncReader.Close())
	}
	l.loader.remove(l)
	l.loader.log().Debug("linker detached", "package", l.pkgName)
	return first
}

// IsDetached reports whether Detach has run.
func (l *LinkerLoad) IsDetached() bool { return l.detached }
