package linker

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/compression"
	"github.com/meigma/pak/internal/objtype"
	"github.com/meigma/pak/internal/write"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
	"github.com/meigma/pak/source"
)

// ErrNotPackage is returned when SavePackage is given an object that is not
// a top-level package.
var ErrNotPackage = errors.New("linker: not a top-level package")

// SaveOption configures SavePackage.
type SaveOption func(*saveConfig)

type saveConfig struct {
	order       binary.ByteOrder
	method      compression.Method
	chunkSize   int
	roots       []object.Handle
	keepFlags   object.Flags
	forced      []object.Handle
	thumbnails  []Thumbnail
	fileVersion int32
	folderName  string
	bulkExt     string
	logger      *slog.Logger
}

// WithByteOrder writes the package in order. The default is little-endian.
func WithByteOrder(order binary.ByteOrder) SaveOption {
	return func(c *saveConfig) {
		c.order = order
	}
}

// WithCompression stores everything after the summary in chunks compressed
// with m. A chunkSize of 0 selects compression.DefaultChunkSize.
func WithCompression(m compression.Method, chunkSize int) SaveOption {
	return func(c *saveConfig) {
		c.method = m
		c.chunkSize = chunkSize
	}
}

// WithRoots adds objects to save besides those matching the keep flags.
func WithRoots(roots ...object.Handle) SaveOption {
	return func(c *saveConfig) {
		c.roots = append(c.roots, roots...)
	}
}

// WithKeepFlags sets the flags that make an object of the package a root.
// The default is FlagStandalone.
func WithKeepFlags(f object.Flags) SaveOption {
	return func(c *saveConfig) {
		c.keepFlags = f
	}
}

// WithForcedExports copies objects of other packages into this one. Their
// outer packages are saved as forced exports.
func WithForcedExports(objs ...object.Handle) SaveOption {
	return func(c *saveConfig) {
		c.forced = append(c.forced, objs...)
	}
}

// WithThumbnails stores a thumbnail table.
func WithThumbnails(thumbs ...Thumbnail) SaveOption {
	return func(c *saveConfig) {
		c.thumbnails = append(c.thumbnails, thumbs...)
	}
}

// WithFileVersion writes an older file version. Fields the version lacks
// are omitted.
func WithFileVersion(engine int32) SaveOption {
	return func(c *saveConfig) {
		c.fileVersion = engine
	}
}

// WithFolderName sets the summary's folder name.
func WithFolderName(folder string) SaveOption {
	return func(c *saveConfig) {
		c.folderName = folder
	}
}

// WithSidecarExt sets the bulk sidecar extension used by SavePackage.
func WithSidecarExt(ext string) SaveOption {
	return func(c *saveConfig) {
		c.bulkExt = ext
	}
}

// WithSaveLogger sets the logger. By default the registry's logger is used.
func WithSaveLogger(logger *slog.Logger) SaveOption {
	return func(c *saveConfig) {
		c.logger = logger
	}
}

// SaveResult is a saved package.
type SaveResult struct {
	// Package is the package file. Bulk is the sidecar, empty when no
	// payload is stored separately.
	Package []byte
	Bulk    []byte

	// Linker holds the tables as written.
	Linker *Linker

	// Path, BulkPath and Digest are set by SavePackage.
	Path     string
	BulkPath string
	Digest   digest.Digest
}

// LinkerSave is the saving archive for export payloads: names are written
// as name table indices and object references as package indices.
type LinkerSave struct {
	Linker
	*archive.MemoryWriter

	nameIndex map[string]int32
	objIndex  map[object.Handle]PackageIndex
	bulk      []byte
}

// SerializeName writes n as its name table index and number.
func (s *LinkerSave) SerializeName(n *name.Name) {
	idx, ok := s.nameIndex[n.Base()]
	if !ok {
		s.SetError(fmt.Errorf("linker: name %q not in the name table", n.Base()))
	}
	number := n.Number()
	archive.Int32(s, &idx)
	archive.Int32(s, &number)
}

// SerializeObject writes h as a package index. Objects left out of the
// tables are written as null.
func (s *LinkerSave) SerializeObject(h *objtype.Handle) {
	v := int32(s.objIndex[*h])
	archive.Int32(s, &v)
}

// WriteSidecar appends p to the bulk sidecar.
func (s *LinkerSave) WriteSidecar(p []byte) (int64, error) {
	off := int64(len(s.bulk))
	s.bulk = append(s.bulk, p...)
	return off, nil
}

// SavePackage saves pkg to path, and its separately stored bulk payloads
// next to it. Both files are replaced atomically; a stale sidecar is
// removed.
func SavePackage(reg *object.Registry, pkg object.Handle, path string, opts ...SaveOption) (*SaveResult, error) {
	res, err := SavePackageBytes(reg, pkg, opts...)
	if err != nil {
		return nil, err
	}
	cfg := newSaveConfig(opts)
	res.Path = path
	res.BulkPath = source.SidecarPath(path, cfg.bulkExt)
	if len(res.Bulk) > 0 {
		if _, err := write.Atomic(res.BulkPath, bytes.NewReader(res.Bulk), 0o644); err != nil {
			return nil, fmt.Errorf("write sidecar: %w", err)
		}
	} else if err := write.Remove(res.BulkPath); err != nil {
		return nil, fmt.Errorf("remove stale sidecar: %w", err)
	}
	wr, err := write.Atomic(path, bytes.NewReader(res.Package), 0o644)
	if err != nil {
		return nil, fmt.Errorf("write package: %w", err)
	}
	res.Digest = wr.Digest
	if p := reg.Get(pkg).Package; p != nil {
		p.Dirty = false
	}
	return res, nil
}

func newSaveConfig(opts []SaveOption) *saveConfig {
	cfg := &saveConfig{
		order:       binary.LittleEndian,
		keepFlags:   object.FlagStandalone,
		fileVersion: archive.CurrentVersion,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// SavePackageBytes saves pkg to memory.
//
// Exports are the package's objects carrying the keep flags plus the
// explicit roots, and everything inside the package they reference.
// References leaving the package become imports, along with their outers.
// Transient and pending-kill objects are left out and references to them
// are written as null. When pkg was loaded, rows keep the order of the
// loaded tables; new rows follow, sorted by path.
func SavePackageBytes(reg *object.Registry, pkg object.Handle, opts ...SaveOption) (*SaveResult, error) {
	cfg := newSaveConfig(opts)
	o := reg.Get(pkg)
	if o == nil || o.Package == nil || o.Outer != object.Nil {
		return nil, fmt.Errorf("%w: %d", ErrNotPackage, pkg)
	}
	if cfg.fileVersion < archive.MinVersion || cfg.fileVersion > archive.CurrentVersion {
		return nil, fmt.Errorf("%w: cannot write version %d", ErrVersionTooNew, cfg.fileVersion)
	}
	logger := cfg.logger
	if logger == nil {
		logger = reg.Logger()
	}

	sv := newSaver(reg, pkg, cfg)
	if err := sv.tagAll(); err != nil {
		return nil, fmt.Errorf("save %s: %w", o.Name, err)
	}
	ls := sv.buildTables()
	image, err := sv.write(ls)
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", o.Name, err)
	}
	if cfg.method.Codec() != compression.None {
		image, err = sv.compress(ls, image)
		if err != nil {
			return nil, fmt.Errorf("save %s: %w", o.Name, err)
		}
	}
	ls.clearExportHash()
	for i := range ls.ExportMap {
		ls.hashExport(i)
	}
	logger.Info("package saved", "package", o.Name.String(),
		"names", len(ls.NameMap), "imports", len(ls.ImportMap), "exports", len(ls.ExportMap),
		"size", humanize.IBytes(uint64(len(image))), "bulk", humanize.IBytes(uint64(len(ls.bulk))),
		"compression", cfg.method.String())
	return &SaveResult{Package: image, Bulk: ls.bulk, Linker: &ls.Linker}, nil
}

// saver tags what a package save contains and orders its tables.
type saver struct {
	reg     *object.Registry
	pkg     object.Handle
	pkgName string
	cfg     *saveConfig
	prior   *LinkerLoad

	forced      map[object.Handle]bool
	forcedOuter map[object.Handle]bool

	exports map[object.Handle]bool
	imports map[object.Handle]bool
	names   map[string]bool
	deps    map[object.Handle][]object.Handle
	queue   []object.Handle

	exportList []object.Handle
	importList []object.Handle
}

func newSaver(reg *object.Registry, pkg object.Handle, cfg *saveConfig) *saver {
	sv := &saver{
		reg:         reg,
		pkg:         pkg,
		pkgName:     reg.Get(pkg).Name.String(),
		cfg:         cfg,
		forced:      make(map[object.Handle]bool),
		forcedOuter: make(map[object.Handle]bool),
		exports:     make(map[object.Handle]bool),
		imports:     make(map[object.Handle]bool),
		names:       map[string]bool{name.NoneString: true},
		deps:        make(map[object.Handle][]object.Handle),
	}
	if l, ok := reg.Get(pkg).Linker.(*LinkerLoad); ok && l.IsFinalized() && !l.detached {
		sv.prior = l
	}
	for _, h := range cfg.forced {
		if reg.Valid(h) && !reg.IsIn(h, pkg) {
			sv.forced[h] = true
			for cur := reg.Get(h).Outer; cur != object.Nil; cur = reg.Get(cur).Outer {
				sv.forcedOuter[cur] = true
			}
		}
	}
	return sv
}

// exportable reports whether h belongs in the export table.
func (sv *saver) exportable(h object.Handle) bool {
	if sv.reg.IsIn(h, sv.pkg) || sv.forcedOuter[h] {
		return true
	}
	for cur := h; cur != object.Nil; cur = sv.reg.Get(cur).Outer {
		if sv.forced[cur] {
			return true
		}
	}
	return false
}

// excluded reports whether h or one of its outers inside the saved package
// is transient or pending kill.
func (sv *saver) excluded(h object.Handle) bool {
	for cur := h; cur != object.Nil && cur != sv.pkg; cur = sv.reg.Get(cur).Outer {
		if sv.reg.Get(cur).Flags.Any(object.FlagTransient | object.FlagPendingKill) {
			return true
		}
	}
	return false
}

func (sv *saver) tagAll() error {
	for h, o := range sv.reg.All() {
		if h != sv.pkg && o.Flags.Any(sv.cfg.keepFlags) && sv.reg.IsIn(h, sv.pkg) {
			sv.tag(h)
		}
	}
	for _, h := range sv.cfg.roots {
		sv.tag(h)
	}
	for h := range sv.forced {
		sv.tag(h)
	}
	for len(sv.queue) > 0 {
		h := sv.queue[0]
		sv.queue = sv.queue[1:]
		if err := sv.process(h); err != nil {
			return err
		}
	}
	return nil
}

// tag adds h to the export or import set and reports whether references to
// h are kept.
func (sv *saver) tag(h object.Handle) bool {
	o := sv.reg.Get(h)
	if o == nil || h == sv.pkg || o.Has(object.FlagPendingKill) {
		return false
	}
	if !sv.exportable(h) {
		sv.tagImport(h)
		return true
	}
	if sv.excluded(h) {
		return false
	}
	if !sv.exports[h] {
		sv.exports[h] = true
		sv.queue = append(sv.queue, h)
	}
	return true
}

func (sv *saver) tagImport(h object.Handle) {
	for ; h != object.Nil && !sv.imports[h]; h = sv.reg.Get(h).Outer {
		o := sv.reg.Get(h)
		sv.imports[h] = true
		sv.addName(o.Name)
		sv.addName(sv.reg.Get(o.Class).Name)
		sv.addName(sv.reg.Get(sv.reg.Outermost(o.Class)).Name)
	}
}

func (sv *saver) addName(n name.Name) { sv.names[n.Base()] = true }

// process walks export h's payload for names and references.
func (sv *saver) process(h object.Handle) error {
	o := sv.reg.Get(h)
	sv.addName(o.Name)
	if l, ok := o.Linker.(*LinkerLoad); ok && o.Has(object.FlagNeedLoad) {
		if err := l.preloadObject(h); err != nil {
			return fmt.Errorf("load %s before save: %w", sv.reg.PathName(h), err)
		}
	}

	t := &tagger{Counter: archive.NewCounter(archive.FlagPersistent), sv: sv}
	t.SetByteOrder(sv.cfg.order)
	t.SetVersion(sv.cfg.fileVersion, archive.CurrentLicenseeVersion)
	if o.Outer != sv.pkg && o.Outer != object.Nil {
		t.refs = append(t.refs, o.Outer)
	}
	if o.Class != sv.reg.ClassClass {
		t.refs = append(t.refs, o.Class)
	}
	if o.Archetype != object.Nil && o.Archetype != sv.classDefault(o) {
		t.refs = append(t.refs, o.Archetype)
	}
	sv.reg.Serialize(h, t)
	if err := t.Err(); err != nil {
		return fmt.Errorf("tag %s: %w", sv.reg.PathName(h), err)
	}
	for _, ref := range t.refs {
		if ref != h && sv.tag(ref) && !slices.Contains(sv.deps[h], ref) {
			sv.deps[h] = append(sv.deps[h], ref)
		}
	}
	return nil
}

func (sv *saver) classDefault(o *object.Object) object.Handle {
	if st := sv.reg.StructOf(o.Class); st != nil {
		return st.Default
	}
	return object.Nil
}

// tagger is a counting archive that records the names and references an
// export's payload holds.
type tagger struct {
	*archive.Counter
	sv   *saver
	refs []object.Handle
}

func (t *tagger) SerializeName(n *name.Name) {
	t.sv.addName(*n)
	t.Counter.SerializeName(n)
}

func (t *tagger) SerializeObject(h *objtype.Handle) {
	if *h != object.Nil {
		t.refs = append(t.refs, *h)
	}
	t.Counter.SerializeObject(h)
}

// ordered returns the tagged handles, keeping prior rows first.
func (sv *saver) ordered(tagged map[object.Handle]bool, prior []object.Handle) []object.Handle {
	out := make([]object.Handle, 0, len(tagged))
	placed := make(map[object.Handle]bool, len(tagged))
	for _, h := range prior {
		if tagged[h] && !placed[h] {
			out = append(out, h)
			placed[h] = true
		}
	}
	start := len(out)
	for h := range tagged {
		if !placed[h] {
			out = append(out, h)
		}
	}
	slices.SortFunc(out[start:], func(a, b object.Handle) int {
		return cmp.Or(cmp.Compare(sv.reg.PathName(a), sv.reg.PathName(b)), cmp.Compare(a, b))
	})
	return out
}

func (sv *saver) buildTables() *LinkerSave {
	var priorExports, priorImports []object.Handle
	var priorNames []string
	if sv.prior != nil {
		for i := range sv.prior.ExportMap {
			priorExports = append(priorExports, sv.prior.ExportMap[i].Object)
		}
		for i := range sv.prior.ImportMap {
			priorImports = append(priorImports, sv.prior.ImportMap[i].Object)
		}
		for _, e := range sv.prior.NameMap {
			priorNames = append(priorNames, e.Name.Base())
		}
	}
	sv.exportList = sv.ordered(sv.exports, priorExports)
	sv.importList = sv.ordered(sv.imports, priorImports)

	ls := &LinkerSave{
		Linker:       newLinker(sv.pkgName),
		MemoryWriter: archive.NewMemoryWriter(archive.FlagPersistent),
		nameIndex:    make(map[string]int32, len(sv.names)),
		objIndex:     make(map[object.Handle]PackageIndex, len(sv.exportList)+len(sv.importList)),
	}
	ls.Root = sv.pkg
	ls.SetByteOrder(sv.cfg.order)
	ls.SetVersion(sv.cfg.fileVersion, archive.CurrentLicenseeVersion)

	addName := func(s string) {
		if _, ok := ls.nameIndex[s]; !ok && sv.names[s] {
			ls.nameIndex[s] = int32(len(ls.NameMap)) //nolint:gosec // table sizes are bounded by the file format
			ls.NameMap = append(ls.NameMap, NameEntry{Name: name.WithNumber(s, 0)})
		}
	}
	for _, s := range priorNames {
		addName(s)
	}
	fresh := make([]string, 0, len(sv.names))
	for s := range sv.names {
		if _, ok := ls.nameIndex[s]; !ok {
			fresh = append(fresh, s)
		}
	}
	slices.Sort(fresh)
	for _, s := range fresh {
		addName(s)
	}

	for i, h := range sv.exportList {
		ls.objIndex[h] = ExportIndex(i)
	}
	for i, h := range sv.importList {
		ls.objIndex[h] = ImportIndex(i)
	}

	for _, h := range sv.importList {
		o := sv.reg.Get(h)
		ls.ImportMap = append(ls.ImportMap, ObjectImport{
			ObjectResource: ObjectResource{Name: o.Name, OuterIndex: ls.objIndex[o.Outer]},
			ClassPackage:   sv.reg.Get(sv.reg.Outermost(o.Class)).Name,
			ClassName:      sv.reg.Get(o.Class).Name,
			Object:         h,
			SourceIndex:    -1,
		})
	}
	for _, h := range sv.exportList {
		ls.ExportMap = append(ls.ExportMap, sv.exportRow(ls, h))
		var deps []PackageIndex
		for _, d := range sv.deps[h] {
			if idx := ls.objIndex[d]; !idx.IsNull() {
				deps = append(deps, idx)
			}
		}
		ls.DependsMap = append(ls.DependsMap, deps)
	}
	for i := range ls.ImportMap {
		imp := &ls.ImportMap[i]
		if !imp.OuterIndex.IsNull() {
			continue
		}
		if p := sv.reg.Get(imp.Object).Package; p != nil && p.GUID != uuid.Nil {
			ls.ImportGUIDs = append(ls.ImportGUIDs, ImportGUID{Package: imp.Name, GUID: p.GUID})
		}
	}
	for i := range ls.ExportMap {
		exp := &ls.ExportMap[i]
		if sv.reg.Get(exp.Object).Package != nil {
			ls.ExportGUIDs = append(ls.ExportGUIDs, ExportGUID{GUID: exp.PackageGUID, Index: ExportIndex(i)})
		}
	}
	return ls
}

func (sv *saver) exportRow(ls *LinkerSave, h object.Handle) ObjectExport {
	o := sv.reg.Get(h)
	exp := ObjectExport{
		ObjectResource: ObjectResource{Name: o.Name},
		ObjectFlags:    uint32(o.Flags & object.LoadMask), //nolint:gosec // persisted flags are the low 32 bits
		Object:         h,
		hashNext:       hashNone,
	}
	if o.Outer != sv.pkg {
		exp.OuterIndex = ls.objIndex[o.Outer]
	}
	if !sv.reg.IsIn(h, sv.pkg) {
		exp.ExportFlags |= ForcedExport
	}
	if o.Class != sv.reg.ClassClass {
		exp.ClassIndex = ls.objIndex[o.Class]
	}
	if o.Struct != nil && o.Struct.Super != nil {
		exp.SuperIndex = ls.objIndex[o.Struct.Super.Self]
	}
	if o.Archetype != sv.classDefault(o) {
		exp.ArchetypeIndex = ls.objIndex[o.Archetype]
	}
	if o.Package != nil {
		if o.Package.GUID == uuid.Nil {
			o.Package.GUID = uuid.New()
		}
		exp.PackageGUID = o.Package.GUID
		exp.PackageFlags = o.Package.Flags
	}
	return exp
}

// write lays out the uncompressed package: summary, tables, payloads, then
// the summary and export table again with final offsets.
func (sv *saver) write(ls *LinkerSave) ([]byte, error) {
	pkg := sv.reg.Get(sv.pkg).Package
	if pkg.GUID == uuid.Nil {
		pkg.GUID = uuid.New()
	}
	s := &ls.Summary
	*s = Summary{
		Tag:                  PackageTag,
		FileVersion:          PackFileVersion(sv.cfg.fileVersion, archive.CurrentLicenseeVersion),
		PackageFlags:         pkg.Flags,
		FolderName:           sv.cfg.folderName,
		NameCount:            int32(len(ls.NameMap)),   //nolint:gosec // table sizes are bounded by the file format
		ExportCount:          int32(len(ls.ExportMap)), //nolint:gosec // see above
		ImportCount:          int32(len(ls.ImportMap)), //nolint:gosec // see above
		GUID:                 pkg.GUID,
		EngineVersion:        archive.CurrentVersion,
		CookedContentVersion: 0,
	}
	if sv.prior != nil {
		s.Generations = slices.Clone(sv.prior.Summary.Generations)
	}
	s.Generations = append(s.Generations, Generation{
		ExportCount:    s.ExportCount,
		NameCount:      s.NameCount,
		NetObjectCount: s.ExportCount,
	})
	version := s.EngineFileVersion()

	s.Serialize(ls)
	s.NameOffset = int32(ls.Tell()) //nolint:gosec // header offsets are bounded by the file format
	for i := range ls.NameMap {
		ls.NameMap[i].Serialize(ls)
	}
	s.ImportOffset = int32(ls.Tell()) //nolint:gosec // see above
	for i := range ls.ImportMap {
		ls.ImportMap[i].Serialize(ls)
	}
	s.ExportOffset = int32(ls.Tell()) //nolint:gosec // see above
	for i := range ls.ExportMap {
		ls.ExportMap[i].Serialize(ls)
	}
	s.DependsOffset = int32(ls.Tell()) //nolint:gosec // see above
	for i := range ls.DependsMap {
		serializeDepends(ls, &ls.DependsMap[i])
	}
	if version >= VersionGuidMaps {
		s.ImportExportGuidsOffset = int32(ls.Tell())    //nolint:gosec // see above
		s.ImportGuidsCount = int32(len(ls.ImportGUIDs)) //nolint:gosec // see above
		s.ExportGuidsCount = int32(len(ls.ExportGUIDs)) //nolint:gosec // see above
		for i := range ls.ImportGUIDs {
			ls.SerializeName(&ls.ImportGUIDs[i].Package)
			archive.GUID(ls, &ls.ImportGUIDs[i].GUID)
		}
		for i := range ls.ExportGUIDs {
			archive.GUID(ls, &ls.ExportGUIDs[i].GUID)
			serializeIndex(ls, &ls.ExportGUIDs[i].Index)
		}
	} else {
		ls.ImportGUIDs, ls.ExportGUIDs = nil, nil
	}
	if version >= VersionThumbnailTable && len(sv.cfg.thumbnails) > 0 {
		body, err := encodeThumbnails(sv.cfg.thumbnails)
		if err != nil {
			return nil, fmt.Errorf("encode thumbnails: %w", err)
		}
		s.ThumbnailTableOffset = int32(ls.Tell()) //nolint:gosec // see above
		n := int32(len(body))                     //nolint:gosec // see above
		archive.Int32(ls, &n)
		ls.Serialize(body)
	}
	s.TotalHeaderSize = int32(ls.Tell()) //nolint:gosec // see above

	for i := range ls.ExportMap {
		exp := &ls.ExportMap[i]
		off := ls.Tell()
		sv.reg.Serialize(exp.Object, ls)
		if err := ls.Err(); err != nil {
			return nil, fmt.Errorf("serialize %s: %w", sv.reg.PathName(exp.Object), err)
		}
		exp.SerialOffset = int32(off)           //nolint:gosec // see above
		exp.SerialSize = int32(ls.Tell() - off) //nolint:gosec // see above
	}

	end := ls.Tell()
	ls.SeekTo(0)
	s.Serialize(ls)
	if ls.Tell() != int64(s.NameOffset) {
		return nil, fmt.Errorf("linker: summary changed size from %d to %d", s.NameOffset, ls.Tell())
	}
	ls.SeekTo(int64(s.ExportOffset))
	for i := range ls.ExportMap {
		ls.ExportMap[i].Serialize(ls)
	}
	ls.SeekTo(end)
	if err := ls.Err(); err != nil {
		return nil, err
	}
	return ls.Bytes(), nil
}

// compress replaces everything after the summary with compressed chunks.
// The summary grows by the chunk table, so chunk offsets are computed
// against the summary's final size. Logical offsets are unchanged.
func (sv *saver) compress(ls *LinkerSave, image []byte) ([]byte, error) {
	s := &ls.Summary
	chunkSize := sv.cfg.chunkSize
	if chunkSize <= 0 {
		chunkSize = compression.DefaultChunkSize
	}
	logicalStart := int64(s.NameOffset)
	rest := image[logicalStart:]

	s.CompressionFlags = sv.cfg.method
	s.CompressedChunks = make([]compression.Chunk, (len(rest)+chunkSize-1)/chunkSize)
	counter := archive.NewCounter(archive.FlagPersistent)
	counter.SetByteOrder(sv.cfg.order)
	s.Serialize(counter)
	physicalStart := counter.Tell()

	chunks, packed, err := compression.CompressChunks(sv.cfg.method, rest, chunkSize, physicalStart)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].UncompressedOffset += int32(logicalStart) //nolint:gosec // bounded by CompressChunks
	}
	s.CompressedChunks = chunks

	w := archive.NewMemoryWriter(archive.FlagPersistent)
	w.SetByteOrder(sv.cfg.order)
	s.Serialize(w)
	if err := w.Err(); err != nil {
		return nil, err
	}
	if w.Tell() != physicalStart {
		return nil, fmt.Errorf("linker: compressed summary is %d bytes, expected %d", w.Tell(), physicalStart)
	}
	return append(w.Bytes(), packed...), nil
}
