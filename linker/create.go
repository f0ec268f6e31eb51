package linker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
)

// IndexToObject returns the live object addressed by p, creating it if
// needed. The root index yields Nil.
func (l *LinkerLoad) IndexToObject(p PackageIndex) (object.Handle, error) {
	switch {
	case p.IsExport():
		return l.CreateExport(p.Export())
	case p.IsImport():
		return l.CreateImport(p.Import())
	default:
		return object.Nil, nil
	}
}

// CreateExport returns the object of export i, allocating it on first use.
// The object's payload is read later by Preload; until then it carries
// FlagNeedLoad. Repeated calls return the same handle.
//
// Exports whose outer or archetype has not been allocated yet are handled
// with an explicit work list. An export is reserved (given a provisional
// handle) as soon as its outer exists, so references back to it from
// objects created while it is being completed resolve to that handle.
// In relaxed mode an export that cannot be created yields Nil.
func (l *LinkerLoad) CreateExport(i int) (object.Handle, error) {
	if err := l.usable(); err != nil {
		return object.Nil, err
	}
	exp := l.Export(i)
	if exp == nil {
		return object.Nil, fmt.Errorf("%w: %s", ErrBadIndex, ExportIndex(i))
	}
	if exp.Object != object.Nil || exp.failed {
		return exp.Object, nil
	}

	stack := []int{i}
	onStack := map[int]bool{i: true}
	push := func(j int) error {
		if onStack[j] {
			return fmt.Errorf("%w: %s depends on itself", archive.ErrCorrupt, l.PathName(ExportIndex(j), "", false))
		}
		stack = append(stack, j)
		onStack[j] = true
		return nil
	}
	for len(stack) > 0 {
		j := stack[len(stack)-1]
		e := &l.ExportMap[j]
		var (
			wait = -1
			err  error
		)
		switch {
		case e.failed || (e.Object != object.Nil && !l.constructing[j]):
		case e.Object == object.Nil:
			wait, err = l.reserveExport(j)
		default:
			wait, err = l.constructExport(j)
		}
		if err == nil && wait >= 0 {
			err = push(wait)
			if err == nil {
				continue
			}
		}
		if err != nil {
			l.failExport(j)
			path := l.PathName(ExportIndex(j), "", false)
			if l.strict() {
				return object.Nil, fmt.Errorf("create %s: %w", path, err)
			}
			l.loader.log().Warn("export not created", "package", l.pkgName, "export", path, "error", err)
		}
		if e.Object != object.Nil && l.constructing[j] {
			// reserved, still waiting on its class or archetype
			continue
		}
		stack = stack[:len(stack)-1]
		delete(onStack, j)
	}
	return exp.Object, nil
}

// exportRef resolves a reference held by an export row. A referenced
// export that has no handle yet is returned as wait.
func (l *LinkerLoad) exportRef(p PackageIndex) (h object.Handle, wait int, err error) {
	switch {
	case p.IsExport():
		dep := l.Export(p.Export())
		if dep == nil {
			return object.Nil, -1, fmt.Errorf("%w: %s", ErrBadIndex, p)
		}
		if dep.failed {
			return object.Nil, -1, fmt.Errorf("%s was not created", l.PathName(p, "", false))
		}
		if dep.Object == object.Nil {
			return object.Nil, p.Export(), nil
		}
		return dep.Object, -1, nil
	case p.IsImport():
		h, err := l.CreateImport(p.Import())
		if err == nil && h == object.Nil {
			err = fmt.Errorf("%w: %s", ErrImportNotFound, l.ImportPath(p.Import()))
		}
		return h, -1, err
	default:
		return object.Nil, -1, nil
	}
}

// reserveExport gives export j a provisional handle once its outer exists.
func (l *LinkerLoad) reserveExport(j int) (int, error) {
	e := &l.ExportMap[j]
	outer := l.Root
	forcedRoot := e.OuterIndex.IsNull() && e.ExportFlags&ForcedExport != 0
	if forcedRoot {
		outer = object.Nil
	} else if !e.OuterIndex.IsNull() {
		h, wait, err := l.exportRef(e.OuterIndex)
		if err != nil || wait >= 0 {
			return wait, err
		}
		outer = h
	}
	if existing := l.reg.Find(outer, e.Name); existing != object.Nil {
		o := l.reg.Get(existing)
		if o.Linker == nil && !o.Has(object.FlagPendingKill) {
			l.bind(j, existing)
			return -1, nil
		}
		if forcedRoot {
			// packages forced into several files share one object
			e.Object = existing
			return -1, nil
		}
	}
	flags := object.Flags(e.ObjectFlags)&object.LoadMask | object.FlagNeedLoad | object.FlagNeedPostLoad
	h, err := l.reg.Reserve(e.Name, outer, object.Nil, flags)
	if err != nil {
		return -1, err
	}
	l.bind(j, h)
	l.constructing[j] = true
	return -1, nil
}

// constructExport completes a reserved export once its class and archetype
// exist. The class is loaded first since its layout sizes the object.
func (l *LinkerLoad) constructExport(j int) (int, error) {
	e := &l.ExportMap[j]
	class := l.reg.ClassClass
	if !e.ClassIndex.IsNull() {
		h, wait, err := l.exportRef(e.ClassIndex)
		if err != nil || wait >= 0 {
			return wait, err
		}
		class = h
	}
	archetype, wait, err := l.exportRef(e.ArchetypeIndex)
	if err != nil || wait >= 0 {
		return wait, err
	}
	if err := l.preloadAny(class); err != nil {
		return -1, err
	}
	if l.reg.StructOf(class) == nil {
		return -1, fmt.Errorf("%w: class of %s", object.ErrNotAClass, l.PathName(ExportIndex(j), "", false))
	}
	if err := l.reg.Construct(e.Object, class, archetype); err != nil {
		return -1, err
	}
	delete(l.constructing, j)
	o := l.reg.Get(e.Object)
	if o.Package != nil {
		o.Package.GUID = e.PackageGUID
		o.Package.Flags = e.PackageFlags
	}
	l.loader.enqueue(e.Object)
	l.loader.log().Debug("export created", "package", l.pkgName, "path", l.reg.PathName(e.Object))
	return -1, nil
}

func (l *LinkerLoad) failExport(j int) {
	e := &l.ExportMap[j]
	if l.constructing[j] {
		l.reg.Free(e.Object)
		e.Object = object.Nil
		delete(l.constructing, j)
	}
	e.failed = true
}

// CreateImport returns the object import i refers to, resolving it on
// first use through VerifyImport. In relaxed mode an import that cannot be
// resolved yields Nil and is not retried.
func (l *LinkerLoad) CreateImport(i int) (object.Handle, error) {
	if err := l.usable(); err != nil {
		return object.Nil, err
	}
	imp := l.Import(i)
	if imp == nil {
		return object.Nil, fmt.Errorf("%w: %s", ErrBadIndex, ImportIndex(i))
	}
	if imp.Object != object.Nil && l.reg.Valid(imp.Object) {
		return imp.Object, nil
	}
	if imp.failed {
		return object.Nil, nil
	}
	h, err := l.VerifyImport(i)
	if err == nil {
		imp.Object = h
		return h, nil
	}
	ierr := &ImportError{
		Linker: l.pkgName,
		Path:   l.ImportPath(i),
		Class:  imp.ClassPackage.String() + "." + imp.ClassName.String(),
		Err:    err,
	}
	if !errors.Is(err, ErrImportNotFound) {
		ierr.Err = fmt.Errorf("%w: %w", ErrImportNotFound, err)
	}
	if l.strict() {
		return object.Nil, ierr
	}
	imp.failed = true
	l.loader.log().Warn("import not resolved", "package", l.pkgName, "import", ierr.Path, "class", ierr.Class, "error", err)
	return object.Nil, nil
}

// VerifyImport resolves import i: through the export it was bound to, then
// in memory, then in the linker of its outer's package (loading that
// package if needed). When the object is missing, a redirector left in its
// place or a configured redirect is followed.
func (l *LinkerLoad) VerifyImport(i int) (object.Handle, error) {
	imp := &l.ImportMap[i]
	if src := imp.SourceLinker; src != nil && !src.detached {
		if imp.SourceIndex < 0 {
			return src.Root, nil
		}
		return src.CreateExport(imp.SourceIndex)
	}

	if imp.OuterIndex.IsNull() {
		return l.verifyPackageImport(imp)
	}
	outer, err := l.IndexToObject(imp.OuterIndex)
	if err != nil {
		return object.Nil, err
	}
	if outer == object.Nil {
		if h, ok, err := l.redirectImport(i); ok {
			return h, err
		}
		return object.Nil, fmt.Errorf("%w: outer of %s", ErrImportNotFound, l.ImportPath(i))
	}

	if h := l.reg.Find(outer, imp.Name); h != object.Nil && !l.reg.Get(h).Has(object.FlagPendingKill) {
		if l.classMatches(h, imp) {
			return h, nil
		}
		if target := l.reg.RedirectorTarget(h); target != object.Nil && l.classMatches(target, imp) {
			return target, nil
		}
	}

	var (
		src      *LinkerLoad
		outerIdx PackageIndex
	)
	if imp.OuterIndex.IsImport() {
		oi := &l.ImportMap[imp.OuterIndex.Import()]
		src = oi.SourceLinker
		if oi.SourceIndex >= 0 {
			outerIdx = ExportIndex(oi.SourceIndex)
		}
	}
	if src != nil && !src.detached {
		if j := src.FindExportIndex(imp.ClassName, imp.Name, outerIdx); j >= 0 {
			imp.SourceLinker, imp.SourceIndex = src, j
			return src.CreateExport(j)
		}
		if target, err := l.followRedirector(src, imp, outerIdx); err != nil || target != object.Nil {
			return target, err
		}
	}

	if h, ok, err := l.redirectImport(i); ok {
		return h, err
	}
	return object.Nil, ErrImportNotFound
}

// redirectImport loads the configured redirect of import i, if any.
func (l *LinkerLoad) redirectImport(i int) (object.Handle, bool, error) {
	path := l.ImportPath(i)
	to, ok := l.loader.redirects[path]
	if !ok {
		return object.Nil, false, nil
	}
	l.loader.log().Debug("import redirected", "package", l.pkgName, "from", path, "to", to)
	h, err := l.loader.loadObject(to, l.flags)
	return h, true, err
}

func (l *LinkerLoad) verifyPackageImport(imp *ObjectImport) (object.Handle, error) {
	pkg := imp.Name.String()
	if pkg == l.pkgName {
		return l.Root, nil
	}
	if existing := l.loader.Find(pkg); existing != nil {
		if _, err := existing.Tick(0, false); err != nil {
			return object.Nil, err
		}
		imp.SourceLinker, imp.SourceIndex = existing, -1
		return existing.Root, nil
	}
	if h := l.reg.FindPackage(pkg); h != object.Nil {
		return h, nil
	}
	src, err := l.loader.GetPackageLinker(pkg, l.flags)
	if err != nil {
		to, ok := l.loader.redirects[pkg]
		if !ok || strings.Contains(to, ".") {
			return object.Nil, err
		}
		l.loader.log().Debug("package redirected", "package", l.pkgName, "from", pkg, "to", to)
		if src, err = l.loader.GetPackageLinker(to, l.flags); err != nil {
			return object.Nil, err
		}
	}
	imp.SourceLinker, imp.SourceIndex = src, -1
	return src.Root, nil
}

// followRedirector resolves imp through a redirector export of the same
// name in src.
func (l *LinkerLoad) followRedirector(src *LinkerLoad, imp *ObjectImport, outerIdx PackageIndex) (object.Handle, error) {
	j := src.FindExportIndex(name.New(object.RedirectorClassName), imp.Name, outerIdx)
	if j < 0 {
		return object.Nil, nil
	}
	h, err := src.CreateExport(j)
	if err != nil || h == object.Nil {
		return object.Nil, err
	}
	if err := src.preloadObject(h); err != nil {
		return object.Nil, err
	}
	target := l.reg.RedirectorTarget(h)
	if target == object.Nil || !l.classMatches(target, imp) {
		return object.Nil, nil
	}
	l.loader.log().Debug("import followed redirector", "package", l.pkgName,
		"redirector", l.reg.PathName(h), "target", l.reg.PathName(target))
	return target, nil
}

// classMatches reports whether h's class has the import's class name and
// package.
func (l *LinkerLoad) classMatches(h object.Handle, imp *ObjectImport) bool {
	o := l.reg.Get(h)
	if o == nil {
		return false
	}
	class := l.reg.Get(o.Class)
	if class == nil || class.Name != imp.ClassName {
		return false
	}
	pkg := l.reg.Get(l.reg.Outermost(o.Class))
	return pkg != nil && pkg.Name == imp.ClassPackage
}

// preloadAny loads h through whichever linker it came from.
func (l *LinkerLoad) preloadAny(h object.Handle) error {
	o := l.reg.Get(h)
	if o == nil || !o.Has(object.FlagNeedLoad) {
		return nil
	}
	owner, ok := o.Linker.(*LinkerLoad)
	if !ok || owner == nil {
		o.Flags &^= object.FlagNeedLoad
		return nil
	}
	return owner.preloadObject(h)
}

// preloadObject reads the payload of one export of this linker. The
// class, the class default object and the archetype are read first so
// that the payload's untagged properties inherit loaded defaults.
func (l *LinkerLoad) preloadObject(h object.Handle) error {
	o := l.reg.Get(h)
	if o == nil || !o.Has(object.FlagNeedLoad) {
		return nil
	}
	if o.Linker != object.LinkerRef(l) {
		return l.preloadAny(h)
	}
	if l.detached {
		return ErrDetached
	}
	i := o.LinkerIndex
	exp := l.Export(i)
	if exp == nil {
		return fmt.Errorf("%w: %s has no export row", ErrBadIndex, l.reg.PathName(h))
	}
	if err := l.preloadAny(o.Class); err != nil {
		return err
	}
	if st := l.reg.StructOf(o.Class); st != nil && st.Default != h {
		if err := l.preloadAny(st.Default); err != nil {
			return err
		}
	}
	if o.Archetype != h {
		if err := l.preloadAny(o.Archetype); err != nil {
			return err
		}
	}
	if !o.Has(object.FlagNeedLoad) {
		return nil
	}
	o.Flags &^= object.FlagNeedLoad
	l.reg.Reinitialize(h)

	if payload, ok := l.patches[i]; ok {
		return l.preloadPatched(h, exp, payload)
	}

	prev := l.Err()
	resume := l.Tell()
	off, size := int64(exp.SerialOffset), int64(exp.SerialSize)
	if err := l.PrecacheWait(off, size); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptExport, l.reg.PathName(h), err)
	}
	l.SeekTo(off)
	l.reg.Serialize(h, l)
	read := l.Tell() - off
	err := l.Err()
	l.ClearError()
	l.SetError(prev)
	l.SeekTo(resume)
	if err == nil && read != size {
		err = fmt.Errorf("read %d of %d bytes", read, size)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptExport, l.reg.PathName(h), err)
	}
	l.loader.log().Debug("export loaded", "package", l.pkgName, "path", l.reg.PathName(h), "bytes", size)
	return nil
}

// LoadAllObjects creates every export and reads its payload.
func (l *LinkerLoad) LoadAllObjects() error {
	if err := l.usable(); err != nil {
		return err
	}
	for i := range l.ExportMap {
		if _, err := l.CreateExport(i); err != nil {
			return err
		}
	}
	for i := range l.ExportMap {
		if err := l.preloadExport(i); err != nil {
			return err
		}
	}
	return nil
}

// preloadExport reads export i after creating the exports and imports it
// depends on.
func (l *LinkerLoad) preloadExport(i int) error {
	h := l.ExportMap[i].Object
	if h == object.Nil {
		return nil
	}
	if i < len(l.DependsMap) {
		for _, dep := range l.DependsMap[i] {
			if _, err := l.IndexToObject(dep); err != nil {
				return err
			}
		}
	}
	err := l.preloadObject(h)
	if err != nil && !l.strict() {
		l.loader.log().Warn("export not loaded", "package", l.pkgName, "path", l.reg.PathName(h), "error", err)
		return nil
	}
	return err
}

// Verify resolves every import.
func (l *LinkerLoad) Verify() error {
	if err := l.usable(); err != nil {
		return err
	}
	for i := range l.ImportMap {
		if _, err := l.CreateImport(i); err != nil {
			return err
		}
	}
	return nil
}

func (l *LinkerLoad) usable() error {
	switch {
	case l.detached:
		return ErrDetached
	case l.state != StateFinalized:
		return fmt.Errorf("%w: %s is %s", ErrNotFinalized, l.pkgName, l.state)
	default:
		return nil
	}
}
