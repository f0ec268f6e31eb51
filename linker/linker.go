// Package linker connects package files to the live object graph.
//
// A Linker holds a package's tables: the summary, the name, import and
// export tables, the per-export dependency lists and the GUID maps. Every
// reference inside a package is a signed PackageIndex into those tables.
// LinkerLoad builds the tables from a file one time-sliced step at a time
// and turns rows into live objects on demand. SavePackage performs the
// inverse. A Loader owns the set of live linkers of one registry.
package linker

import (
	"strings"

	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
)

const (
	exportHashBuckets = 256
	exportHashMask    = exportHashBuckets - 1
	hashNone          = -1
)

// Linker holds the tables of one package.
type Linker struct {
	// Root is the package object the tables belong to.
	Root object.Handle

	Summary     Summary
	NameMap     []NameEntry
	ImportMap   []ObjectImport
	ExportMap   []ObjectExport
	DependsMap  [][]PackageIndex
	ImportGUIDs []ImportGUID
	ExportGUIDs []ExportGUID

	pkgName    string
	exportHash [exportHashBuckets]int
}

func newLinker(pkgName string) Linker {
	l := Linker{pkgName: pkgName}
	l.clearExportHash()
	return l
}

// PackageName returns the name of the package the tables describe.
func (l *Linker) PackageName() string { return l.pkgName }

// Resource returns the import or export addressed by p, or nil for the root
// and for indices outside the tables.
func (l *Linker) Resource(p PackageIndex) *ObjectResource {
	switch {
	case p.IsExport() && p.Export() < len(l.ExportMap):
		return &l.ExportMap[p.Export()].ObjectResource
	case p.IsImport() && p.Import() < len(l.ImportMap):
		return &l.ImportMap[p.Import()].ObjectResource
	default:
		return nil
	}
}

// Import returns import i, or nil when i is out of range.
func (l *Linker) Import(i int) *ObjectImport {
	if i < 0 || i >= len(l.ImportMap) {
		return nil
	}
	return &l.ImportMap[i]
}

// Export returns export i, or nil when i is out of range.
func (l *Linker) Export(i int) *ObjectExport {
	if i < 0 || i >= len(l.ExportMap) {
		return nil
	}
	return &l.ExportMap[i]
}

// ImportName returns the object name of import i.
func (l *Linker) ImportName(i int) name.Name {
	if imp := l.Import(i); imp != nil {
		return imp.Name
	}
	return name.None
}

// ExportName returns the object name of export i.
func (l *Linker) ExportName(i int) name.Name {
	if exp := l.Export(i); exp != nil {
		return exp.Name
	}
	return name.None
}

// ImportClassName returns the class name of import i.
func (l *Linker) ImportClassName(i int) name.Name {
	if imp := l.Import(i); imp != nil {
		return imp.ClassName
	}
	return name.None
}

// ExportClassName returns the class name of export i. Classes themselves
// report "Class".
func (l *Linker) ExportClassName(i int) name.Name {
	exp := l.Export(i)
	if exp == nil {
		return name.None
	}
	if exp.ClassIndex.IsNull() {
		return name.New(object.ClassClassName)
	}
	if r := l.Resource(exp.ClassIndex); r != nil {
		return r.Name
	}
	return name.None
}

// ExportClassPackage returns the package of export i's class.
func (l *Linker) ExportClassPackage(i int) name.Name {
	exp := l.Export(i)
	if exp == nil {
		return name.None
	}
	switch {
	case exp.ClassIndex.IsNull():
		return name.New(object.CorePackage)
	case exp.ClassIndex.IsImport():
		return l.outermostImportName(exp.ClassIndex)
	default:
		return name.New(l.pkgName)
	}
}

func (l *Linker) outermostImportName(p PackageIndex) name.Name {
	for p.IsImport() && p.Import() < len(l.ImportMap) {
		imp := &l.ImportMap[p.Import()]
		if imp.OuterIndex.IsNull() {
			return imp.Name
		}
		p = imp.OuterIndex
	}
	return name.None
}

// PathName returns the dotted path of the object at p. Export paths start
// with the package name, or with fakeRoot when it is set. With
// resolveForced, the path of an object inside a forced export starts at the
// forced export's own package instead.
func (l *Linker) PathName(p PackageIndex, fakeRoot string, resolveForced bool) string {
	root := l.pkgName
	if fakeRoot != "" {
		root = fakeRoot
	}
	if p.IsNull() {
		return root
	}
	var parts []string
	hitRoot := true
	for cur := p; !cur.IsNull(); {
		r := l.Resource(cur)
		if r == nil {
			return name.NoneString
		}
		parts = append(parts, r.Name.String())
		if cur.IsImport() && r.OuterIndex.IsNull() {
			hitRoot = false
			break
		}
		if resolveForced && cur.IsExport() && r.OuterIndex.IsNull() &&
			l.ExportMap[cur.Export()].ExportFlags&ForcedExport != 0 {
			hitRoot = false
			break
		}
		cur = r.OuterIndex
	}
	if hitRoot {
		parts = append(parts, root)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// FullName returns "<Class> <Path>" for the object at p.
func (l *Linker) FullName(p PackageIndex) string {
	var className name.Name
	switch {
	case p.IsExport():
		className = l.ExportClassName(p.Export())
	case p.IsImport():
		className = l.ImportClassName(p.Import())
	default:
		className = name.New(object.PackageClassName)
	}
	return className.String() + " " + l.PathName(p, "", true)
}

// ImportPath returns the full path of import i, which always starts at a
// top-level package.
func (l *Linker) ImportPath(i int) string {
	return l.PathName(ImportIndex(i), "", false)
}

// FindExportIndex returns the export named objName of class className
// whose outer is outer, or -1. A None className matches any class.
func (l *Linker) FindExportIndex(className, objName name.Name, outer PackageIndex) int {
	for i := l.exportHash[objName.Hash()&exportHashMask]; i != hashNone; i = l.ExportMap[i].hashNext {
		exp := &l.ExportMap[i]
		if exp.Name == objName && exp.OuterIndex == outer &&
			(className.IsNone() || l.ExportClassName(i) == className) {
			return i
		}
	}
	return -1
}

// FindExportPath returns the export at a dotted path relative to the
// package, such as "Mesh.Material", or -1.
func (l *Linker) FindExportPath(path string) int {
	outer := PackageIndex(0)
	idx := -1
	for part := range strings.SplitSeq(path, ".") {
		if part == "" {
			return -1
		}
		idx = l.FindExportIndex(name.None, name.New(part), outer)
		if idx < 0 {
			return -1
		}
		outer = ExportIndex(idx)
	}
	return idx
}

func (l *Linker) clearExportHash() {
	for i := range l.exportHash {
		l.exportHash[i] = hashNone
	}
}

// hashExport links export i into its bucket.
func (l *Linker) hashExport(i int) {
	b := l.ExportMap[i].Name.Hash() & exportHashMask
	l.ExportMap[i].hashNext = l.exportHash[b]
	l.exportHash[b] = i
}
