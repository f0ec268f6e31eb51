package linker

import (
	"github.com/google/uuid"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
)

// NameEntry is one row of the name table. Names are stored without their
// number; references carry the number alongside the table index.
type NameEntry struct {
	Name  name.Name
	Flags uint64
}

// Serialize moves the entry as a string plus its flags.
func (e *NameEntry) Serialize(ar archive.Archive) {
	s := e.Name.Base()
	archive.String(ar, &s)
	archive.Uint64(ar, &e.Flags)
	if ar.IsLoading() {
		e.Name = name.WithNumber(s, 0)
	}
}

// ObjectResource is the part shared by imports and exports.
type ObjectResource struct {
	Name       name.Name
	OuterIndex PackageIndex
}

// ObjectImport references an object owned by another package. The class is
// stored by name because its package may not be loaded yet.
type ObjectImport struct {
	ObjectResource
	ClassPackage name.Name
	ClassName    name.Name

	// Object is the resolved object, once CreateImport has run.
	Object object.Handle

	// SourceLinker and SourceIndex identify the export the import resolved
	// to. SourceIndex is -1 when the import is a package root.
	SourceLinker *LinkerLoad
	SourceIndex  int

	failed bool
}

// Serialize moves the persistent fields.
func (imp *ObjectImport) Serialize(ar archive.Archive) {
	ar.SerializeName(&imp.ClassPackage)
	ar.SerializeName(&imp.ClassName)
	serializeIndex(ar, &imp.OuterIndex)
	ar.SerializeName(&imp.Name)
	if ar.IsLoading() {
		imp.SourceIndex = -1
	}
}

// ExportFlags mark special export table rows.
type ExportFlags uint32

const (
	// ForcedExport rows hold an object from another package that was
	// copied into this one. A top-level forced export is that package.
	ForcedExport ExportFlags = 1 << iota

	// ScriptPatcherExport rows were appended by a patch.
	ScriptPatcherExport

	// MemberFieldPatchPending rows carry a layout patch that has not been
	// applied yet.
	MemberFieldPatchPending
)

// ObjectExport describes an object whose data is stored in the package.
type ObjectExport struct {
	ObjectResource

	// ClassIndex is 0 for classes.
	ClassIndex PackageIndex

	// SuperIndex is the parent struct of class, struct and state exports.
	SuperIndex PackageIndex

	// ArchetypeIndex is 0 when the archetype is the class default object.
	ArchetypeIndex PackageIndex

	ObjectFlags  uint32
	SerialSize   int32
	SerialOffset int32
	ExportFlags  ExportFlags

	// GenerationNetObjectCount, PackageGUID and PackageFlags describe
	// package exports.
	GenerationNetObjectCount []int32
	PackageGUID              uuid.UUID
	PackageFlags             uint32

	// Object is the live object, once CreateExport has run.
	Object object.Handle

	hashNext int
	failed   bool
}

// Serialize moves the persistent fields.
func (exp *ObjectExport) Serialize(ar archive.Archive) {
	serializeIndex(ar, &exp.ClassIndex)
	serializeIndex(ar, &exp.SuperIndex)
	serializeIndex(ar, &exp.OuterIndex)
	ar.SerializeName(&exp.Name)
	serializeIndex(ar, &exp.ArchetypeIndex)
	archive.Uint32(ar, &exp.ObjectFlags)
	archive.Int32(ar, &exp.SerialSize)
	archive.Int32(ar, &exp.SerialOffset)
	flags := uint32(exp.ExportFlags)
	archive.Uint32(ar, &flags)
	exp.ExportFlags = ExportFlags(flags)
	archive.Array(ar, &exp.GenerationNetObjectCount, 4, archive.Int32)
	archive.GUID(ar, &exp.PackageGUID)
	archive.Uint32(ar, &exp.PackageFlags)
}

// ImportGUID records the GUID an imported package had when this package
// was saved.
type ImportGUID struct {
	Package name.Name
	GUID    uuid.UUID
}

// ExportGUID maps a nested package's GUID to its export.
type ExportGUID struct {
	GUID  uuid.UUID
	Index PackageIndex
}

func serializeIndex(ar archive.Archive, p *PackageIndex) {
	v := int32(*p)
	archive.Int32(ar, &v)
	*p = PackageIndex(v)
}

func serializeDepends(ar archive.Archive, deps *[]PackageIndex) {
	archive.Array(ar, deps, 4, serializeIndex)
}

// Minimum on-disk record sizes, used to bound counts read from disk.
const (
	minNameEntrySize  = 12
	minImportSize     = 28
	minExportSize     = 68
	minDependsSize    = 4
	minImportGUIDSize = 24
	minExportGUIDSize = 20
)
