package linker

import (
	"fmt"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/internal/objtype"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
)

// Patch adds rows to a loaded package and replaces export payloads.
//
// Names are appended to the name table in order. Import and export rows,
// and the payloads, address the tables as extended by the patch: the
// first appended name has index len(NameMap), the first appended export
// has index len(ExportMap), and so on. Payloads use the package's byte
// order. Bulk payloads inside them must be inline.
type Patch struct {
	Names   []name.Name
	Imports []ObjectImport
	Exports []PatchExport

	// Payloads replaces the payloads of existing exports, by export index.
	Payloads map[int][]byte
}

// PatchExport is an export row appended by a patch with its payload.
type PatchExport struct {
	ObjectExport
	Payload []byte
}

// IntegratePatch applies p. Appended exports are flagged
// ScriptPatcherExport and read from memory. Objects of replaced payloads
// that were already read keep their values.
func (l *LinkerLoad) IntegratePatch(p *Patch) error {
	if err := l.usable(); err != nil {
		return err
	}
	imports := len(l.ImportMap) + len(p.Imports)
	exports := len(l.ExportMap) + len(p.Exports)
	inRange := func(idx PackageIndex) bool {
		switch {
		case idx.IsExport():
			return idx.Export() < exports
		case idx.IsImport():
			return idx.Import() < imports
		default:
			return true
		}
	}
	for i := range p.Imports {
		if !inRange(p.Imports[i].OuterIndex) {
			return fmt.Errorf("%w: patch import %d outer %s", ErrBadIndex, i, p.Imports[i].OuterIndex)
		}
	}
	for i := range p.Exports {
		e := &p.Exports[i]
		for _, idx := range []PackageIndex{e.ClassIndex, e.SuperIndex, e.OuterIndex, e.ArchetypeIndex} {
			if !inRange(idx) {
				return fmt.Errorf("%w: patch export %d references %s", ErrBadIndex, i, idx)
			}
		}
	}
	for i := range p.Payloads {
		if l.Export(i) == nil {
			return fmt.Errorf("%w: patch payload for export %d", ErrBadIndex, i)
		}
	}

	for _, n := range p.Names {
		l.NameMap = append(l.NameMap, NameEntry{Name: n.Plain()})
	}
	for _, imp := range p.Imports {
		imp.Object = object.Nil
		imp.SourceLinker, imp.SourceIndex = nil, -1
		imp.failed = false
		l.ImportMap = append(l.ImportMap, imp)
	}
	if l.patches == nil {
		l.patches = make(map[int][]byte)
	}
	for _, pe := range p.Exports {
		exp := pe.ObjectExport
		exp.ExportFlags |= ScriptPatcherExport
		exp.SerialSize = int32(len(pe.Payload)) //nolint:gosec // payloads are bounded by the file format
		exp.SerialOffset = -1
		exp.Object = object.Nil
		exp.failed = false
		i := len(l.ExportMap)
		l.ExportMap = append(l.ExportMap, exp)
		l.DependsMap = append(l.DependsMap, nil)
		l.hashExport(i)
		l.patches[i] = pe.Payload
	}
	for i, payload := range p.Payloads {
		l.patches[i] = payload
		l.ExportMap[i].SerialSize = int32(len(payload)) //nolint:gosec // see above
	}
	l.Summary.NameCount = int32(len(l.NameMap))     //nolint:gosec // table sizes are bounded by the file format
	l.Summary.ImportCount = int32(len(l.ImportMap)) //nolint:gosec // see above
	l.Summary.ExportCount = int32(len(l.ExportMap)) //nolint:gosec // see above
	l.loader.log().Info("patch integrated", "package", l.pkgName,
		"names", len(p.Names), "imports", len(p.Imports), "exports", len(p.Exports), "payloads", len(p.Payloads))
	return nil
}

// patchReader reads a patched payload from memory while resolving names
// and references through the linker.
type patchReader struct {
	*archive.MemoryReader
	l *LinkerLoad
}

func (r *patchReader) SerializeName(n *name.Name)         { r.l.readName(r, n) }
func (r *patchReader) SerializeObject(h *objtype.Handle) { r.l.readObject(r, h) }
func (r *patchReader) Preload(h objtype.Handle)          { r.l.preloadFor(r, h) }

func (l *LinkerLoad) preloadPatched(h object.Handle, exp *ObjectExport, payload []byte) error {
	// Payloads are cut from a package file, so they carry tagged properties.
	r := &patchReader{MemoryReader: archive.NewMemoryReader(payload, archive.FlagPersistent), l: l}
	r.SetByteOrder(l.ByteOrder())
	r.SetVersion(l.Version(), l.LicenseeVersion())
	l.reg.Serialize(h, r)
	err := r.Err()
	if err == nil && r.Tell() != int64(exp.SerialSize) {
		err = fmt.Errorf("read %d of %d bytes", r.Tell(), exp.SerialSize)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: patch: %w", ErrCorruptExport, l.reg.PathName(h), err)
	}
	l.loader.log().Debug("patched export loaded", "package", l.pkgName, "path", l.reg.PathName(h))
	return nil
}
