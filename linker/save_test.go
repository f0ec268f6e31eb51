package linker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/bulkdata"
	"github.com/meigma/pak/internal/testutil"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
	"github.com/meigma/pak/source"
)

func exportPaths(l *Linker) []string {
	out := make([]string, len(l.ExportMap))
	for i := range l.ExportMap {
		out[i] = l.PathName(ExportIndex(i), "", false)
	}
	return out
}

func TestSaveTables(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	transient, err := lv.w.Reg.New(object.NewParams{
		Class: lv.w.Actor, Outer: lv.pkg, Name: name.New("Scratch"),
		Flags: object.FlagStandalone | object.FlagTransient,
	})
	require.NoError(t, err)
	lv.w.Set(t, lv.buddy, "Owner", 0, object.Value{Ref: transient})

	res := lv.save(t)
	l := res.Linker
	assert.Equal(t, []string{"Level.Buddy", "Level.Hero", "Level.Hero.Gear", "Level.Tex"}, exportPaths(l))
	assert.Equal(t, PackageTag, l.Summary.Tag)
	assert.Equal(t, archive.CurrentVersion, l.Summary.EngineFileVersion())
	assert.Equal(t, int32(len(l.NameMap)), l.Summary.NameCount)
	require.Len(t, l.Summary.Generations, 1)
	assert.Equal(t, int32(4), l.Summary.Generations[0].ExportCount)
	assert.GreaterOrEqual(t, nameIndex(l.NameMap, name.NoneString), 0, "None is always in the name table")

	gear := l.FindExportPath("Hero.Gear")
	hero := l.FindExportPath("Hero")
	assert.Equal(t, ExportIndex(hero), l.ExportMap[gear].OuterIndex)
	assert.Contains(t, l.DependsMap[hero], ExportIndex(gear))
	assert.False(t, object.Flags(l.ExportMap[gear].ObjectFlags).Has(object.FlagStandalone))
	assert.True(t, object.Flags(l.ExportMap[hero].ObjectFlags).Has(object.FlagStandalone))
	for i := range l.ExportMap {
		exp := &l.ExportMap[i]
		assert.Positive(t, exp.SerialSize)
		assert.GreaterOrEqual(t, exp.SerialOffset, l.Summary.TotalHeaderSize)
	}

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")))
	_, err = ld.LoadPackage("Level", LoadStrict)
	require.NoError(t, err)
	assert.Equal(t, object.Nil, w.Reg.FindPath("Level.Scratch"))
	assert.Equal(t, object.Nil, w.Get(t, w.Reg.FindPath("Level.Buddy"), "Owner", 0).Ref, "references to transient objects are dropped")
}

func nameIndex(names []NameEntry, s string) int {
	for i, e := range names {
		if e.Name.String() == s {
			return i
		}
	}
	return -1
}

func TestSaveRejects(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	_, err := SavePackageBytes(lv.w.Reg, lv.hero)
	require.ErrorIs(t, err, ErrNotPackage)
	_, err = SavePackageBytes(lv.w.Reg, object.Nil)
	require.ErrorIs(t, err, ErrNotPackage)
	_, err = SavePackageBytes(lv.w.Reg, lv.pkg, WithFileVersion(archive.CurrentVersion+1))
	require.ErrorIs(t, err, ErrVersionTooNew)
}

func TestResaveKeepsRowOrder(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	first := lv.save(t)

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(resolverFor(first, "Level")))
	pkg, err := ld.LoadPackage("Level", 0)
	require.NoError(t, err)
	added := w.Spawn(t, pkg, w.Actor, "Aardvark")
	w.Set(t, added, "Health", 0, object.Value{Int: 3})

	second, err := SavePackageBytes(w.Reg, pkg)
	require.NoError(t, err)
	want := append(exportPaths(first.Linker), "Level.Aardvark")
	assert.Equal(t, want, exportPaths(second.Linker), "loaded rows keep their positions")
	for i, e := range first.Linker.NameMap {
		assert.Equal(t, e.Name, second.Linker.NameMap[i].Name)
	}
	assert.Equal(t, first.Linker.Summary.GUID, second.Linker.Summary.GUID)
	require.Len(t, second.Linker.Summary.Generations, 2)
	assert.Equal(t, int32(5), second.Linker.Summary.Generations[1].ExportCount)

	w2 := testutil.NewWorld(t)
	ld2 := NewLoader(w2.Reg, WithResolver(resolverFor(second, "Level")))
	_, err = ld2.LoadPackage("Level", LoadStrict)
	require.NoError(t, err)
	checkLevel(t, w2, lv.pixels)
	assert.Equal(t, int64(3), w2.Get(t, w2.Reg.FindPath("Level.Aardvark"), "Health", 0).Int)
}

func TestSaveForcedExports(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	shared := lv.w.Package(t, "Shared")
	prop := lv.w.Spawn(t, shared, lv.w.Actor, "Prop")
	lv.w.Set(t, prop, "Label", 0, object.Value{Str: "prop"})
	lv.w.Set(t, lv.buddy, "Owner", 0, object.Value{Ref: prop})

	res := lv.save(t, WithForcedExports(prop))
	l := res.Linker
	root := l.FindExportPath("Shared")
	require.GreaterOrEqual(t, root, 0)
	assert.NotZero(t, l.ExportMap[root].ExportFlags&ForcedExport)
	i := l.FindExportPath("Shared.Prop")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "Shared.Prop", l.PathName(ExportIndex(i), "", true))

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")))
	_, err := ld.LoadPackage("Level", LoadStrict)
	require.NoError(t, err)
	loaded := w.Reg.FindPath("Shared.Prop")
	require.NotEqual(t, object.Nil, loaded)
	assert.Equal(t, "prop", w.Get(t, loaded, "Label", 0).Str)
	assert.Equal(t, loaded, w.Get(t, w.Reg.FindPath("Level.Buddy"), "Owner", 0).Ref)
}

func TestSavePackageToDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lv := newLevel(t, bulkdata.StoreInSeparateFile)
	path := filepath.Join(dir, "Level"+source.DefaultPackageExt)
	res, err := SavePackage(lv.w.Reg, lv.pkg, path)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(res.Package), res.Digest)
	assert.Equal(t, filepath.Join(dir, "Level"+source.DefaultBulkExt), res.BulkPath)
	assert.FileExists(t, res.BulkPath)

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(source.NewDirResolver([]string{dir})))
	_, err = ld.LoadPackage("Level", LoadStrict)
	require.NoError(t, err)
	checkLevel(t, w, lv.pixels)
	require.NoError(t, w.Reg.Close())

	// A save without separate payloads removes the stale sidecar.
	_, slots, err := lv.w.Reg.Slots(lv.tex, "Pixels", 0)
	require.NoError(t, err)
	slots[0].Bulk.ClearFlags(bulkdata.StoreInSeparateFile)
	res, err = SavePackage(lv.w.Reg, lv.pkg, path)
	require.NoError(t, err)
	assert.Empty(t, res.Bulk)
	_, err = os.Stat(res.BulkPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestThumbnails(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	thumbs := []Thumbnail{
		{ObjectClass: "Texture", ObjectPath: "Level.Tex", Width: 2, Height: 1, Format: "raw", Data: []byte{9, 9}},
		{ObjectClass: "Pawn", ObjectPath: "Level.Hero", Width: 1, Height: 1, Format: "raw", Data: []byte{1}},
	}
	res := lv.save(t, WithThumbnails(thumbs...), WithFolderName("Maps"))

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")))
	l, err := ld.CreateLinker("Level", 0)
	require.NoError(t, err)
	assert.Equal(t, "Maps", l.Summary.FolderName)

	got, err := l.Thumbnails()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Level.Hero", got[0].ObjectPath)
	assert.Equal(t, thumbs[1], got[0])

	tex, ok, err := l.Thumbnail("Level.Tex")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, thumbs[0], tex)
	_, ok, err = l.Thumbnail("Level.Buddy")
	require.NoError(t, err)
	assert.False(t, ok)

	old := lv.save(t, WithThumbnails(thumbs...), WithFileVersion(VersionThumbnailTable-1))
	w2 := testutil.NewWorld(t)
	l2, err := NewLoader(w2.Reg, WithResolver(resolverFor(old, "Level"))).CreateLinker("Level", 0)
	require.NoError(t, err)
	got, err = l2.Thumbnails()
	require.NoError(t, err)
	assert.Empty(t, got, "versions before the table omit it")
}

func TestIntegratePatch(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)
	buddy := res.Linker.FindExportPath("Buddy")
	require.GreaterOrEqual(t, buddy, 0)
	row := res.Linker.ExportMap[buddy]
	payload := res.Package[row.SerialOffset : row.SerialOffset+row.SerialSize]

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")))
	l, err := ld.CreateLinker("Level", 0)
	require.NoError(t, err)
	before := len(l.ExportMap)

	clone := row
	clone.Name = name.New("Clone")
	err = l.IntegratePatch(&Patch{
		Names:   []name.Name{name.New("Clone")},
		Exports: []PatchExport{{ObjectExport: clone, Payload: payload}},
	})
	require.NoError(t, err)
	require.Len(t, l.ExportMap, before+1)
	assert.Equal(t, int32(before+1), l.Summary.ExportCount)
	assert.NotZero(t, l.ExportMap[before].ExportFlags&ScriptPatcherExport)
	assert.Equal(t, before, l.FindExportPath("Clone"))

	h, err := l.CreateExport(before)
	require.NoError(t, err)
	require.NoError(t, ld.EndLoad())
	assert.Equal(t, "Level.Clone", w.Reg.PathName(h))
	assert.Equal(t, int64(42), w.Get(t, h, "Health", 0).Int)

	bad := row
	bad.OuterIndex = ExportIndex(before + 5)
	err = l.IntegratePatch(&Patch{Exports: []PatchExport{{ObjectExport: bad}}})
	require.ErrorIs(t, err, ErrBadIndex)
	err = l.IntegratePatch(&Patch{Payloads: map[int][]byte{before + 5: nil}})
	require.ErrorIs(t, err, ErrBadIndex)
}
