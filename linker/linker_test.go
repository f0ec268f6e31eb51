package linker

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pak/bulkdata"
	"github.com/meigma/pak/internal/testutil"
	"github.com/meigma/pak/object"
	"github.com/meigma/pak/source"
)

// level is a saved fixture package:
//
//	Level.Hero     Pawn, Standalone
//	Level.Hero.Gear Actor, kept only because Hero references it
//	Level.Buddy    Actor, Standalone
//	Level.Junk     Actor, unreferenced and not Standalone
//	Level.Tex      Texture with an 8-byte payload
type level struct {
	w      *testutil.World
	pkg    object.Handle
	hero   object.Handle
	buddy  object.Handle
	gear   object.Handle
	tex    object.Handle
	pixels []byte
}

func newLevel(t *testing.T, bulkFlags bulkdata.Flags) *level {
	t.Helper()
	w := testutil.NewWorld(t)
	lv := &level{w: w, pkg: w.Package(t, "Level"), pixels: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	lv.hero = w.Spawn(t, lv.pkg, w.Pawn, "Hero")
	lv.buddy = w.Spawn(t, lv.pkg, w.Actor, "Buddy")
	lv.gear = w.SpawnTransient(t, lv.hero, w.Actor, "Gear")
	w.SpawnTransient(t, lv.pkg, w.Actor, "Junk")
	lv.tex = w.Spawn(t, lv.pkg, w.Texture, "Tex")

	w.Set(t, lv.hero, "Health", 0, object.Value{Int: 7})
	w.Set(t, lv.hero, "Label", 0, object.Value{Str: "hero"})
	w.Set(t, lv.hero, "Owner", 0, object.Value{Ref: lv.buddy})
	w.Set(t, lv.hero, "Friends", 0, object.Value{Elems: []object.Value{{Ref: lv.gear}, {Ref: lv.buddy}}})
	w.Set(t, lv.hero, "Groups", 0, w.Groups([]object.Handle{lv.buddy}))
	w.Set(t, lv.hero, "Frame", 0, object.Value{Ref: w.Walking, Elems: []object.Value{{Ref: lv.buddy}, {Float: 2.5}}})
	w.Set(t, lv.buddy, "Health", 0, object.Value{Int: 42})
	w.Set(t, lv.gear, "Label", 0, object.Value{Str: "gear"})

	w.Set(t, lv.tex, "Width", 0, object.Value{Int: 2})
	b := bulkdata.New(4)
	b.SetFlags(bulkFlags)
	data, err := b.Lock(bulkdata.ReadWrite)
	require.NoError(t, err)
	data = b.Realloc(2)
	copy(data, lv.pixels)
	b.Unlock()
	w.Set(t, lv.tex, "Pixels", 0, object.Value{Bulk: b})
	return lv
}

func (lv *level) save(t *testing.T, opts ...SaveOption) *SaveResult {
	t.Helper()
	res, err := SavePackageBytes(lv.w.Reg, lv.pkg, opts...)
	require.NoError(t, err)
	return res
}

func resolverFor(res *SaveResult, pkg string) *source.MapResolver {
	r := source.NewMapResolver()
	r.Put(pkg, source.KindPackage, res.Package)
	if len(res.Bulk) > 0 {
		r.Put(pkg, source.KindBulk, res.Bulk)
	}
	return r
}

// checkLevel asserts that w holds the fixture's objects and values.
func checkLevel(t *testing.T, w *testutil.World, pixels []byte) {
	t.Helper()
	reg := w.Reg
	hero := reg.FindPath("Level.Hero")
	buddy := reg.FindPath("Level.Buddy")
	gear := reg.FindPath("Level.Hero.Gear")
	tex := reg.FindPath("Level.Tex")
	require.NotEqual(t, object.Nil, hero)
	require.NotEqual(t, object.Nil, buddy)
	require.NotEqual(t, object.Nil, gear)
	require.NotEqual(t, object.Nil, tex)
	assert.Equal(t, object.Nil, reg.FindPath("Level.Junk"))

	assert.Equal(t, w.Pawn, reg.Get(hero).Class)
	assert.False(t, reg.Get(hero).Has(object.FlagNeedLoad))
	assert.True(t, reg.Get(hero).Has(object.FlagStandalone))
	assert.False(t, reg.Get(gear).Has(object.FlagStandalone))

	assert.Equal(t, int64(7), w.Get(t, hero, "Health", 0).Int)
	assert.Equal(t, "hero", w.Get(t, hero, "Label", 0).Str)
	assert.Equal(t, buddy, w.Get(t, hero, "Owner", 0).Ref)
	friends := w.Get(t, hero, "Friends", 0).Elems
	require.Len(t, friends, 2)
	assert.Equal(t, gear, friends[0].Ref)
	assert.Equal(t, buddy, friends[1].Ref)
	groups := w.Get(t, hero, "Groups", 0).Elems
	require.NotEmpty(t, groups)
	require.NotEmpty(t, groups[1].Elems)
	assert.Equal(t, buddy, groups[1].Elems[0].Ref)
	frame := w.Get(t, hero, "Frame", 0)
	assert.Equal(t, w.Walking, frame.Ref)
	require.Len(t, frame.Elems, 2)
	assert.Equal(t, buddy, frame.Elems[0].Ref)
	assert.InDelta(t, 2.5, frame.Elems[1].Float, 0)

	assert.Equal(t, int64(42), w.Get(t, buddy, "Health", 0).Int)
	assert.Equal(t, int64(100), w.Get(t, gear, "Health", 0).Int, "defaults are not stored")
	assert.Equal(t, "gear", w.Get(t, gear, "Label", 0).Str)

	assert.Equal(t, int64(2), w.Get(t, tex, "Width", 0).Int)
	bulk := w.Get(t, tex, "Pixels", 0).Bulk
	require.NotNil(t, bulk)
	assert.Equal(t, 2, bulk.ElementCount())
	got, err := bulk.Copy()
	require.NoError(t, err)
	assert.Equal(t, pixels, got)
}

func TestPackageIndex(t *testing.T) {
	t.Parallel()

	assert.True(t, PackageIndex(0).IsNull())
	assert.Equal(t, PackageIndex(1), ExportIndex(0))
	assert.Equal(t, PackageIndex(-1), ImportIndex(0))
	assert.Equal(t, 4, ExportIndex(4).Export())
	assert.Equal(t, 4, ImportIndex(4).Import())
	assert.True(t, ExportIndex(2).IsExport())
	assert.True(t, ImportIndex(2).IsImport())
	assert.Equal(t, "export[3]", ExportIndex(3).String())
	assert.Equal(t, "import[0]", ImportIndex(0).String())
	assert.Equal(t, "root", PackageIndex(0).String())
}

func TestByteOrderOf(t *testing.T) {
	t.Parallel()

	head := make([]byte, 4)
	binary.LittleEndian.PutUint32(head, PackageTag)
	order, err := ByteOrderOf(head)
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian, order)

	binary.BigEndian.PutUint32(head, PackageTag)
	order, err = ByteOrderOf(head)
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, order)

	_, err = ByteOrderOf([]byte{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrBadTag)
	_, err = ByteOrderOf([]byte{1})
	require.ErrorIs(t, err, ErrBadTag)
}

func TestPackFileVersion(t *testing.T) {
	t.Parallel()

	s := Summary{FileVersion: PackFileVersion(868, 3)}
	assert.Equal(t, int32(868), s.EngineFileVersion())
	assert.Equal(t, int32(3), s.LicenseeFileVersion())
}

func TestLinkerPaths(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)
	l := res.Linker

	hero := l.FindExportPath("Hero")
	require.GreaterOrEqual(t, hero, 0)
	gear := l.FindExportPath("Hero.Gear")
	require.GreaterOrEqual(t, gear, 0)
	assert.Equal(t, -1, l.FindExportPath("Junk"))
	assert.Equal(t, -1, l.FindExportPath("Hero..Gear"))

	assert.Equal(t, "Level.Hero.Gear", l.PathName(ExportIndex(gear), "", false))
	assert.Equal(t, "Other.Hero.Gear", l.PathName(ExportIndex(gear), "Other", false))
	assert.Equal(t, "Actor Level.Hero.Gear", l.FullName(ExportIndex(gear)))
	assert.Equal(t, "Pawn", l.ExportClassName(hero).String())
	assert.Equal(t, "Engine", l.ExportClassPackage(hero).String())

	paths := make([]string, len(l.ImportMap))
	for i := range l.ImportMap {
		paths[i] = l.ImportPath(i)
	}
	assert.Contains(t, paths, "Engine")
	assert.Contains(t, paths, "Engine.Pawn")
	assert.Contains(t, paths, "Engine.Pawn.Walking")
	assert.Contains(t, paths, "Engine.Actor")
}
