package linker

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pak/bulkdata"
	"github.com/meigma/pak/compression"
	"github.com/meigma/pak/internal/clock"
	"github.com/meigma/pak/internal/testutil"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
	"github.com/meigma/pak/source"
)

func TestLoadPackageRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		bulkFlags bulkdata.Flags
		opts      []SaveOption
	}{
		{name: "little endian"},
		{name: "big endian", opts: []SaveOption{WithByteOrder(binary.BigEndian)}},
		{name: "zlib", opts: []SaveOption{WithCompression(compression.ZLIB, 256)}},
		{name: "lz4", opts: []SaveOption{WithCompression(compression.LZ4, 256)}},
		{name: "zstd big endian", opts: []SaveOption{WithCompression(compression.ZSTD, 0), WithByteOrder(binary.BigEndian)}},
		{name: "sidecar", bulkFlags: bulkdata.StoreInSeparateFile},
		{name: "compressed payload", bulkFlags: bulkdata.CompressedZLIB},
		{name: "oldest version", opts: []SaveOption{WithFileVersion(600)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			lv := newLevel(t, tt.bulkFlags)
			res := lv.save(t, tt.opts...)
			if tt.bulkFlags&bulkdata.StoreInSeparateFile != 0 {
				assert.NotEmpty(t, res.Bulk)
			} else {
				assert.Empty(t, res.Bulk)
			}

			w := testutil.NewWorld(t)
			ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")), WithStrictImports(true))
			root, err := ld.LoadPackage("Level", 0)
			require.NoError(t, err)
			assert.Equal(t, w.Reg.FindPackage("Level"), root)
			checkLevel(t, w, lv.pixels)

			l := ld.Find("Level")
			require.NotNil(t, l)
			assert.True(t, l.IsFinalized())
			assert.Len(t, l.ExportMap, len(res.Linker.ExportMap))
			for i := range l.ExportMap {
				assert.NotEqual(t, object.Nil, l.ExportMap[i].Object, "export %d", i)
			}
		})
	}
}

func TestLoadRejectsBadHeaders(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)

	tests := []struct {
		name    string
		corrupt func([]byte)
		want    error
	}{
		{name: "tag", corrupt: func(b []byte) { b[0] ^= 0xFF }, want: ErrBadTag},
		{name: "too old", corrupt: func(b []byte) { binary.LittleEndian.PutUint32(b[4:], 500) }, want: ErrVersionTooOld},
		{name: "too new", corrupt: func(b []byte) { binary.LittleEndian.PutUint32(b[4:], 9999) }, want: ErrVersionTooNew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := append([]byte(nil), res.Package...)
			tt.corrupt(data)
			r := source.NewMapResolver()
			r.Put("Level", source.KindPackage, data)
			w := testutil.NewWorld(t)
			ld := NewLoader(w.Reg, WithResolver(r))
			_, err := ld.LoadPackage("Level", 0)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, ld.Find("Level"), "failed linkers are detached")
		})
	}
}

func TestLoadMissingPackage(t *testing.T) {
	t.Parallel()

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg)
	_, err := ld.LoadPackage("Nowhere", 0)
	require.ErrorIs(t, err, source.ErrNotFound)

	_, err = ld.CreateLinker("Bad.Name", 0)
	require.Error(t, err)
}

func TestTimeSlicedCreation(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)

	w := testutil.NewWorld(t)
	fake := clock.Fake(time.Unix(0, 0))
	fake.SetStep(time.Millisecond)
	ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")), WithClock(fake), WithTickBatch(1))
	l, err := ld.CreateLinkerAsync("Level", 0)
	require.NoError(t, err)
	assert.Equal(t, StateCreatingLoader, l.State())

	ticks := 0
	for done := false; !done; ticks++ {
		require.Less(t, ticks, 1_000_000, "linker creation did not finish")
		done, err = l.Tick(time.Millisecond, true)
		require.NoError(t, err)
	}
	assert.Greater(t, ticks, 1)
	assert.True(t, l.IsFinalized())

	same, err := ld.CreateLinkerAsync("Level", 0)
	require.NoError(t, err)
	assert.Same(t, l, same)

	ref := testutil.NewWorld(t)
	refLoader := NewLoader(ref.Reg, WithResolver(resolverFor(res, "Level")))
	want, err := refLoader.CreateLinker("Level", 0)
	require.NoError(t, err)

	assert.Equal(t, want.Summary, l.Summary)
	assert.Equal(t, want.NameMap, l.NameMap)
	assert.Equal(t, want.DependsMap, l.DependsMap)
	require.Len(t, l.ImportMap, len(want.ImportMap))
	for i := range want.ImportMap {
		assert.Equal(t, want.ImportPath(i), l.ImportPath(i))
	}
	require.Len(t, l.ExportMap, len(want.ExportMap))
	for i := range want.ExportMap {
		assert.Equal(t, want.PathName(ExportIndex(i), "", false), l.PathName(ExportIndex(i), "", false))
		assert.Equal(t, want.ExportMap[i].SerialOffset, l.ExportMap[i].SerialOffset)
		assert.Equal(t, want.ExportMap[i].SerialSize, l.ExportMap[i].SerialSize)
	}

	require.NoError(t, l.LoadAllObjects())
	require.NoError(t, ld.EndLoad())
	checkLevel(t, w, lv.pixels)
}

func TestCreateExportIsIdempotent(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)
	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")))
	l, err := ld.CreateLinker("Level", 0)
	require.NoError(t, err)

	i := l.FindExportPath("Hero.Gear")
	require.GreaterOrEqual(t, i, 0)
	h, err := l.CreateExport(i)
	require.NoError(t, err)
	again, err := l.CreateExport(i)
	require.NoError(t, err)
	assert.Equal(t, h, again)

	o := w.Reg.Get(h)
	assert.True(t, o.Has(object.FlagNeedLoad))
	assert.Equal(t, "Level.Hero.Gear", w.Reg.PathName(h))
	assert.Equal(t, object.LinkerRef(l), o.Linker)
	assert.Equal(t, i, o.LinkerIndex)

	hero := w.Reg.FindPath("Level.Hero")
	require.NotEqual(t, object.Nil, hero, "outers are created first")
	assert.True(t, w.Reg.Get(hero).Has(object.FlagNeedLoad))

	_, err = l.CreateExport(len(l.ExportMap))
	require.ErrorIs(t, err, ErrBadIndex)

	require.NoError(t, ld.EndLoad())
	assert.False(t, o.Has(object.FlagNeedLoad))
	assert.Equal(t, "gear", w.Get(t, h, "Label", 0).Str)
}

func TestFindExistingExports(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)

	w := testutil.NewWorld(t)
	pkg := w.Package(t, "Level")
	existing := w.Spawn(t, pkg, w.Actor, "Buddy")
	w.Set(t, existing, "Health", 0, object.Value{Int: 1})

	ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")))
	_, err := ld.LoadPackage("Level", 0)
	require.NoError(t, err)
	assert.Equal(t, existing, w.Reg.FindPath("Level.Buddy"), "the live object is reused")
	assert.Equal(t, int64(1), w.Get(t, existing, "Health", 0).Int, "live objects keep their state")
	hero := w.Reg.FindPath("Level.Hero")
	assert.Equal(t, existing, w.Get(t, hero, "Owner", 0).Ref)
}

func TestLoadObject(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)
	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg,
		WithResolver(resolverFor(res, "Level")),
		WithRedirects(map[string]string{"Level.Villain": "Level.Hero.Gear"}))

	gear, err := ld.LoadObject("Level.Hero.Gear", 0)
	require.NoError(t, err)
	assert.Equal(t, "gear", w.Get(t, gear, "Label", 0).Str)
	assert.Nil(t, w.Reg.Get(w.Reg.FindPath("Level.Tex")), "unrelated exports are not created")

	redirected, err := ld.LoadObject("Level.Villain", 0)
	require.NoError(t, err)
	assert.Equal(t, gear, redirected)

	_, err = ld.LoadObject("Level.Nobody", 0)
	require.ErrorIs(t, err, ErrNotFound)

	root, err := ld.LoadObject("Level", 0)
	require.NoError(t, err)
	assert.Equal(t, w.Reg.FindPackage("Level"), root)
}

// crossPackages saves Level and a package Old holding a redirector Thing
// that points at Level.Hero.
func crossPackages(t *testing.T) (level, old *SaveResult) {
	t.Helper()
	lv := newLevel(t, 0)
	oldPkg := lv.w.Package(t, "Old")
	_, err := lv.w.Reg.NewRedirector(oldPkg, name.New("Thing"), lv.hero)
	require.NoError(t, err)
	user := lv.w.Spawn(t, oldPkg, lv.w.Actor, "User")
	lv.w.Set(t, user, "Owner", 0, object.Value{Ref: lv.buddy})

	old, err = SavePackageBytes(lv.w.Reg, oldPkg)
	require.NoError(t, err)
	return lv.save(t), old
}

func TestCrossPackageImports(t *testing.T) {
	t.Parallel()

	levelRes, oldRes := crossPackages(t)
	r := resolverFor(levelRes, "Level")
	r.Put("Old", source.KindPackage, oldRes.Package)

	paths := make([]string, len(oldRes.Linker.ImportMap))
	for i := range oldRes.Linker.ImportMap {
		paths[i] = oldRes.Linker.ImportPath(i)
	}
	assert.Contains(t, paths, "Level.Hero")
	assert.Contains(t, paths, "Level.Buddy")

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(r), WithStrictImports(true))
	l, err := ld.CreateLinker("Old", 0)
	require.NoError(t, err)
	bi := slices.Index(paths, "Level.Buddy")
	assert.Equal(t, object.Nil, w.Reg.FindPath("Level.Buddy"))
	assert.Equal(t, object.Nil, l.ImportMap[bi].Object)
	assert.Nil(t, ld.Find("Level"), "imports resolve on first use")

	h, err := l.CreateImport(bi)
	require.NoError(t, err)
	level := ld.Find("Level")
	require.NotNil(t, level, "imported packages get a linker")
	imp := l.ImportMap[bi]
	assert.Same(t, level, imp.SourceLinker)
	require.GreaterOrEqual(t, imp.SourceIndex, 0)
	assert.Equal(t, level.ExportMap[imp.SourceIndex].Object, h)
	assert.Equal(t, h, imp.Object)
	assert.NotEqual(t, object.Nil, h)

	_, err = ld.LoadPackage("Old", 0)
	require.NoError(t, err)
	assert.Same(t, level, ld.Find("Level"), "the Level linker is joined, not recreated")

	buddy := w.Reg.FindPath("Level.Buddy")
	require.NotEqual(t, object.Nil, buddy)
	assert.Equal(t, int64(42), w.Get(t, buddy, "Health", 0).Int)
	user := w.Reg.FindPath("Old.User")
	assert.Equal(t, buddy, w.Get(t, user, "Owner", 0).Ref)

	thing, err := ld.LoadObject("Old.Thing", 0)
	require.NoError(t, err)
	assert.Equal(t, "Level.Hero", w.Reg.PathName(thing), "redirectors resolve to their target")
}

func TestLoadClassDefinedInPackage(t *testing.T) {
	t.Parallel()

	src := testutil.NewWorld(t)
	door, err := src.Reg.DefineClass(object.ClassDesc{Package: "Scripts", Name: "Door", Super: src.Actor, Props: []object.PropertyDesc{
		{Name: "Code", Kind: object.KindInt, Default: object.Value{Int: 9}},
		{Name: "Key", Kind: object.KindString},
	}})
	require.NoError(t, err)
	pkg := src.Reg.FindPackage("Scripts")
	front := src.Spawn(t, pkg, door, "Front")
	src.Set(t, front, "Key", 0, object.Value{Str: "brass"})
	src.Set(t, front, "Health", 0, object.Value{Int: 7})

	res, err := SavePackageBytes(src.Reg, pkg)
	require.NoError(t, err)
	ci := res.Linker.FindExportPath("Door")
	require.GreaterOrEqual(t, ci, 0)
	assert.True(t, res.Linker.ExportMap[ci].ClassIndex.IsNull(), "classes are instances of Class")
	fi := res.Linker.FindExportPath("Front")
	require.GreaterOrEqual(t, fi, 0)
	assert.Equal(t, ExportIndex(ci), res.Linker.ExportMap[fi].ClassIndex)
	assert.GreaterOrEqual(t, res.Linker.FindExportPath("Default__Door"), 0)

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Scripts")), WithStrictImports(true))
	_, err = ld.LoadPackage("Scripts", 0)
	require.NoError(t, err)

	class := w.Reg.FindPath("Scripts.Door")
	require.True(t, w.Reg.IsClass(class))
	cdo := w.Reg.StructOf(class).Default
	require.NotEqual(t, object.Nil, cdo)
	assert.Equal(t, "Scripts.Default__Door", w.Reg.PathName(cdo))
	assert.Equal(t, int64(9), w.Get(t, cdo, "Code", 0).Int)

	loaded := w.Reg.FindPath("Scripts.Front")
	require.NotEqual(t, object.Nil, loaded)
	assert.Equal(t, class, w.Reg.Get(loaded).Class)
	assert.Equal(t, cdo, w.Reg.Get(loaded).Archetype)
	assert.Equal(t, int64(9), w.Get(t, loaded, "Code", 0).Int, "untagged values come from the loaded default object")
	assert.Equal(t, "brass", w.Get(t, loaded, "Key", 0).Str)
	assert.Equal(t, int64(7), w.Get(t, loaded, "Health", 0).Int)
}

func TestMissingImports(t *testing.T) {
	t.Parallel()

	_, oldRes := crossPackages(t)
	r := source.NewMapResolver()
	r.Put("Old", source.KindPackage, oldRes.Package)

	t.Run("strict", func(t *testing.T) {
		t.Parallel()

		w := testutil.NewWorld(t)
		ld := NewLoader(w.Reg, WithResolver(r))
		_, err := ld.LoadPackage("Old", LoadStrict)
		require.ErrorIs(t, err, ErrImportNotFound)
		var ierr *ImportError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, "Old", ierr.Linker)
	})

	t.Run("relaxed", func(t *testing.T) {
		t.Parallel()

		w := testutil.NewWorld(t)
		ld := NewLoader(w.Reg, WithResolver(r))
		_, err := ld.LoadPackage("Old", LoadRelaxed)
		require.NoError(t, err)
		user := w.Reg.FindPath("Old.User")
		require.NotEqual(t, object.Nil, user)
		assert.Equal(t, object.Nil, w.Get(t, user, "Owner", 0).Ref, "unresolved references load as nil")
	})

	t.Run("redirected", func(t *testing.T) {
		t.Parallel()

		lv := newLevel(t, 0)
		moved := lv.save(t)
		rr := source.NewMapResolver()
		rr.Put("Old", source.KindPackage, oldRes.Package)
		rr.Put("Moved", source.KindPackage, moved.Package)

		w := testutil.NewWorld(t)
		ld := NewLoader(w.Reg, WithResolver(rr), WithRedirects(map[string]string{
			"Level":       "Moved",
			"Level.Buddy": "Moved.Buddy",
			"Level.Hero":  "Moved.Hero",
		}))
		_, err := ld.LoadPackage("Old", LoadRelaxed)
		require.NoError(t, err)
		user := w.Reg.FindPath("Old.User")
		owner := w.Get(t, user, "Owner", 0).Ref
		assert.Equal(t, "Moved.Buddy", w.Reg.PathName(owner))
	})
}

func TestAsyncLoad(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)
	w := testutil.NewWorld(t)
	fake := clock.Fake(time.Unix(0, 0))
	fake.SetStep(time.Millisecond)
	ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")), WithClock(fake), WithTickBatch(1))

	p := ld.AsyncLoad("Level", 0)
	assert.Same(t, p, ld.AsyncLoad("Level", 0))
	assert.Equal(t, "Level", p.Package())
	assert.Equal(t, 1, ld.AsyncPending())

	calls := 0
	for !p.Done() {
		require.Less(t, calls, 1_000_000, "async load did not finish")
		_, err := ld.ProcessAsyncLoading(time.Millisecond, true)
		require.NoError(t, err)
		calls++
	}
	assert.Greater(t, calls, 1)
	require.NoError(t, p.Err())
	assert.Equal(t, 0, ld.AsyncPending())
	assert.Equal(t, w.Reg.FindPackage("Level"), p.Root())
	checkLevel(t, w, lv.pixels)
	for h, o := range w.Reg.All() {
		assert.False(t, o.Has(object.FlagAsyncLoading), "%s still loading", w.Reg.PathName(h))
	}
}

func TestAsyncLoadFailure(t *testing.T) {
	t.Parallel()

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg)
	p := ld.AsyncLoad("Nowhere", 0)
	left, err := ld.ProcessAsyncLoading(0, false)
	require.ErrorIs(t, err, source.ErrNotFound)
	assert.Equal(t, 0, left)
	assert.True(t, p.Done())
	require.Error(t, p.Err())
	assert.Nil(t, ld.Find("Nowhere"))
}

func TestDetach(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)

	t.Run("reset discards unread payloads", func(t *testing.T) {
		t.Parallel()

		w := testutil.NewWorld(t)
		ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")))
		_, err := ld.LoadPackage("Level", 0)
		require.NoError(t, err)
		l := ld.Find("Level")
		bulk := w.Get(t, w.Reg.FindPath("Level.Tex"), "Pixels", 0).Bulk
		require.True(t, bulk.IsAttached())

		require.NoError(t, ld.ResetLoaders("Level"))
		assert.True(t, l.IsDetached())
		assert.Nil(t, ld.Find("Level"))
		assert.False(t, bulk.IsAttached())
		assert.False(t, bulk.IsLoaded())
		for i := range l.ExportMap {
			assert.Nil(t, w.Reg.Get(l.ExportMap[i].Object).Linker)
		}

		_, err = l.CreateExport(0)
		require.ErrorIs(t, err, ErrDetached)
		_, err = l.Tick(0, false)
		require.ErrorIs(t, err, ErrDetached)
		require.NoError(t, l.Detach(false), "detaching twice is a no-op")
	})

	t.Run("close keeps payloads", func(t *testing.T) {
		t.Parallel()

		w := testutil.NewWorld(t)
		ld := NewLoader(w.Reg, WithResolver(resolverFor(res, "Level")))
		_, err := ld.LoadPackage("Level", 0)
		require.NoError(t, err)
		bulk := w.Get(t, w.Reg.FindPath("Level.Tex"), "Pixels", 0).Bulk

		require.NoError(t, w.Reg.Close())
		assert.Empty(t, ld.Linkers())
		assert.False(t, bulk.IsAttached())
		got, err := bulk.Copy()
		require.NoError(t, err)
		assert.Equal(t, lv.pixels, got)

		_, err = ld.CreateLinker("Level", 0)
		require.ErrorIs(t, err, ErrDetached)
	})
}

func TestLoadSurvivesCorruptPayload(t *testing.T) {
	t.Parallel()

	lv := newLevel(t, 0)
	res := lv.save(t)
	i := res.Linker.FindExportPath("Buddy")
	require.GreaterOrEqual(t, i, 0)
	exp := res.Linker.ExportMap[i]

	data := append([]byte(nil), res.Package...)
	data[exp.SerialOffset] ^= 0xFF
	r := source.NewMapResolver()
	r.Put("Level", source.KindPackage, data)

	w := testutil.NewWorld(t)
	ld := NewLoader(w.Reg, WithResolver(r))
	_, err := ld.LoadPackage("Level", LoadStrict)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptExport) || errors.Is(err, ErrBadIndex))

	w = testutil.NewWorld(t)
	ld = NewLoader(w.Reg, WithResolver(r))
	_, err = ld.LoadPackage("Level", LoadRelaxed)
	require.NoError(t, err)
	assert.NotEqual(t, object.Nil, w.Reg.FindPath("Level.Hero"))
}
