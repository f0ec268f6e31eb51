package object

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/bulkdata"
	"github.com/meigma/pak/name"
)

type world struct {
	reg   *Registry
	vec   Handle
	actor Handle
	pawn  Handle
	walk  Handle
}

func newWorld(t *testing.T) *world {
	t.Helper()
	r := NewRegistry()
	vec, err := r.DefineStruct(StructDesc{Package: "Game", Name: "Vec", Props: []PropertyDesc{
		{Name: "X", Kind: KindFloat},
		{Name: "Y", Kind: KindFloat},
	}})
	require.NoError(t, err)
	actor, err := r.DefineClass(ClassDesc{Package: "Game", Name: "Actor", Flags: StructNative, Props: []PropertyDesc{
		{Name: "Health", Kind: KindInt, Default: Value{Int: 100}},
		{Name: "Label", Kind: KindString},
		{Name: "Pos", Kind: KindStruct, Struct: vec},
		{Name: "Tags", Kind: KindArray, Inner: &PropertyDesc{Kind: KindName}},
		{Name: "Target", Kind: KindObject},
		{Name: "Path", Kind: KindArray, Inner: &PropertyDesc{Kind: KindStruct, Struct: vec}},
		{Name: "Visible", Kind: KindBool},
		{Name: "Slots", Kind: KindInt, ArrayDim: 3},
		{Name: "Data", Kind: KindBulkData, ElementSize: 1},
	}})
	require.NoError(t, err)
	pawn, err := r.DefineClass(ClassDesc{Package: "Game", Name: "Pawn", Super: actor, Flags: StructNative, Props: []PropertyDesc{
		{Name: "Frame", Kind: KindStateFrame},
	}})
	require.NoError(t, err)
	walk, err := r.DefineState(pawn, "Walking", []PropertyDesc{{Name: "Speed", Kind: KindFloat}})
	require.NoError(t, err)
	return &world{reg: r, vec: vec, actor: actor, pawn: pawn, walk: walk}
}

func (w *world) newPawn(t *testing.T, n string) Handle {
	t.Helper()
	pkg, err := w.reg.CreatePackage("Level")
	require.NoError(t, err)
	h, err := w.reg.New(NewParams{Class: w.pawn, Outer: pkg, Name: name.New(n)})
	require.NoError(t, err)
	return h
}

func (w *world) fill(t *testing.T, h Handle, target Handle) {
	t.Helper()
	r := w.reg
	set := func(prop string, index int, v Value) {
		_, slots, err := r.Slots(h, prop, index)
		require.NoError(t, err)
		slots[0] = v
	}
	set("Health", 0, Value{Int: 42})
	set("Label", 0, Value{Str: "héro"})
	_, pos, err := r.Slots(h, "Pos", 0)
	require.NoError(t, err)
	pos[0].Float, pos[1].Float = 1.5, -2
	set("Tags", 0, Value{Elems: []Value{{Name: name.New("Red")}, {Name: name.WithNumber("Blue", 3)}}})
	set("Target", 0, Value{Ref: target})
	set("Path", 0, Value{Elems: []Value{{Float: 1}, {Float: 2}, {Float: 3}, {Float: 4}}})
	set("Visible", 0, Value{Int: 1})
	set("Slots", 2, Value{Int: 9})
	set("Data", 0, Value{Bulk: bulkdata.WithBytes([]byte("payload"))})
	set("Frame", 0, Value{Ref: w.walk, Elems: []Value{{Float: 0.25}}})
}

func (w *world) assertFilled(t *testing.T, h Handle, target Handle) {
	t.Helper()
	r := w.reg
	get := func(prop string, index int) Value {
		_, slots, err := r.Slots(h, prop, index)
		require.NoError(t, err)
		return slots[0]
	}
	assert.Equal(t, int64(42), get("Health", 0).Int)
	assert.Equal(t, "héro", get("Label", 0).Str)
	_, pos, err := r.Slots(h, "Pos", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, pos[0].Float)
	assert.Equal(t, -2.0, pos[1].Float)
	tags := get("Tags", 0).Elems
	require.Len(t, tags, 2)
	assert.Equal(t, "Red", tags[0].Name.String())
	assert.Equal(t, "Blue_2", tags[1].Name.String())
	assert.Equal(t, target, get("Target", 0).Ref)
	assert.Len(t, get("Path", 0).Elems, 4)
	assert.Equal(t, 4.0, get("Path", 0).Elems[3].Float)
	assert.Equal(t, int64(1), get("Visible", 0).Int)
	assert.Equal(t, int64(0), get("Slots", 1).Int)
	assert.Equal(t, int64(9), get("Slots", 2).Int)
	data, err := get("Data", 0).Bulk.Copy()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	frame := get("Frame", 0)
	assert.Equal(t, w.walk, frame.Ref)
	require.Len(t, frame.Elems, 1)
	assert.Equal(t, 0.25, frame.Elems[0].Float)
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	assert.Equal(t, r.ObjectClass, r.FindPath("Core.Object"))
	assert.Equal(t, r.ClassClass, r.FindClass(name.New("Core"), name.New("Class")))
	assert.True(t, r.IsClass(r.RedirectorClass))
	assert.Equal(t, r.ClassClass, r.Get(r.ClassClass).Class)

	cdo := r.StructOf(r.ObjectClass).Default
	require.NotEqual(t, Nil, cdo)
	assert.Equal(t, "Core.Default__Object", r.PathName(cdo))
	assert.True(t, r.Get(cdo).Has(FlagClassDefaultObject))
	assert.Equal(t, Nil, r.FindPath("Core..Object"))
}

func TestDefineClassDefaults(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	r := w.reg

	st := r.StructOf(w.pawn)
	require.NotNil(t, st)
	assert.Equal(t, 13, st.Size)
	assert.True(t, r.IsA(st.Default, w.actor))
	assert.Equal(t, r.StructOf(w.actor).Default, r.Get(st.Default).Archetype)

	h := w.newPawn(t, "P1")
	v, err := r.Value(h, "Health")
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.Int, "inherits class default")
	data, err := r.Value(h, "Data")
	require.NoError(t, err)
	require.NotNil(t, data.Bulk)
	assert.True(t, data.Bulk.IsLoaded())
	assert.Equal(t, "Pawn Level.P1", r.FullName(h))

	_, err = r.DefineClass(ClassDesc{Package: "Game", Name: "Actor"})
	require.ErrorIs(t, err, ErrNameCollision)
	_, err = r.DefineClass(ClassDesc{Package: "Game", Name: "Bad", Super: w.vec})
	require.ErrorIs(t, err, ErrNotAClass)
	_, err = r.Value(h, "Missing")
	require.ErrorIs(t, err, ErrNoProperty)
}

func TestReserveConstruct(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	r := w.reg
	pkg, err := r.CreatePackage("Level")
	require.NoError(t, err)

	h, err := r.Reserve(name.New("Later"), r.CoreHandle, Nil, FlagPublic)
	require.NoError(t, err)
	assert.True(t, r.Get(h).Has(FlagUnderConstruction))

	require.NoError(t, r.SetOuter(h, pkg))
	assert.Equal(t, h, r.FindPath("Level.Later"))
	require.NoError(t, r.Construct(h, w.actor, Nil))
	o := r.Get(h)
	assert.False(t, o.Has(FlagUnderConstruction))
	assert.Equal(t, r.StructOf(w.actor).Default, o.Archetype)
	assert.Len(t, o.Values, r.StructOf(w.actor).Size)

	_, err = r.Reserve(name.New("Later"), pkg, Nil, 0)
	require.ErrorIs(t, err, ErrNameCollision)

	require.NoError(t, r.Rename(h, name.New("Renamed"), pkg))
	assert.Equal(t, Nil, r.FindPath("Level.Later"))
	assert.Equal(t, h, r.FindPath("Level.Renamed"))

	auto, err := r.New(NewParams{Class: w.actor, Outer: pkg})
	require.NoError(t, err)
	assert.Equal(t, "Actor", r.Get(auto).Name.Base())
	assert.NotZero(t, r.Get(auto).Name.Number())
}

func TestFreeReusesHandles(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	r := w.reg
	h := w.newPawn(t, "Gone")
	before := r.Len()
	r.Free(h)
	assert.Equal(t, before-1, r.Len())
	assert.False(t, r.Valid(h))
	assert.Equal(t, Nil, r.FindPath("Level.Gone"))

	again := w.newPawn(t, "Back")
	assert.Equal(t, h, again)
}

func TestRedirector(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	r := w.reg
	target := w.newPawn(t, "Real")
	pkg := r.FindPackage("Level")
	redir, err := r.NewRedirector(pkg, name.New("Old"), target)
	require.NoError(t, err)
	assert.Equal(t, target, r.RedirectorTarget(redir))
	assert.Equal(t, Nil, r.RedirectorTarget(target))
}

func TestBinaryRoundTrip(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	r := w.reg
	src := w.newPawn(t, "Src")
	target := w.newPawn(t, "Target")
	w.fill(t, src, target)

	ar := archive.NewMemoryWriter(0)
	r.Serialize(src, ar)
	require.NoError(t, ar.Err())

	dst := w.newPawn(t, "Dst")
	rd := archive.NewMemoryReader(ar.Bytes(), 0)
	r.Serialize(dst, rd)
	require.NoError(t, rd.Err())
	assert.Equal(t, rd.TotalSize(), rd.Tell())
	w.assertFilled(t, dst, target)
}

func TestTaggedRoundTrip(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	r := w.reg
	src := w.newPawn(t, "Src")
	target := w.newPawn(t, "Target")
	w.fill(t, src, target)

	ar := archive.NewMemoryWriter(archive.FlagPersistent)
	r.Serialize(src, ar)
	require.NoError(t, ar.Err())

	dst := w.newPawn(t, "Dst")
	rd := archive.NewMemoryReader(ar.Bytes(), archive.FlagPersistent)
	r.Serialize(dst, rd)
	require.NoError(t, rd.Err())
	assert.Equal(t, rd.TotalSize(), rd.Tell())
	w.assertFilled(t, dst, target)
}

func TestTaggedSkipsDefaults(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	r := w.reg
	h := w.newPawn(t, "Plain")

	ar := archive.NewMemoryWriter(archive.FlagPersistent)
	r.Serialize(h, ar)
	require.NoError(t, ar.Err())
	assert.False(t, bytes.Contains(ar.Bytes(), []byte("Health")))
	assert.False(t, bytes.Contains(ar.Bytes(), []byte("Label")))
	assert.True(t, bytes.Contains(ar.Bytes(), []byte("Data")), "bulk payloads are always written")

	require.NoError(t, r.SetValue(h, "Health", Value{Int: 7}))
	ar = archive.NewMemoryWriter(archive.FlagPersistent)
	r.Serialize(h, ar)
	assert.True(t, bytes.Contains(ar.Bytes(), []byte("Health")))
}

func TestTaggedToleratesLayoutChanges(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	oldClass, err := r.DefineClass(ClassDesc{Package: "Game", Name: "Old", Props: []PropertyDesc{
		{Name: "Health", Kind: KindInt},
		{Name: "Extra", Kind: KindString},
		{Name: "Score", Kind: KindInt},
	}})
	require.NoError(t, err)
	newClass, err := r.DefineClass(ClassDesc{Package: "Game", Name: "New", Props: []PropertyDesc{
		{Name: "Score", Kind: KindInt},
		{Name: "Health", Kind: KindFloat},
	}})
	require.NoError(t, err)

	src, err := r.New(NewParams{Class: oldClass})
	require.NoError(t, err)
	require.NoError(t, r.SetValue(src, "Health", Value{Int: 5}))
	require.NoError(t, r.SetValue(src, "Extra", Value{Str: "gone"}))
	require.NoError(t, r.SetValue(src, "Score", Value{Int: 7}))

	ar := archive.NewMemoryWriter(archive.FlagPersistent)
	r.Serialize(src, ar)
	require.NoError(t, ar.Err())

	dst, err := r.New(NewParams{Class: newClass})
	require.NoError(t, err)
	rd := archive.NewMemoryReader(ar.Bytes(), archive.FlagPersistent)
	r.Serialize(dst, rd)
	require.NoError(t, rd.Err())

	score, err := r.Value(dst, "Score")
	require.NoError(t, err)
	assert.Equal(t, int64(7), score.Int)
	health, err := r.Value(dst, "Health")
	require.NoError(t, err)
	assert.Zero(t, health.Float, "mismatched kinds are skipped")
}

func TestTaggedTruncated(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	r := w.reg
	src := w.newPawn(t, "Src")
	w.fill(t, src, Nil)
	ar := archive.NewMemoryWriter(archive.FlagPersistent)
	r.Serialize(src, ar)
	require.NoError(t, ar.Err())

	dst := w.newPawn(t, "Dst")
	rd := archive.NewMemoryReader(ar.Bytes()[:len(ar.Bytes())/2], archive.FlagPersistent)
	r.Serialize(dst, rd)
	require.Error(t, rd.Err())
}

func TestReinitialize(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	r := w.reg
	cdo := r.StructOf(w.pawn).Default
	h := w.newPawn(t, "P")

	require.NoError(t, r.SetValue(cdo, "Health", Value{Int: 55}))
	r.Reinitialize(h)
	v, err := r.Value(h, "Health")
	require.NoError(t, err)
	assert.Equal(t, int64(55), v.Int)
}

func TestValueEqual(t *testing.T) {
	t.Parallel()
	a := Value{Int: 1, Elems: []Value{{Str: "x"}}}
	b := a.Clone()
	assert.True(t, a.Equal(b))
	b.Elems[0].Str = "y"
	assert.False(t, a.Equal(b))
	assert.Equal(t, "x", a.Elems[0].Str, "clone is deep")
	assert.True(t, Value{}.IsZero())
	assert.False(t, Value{Bulk: bulkdata.New(1)}.Equal(Value{Bulk: bulkdata.New(1)}))
}
