package gc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pak/bulkdata"
	"github.com/meigma/pak/internal/clock"
	"github.com/meigma/pak/internal/testutil"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
)

func TestTokenEncoding(t *testing.T) {
	t.Parallel()
	ri := ReferenceInfo{ReturnCount: 3, Type: TokenArrayStruct, Offset: MaxOffset}
	assert.Equal(t, ri, DecodeReferenceInfo(ri.Encode()))
	assert.Equal(t, uint32(3|4<<8|MaxOffset<<12), ri.Encode())

	si := SkipInfo{InnerReturnCount: 2, SkipIndex: 12345}
	assert.Equal(t, si, DecodeSkipInfo(si.Encode()))
	assert.Equal(t, "EndOfStream", TokenEndOfStream.String())
}

func TestTokenStreamPlaceholders(t *testing.T) {
	t.Parallel()
	var ts TokenStream
	ts.EmitReferenceInfo(ReferenceInfo{Type: TokenArrayStruct})
	ts.EmitAux(1)
	skip := ts.EmitSkipIndexPlaceholder()
	assert.Panics(t, func() { ts.UpdateSkipIndexPlaceholder(0, 3) })
	ts.EmitReferenceInfo(ReferenceInfo{Type: TokenObject})
	ts.EmitReturn()
	ts.UpdateSkipIndexPlaceholder(skip, ts.Len())
	ts.EmitEndOfStream()

	assert.Equal(t, SkipInfo{InnerReturnCount: 1, SkipIndex: 4}, ts.Skip(skip))
	assert.Panics(t, func() { ts.UpdateSkipIndexPlaceholder(skip, 4) }, "already fixed up")
	assert.Contains(t, ts.String(), "ArrayStruct")
}

func TestAssembleActor(t *testing.T) {
	t.Parallel()
	w := testutil.NewWorld(t)
	ts, err := AssembleTokenStream(w.Reg, w.Actor)
	require.NoError(t, err)

	types := map[int]TokenType{
		0: TokenObject, 1: TokenArrayObject, 2: TokenArrayStruct, 5: TokenArrayStruct,
		8: TokenObject, 9: TokenPersistentObject, 10: TokenScriptDelegate,
		11: TokenFixedArray, 14: TokenObject, 15: TokenEndOfStream,
	}
	require.Equal(t, 16, ts.Len(), ts.String())
	for i, typ := range types {
		assert.Equal(t, typ, ts.Info(i).Type, "token %d", i)
	}
	assert.Equal(t, uint32(5), ts.Info(0).Offset)
	assert.Equal(t, uint32(2), ts.Word(3), "group stride")
	assert.Equal(t, SkipInfo{InnerReturnCount: 2, SkipIndex: 9}, ts.Skip(4))
	assert.Equal(t, SkipInfo{InnerReturnCount: 1, SkipIndex: 9}, ts.Skip(7))
	assert.Equal(t, uint8(2), ts.Info(8).ReturnCount)
	assert.Equal(t, uint32(2), ts.Word(13), "fixed array count")
	assert.Equal(t, uint8(1), ts.Info(14).ReturnCount)

	pawn, err := AssembleTokenStream(w.Reg, w.Pawn)
	require.NoError(t, err)
	assert.Equal(t, TokenStateLocals, pawn.Info(15).Type, "subclass tokens follow the super's")
	assert.Equal(t, uint32(12), pawn.Info(15).Offset)

	_, err = AssembleTokenStream(w.Reg, w.Vector)
	require.NoError(t, err, "structs assemble too")
	_, err = AssembleTokenStream(w.Reg, object.Nil)
	require.ErrorIs(t, err, object.ErrNotAClass)
}

type step struct{ idx, depth, elem int }

func trace(t *testing.T, c *Collector, ts *TokenStream, vals []object.Value, noSkip bool) []step {
	t.Helper()
	var steps []step
	m := &marker{c: c, noSkip: noSkip, trace: func(idx, depth, elem int) {
		steps = append(steps, step{idx, depth, elem})
	}}
	require.NoError(t, m.run(ts, vals))
	return steps
}

func TestSkipEquivalence(t *testing.T) {
	t.Parallel()
	w := testutil.NewWorld(t)
	c := New(w.Reg)
	pkg := w.Package(t, "Level")
	friend := w.Spawn(t, pkg, w.Actor, "Friend")
	ts, err := c.Stream(w.Reg.StructOf(w.Actor))
	require.NoError(t, err)

	cases := map[string]object.Value{
		"no groups":          w.Groups(),
		"empty then full":    w.Groups(nil, []object.Handle{friend}),
		"full then empty":    w.Groups([]object.Handle{friend}, nil),
		"all empty":          w.Groups(nil, nil, nil),
		"nested two members": w.Groups([]object.Handle{friend, friend}),
	}
	for label, groups := range cases {
		t.Run(label, func(t *testing.T) {
			h := w.SpawnTransient(t, pkg, w.Actor, "")
			w.Set(t, h, "Groups", 0, groups)
			vals := w.Reg.Get(h).Values
			skipped := trace(t, c, ts, vals, false)
			full := trace(t, c, ts, vals, true)
			assert.Equal(t, full, skipped)
			assert.Equal(t, 15, skipped[len(skipped)-1].idx, "ends on EndOfStream")
		})
	}
}

type env struct {
	w   *testutil.World
	c   *Collector
	clk *clock.FakeClock
	pkg object.Handle
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	w := testutil.NewWorld(t)
	clk := clock.Fake(time.Unix(0, 0))
	opts = append([]Option{WithClock(clk)}, opts...)
	return &env{w: w, c: New(w.Reg, opts...), clk: clk, pkg: w.Package(t, "Level")}
}

func TestCollectReachability(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	w, reg := e.w, e.w.Reg

	root := w.Spawn(t, e.pkg, w.Pawn, "Root")
	owned := w.SpawnTransient(t, e.pkg, w.Actor, "Owned")
	member := w.SpawnTransient(t, e.pkg, w.Actor, "Member")
	local := w.SpawnTransient(t, e.pkg, w.Actor, "Local")
	slot := w.SpawnTransient(t, e.pkg, w.Actor, "Slot")
	orphan := w.SpawnTransient(t, e.pkg, w.Actor, "Orphan")
	chained := w.SpawnTransient(t, e.pkg, w.Actor, "Chained")

	w.Set(t, root, "Owner", 0, object.Value{Ref: owned})
	w.Set(t, root, "Groups", 0, w.Groups(nil, []object.Handle{member}))
	w.Set(t, root, "Frame", 0, object.Value{Ref: w.Walking, Elems: []object.Value{{Ref: local}, {Float: 1}}})
	w.Set(t, root, "Slots", 1, object.Value{Ref: slot})
	w.Set(t, owned, "Friends", 0, object.Value{Elems: []object.Value{{Ref: chained}}})

	stats, err := e.c.CollectGarbage(object.FlagStandalone)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unreachable)
	assert.False(t, e.c.Purging())

	for _, h := range []object.Handle{root, owned, member, local, slot, chained, e.pkg} {
		assert.True(t, reg.Valid(h), reg.PathName(h))
		assert.False(t, reg.Get(h).Has(object.FlagUnreachable))
	}
	assert.False(t, reg.Valid(orphan))
	assert.Equal(t, object.Nil, reg.FindPath("Level.Orphan"))
	assert.True(t, reg.Valid(w.Actor), "native classes are rooted")
}

func TestPendingKillReferences(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	w, reg := e.w, e.w.Reg

	root := w.Spawn(t, e.pkg, w.Actor, "Root")
	killed := w.SpawnTransient(t, e.pkg, w.Actor, "Killed")
	pinned := w.SpawnTransient(t, e.pkg, w.Actor, "Pinned")
	listed := w.SpawnTransient(t, e.pkg, w.Actor, "Listed")
	kept := w.SpawnTransient(t, e.pkg, w.Actor, "Kept")
	for _, h := range []object.Handle{killed, pinned, listed} {
		reg.MarkPendingKill(h)
	}

	w.Set(t, root, "Owner", 0, object.Value{Ref: killed})
	w.Set(t, root, "Pinned", 0, object.Value{Ref: pinned})
	w.Set(t, root, "Callback", 0, object.Value{Ref: killed, Name: name.New("OnHit")})
	w.Set(t, root, "Friends", 0, object.Value{Elems: []object.Value{{Ref: listed}, {Ref: kept}}})

	stats, err := e.c.CollectGarbage(object.FlagStandalone)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Nulled)

	assert.Equal(t, object.Nil, w.Get(t, root, "Owner", 0).Ref)
	cb := w.Get(t, root, "Callback", 0)
	assert.Equal(t, object.Nil, cb.Ref)
	assert.True(t, cb.Name.IsNone())
	friends := w.Get(t, root, "Friends", 0).Elems
	assert.Equal(t, object.Nil, friends[0].Ref)
	assert.Equal(t, kept, friends[1].Ref)
	assert.Equal(t, pinned, w.Get(t, root, "Pinned", 0).Ref, "kept references survive pending kill")

	assert.False(t, reg.Valid(killed))
	assert.False(t, reg.Valid(listed))
	assert.True(t, reg.Valid(pinned))
}

type teardown struct {
	begun, finished int
	ready           bool
}

func (td *teardown) hooks() *object.Hooks {
	return &object.Hooks{
		BeginDestroy:            func(*object.Registry, object.Handle) { td.begun++ },
		IsReadyForFinishDestroy: func(*object.Registry, object.Handle) bool { return td.ready },
		FinishDestroy:           func(*object.Registry, object.Handle) { td.finished++ },
	}
}

func TestIncrementalPurgeWaitsForReady(t *testing.T) {
	t.Parallel()
	e := newEnv(t, WithPurgeBatch(1))
	reg := e.w.Reg
	td := &teardown{}
	slow, err := reg.DefineClass(object.ClassDesc{Package: "Engine", Name: "Slow", Flags: object.StructNative, Hooks: td.hooks()})
	require.NoError(t, err)
	h := e.w.SpawnTransient(t, e.pkg, slow, "S")

	_, err = e.c.Collect(object.FlagStandalone)
	require.NoError(t, err)
	assert.Equal(t, 1, td.begun)
	assert.True(t, e.c.Purging())

	for range 3 {
		assert.False(t, e.c.IncrementalPurge(true, time.Millisecond))
	}
	require.True(t, reg.Valid(h), "not freed before it is ready")
	assert.True(t, reg.Get(h).Has(object.FlagBeginDestroyed))
	assert.Zero(t, td.finished)

	td.ready = true
	assert.True(t, e.c.IncrementalPurge(true, time.Second))
	assert.Equal(t, 1, td.finished)
	assert.False(t, reg.Valid(h))
}

func TestIncrementalPurgeTimeSlices(t *testing.T) {
	t.Parallel()
	e := newEnv(t, WithPurgeBatch(1))
	for i := range 5 {
		e.w.SpawnTransient(t, e.pkg, e.w.Actor, "A"+string(rune('a'+i)))
	}
	_, err := e.c.Collect(object.FlagStandalone)
	require.NoError(t, err)

	e.clk.SetStep(time.Millisecond)
	ticks := 0
	for !e.c.IncrementalPurge(true, time.Millisecond) {
		ticks++
		require.Less(t, ticks, 100)
	}
	assert.Positive(t, ticks, "purge spans several ticks")
	assert.Equal(t, object.Nil, e.w.Reg.FindPath("Level.Aa"))
}

func TestPurgeWaitTimeout(t *testing.T) {
	t.Parallel()
	e := newEnv(t, WithWaitTimeout(5*time.Second))
	reg := e.w.Reg
	td := &teardown{}
	stuck, err := reg.DefineClass(object.ClassDesc{Package: "Engine", Name: "Stuck", Flags: object.StructNative, Hooks: td.hooks()})
	require.NoError(t, err)
	h := e.w.SpawnTransient(t, e.pkg, stuck, "S")

	e.clk.SetStep(time.Second)
	_, err = e.c.CollectGarbage(object.FlagStandalone)
	require.NoError(t, err)
	assert.Equal(t, 1, td.finished)
	assert.False(t, reg.Valid(h))
}

type fakeLinker struct {
	destroyed []int
	detached  bool
}

func (l *fakeLinker) PackageName() string       { return "Level" }
func (l *fakeLinker) ObjectDestroyed(index int) { l.destroyed = append(l.destroyed, index) }
func (l *fakeLinker) Detach(bool) error         { l.detached = true; return nil }

func TestDestroyReleasesLinkerAndBulk(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	w, reg := e.w, e.w.Reg
	lnk := &fakeLinker{}

	tex := w.SpawnTransient(t, e.pkg, w.Texture, "Tex")
	o := reg.Get(tex)
	o.Linker, o.LinkerIndex = lnk, 4
	reg.Get(e.pkg).Linker = lnk
	bulk := w.Get(t, tex, "Pixels", 0).Bulk
	_, err := bulk.Lock(bulkdata.ReadWrite)
	require.NoError(t, err)
	bulk.Realloc(2)
	bulk.Unlock()

	stats, err := e.c.CollectGarbage(object.FlagStandalone)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Unreachable, "texture and its package")
	assert.Equal(t, []int{4}, lnk.destroyed)
	assert.True(t, lnk.detached)
	assert.False(t, bulk.IsLoaded())
	assert.False(t, reg.Valid(e.pkg))
}

func TestKeepFlagsAndLoadingObjects(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	w, reg := e.w, e.w.Reg
	loading := w.SpawnTransient(t, e.pkg, w.Actor, "Loading")
	reg.Get(loading).Flags |= object.FlagNeedLoad
	standalone := w.Spawn(t, e.pkg, w.Actor, "Standalone")

	_, err := e.c.CollectGarbage(0)
	require.NoError(t, err)
	assert.True(t, reg.Valid(loading))
	assert.False(t, reg.Valid(standalone), "standalone objects go without keep flags")
}
