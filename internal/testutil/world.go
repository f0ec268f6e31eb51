package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
)

// EnginePackage is the native package holding the fixture classes.
const EnginePackage = "Engine"

// World is a registry with the fixture classes:
//
//	Vector  {X, Y, Z float}
//	Member  {Who object, Weight float}
//	Group   {Label string, Members []Member}
//	Actor   {Health int = 100, Label string, Location Vector, Owner object,
//	         Friends []object, Groups []Group, Pinned object (kept),
//	         Callback delegate, Slots [2]object}
//	Pawn    Actor + {Frame state frame}
//	Walking state of Pawn {Target object, Speed float}
//	Texture {Width int, Pixels bulk (4-byte elements)}
type World struct {
	Reg *object.Registry

	Vector  object.Handle
	Member  object.Handle
	Group   object.Handle
	Actor   object.Handle
	Pawn    object.Handle
	Walking object.Handle
	Texture object.Handle
}

// NewWorld returns a World over a fresh registry.
func NewWorld(tb testing.TB, opts ...object.Option) *World {
	tb.Helper()
	reg := object.NewRegistry(opts...)
	w := &World{Reg: reg}
	w.Define(tb)
	return w
}

// Define registers the fixture classes in w.Reg.
func (w *World) Define(tb testing.TB) {
	tb.Helper()
	reg := w.Reg
	var err error
	w.Vector, err = reg.DefineStruct(object.StructDesc{Package: EnginePackage, Name: "Vector", Props: []object.PropertyDesc{
		{Name: "X", Kind: object.KindFloat},
		{Name: "Y", Kind: object.KindFloat},
		{Name: "Z", Kind: object.KindFloat},
	}})
	require.NoError(tb, err)
	w.Member, err = reg.DefineStruct(object.StructDesc{Package: EnginePackage, Name: "Member", Props: []object.PropertyDesc{
		{Name: "Who", Kind: object.KindObject},
		{Name: "Weight", Kind: object.KindFloat},
	}})
	require.NoError(tb, err)
	w.Group, err = reg.DefineStruct(object.StructDesc{Package: EnginePackage, Name: "Group", Props: []object.PropertyDesc{
		{Name: "Label", Kind: object.KindString},
		{Name: "Members", Kind: object.KindArray, Inner: &object.PropertyDesc{Kind: object.KindStruct, Struct: w.Member}},
	}})
	require.NoError(tb, err)
	w.Actor, err = reg.DefineClass(object.ClassDesc{Package: EnginePackage, Name: "Actor", Flags: object.StructNative, Props: []object.PropertyDesc{
		{Name: "Health", Kind: object.KindInt, Default: object.Value{Int: 100}},
		{Name: "Label", Kind: object.KindString},
		{Name: "Location", Kind: object.KindStruct, Struct: w.Vector},
		{Name: "Owner", Kind: object.KindObject},
		{Name: "Friends", Kind: object.KindArray, Inner: &object.PropertyDesc{Kind: object.KindObject}},
		{Name: "Groups", Kind: object.KindArray, Inner: &object.PropertyDesc{Kind: object.KindStruct, Struct: w.Group}},
		{Name: "Pinned", Kind: object.KindObject, Flags: object.PropKeepRef},
		{Name: "Callback", Kind: object.KindDelegate},
		{Name: "Slots", Kind: object.KindObject, ArrayDim: 2},
	}})
	require.NoError(tb, err)
	w.Pawn, err = reg.DefineClass(object.ClassDesc{Package: EnginePackage, Name: "Pawn", Super: w.Actor, Flags: object.StructNative, Props: []object.PropertyDesc{
		{Name: "Frame", Kind: object.KindStateFrame},
	}})
	require.NoError(tb, err)
	w.Walking, err = reg.DefineState(w.Pawn, "Walking", []object.PropertyDesc{
		{Name: "Target", Kind: object.KindObject},
		{Name: "Speed", Kind: object.KindFloat},
	})
	require.NoError(tb, err)
	w.Texture, err = reg.DefineClass(object.ClassDesc{Package: EnginePackage, Name: "Texture", Flags: object.StructNative, Props: []object.PropertyDesc{
		{Name: "Width", Kind: object.KindInt},
		{Name: "Pixels", Kind: object.KindBulkData, ElementSize: 4},
	}})
	require.NoError(tb, err)
}

// Package returns the package named pkg, creating it if needed.
func (w *World) Package(tb testing.TB, pkg string) object.Handle {
	tb.Helper()
	h, err := w.Reg.CreatePackage(pkg)
	require.NoError(tb, err)
	return h
}

// Spawn creates a Public, Standalone object of class under outer.
func (w *World) Spawn(tb testing.TB, outer, class object.Handle, objName string) object.Handle {
	tb.Helper()
	h, err := w.Reg.New(object.NewParams{
		Class: class,
		Outer: outer,
		Name:  name.New(objName),
		Flags: object.FlagPublic | object.FlagStandalone,
	})
	require.NoError(tb, err)
	return h
}

// SpawnTransient creates an object without Standalone, collectable unless
// referenced.
func (w *World) SpawnTransient(tb testing.TB, outer, class object.Handle, objName string) object.Handle {
	tb.Helper()
	h, err := w.Reg.New(object.NewParams{Class: class, Outer: outer, Name: name.New(objName)})
	require.NoError(tb, err)
	return h
}

// Set stores v in element index of prop on h.
func (w *World) Set(tb testing.TB, h object.Handle, prop string, index int, v object.Value) {
	tb.Helper()
	_, slots, err := w.Reg.Slots(h, prop, index)
	require.NoError(tb, err)
	slots[0] = v
}

// Get returns element index of prop on h.
func (w *World) Get(tb testing.TB, h object.Handle, prop string, index int) object.Value {
	tb.Helper()
	_, slots, err := w.Reg.Slots(h, prop, index)
	require.NoError(tb, err)
	return slots[0]
}

// Groups builds a Groups array value; each inner slice lists the members of
// one group.
func (w *World) Groups(groups ...[]object.Handle) object.Value {
	memberSize := w.Reg.StructOf(w.Member).Size
	groupSize := w.Reg.StructOf(w.Group).Size
	elems := make([]object.Value, 0, len(groups)*groupSize)
	for _, members := range groups {
		inner := make([]object.Value, 0, len(members)*memberSize)
		for _, m := range members {
			inner = append(inner, object.Value{Ref: m}, object.Value{Float: 1})
		}
		elems = append(elems, object.Value{Str: "g"}, object.Value{Elems: inner})
	}
	return object.Value{Elems: elems}
}
