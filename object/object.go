// Package object holds the live object graph: an arena of objects indexed by
// Handle, the class and struct metadata that describes their layout, and the
// property serialization shared by package loading, saving and audits.
//
// Objects are owned by their Outer. Cross-object references are handles and
// are only dereferenced through the Registry. A Registry is driven by one
// goroutine; it performs no locking.
package object

import (
	"errors"

	"github.com/google/uuid"

	"github.com/meigma/pak/bulkdata"
	"github.com/meigma/pak/internal/objtype"
	"github.com/meigma/pak/name"
)

// Handle identifies a live object. The zero Handle is nil.
type Handle = objtype.Handle

// Flags are per-object state bits.
type Flags = objtype.Flags

// Nil is the null object reference.
const Nil = objtype.Nil

// Persisted object flags.
const (
	FlagPublic             = objtype.FlagPublic
	FlagStandalone         = objtype.FlagStandalone
	FlagTransient          = objtype.FlagTransient
	FlagNative             = objtype.FlagNative
	FlagClassDefaultObject = objtype.FlagClassDefaultObject
	FlagArchetypeObject    = objtype.FlagArchetypeObject
	FlagLoadForClient      = objtype.FlagLoadForClient
	FlagLoadForServer      = objtype.FlagLoadForServer
	FlagNotForClient       = objtype.FlagNotForClient
	FlagNotForServer       = objtype.FlagNotForServer
)

// Transient runtime flags.
const (
	FlagRootSet           = objtype.FlagRootSet
	FlagNeedLoad          = objtype.FlagNeedLoad
	FlagNeedPostLoad      = objtype.FlagNeedPostLoad
	FlagUnreachable       = objtype.FlagUnreachable
	FlagPendingKill       = objtype.FlagPendingKill
	FlagBeginDestroyed    = objtype.FlagBeginDestroyed
	FlagFinishDestroyed   = objtype.FlagFinishDestroyed
	FlagUnderConstruction = objtype.FlagUnderConstruction
	FlagAsyncLoading      = objtype.FlagAsyncLoading
	FlagTagExport         = objtype.FlagTagExport
	FlagTagImport         = objtype.FlagTagImport
)

// LoadMask selects the flags persisted in export tables.
const LoadMask = objtype.LoadMask

var (
	// ErrInvalidHandle is returned for handles that name no live object.
	ErrInvalidHandle = errors.New("object: invalid handle")

	// ErrNameCollision is returned when an outer already has a child with
	// the requested name.
	ErrNameCollision = errors.New("object: name already in use")

	// ErrNotAClass is returned when a class handle has no class metadata.
	ErrNotAClass = errors.New("object: not a class")

	// ErrClassCycle is returned when a class would derive from itself.
	ErrClassCycle = errors.New("object: class hierarchy cycle")
)

// Object is one node of the graph.
type Object struct {
	Name      name.Name
	Outer     Handle
	Class     Handle
	Archetype Handle
	Flags     Flags

	// Values holds property storage, laid out by the class struct.
	Values []Value

	// Struct is set on class, script struct and state objects.
	Struct *Struct

	// Package is set on package objects.
	Package *Package

	// Linker is the linker the object was loaded from, with its export
	// index, or nil for objects created in memory.
	Linker      LinkerRef
	LinkerIndex int

	// Native holds state owned by native class hooks.
	Native any
}

// Has reports whether all bits in mask are set on o.
func (o *Object) Has(mask Flags) bool { return o.Flags.Has(mask) }

// Package is the extra state of a package object.
type Package struct {
	GUID  uuid.UUID
	Flags uint32
	Dirty bool
}

// LinkerRef is the part of a package linker that objects refer back to.
type LinkerRef interface {
	// PackageName returns the name of the linked package.
	PackageName() string

	// ObjectDestroyed clears the linker's reference to the export at index.
	ObjectDestroyed(index int)

	// Detach releases the linker's file and bulk data and removes it from
	// its loader. ensureLoaded loads attached bulk data first.
	Detach(ensureLoaded bool) error
}

// Value is one property slot.
type Value struct {
	// Int holds Int, Bool and Byte values.
	Int int64

	// Float holds Float values.
	Float float64

	// Str holds String values.
	Str string

	// Name holds Name values and a delegate's function name.
	Name name.Name

	// Ref holds Object references, a delegate's object and a state frame's
	// current state.
	Ref Handle

	// Elems holds dynamic array elements and state frame locals.
	Elems []Value

	// Bulk holds BulkData payloads.
	Bulk *bulkdata.BulkData
}

// Clone returns a deep copy of v. Bulk payloads are not shared; the copy has
// none.
func (v Value) Clone() Value {
	out := v
	out.Bulk = nil
	if v.Elems != nil {
		out.Elems = cloneValues(v.Elems)
	}
	return out
}

// Equal reports whether v and o hold the same data. Values carrying bulk
// payloads never compare equal.
func (v Value) Equal(o Value) bool {
	if v.Int != o.Int || v.Float != o.Float || v.Str != o.Str || v.Name != o.Name || v.Ref != o.Ref {
		return false
	}
	if v.Bulk != nil || o.Bulk != nil {
		return false
	}
	if len(v.Elems) != len(o.Elems) {
		return false
	}
	for i := range v.Elems {
		if !v.Elems[i].Equal(o.Elems[i]) {
			return false
		}
	}
	return true
}

// IsZero reports whether v holds no data.
func (v Value) IsZero() bool {
	return v.Int == 0 && v.Float == 0 && v.Str == "" && v.Name.IsNone() && v.Ref == Nil && v.Elems == nil && v.Bulk == nil
}

func cloneValues(vals []Value) []Value {
	out := make([]Value, len(vals))
	for i := range vals {
		out[i] = vals[i].Clone()
	}
	return out
}

func valuesEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
