package object

import (
	"fmt"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/name"
)

// Kind is a property type.
type Kind uint8

// Property kinds. Values are persisted.
const (
	KindInt Kind = iota + 1
	KindBool
	KindByte
	KindFloat
	KindString
	KindName
	KindObject
	KindArray
	KindStruct
	KindDelegate
	KindBulkData
	KindStateFrame
)

var kindNames = map[Kind]string{
	KindInt:        "IntProperty",
	KindBool:       "BoolProperty",
	KindByte:       "ByteProperty",
	KindFloat:      "FloatProperty",
	KindString:     "StrProperty",
	KindName:       "NameProperty",
	KindObject:     "ObjectProperty",
	KindArray:      "ArrayProperty",
	KindStruct:     "StructProperty",
	KindDelegate:   "DelegateProperty",
	KindBulkData:   "BulkDataProperty",
	KindStateFrame: "StateFrameProperty",
}

// String returns the tag type name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// TypeName returns the kind's name as written in property tags.
func (k Kind) TypeName() name.Name { return name.New(k.String()) }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// PropertyFlags modify how a property is stored and traced.
type PropertyFlags uint32

const (
	// PropTransient properties are never saved.
	PropTransient PropertyFlags = 1 << iota

	// PropKeepRef marks object references the collector never nulls, even
	// when the referent is pending kill.
	PropKeepRef
)

// Property describes one field of a struct.
type Property struct {
	Name     name.Name
	Kind     Kind
	Offset   int
	ArrayDim int
	Flags    PropertyFlags

	// Struct is the layout of KindStruct values.
	Struct *Struct

	// Inner describes the elements of KindArray values. Its Offset is 0.
	Inner *Property

	// ElementSize is the payload element size of KindBulkData values.
	ElementSize int
}

// ElemSlots returns the slots one element occupies.
func (p *Property) ElemSlots() int {
	if p.Kind == KindStruct && p.Struct != nil {
		return p.Struct.Size
	}
	return 1
}

// Dim returns the fixed array dimension, at least 1.
func (p *Property) Dim() int { return max(p.ArrayDim, 1) }

// Slots returns the slots the property occupies.
func (p *Property) Slots() int { return p.ElemSlots() * p.Dim() }

// HasRefs reports whether values of p can hold object references.
func (p *Property) HasRefs() bool {
	switch p.Kind {
	case KindObject, KindDelegate, KindStateFrame:
		return true
	case KindArray:
		return p.Inner != nil && p.Inner.HasRefs()
	case KindStruct:
		return p.Struct != nil && p.Struct.HasRefs()
	default:
		return false
	}
}

// StructFlags describe a struct or class.
type StructFlags uint32

const (
	// StructNative structs were registered in code.
	StructNative StructFlags = 1 << iota

	// StructAbstract classes cannot be instantiated.
	StructAbstract

	// StructState marks state structs whose fields are frame locals.
	StructState
)

// Struct is the layout of a class, script struct or state.
type Struct struct {
	// Self is the object that owns this metadata.
	Self  Handle
	Name  name.Name
	Super *Struct
	Flags StructFlags

	// Props are the struct's own properties. Offsets are absolute and start
	// after the super struct's slots.
	Props []*Property

	// Size is the total slot count including the super struct.
	Size int

	// Default is the class default object for classes.
	Default Handle

	hooks *Hooks
	all   []*Property
}

// AllProps returns the super chain's properties followed by the struct's own.
func (s *Struct) AllProps() []*Property {
	if s.all != nil || (s.Super == nil && len(s.Props) == 0) {
		return s.all
	}
	var all []*Property
	if s.Super != nil {
		all = append(all, s.Super.AllProps()...)
	}
	s.all = append(all, s.Props...)
	return s.all
}

// Find returns the property named n, searching the super chain.
func (s *Struct) Find(n name.Name) *Property {
	for cur := s; cur != nil; cur = cur.Super {
		for _, p := range cur.Props {
			if p.Name == n {
				return p
			}
		}
	}
	return nil
}

// IsChildOf reports whether s is other or derives from it.
func (s *Struct) IsChildOf(other *Struct) bool {
	for cur := s; cur != nil; cur = cur.Super {
		if cur == other {
			return true
		}
	}
	return false
}

// HasRefs reports whether any property can hold an object reference.
func (s *Struct) HasRefs() bool {
	for _, p := range s.AllProps() {
		if p.HasRefs() {
			return true
		}
	}
	return false
}

// Hooks returns the nearest native hooks on the super chain, or nil.
func (s *Struct) Hooks() *Hooks {
	for cur := s; cur != nil; cur = cur.Super {
		if cur.hooks != nil {
			return cur.hooks
		}
	}
	return nil
}

// layout assigns offsets to the struct's own properties.
func (s *Struct) layout() {
	off := 0
	if s.Super != nil {
		off = s.Super.Size
	}
	for _, p := range s.Props {
		p.Offset = off
		if p.ArrayDim <= 0 {
			p.ArrayDim = 1
		}
		if p.Inner != nil {
			p.Inner.Offset = 0
			p.Inner.ArrayDim = 1
		}
		off += p.Slots()
	}
	s.Size = off
	s.all = nil
}

// Hooks are native behaviors attached to a class. Subclasses inherit them.
type Hooks struct {
	// Serialize moves native state after the tagged properties.
	Serialize func(reg *Registry, h Handle, ar archive.Archive)

	// PostLoad runs once after the object's payload has been read.
	PostLoad func(reg *Registry, h Handle)

	// BeginDestroy starts teardown of resources owned elsewhere.
	BeginDestroy func(reg *Registry, h Handle)

	// IsReadyForFinishDestroy reports whether teardown has finished.
	IsReadyForFinishDestroy func(reg *Registry, h Handle) bool

	// FinishDestroy releases what BeginDestroy started.
	FinishDestroy func(reg *Registry, h Handle)
}

// PropertyDesc declares a property of a registered class or struct.
type PropertyDesc struct {
	Name     string
	Kind     Kind
	ArrayDim int
	Flags    PropertyFlags

	// Struct is the registered struct of KindStruct properties.
	Struct Handle

	// Inner declares the element of KindArray properties.
	Inner *PropertyDesc

	// ElementSize is the payload element size of KindBulkData properties.
	ElementSize int

	// Default is the class default for the first element.
	Default Value
}

// ClassDesc declares a native class.
type ClassDesc struct {
	Package string
	Name    string

	// Super is the parent class; nil means Core.Object.
	Super Handle
	Props []PropertyDesc
	Flags StructFlags
	Hooks *Hooks
}

// StructDesc declares a native script struct.
type StructDesc struct {
	Package string
	Name    string
	Super   Handle
	Props   []PropertyDesc
}

func (r *Registry) buildProperty(d PropertyDesc) (*Property, error) {
	if !d.Kind.Valid() {
		return nil, fmt.Errorf("object: property %s: invalid kind %d", d.Name, d.Kind)
	}
	p := &Property{
		Name:        name.New(d.Name),
		Kind:        d.Kind,
		ArrayDim:    max(d.ArrayDim, 1),
		Flags:       d.Flags,
		ElementSize: d.ElementSize,
	}
	switch d.Kind {
	case KindStruct:
		st := r.StructOf(d.Struct)
		if st == nil {
			return nil, fmt.Errorf("object: property %s: %w", d.Name, ErrNotAClass)
		}
		p.Struct = st
	case KindArray:
		if d.Inner == nil || d.Inner.Kind == KindArray {
			return nil, fmt.Errorf("object: property %s: array needs a non-array inner", d.Name)
		}
		inner, err := r.buildProperty(*d.Inner)
		if err != nil {
			return nil, err
		}
		p.Inner = inner
	case KindBulkData:
		if p.ElementSize <= 0 {
			p.ElementSize = 1
		}
	}
	return p, nil
}
