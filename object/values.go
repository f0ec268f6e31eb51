package object

import (
	"errors"
	"fmt"

	"github.com/meigma/pak/name"
)

// ErrNoProperty is returned when a class has no property of the given name.
var ErrNoProperty = errors.New("object: no such property")

// Slots returns the storage of element index of property prop on h.
// The returned slice aliases the object's values.
func (r *Registry) Slots(h Handle, prop string, index int) (*Property, []Value, error) {
	o := r.Get(h)
	if o == nil {
		return nil, nil, ErrInvalidHandle
	}
	st := r.StructOf(o.Class)
	if st == nil {
		return nil, nil, ErrNotAClass
	}
	p := st.Find(name.New(prop))
	if p == nil {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrNoProperty, st.Name, prop)
	}
	if index < 0 || index >= p.Dim() {
		return nil, nil, fmt.Errorf("object: %s[%d] out of range", prop, index)
	}
	base := p.Offset + index*p.ElemSlots()
	if base+p.ElemSlots() > len(o.Values) {
		return nil, nil, fmt.Errorf("object: %s has stale storage", r.PathName(h))
	}
	return p, o.Values[base : base+p.ElemSlots()], nil
}

// Value returns element 0 of prop on h.
func (r *Registry) Value(h Handle, prop string) (Value, error) {
	_, slots, err := r.Slots(h, prop, 0)
	if err != nil {
		return Value{}, err
	}
	return slots[0], nil
}

// SetValue stores v in element 0 of prop on h.
func (r *Registry) SetValue(h Handle, prop string, v Value) error {
	_, slots, err := r.Slots(h, prop, 0)
	if err != nil {
		return err
	}
	slots[0] = v
	return nil
}

// SetRef stores an object reference in prop on h.
func (r *Registry) SetRef(h Handle, prop string, target Handle) error {
	_, slots, err := r.Slots(h, prop, 0)
	if err != nil {
		return err
	}
	slots[0].Ref = target
	return nil
}

// Ref returns the object reference held in prop on h.
func (r *Registry) Ref(h Handle, prop string) Handle {
	v, err := r.Value(h, prop)
	if err != nil {
		return Nil
	}
	return v.Ref
}
