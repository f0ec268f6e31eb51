package gc

import (
	"errors"
	"fmt"

	"github.com/meigma/pak/object"
)

// ErrStreamTooLarge is returned when a layout cannot be encoded in the
// packed token fields.
var ErrStreamTooLarge = errors.New("gc: layout exceeds token stream limits")

// AssembleTokenStream builds the token stream of class. The super class's
// tokens come first.
func AssembleTokenStream(reg *object.Registry, class object.Handle) (*TokenStream, error) {
	st := reg.StructOf(class)
	if st == nil {
		return nil, fmt.Errorf("assemble %d: %w", class, object.ErrNotAClass)
	}
	return assembleStruct(st)
}

func assembleStruct(st *object.Struct) (*TokenStream, error) {
	ts := &TokenStream{}
	if err := emitStruct(ts, st, 0); err != nil {
		return nil, fmt.Errorf("%s: %w", st.Name, err)
	}
	ts.EmitEndOfStream()
	return ts, nil
}

func emitStruct(ts *TokenStream, st *object.Struct, base int) error {
	for _, p := range st.AllProps() {
		if !p.HasRefs() {
			continue
		}
		off := base + p.Offset
		if p.Dim() == 1 {
			if err := emitElem(ts, p, off); err != nil {
				return err
			}
			continue
		}
		if err := checkOffset(off); err != nil {
			return err
		}
		ts.EmitReferenceInfo(ReferenceInfo{Type: TokenFixedArray, Offset: uint32(off)}) //nolint:gosec // checked
		ts.EmitAux(uint32(p.ElemSlots()))                                               //nolint:gosec // slot counts are small
		ts.EmitAux(uint32(p.Dim()))                                                     //nolint:gosec // bounded by MaxArrayDim
		if err := emitElem(ts, p, 0); err != nil {
			return err
		}
		ts.EmitReturn()
	}
	return nil
}

// emitElem emits the tokens of one element of p at off.
func emitElem(ts *TokenStream, p *object.Property, off int) error {
	if err := checkOffset(off); err != nil {
		return err
	}
	o := uint32(off) //nolint:gosec // checked
	switch p.Kind {
	case object.KindObject:
		t := TokenObject
		if p.Flags&object.PropKeepRef != 0 {
			t = TokenPersistentObject
		}
		ts.EmitReferenceInfo(ReferenceInfo{Type: t, Offset: o})
	case object.KindDelegate:
		ts.EmitReferenceInfo(ReferenceInfo{Type: TokenScriptDelegate, Offset: o})
	case object.KindStateFrame:
		ts.EmitReferenceInfo(ReferenceInfo{Type: TokenStateLocals, Offset: o})
	case object.KindStruct:
		return emitStruct(ts, p.Struct, off)
	case object.KindArray:
		if p.Inner.Kind == object.KindObject && p.Inner.Flags&object.PropKeepRef == 0 {
			ts.EmitReferenceInfo(ReferenceInfo{Type: TokenArrayObject, Offset: o})
			return nil
		}
		ts.EmitReferenceInfo(ReferenceInfo{Type: TokenArrayStruct, Offset: o})
		ts.EmitAux(uint32(p.Inner.ElemSlots())) //nolint:gosec // slot counts are small
		skip := ts.EmitSkipIndexPlaceholder()
		if err := emitElem(ts, p.Inner, 0); err != nil {
			return err
		}
		ts.EmitReturn()
		if ts.Len() > MaxSkipIndex {
			return ErrStreamTooLarge
		}
		ts.UpdateSkipIndexPlaceholder(skip, ts.Len())
	}
	return nil
}

func checkOffset(off int) error {
	if off < 0 || off > MaxOffset {
		return fmt.Errorf("%w: offset %d", ErrStreamTooLarge, off)
	}
	return nil
}
