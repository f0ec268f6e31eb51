package object

import (
	"fmt"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/bulkdata"
	"github.com/meigma/pak/name"
)

// MaxArrayDim bounds fixed array dimensions read from disk.
const MaxArrayDim = 1 << 16

// Serialize moves h's state through ar: layout metadata for class, struct
// and state objects, then property values, then native state.
//
// Persistent archives use tagged properties, written only where a value
// differs from the archetype and matched by name on load so that layouts
// may change between save and load. Other archives move every property in
// layout order.
func (r *Registry) Serialize(h Handle, ar archive.Archive) {
	o := r.Get(h)
	if o == nil {
		ar.SetError(fmt.Errorf("serialize %d: %w", h, ErrInvalidHandle))
		return
	}
	if !ar.IsLoading() && !ar.IsSaving() {
		// Reference walkers also see the references held outside values,
		// outer then class then archetype. Only the archetype may be rewritten.
		outer, class := o.Outer, o.Class
		ar.SerializeName(&o.Name)
		ar.SerializeObject(&outer)
		ar.SerializeObject(&class)
		ar.SerializeObject(&o.Archetype)
	}
	if r.isMetadata(o) {
		r.serializeStruct(h, ar)
		if ar.Err() != nil {
			return
		}
	}
	st := r.StructOf(o.Class)
	if st == nil {
		ar.SetError(fmt.Errorf("serialize %s: %w", o.Name, ErrNotAClass))
		return
	}
	if len(o.Values) != st.Size {
		o.Values = resizeValues(o.Values, st.Size)
	}
	if ar.IsPersistent() {
		r.serializeTagged(ar, st, o.Values, r.defaultsFor(o), h)
	} else {
		r.serializeBin(ar, st, o.Values, h)
	}
	if hooks := st.Hooks(); hooks != nil && hooks.Serialize != nil && ar.Err() == nil {
		hooks.Serialize(r, h, ar)
	}
}

// Reinitialize copies the archetype's current values into h. Loaders call
// it once the archetype has been read so that untagged properties inherit
// loaded defaults.
func (r *Registry) Reinitialize(h Handle) {
	o := r.Get(h)
	if o == nil {
		return
	}
	st := r.StructOf(o.Class)
	if st == nil {
		return
	}
	archetype := o.Archetype
	if archetype == Nil && !o.Has(FlagClassDefaultObject) {
		archetype = st.Default
	}
	if archetype == h {
		return
	}
	o.Values = r.initialValues(st, archetype)
}

func (r *Registry) isMetadata(o *Object) bool {
	return o.Class == r.ClassClass || o.Class == r.StructClass || o.Class == r.StateClass
}

func (r *Registry) defaultsFor(o *Object) []Value {
	archetype := o.Archetype
	if archetype == Nil && !o.Has(FlagClassDefaultObject) {
		if st := r.StructOf(o.Class); st != nil {
			archetype = st.Default
		}
	}
	if a := r.Get(archetype); a != nil && a != o {
		return a.Values
	}
	return nil
}

func resizeValues(vals []Value, n int) []Value {
	out := make([]Value, n)
	copy(out, vals)
	return out
}

// serializeStruct moves the layout of a class, struct or state. The default
// object reference is moved last so that, on load, the layout is complete
// before the default object is created.
func (r *Registry) serializeStruct(h Handle, ar archive.Archive) {
	o := r.objects[h]
	st := o.Struct
	loading := ar.IsLoading()
	if loading || st == nil {
		st = &Struct{}
	}

	var superHandle Handle
	if st.Super != nil {
		superHandle = st.Super.Self
	}
	ar.SerializeObject(&superHandle)
	flags := uint32(st.Flags &^ StructNative)
	archive.Uint32(ar, &flags)

	if loading {
		if superHandle != Nil {
			ar.Preload(superHandle)
			if st.Super = r.StructOf(superHandle); st.Super == nil {
				ar.SetError(fmt.Errorf("%w: super of %s is not a struct", archive.ErrCorrupt, o.Name))
				return
			}
		}
		st.Flags = StructFlags(flags)
	}

	if loading {
		n, ok := archive.Count(ar, 16)
		if !ok {
			return
		}
		st.Props = make([]*Property, n)
	} else {
		n := int32(len(st.Props)) //nolint:gosec // property counts are small
		archive.Int32(ar, &n)
	}
	for i := range st.Props {
		r.serializePropertyDesc(ar, &st.Props[i], 0)
		if ar.Err() != nil {
			return
		}
	}

	if loading {
		if o.Struct != nil {
			st.hooks = o.Struct.hooks
		}
		r.AttachStruct(h, st)
	}
	def := st.Default
	ar.SerializeObject(&def)
	if loading {
		st.Default = def
	}
}

func (r *Registry) serializePropertyDesc(ar archive.Archive, pp **Property, depth int) {
	loading := ar.IsLoading()
	if loading {
		*pp = &Property{}
	}
	p := *pp

	ar.SerializeName(&p.Name)
	kind := uint8(p.Kind)
	archive.Uint8(ar, &kind)
	dim := int32(p.ArrayDim) //nolint:gosec // bounded by MaxArrayDim
	archive.Int32(ar, &dim)
	flags := uint32(p.Flags)
	archive.Uint32(ar, &flags)
	elemSize := int32(p.ElementSize) //nolint:gosec // element sizes are small
	archive.Int32(ar, &elemSize)
	var structHandle Handle
	if p.Struct != nil {
		structHandle = p.Struct.Self
	}
	ar.SerializeObject(&structHandle)
	hasInner := p.Inner != nil
	archive.Bool(ar, &hasInner)

	if loading {
		p.Kind = Kind(kind)
		p.ArrayDim = int(dim)
		p.Flags = PropertyFlags(flags)
		p.ElementSize = int(elemSize)
		switch {
		case ar.Err() != nil:
			return
		case !p.Kind.Valid():
			ar.SetError(fmt.Errorf("%w: property %s has kind %d", archive.ErrCorrupt, p.Name, kind))
			return
		case dim < 1 || dim > MaxArrayDim:
			ar.SetError(fmt.Errorf("%w: property %s has dimension %d", archive.ErrCorrupt, p.Name, dim))
			return
		case hasInner != (p.Kind == KindArray) || (hasInner && depth > 0):
			ar.SetError(fmt.Errorf("%w: property %s has a malformed array layout", archive.ErrCorrupt, p.Name))
			return
		}
		if p.Kind == KindStruct {
			ar.Preload(structHandle)
			if p.Struct = r.StructOf(structHandle); p.Struct == nil {
				ar.SetError(fmt.Errorf("%w: property %s has no struct", archive.ErrCorrupt, p.Name))
				return
			}
		}
		if p.Kind == KindBulkData && p.ElementSize <= 0 {
			p.ElementSize = 1
		}
	}
	if hasInner {
		r.serializePropertyDesc(ar, &p.Inner, depth+1)
	}
}

func (r *Registry) serializeTagged(ar archive.Archive, st *Struct, vals, defaults []Value, owner Handle) {
	if ar.IsLoading() {
		r.loadTagged(ar, st, vals, defaults, owner)
		return
	}
	for _, p := range st.AllProps() {
		if p.Flags&PropTransient != 0 {
			continue
		}
		es := p.ElemSlots()
		for i := range p.Dim() {
			base := p.Offset + i*es
			cur := vals[base : base+es]
			def := slotRange(defaults, base, es)
			if isDefault(cur, def) {
				continue
			}
			r.saveTag(ar, p, i, cur, def, owner)
			if ar.Err() != nil {
				return
			}
		}
	}
	none := name.None
	ar.SerializeName(&none)
}

func (r *Registry) saveTag(ar archive.Archive, p *Property, index int, cur, def []Value, owner Handle) {
	propName := p.Name
	ar.SerializeName(&propName)
	typeName := p.Kind.TypeName()
	ar.SerializeName(&typeName)
	sizePos := ar.Tell()
	var size int32
	archive.Int32(ar, &size)
	idx := int32(index) //nolint:gosec // bounded by MaxArrayDim
	archive.Int32(ar, &idx)
	if p.Kind == KindStruct {
		structName := p.Struct.Name
		ar.SerializeName(&structName)
	}
	if p.Kind == KindBool {
		var b uint8
		if cur[0].Int != 0 {
			b = 1
		}
		archive.Uint8(ar, &b)
		return
	}
	start := ar.Tell()
	r.serializeValue(ar, p, cur, def, owner, true)
	end := ar.Tell()
	size = int32(end - start) //nolint:gosec // payloads are bounded by the int32 format
	ar.SeekTo(sizePos)
	archive.Int32(ar, &size)
	ar.SeekTo(end)
}

func (r *Registry) loadTagged(ar archive.Archive, st *Struct, vals, defaults []Value, owner Handle) {
	for ar.Err() == nil {
		var propName name.Name
		ar.SerializeName(&propName)
		if ar.Err() != nil || propName.IsNone() {
			return
		}
		var (
			typeName   name.Name
			structName name.Name
			size, idx  int32
			boolVal    uint8
		)
		ar.SerializeName(&typeName)
		archive.Int32(ar, &size)
		archive.Int32(ar, &idx)
		kind := kindFromTypeName(typeName)
		if kind == KindStruct {
			ar.SerializeName(&structName)
		}
		if kind == KindBool {
			archive.Uint8(ar, &boolVal)
		}
		if ar.Err() != nil {
			return
		}
		start := ar.Tell()
		if size < 0 || int64(size) > ar.TotalSize()-start {
			ar.SetError(fmt.Errorf("%w: property %s has size %d", archive.ErrCorrupt, propName, size))
			return
		}

		p := st.Find(propName)
		if p == nil || p.Kind != kind || idx < 0 || int(idx) >= p.Dim() || p.Flags&PropTransient != 0 ||
			(kind == KindStruct && p.Struct.Name != structName) {
			r.log().Debug("skipping stale property", "struct", st.Name.String(), "property", propName.String(), "type", typeName.String())
			ar.SeekTo(start + int64(size))
			continue
		}
		es := p.ElemSlots()
		base := p.Offset + int(idx)*es
		cur := vals[base : base+es]
		if kind == KindBool {
			cur[0].Int = int64(boolVal)
			continue
		}
		r.serializeValue(ar, p, cur, slotRange(defaults, base, es), owner, true)
		if ar.Err() == nil && ar.Tell() != start+int64(size) {
			ar.SetError(fmt.Errorf("%w: property %s read %d of %d bytes", archive.ErrCorrupt, propName, ar.Tell()-start, size))
		}
	}
}

func (r *Registry) serializeBin(ar archive.Archive, st *Struct, vals []Value, owner Handle) {
	for _, p := range st.AllProps() {
		if p.Flags&PropTransient != 0 && ar.IsPersistent() {
			continue
		}
		es := p.ElemSlots()
		for i := range p.Dim() {
			base := p.Offset + i*es
			r.serializeValue(ar, p, vals[base:base+es], nil, owner, false)
		}
	}
}

// serializeValue moves one element of p. cur spans the element's slots.
func (r *Registry) serializeValue(ar archive.Archive, p *Property, cur, def []Value, owner Handle, tagged bool) {
	v := &cur[0]
	switch p.Kind {
	case KindInt:
		i := int32(v.Int) //nolint:gosec // int properties are 32-bit
		archive.Int32(ar, &i)
		v.Int = int64(i)
	case KindBool:
		b := v.Int != 0
		archive.Bool(ar, &b)
		v.Int = 0
		if b {
			v.Int = 1
		}
	case KindByte:
		b := uint8(v.Int) //nolint:gosec // byte properties are 8-bit
		archive.Uint8(ar, &b)
		v.Int = int64(b)
	case KindFloat:
		f := float32(v.Float)
		archive.Float32(ar, &f)
		v.Float = float64(f)
	case KindString:
		archive.String(ar, &v.Str)
	case KindName:
		ar.SerializeName(&v.Name)
	case KindObject:
		ar.SerializeObject(&v.Ref)
	case KindDelegate:
		ar.SerializeObject(&v.Ref)
		ar.SerializeName(&v.Name)
	case KindStruct:
		if tagged {
			r.serializeTagged(ar, p.Struct, cur, def, owner)
		} else {
			r.serializeBin(ar, p.Struct, cur, owner)
		}
	case KindArray:
		r.serializeArray(ar, p, v, owner, tagged)
	case KindBulkData:
		if v.Bulk == nil {
			v.Bulk = bulkdata.New(max(p.ElementSize, 1))
		}
		v.Bulk.Serialize(ar, owner)
	case KindStateFrame:
		r.serializeStateFrame(ar, v, owner, tagged)
	}
}

func (r *Registry) serializeArray(ar archive.Archive, p *Property, v *Value, owner Handle, tagged bool) {
	inner := p.Inner
	es := inner.ElemSlots()
	var n int
	if ar.IsLoading() {
		count, ok := archive.Count(ar, 1)
		if !ok {
			v.Elems = nil
			return
		}
		n = count
		v.Elems = make([]Value, n*es)
		if inner.Kind == KindStruct {
			for i := range n {
				initBulk(inner.Struct, v.Elems[i*es:(i+1)*es])
			}
		}
	} else {
		n = len(v.Elems) / es
		count := int32(n) //nolint:gosec // array lengths are bounded by the int32 format
		archive.Int32(ar, &count)
	}
	for i := range n {
		r.serializeValue(ar, inner, v.Elems[i*es:(i+1)*es], nil, owner, tagged)
		if ar.Err() != nil {
			return
		}
	}
}

func (r *Registry) serializeStateFrame(ar archive.Archive, v *Value, owner Handle, tagged bool) {
	ar.SerializeObject(&v.Ref)
	if ar.IsLoading() {
		ar.Preload(v.Ref)
		v.Elems = nil
		if st := r.StructOf(v.Ref); st != nil {
			v.Elems = make([]Value, st.Size)
		}
	}
	st := r.StructOf(v.Ref)
	if st == nil {
		return
	}
	if len(v.Elems) != st.Size {
		v.Elems = resizeValues(v.Elems, st.Size)
	}
	if tagged {
		r.serializeTagged(ar, st, v.Elems, nil, owner)
	} else {
		r.serializeBin(ar, st, v.Elems, owner)
	}
}

func slotRange(vals []Value, base, n int) []Value {
	if base+n > len(vals) {
		return nil
	}
	return vals[base : base+n]
}

func isDefault(cur, def []Value) bool {
	if def == nil {
		for _, v := range cur {
			if !v.IsZero() {
				return false
			}
		}
		return true
	}
	return valuesEqual(cur, def)
}

var typeNameKinds = func() map[name.Name]Kind {
	m := make(map[name.Name]Kind, len(kindNames))
	for k, s := range kindNames {
		m[name.New(s)] = k
	}
	return m
}()

func kindFromTypeName(n name.Name) Kind { return typeNameKinds[n] }
