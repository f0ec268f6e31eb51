package object

import (
	"fmt"

	"github.com/meigma/pak/name"
)

// DefineClass registers a class and creates its class default object.
// Classes flagged StructNative are rooted and never collected.
func (r *Registry) DefineClass(desc ClassDesc) (Handle, error) {
	pkg, err := r.definitionPackage(desc.Package, desc.Flags&StructNative != 0)
	if err != nil {
		return Nil, err
	}
	superHandle := desc.Super
	if superHandle == Nil {
		superHandle = r.ObjectClass
	}
	if !r.IsClass(superHandle) {
		return Nil, fmt.Errorf("super of %s: %w", desc.Name, ErrNotAClass)
	}
	st, err := r.newStruct(desc.Name, r.StructOf(superHandle), desc.Props, desc.Flags)
	if err != nil {
		return Nil, err
	}
	st.hooks = desc.Hooks

	h, err := r.defineMetadata(pkg, r.ClassClass, st)
	if err != nil {
		return Nil, err
	}
	if err := r.createDefaultObject(h); err != nil {
		return Nil, err
	}
	cdo := r.objects[st.Default]
	for i, d := range desc.Props {
		p := st.Props[i]
		if !d.Default.IsZero() {
			cdo.Values[p.Offset] = d.Default.Clone()
		}
	}
	r.log().Debug("class defined", "path", r.PathName(h), "slots", st.Size)
	return h, nil
}

// DefineStruct registers a script struct.
func (r *Registry) DefineStruct(desc StructDesc) (Handle, error) {
	pkg, err := r.definitionPackage(desc.Package, true)
	if err != nil {
		return Nil, err
	}
	var super *Struct
	if desc.Super != Nil {
		if super = r.StructOf(desc.Super); super == nil {
			return Nil, fmt.Errorf("super of %s: %w", desc.Name, ErrNotAClass)
		}
	}
	st, err := r.newStruct(desc.Name, super, desc.Props, StructNative)
	if err != nil {
		return Nil, err
	}
	return r.defineMetadata(pkg, r.StructClass, st)
}

// DefineState registers a state of class whose locals are props.
func (r *Registry) DefineState(class Handle, stateName string, props []PropertyDesc) (Handle, error) {
	if !r.IsClass(class) {
		return Nil, ErrNotAClass
	}
	st, err := r.newStruct(stateName, nil, props, StructState|StructNative)
	if err != nil {
		return Nil, err
	}
	return r.defineMetadata(class, r.StateClass, st)
}

func (r *Registry) definitionPackage(pkgName string, native bool) (Handle, error) {
	if pkgName == "" {
		return Nil, fmt.Errorf("object: definition needs a package")
	}
	pkg, err := r.CreatePackage(pkgName)
	if err != nil {
		return Nil, err
	}
	if native {
		r.objects[pkg].Flags |= FlagNative | FlagRootSet | FlagStandalone
	}
	return pkg, nil
}

func (r *Registry) newStruct(structName string, super *Struct, props []PropertyDesc, flags StructFlags) (*Struct, error) {
	st := &Struct{Name: name.New(structName), Super: super, Flags: flags}
	for _, d := range props {
		p, err := r.buildProperty(d)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", structName, err)
		}
		if st.Find(p.Name) != nil {
			return nil, fmt.Errorf("%s: duplicate property %s", structName, p.Name)
		}
		st.Props = append(st.Props, p)
	}
	st.layout()
	return st, nil
}

func (r *Registry) defineMetadata(outer, metaClass Handle, st *Struct) (Handle, error) {
	if existing := r.Find(outer, st.Name); existing != Nil {
		return Nil, fmt.Errorf("%w: %s", ErrNameCollision, r.PathName(existing))
	}
	flags := FlagPublic | FlagStandalone
	if st.Flags&StructNative != 0 {
		flags |= FlagNative | FlagRootSet
	}
	h := r.alloc(&Object{Name: st.Name, Outer: outer, Class: metaClass, Flags: flags, Struct: st, LinkerIndex: -1})
	st.Self = h
	r.index(h)
	return h, nil
}

// createDefaultObject creates the class default object of class, with the
// super class's default object as its archetype.
func (r *Registry) createDefaultObject(class Handle) error {
	c := r.objects[class]
	st := c.Struct
	var archetype Handle
	if st.Super != nil {
		archetype = st.Super.Default
	}
	flags := FlagPublic | FlagClassDefaultObject | c.Flags&(FlagNative|FlagRootSet)
	h, err := r.Reserve(defaultObjectName(c.Name), c.Outer, class, flags)
	if err != nil {
		return err
	}
	if err := r.Construct(h, class, archetype); err != nil {
		r.discardReserved(h)
		return err
	}
	st.Default = h
	return nil
}

// AttachStruct installs loaded metadata on a class, struct or state object.
func (r *Registry) AttachStruct(h Handle, st *Struct) {
	o := r.Get(h)
	if o == nil {
		return
	}
	st.Self = h
	st.Name = o.Name
	st.layout()
	o.Struct = st
}
