package object

import (
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/meigma/pak/bulkdata"
	"github.com/meigma/pak/name"
)

// Names of the intrinsic classes.
const (
	CorePackage         = "Core"
	ObjectClassName     = "Object"
	ClassClassName      = "Class"
	StructClassName     = "ScriptStruct"
	StateClassName      = "State"
	PackageClassName    = "Package"
	RedirectorClassName = "ObjectRedirector"

	// RedirectorDestination is the redirector's target property.
	RedirectorDestination = "DestinationObject"

	// DefaultObjectPrefix prefixes class default object names.
	DefaultObjectPrefix = "Default__"
)

type childKey struct {
	outer Handle
	name  name.Name
}

// Registry is the object arena.
//
// Handles are indices into the arena. A freed slot is reused by a later
// allocation, so handles must not be retained across a collection that may
// have destroyed their objects.
type Registry struct {
	objects  []*Object
	free     []Handle
	children map[childKey]Handle
	counters map[string]int32
	live     int
	closers  []func() error
	logger   *slog.Logger

	// Intrinsic classes.
	CoreHandle       Handle
	ObjectClass      Handle
	ClassClass       Handle
	StructClass      Handle
	StateClass       Handle
	PackageClass     Handle
	RedirectorClass  Handle
	redirectorTarget *Property
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for object lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry returns a registry holding the intrinsic Core classes.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		objects:  []*Object{nil},
		children: make(map[childKey]Handle),
		counters: make(map[string]int32),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.bootstrap()
	return r
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Logger returns the registry's logger.
func (r *Registry) Logger() *slog.Logger { return r.log() }

// bootstrap creates Core and its classes by hand, since Core.Class is its
// own class.
func (r *Registry) bootstrap() {
	native := FlagPublic | FlagStandalone | FlagNative | FlagRootSet
	r.CoreHandle = r.alloc(&Object{Name: name.New(CorePackage), Flags: native, Package: &Package{}})
	r.index(r.CoreHandle)

	mk := func(n string, super *Struct) Handle {
		st := &Struct{Name: name.New(n), Super: super, Flags: StructNative}
		st.layout()
		h := r.alloc(&Object{Name: st.Name, Outer: r.CoreHandle, Flags: native, Struct: st})
		st.Self = h
		r.index(h)
		return h
	}
	r.ObjectClass = mk(ObjectClassName, nil)
	objectStruct := r.objects[r.ObjectClass].Struct
	r.ClassClass = mk(ClassClassName, objectStruct)
	r.StructClass = mk(StructClassName, objectStruct)
	r.StateClass = mk(StateClassName, objectStruct)
	r.PackageClass = mk(PackageClassName, objectStruct)
	r.RedirectorClass = mk(RedirectorClassName, objectStruct)

	for _, h := range []Handle{r.ObjectClass, r.ClassClass, r.StructClass, r.StateClass, r.PackageClass, r.RedirectorClass} {
		r.objects[h].Class = r.ClassClass
	}
	r.objects[r.CoreHandle].Class = r.PackageClass

	redirector := r.objects[r.RedirectorClass].Struct
	r.redirectorTarget = &Property{Name: name.New(RedirectorDestination), Kind: KindObject, ArrayDim: 1}
	redirector.Props = []*Property{r.redirectorTarget}
	redirector.layout()

	for _, h := range []Handle{r.ObjectClass, r.ClassClass, r.StructClass, r.StateClass, r.PackageClass, r.RedirectorClass} {
		if err := r.createDefaultObject(h); err != nil {
			panic(fmt.Sprintf("object: bootstrap %s: %v", r.objects[h].Name, err))
		}
	}
}

func (r *Registry) alloc(o *Object) Handle {
	r.live++
	if n := len(r.free); n > 0 {
		h := r.free[n-1]
		r.free = r.free[:n-1]
		r.objects[h] = o
		return h
	}
	r.objects = append(r.objects, o)
	return Handle(len(r.objects) - 1) //nolint:gosec // arena size is bounded by memory
}

func (r *Registry) index(h Handle) {
	o := r.objects[h]
	r.children[childKey{o.Outer, o.Name}] = h
}

func (r *Registry) unindex(h Handle) {
	o := r.objects[h]
	key := childKey{o.Outer, o.Name}
	if r.children[key] == h {
		delete(r.children, key)
	}
}

// Get returns the object for h, or nil if h names no live object.
func (r *Registry) Get(h Handle) *Object {
	if h == Nil || int(h) >= len(r.objects) {
		return nil
	}
	return r.objects[h]
}

// Valid reports whether h names a live object.
func (r *Registry) Valid(h Handle) bool { return r.Get(h) != nil }

// Len returns the number of live objects.
func (r *Registry) Len() int { return r.live }

// MaxHandle returns one past the highest handle ever allocated.
func (r *Registry) MaxHandle() Handle { return Handle(len(r.objects)) } //nolint:gosec // see alloc

// All iterates live objects in handle order.
func (r *Registry) All() iter.Seq2[Handle, *Object] {
	return func(yield func(Handle, *Object) bool) {
		for i := 1; i < len(r.objects); i++ {
			if o := r.objects[i]; o != nil {
				if !yield(Handle(i), o) { //nolint:gosec // see alloc
					return
				}
			}
		}
	}
}

// Find returns the child of outer named n, or Nil.
func (r *Registry) Find(outer Handle, n name.Name) Handle {
	return r.children[childKey{outer, n}]
}

// FindPath resolves a dotted path such as "Engine.Mesh.Default__Mesh".
func (r *Registry) FindPath(path string) Handle {
	h := Nil
	for part := range strings.SplitSeq(path, ".") {
		if part == "" {
			return Nil
		}
		h = r.Find(h, name.New(part))
		if h == Nil {
			return Nil
		}
	}
	return h
}

// FindPackage returns the top-level package named pkg, or Nil.
func (r *Registry) FindPackage(pkg string) Handle {
	h := r.Find(Nil, name.New(pkg))
	if o := r.Get(h); o != nil && o.Package != nil {
		return h
	}
	return Nil
}

// FindClass returns the class pkg.className, or Nil.
func (r *Registry) FindClass(pkg, className name.Name) Handle {
	p := r.Find(Nil, pkg)
	if p == Nil {
		return Nil
	}
	h := r.Find(p, className)
	if o := r.Get(h); o != nil && o.Class == r.ClassClass {
		return h
	}
	return Nil
}

// NewParams describe an object to allocate.
type NewParams struct {
	Class Handle
	Outer Handle

	// Name defaults to a unique "<Class>_<n>".
	Name  name.Name
	Flags Flags

	// Archetype supplies initial values; it defaults to the class default
	// object.
	Archetype Handle
}

// New allocates and initializes an object.
func (r *Registry) New(p NewParams) (Handle, error) {
	h, err := r.Reserve(p.Name, p.Outer, p.Class, p.Flags)
	if err != nil {
		return Nil, err
	}
	if err := r.Construct(h, p.Class, p.Archetype); err != nil {
		r.discardReserved(h)
		return Nil, err
	}
	return h, nil
}

// Reserve allocates a provisional object marked FlagUnderConstruction. The
// handle may be stored in references immediately; Construct completes it.
// Class may be Nil when it is not yet known.
func (r *Registry) Reserve(n name.Name, outer, class Handle, flags Flags) (Handle, error) {
	if outer != Nil && !r.Valid(outer) {
		return Nil, fmt.Errorf("outer %d: %w", outer, ErrInvalidHandle)
	}
	if n.IsNone() {
		n = r.uniqueName(outer, class)
	}
	if existing := r.Find(outer, n); existing != Nil {
		return Nil, fmt.Errorf("%w: %s", ErrNameCollision, r.PathName(existing))
	}
	h := r.alloc(&Object{Name: n, Outer: outer, Class: class, Flags: flags | FlagUnderConstruction, LinkerIndex: -1})
	r.index(h)
	return h, nil
}

// SetOuter moves a provisional object under a new outer.
func (r *Registry) SetOuter(h, outer Handle) error {
	o := r.Get(h)
	if o == nil {
		return ErrInvalidHandle
	}
	if existing := r.Find(outer, o.Name); existing != Nil && existing != h {
		return fmt.Errorf("%w: %s", ErrNameCollision, r.PathName(existing))
	}
	r.unindex(h)
	o.Outer = outer
	r.index(h)
	return nil
}

// Construct completes a reserved object: it sets the class and archetype
// and initializes values from the archetype.
func (r *Registry) Construct(h, class, archetype Handle) error {
	o := r.Get(h)
	if o == nil {
		return ErrInvalidHandle
	}
	st := r.StructOf(class)
	if st == nil {
		return fmt.Errorf("class %d of %s: %w", class, o.Name, ErrNotAClass)
	}
	if archetype == Nil && !o.Has(FlagClassDefaultObject) {
		archetype = st.Default
	}
	o.Class = class
	o.Archetype = archetype
	o.Values = r.initialValues(st, archetype)
	if class == r.PackageClass && o.Package == nil {
		o.Package = &Package{}
	}
	o.Flags &^= FlagUnderConstruction
	r.log().Debug("object created", "path", r.PathName(h), "class", st.Name.String())
	return nil
}

func (r *Registry) discardReserved(h Handle) {
	r.unindex(h)
	r.objects[h] = nil
	r.free = append(r.free, h)
	r.live--
}

// initialValues copies the archetype's values for the slots it has and
// gives bulk properties fresh payloads.
func (r *Registry) initialValues(st *Struct, archetype Handle) []Value {
	vals := make([]Value, st.Size)
	if a := r.Get(archetype); a != nil {
		n := min(len(a.Values), len(vals))
		for i := range n {
			vals[i] = a.Values[i].Clone()
		}
	}
	initBulk(st, vals)
	return vals
}

func initBulk(st *Struct, vals []Value) {
	for _, p := range st.AllProps() {
		for i := range p.Dim() {
			base := p.Offset + i*p.ElemSlots()
			switch p.Kind {
			case KindBulkData:
				vals[base].Bulk = bulkdata.New(p.ElementSize)
			case KindStruct:
				initBulk(p.Struct, vals[base:base+p.Struct.Size])
			}
		}
	}
}

func (r *Registry) uniqueName(outer, class Handle) name.Name {
	base := "Object"
	if c := r.Get(class); c != nil {
		base = c.Name.Base()
	}
	for {
		n := r.counters[base]
		r.counters[base] = n + 1
		candidate := name.WithNumber(base, n+1)
		if r.Find(outer, candidate) == Nil {
			return candidate
		}
	}
}

// Free releases h's slot. Only the collector calls this, after the object
// finished destruction.
func (r *Registry) Free(h Handle) {
	o := r.Get(h)
	if o == nil {
		return
	}
	r.unindex(h)
	r.objects[h] = nil
	r.free = append(r.free, h)
	r.live--
}

// Unhash removes h from name lookup while keeping its slot. The collector
// unhashes objects it is about to destroy.
func (r *Registry) Unhash(h Handle) {
	if r.Get(h) != nil {
		r.unindex(h)
	}
}

// BulkPayloads returns the bulk payloads held anywhere in h's values.
func (r *Registry) BulkPayloads(h Handle) []*bulkdata.BulkData {
	o := r.Get(h)
	if o == nil {
		return nil
	}
	var out []*bulkdata.BulkData
	var walk func([]Value)
	walk = func(vals []Value) {
		for i := range vals {
			if vals[i].Bulk != nil {
				out = append(out, vals[i].Bulk)
			}
			walk(vals[i].Elems)
		}
	}
	walk(o.Values)
	return out
}

// Rename changes an object's name and outer.
func (r *Registry) Rename(h Handle, n name.Name, outer Handle) error {
	o := r.Get(h)
	if o == nil {
		return ErrInvalidHandle
	}
	if existing := r.Find(outer, n); existing != Nil && existing != h {
		return fmt.Errorf("%w: %s", ErrNameCollision, r.PathName(existing))
	}
	r.unindex(h)
	o.Name = n
	o.Outer = outer
	r.index(h)
	return nil
}

// CreatePackage returns the top-level package named pkg, creating it if
// needed.
func (r *Registry) CreatePackage(pkg string) (Handle, error) {
	if h := r.FindPackage(pkg); h != Nil {
		return h, nil
	}
	return r.New(NewParams{Class: r.PackageClass, Name: name.New(pkg)})
}

// StructOf returns the metadata of a class, struct or state object.
func (r *Registry) StructOf(h Handle) *Struct {
	if o := r.Get(h); o != nil {
		return o.Struct
	}
	return nil
}

// ClassOf returns the class metadata of h's class.
func (r *Registry) ClassOf(h Handle) *Struct {
	if o := r.Get(h); o != nil {
		return r.StructOf(o.Class)
	}
	return nil
}

// IsA reports whether h's class is class or derives from it.
func (r *Registry) IsA(h, class Handle) bool {
	st := r.ClassOf(h)
	target := r.StructOf(class)
	return st != nil && target != nil && st.IsChildOf(target)
}

// IsClass reports whether h is a class object.
func (r *Registry) IsClass(h Handle) bool {
	o := r.Get(h)
	return o != nil && o.Class == r.ClassClass
}

// Outermost returns the top-level package containing h.
func (r *Registry) Outermost(h Handle) Handle {
	for {
		o := r.Get(h)
		if o == nil || o.Outer == Nil {
			return h
		}
		h = o.Outer
	}
}

// IsIn reports whether outer is on h's outer chain.
func (r *Registry) IsIn(h, outer Handle) bool {
	for o := r.Get(h); o != nil; o = r.Get(o.Outer) {
		if o.Outer == outer {
			return true
		}
	}
	return false
}

// PathName returns the dotted path of h.
func (r *Registry) PathName(h Handle) string {
	o := r.Get(h)
	if o == nil {
		return name.NoneString
	}
	if o.Outer == Nil {
		return o.Name.String()
	}
	return r.PathName(o.Outer) + "." + o.Name.String()
}

// FullName returns "<Class> <Path>".
func (r *Registry) FullName(h Handle) string {
	o := r.Get(h)
	if o == nil {
		return name.NoneString
	}
	className := name.NoneString
	if c := r.Get(o.Class); c != nil {
		className = c.Name.String()
	}
	return className + " " + r.PathName(h)
}

// AddToRoot exempts h from collection.
func (r *Registry) AddToRoot(h Handle) {
	if o := r.Get(h); o != nil {
		o.Flags |= FlagRootSet
	}
}

// RemoveFromRoot makes h collectable again.
func (r *Registry) RemoveFromRoot(h Handle) {
	if o := r.Get(h); o != nil {
		o.Flags &^= FlagRootSet
	}
}

// MarkPendingKill flags h for destruction; references to it are nulled by
// the next collection.
func (r *Registry) MarkPendingKill(h Handle) {
	if o := r.Get(h); o != nil {
		o.Flags |= FlagPendingKill
	}
}

// RedirectorTarget returns the destination of a redirector object, or Nil.
func (r *Registry) RedirectorTarget(h Handle) Handle {
	o := r.Get(h)
	if o == nil || o.Class != r.RedirectorClass || len(o.Values) <= r.redirectorTarget.Offset {
		return Nil
	}
	return o.Values[r.redirectorTarget.Offset].Ref
}

// NewRedirector creates a redirector named n under outer pointing at target.
func (r *Registry) NewRedirector(outer Handle, n name.Name, target Handle) (Handle, error) {
	h, err := r.New(NewParams{Class: r.RedirectorClass, Outer: outer, Name: n, Flags: FlagPublic | FlagStandalone})
	if err != nil {
		return Nil, err
	}
	r.objects[h].Values[r.redirectorTarget.Offset].Ref = target
	return h, nil
}

// OnClose registers fn to run when the registry closes. Loaders use it to
// release their linkers.
func (r *Registry) OnClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close runs the registered close functions in reverse order and returns
// the first error.
func (r *Registry) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// PostLoad runs the class PostLoad hook if h still needs it.
func (r *Registry) PostLoad(h Handle) {
	o := r.Get(h)
	if o == nil || !o.Has(FlagNeedPostLoad) {
		return
	}
	o.Flags &^= FlagNeedPostLoad
	if st := r.StructOf(o.Class); st != nil {
		if hooks := st.Hooks(); hooks != nil && hooks.PostLoad != nil {
			hooks.PostLoad(r, h)
		}
	}
}

func defaultObjectName(class name.Name) name.Name {
	return name.New(DefaultObjectPrefix + class.String())
}

// DefaultObjectName returns the CDO name of a class.
func DefaultObjectName(class name.Name) name.Name { return defaultObjectName(class) }
