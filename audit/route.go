package audit

import (
	"errors"
	"fmt"
	"slices"

	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/internal/objtype"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
)

// ErrNoRoute is returned when no root references an object.
var ErrNoRoute = errors.New("audit: object is not reachable from the root set")

// ShortestPathToRoot returns the shortest reference chain from a root to
// target, root first. Roots are rooted objects and objects carrying any of
// keep. Implicit references (Outer, Class, Archetype) count as edges.
func ShortestPathToRoot(reg *object.Registry, target object.Handle, keep object.Flags) ([]object.Handle, error) {
	if !reg.Valid(target) {
		return nil, object.ErrInvalidHandle
	}
	referencers := make(map[object.Handle][]object.Handle)
	for h := range reg.All() {
		for _, ref := range References(reg, h) {
			if ref != h {
				referencers[ref] = append(referencers[ref], h)
			}
		}
	}
	isRoot := func(h object.Handle) bool {
		o := reg.Get(h)
		return o.Has(object.FlagRootSet) || (keep != 0 && o.Flags.Any(keep))
	}

	next := map[object.Handle]object.Handle{target: object.Nil}
	queue := []object.Handle{target}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if isRoot(h) {
			var path []object.Handle
			for cur := h; cur != object.Nil; cur = next[cur] {
				path = append(path, cur)
			}
			return path, nil
		}
		for _, from := range referencers[h] {
			if _, seen := next[from]; seen {
				continue
			}
			next[from] = h
			queue = append(queue, from)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, reg.PathName(target))
}

// remapReader loads from a memory image, redirecting references to
// duplicated objects.
type remapReader struct {
	*archive.MemoryReader
	m map[object.Handle]object.Handle
}

func (r *remapReader) SerializeObject(h *objtype.Handle) {
	r.MemoryReader.SerializeObject(h)
	if to, ok := r.m[*h]; ok {
		*h = to
	}
}

// Duplicate copies src and every object inside it under outer, naming the
// copy of src newName. References between the copied objects point at the
// copies; references leaving the subtree are kept.
func Duplicate(reg *object.Registry, src, outer object.Handle, newName name.Name) (object.Handle, error) {
	if !reg.Valid(src) {
		return object.Nil, object.ErrInvalidHandle
	}
	objs := []object.Handle{src}
	for h := range reg.All() {
		if reg.IsIn(h, src) {
			objs = append(objs, h)
		}
	}
	depth := func(h object.Handle) int {
		d := 0
		for o := reg.Get(h); o != nil && h != src; o = reg.Get(h) {
			h = o.Outer
			d++
		}
		return d
	}
	slices.SortStableFunc(objs, func(a, b object.Handle) int { return depth(a) - depth(b) })

	dup := make(map[object.Handle]object.Handle, len(objs))
	for _, h := range objs {
		o := reg.Get(h)
		dupOuter, dupName := outer, newName
		if h != src {
			dupOuter, dupName = dup[o.Outer], o.Name
		}
		d, err := reg.New(object.NewParams{
			Class:     o.Class,
			Outer:     dupOuter,
			Name:      dupName,
			Flags:     o.Flags & object.LoadMask &^ object.FlagClassDefaultObject,
			Archetype: o.Archetype,
		})
		if err != nil {
			return object.Nil, fmt.Errorf("duplicate %s: %w", reg.PathName(h), err)
		}
		dup[h] = d
	}

	for _, h := range objs {
		w := archive.NewMemoryWriter(0)
		reg.Serialize(h, w)
		if err := w.Err(); err != nil {
			return object.Nil, fmt.Errorf("duplicate %s: %w", reg.PathName(h), err)
		}
		r := &remapReader{MemoryReader: archive.NewMemoryReader(w.Bytes(), 0), m: dup}
		reg.Serialize(dup[h], r)
		if err := r.Err(); err != nil {
			return object.Nil, fmt.Errorf("duplicate %s: %w", reg.PathName(h), err)
		}
	}
	reg.Logger().Debug("object duplicated", "from", reg.PathName(src), "to", reg.PathName(dup[src]), "objects", len(objs))
	return dup[src], nil
}
