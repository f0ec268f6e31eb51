// Package audit walks the object graph through the archive interface: it
// collects and replaces references, finds referencers, traces the route
// from the root set to an object, and duplicates object subtrees.
package audit

import (
	"github.com/meigma/pak/archive"
	"github.com/meigma/pak/internal/objtype"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
)

// walker is an archive that moves no bytes. Each object reference is passed
// to visit, which may rewrite it.
type walker struct {
	archive.Base
	visit func(h *objtype.Handle)
}

func newWalker(visit func(h *objtype.Handle)) *walker {
	return &walker{Base: archive.NewBase(archive.FlagReferenceCollector), visit: visit}
}

func (w *walker) Serialize([]byte)                  {}
func (w *walker) SerializeName(*name.Name)          {}
func (w *walker) SerializeObject(h *objtype.Handle) { w.visit(h) }
func (w *walker) SeekTo(int64)                      {}
func (w *walker) Tell() int64                       { return 0 }
func (w *walker) TotalSize() int64                  { return 0 }

// ReferenceCollector gathers the objects referenced by serialized objects.
type ReferenceCollector struct {
	reg        *object.Registry
	limitOuter object.Handle
	direct     bool
	recursive  bool
	seen       map[object.Handle]bool
	found      []object.Handle
}

// CollectorOption configures a ReferenceCollector.
type CollectorOption func(*ReferenceCollector)

// WithLimitOuter keeps only references to objects inside outer. With direct
// set, the referenced object's Outer must be outer itself.
func WithLimitOuter(outer object.Handle, direct bool) CollectorOption {
	return func(c *ReferenceCollector) {
		c.limitOuter = outer
		c.direct = direct
	}
}

// WithRecursive also collects the references of every collected object.
func WithRecursive() CollectorOption {
	return func(c *ReferenceCollector) {
		c.recursive = true
	}
}

// NewReferenceCollector returns a collector over reg.
func NewReferenceCollector(reg *object.Registry, opts ...CollectorOption) *ReferenceCollector {
	c := &ReferenceCollector{reg: reg, seen: make(map[object.Handle]bool)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect serializes h and returns every object collected so far, in
// discovery order.
func (c *ReferenceCollector) Collect(h object.Handle) []object.Handle {
	queue := []object.Handle{h}
	ar := newWalker(func(ref *objtype.Handle) {
		target := *ref
		if target == object.Nil || c.seen[target] || !c.reg.Valid(target) || !c.accepts(target) {
			return
		}
		c.seen[target] = true
		c.found = append(c.found, target)
		if c.recursive {
			queue = append(queue, target)
		}
	})
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		c.reg.Serialize(next, ar)
	}
	return c.found
}

func (c *ReferenceCollector) accepts(h object.Handle) bool {
	if c.limitOuter == object.Nil {
		return true
	}
	if c.direct {
		return c.reg.Get(h).Outer == c.limitOuter
	}
	return c.reg.IsIn(h, c.limitOuter)
}

// References returns the distinct objects h refers to directly.
func References(reg *object.Registry, h object.Handle) []object.Handle {
	return NewReferenceCollector(reg).Collect(h)
}

// ReplaceReferences rewrites references held by h according to m and
// returns the number of references changed. An object's outer and class are
// never rewritten.
func ReplaceReferences(reg *object.Registry, h object.Handle, m map[object.Handle]object.Handle) int {
	n, seen := 0, 0
	ar := newWalker(func(ref *objtype.Handle) {
		// Walkers see the outer and class first, as read-only copies.
		seen++
		if seen <= 2 {
			return
		}
		if to, ok := m[*ref]; ok && *ref != to {
			*ref = to
			n++
		}
	})
	reg.Serialize(h, ar)
	return n
}

// ReplaceAll applies ReplaceReferences to every live object.
func ReplaceAll(reg *object.Registry, m map[object.Handle]object.Handle) int {
	n := 0
	for h := range reg.All() {
		n += ReplaceReferences(reg, h, m)
	}
	return n
}

// FindReferencers returns the objects holding a reference to target.
func FindReferencers(reg *object.Registry, target object.Handle) []object.Handle {
	var out []object.Handle
	for h := range reg.All() {
		if h == target {
			continue
		}
		hit := false
		ar := newWalker(func(ref *objtype.Handle) {
			if *ref == target {
				hit = true
			}
		})
		reg.Serialize(h, ar)
		if hit {
			out = append(out, h)
		}
	}
	return out
}
