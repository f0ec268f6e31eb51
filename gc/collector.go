package gc

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/meigma/pak/internal/clock"
	"github.com/meigma/pak/name"
	"github.com/meigma/pak/object"
)

// Defaults for purge pacing.
const (
	DefaultPurgeBatch  = 64
	DefaultWaitTimeout = 10 * time.Second
)

// alwaysKept are flags that exempt an object from collection regardless of
// the caller's keep flags. Objects in the middle of loading are never
// destroyed.
const alwaysKept = object.FlagRootSet | object.FlagUnderConstruction | object.FlagAsyncLoading |
	object.FlagNeedLoad | object.FlagNeedPostLoad

// Stats describe one collection.
type Stats struct {
	Roots       int
	Reachable   int
	Unreachable int
	Nulled      int
	Duration    time.Duration
}

// Collector marks and purges a registry's objects.
type Collector struct {
	reg         *object.Registry
	clock       clock.Clock
	logger      *slog.Logger
	batch       int
	waitTimeout time.Duration
	streams     map[*object.Struct]*TokenStream

	purging   bool
	pending   []object.Handle
	cursor    int
	deferred  []object.Handle
	finished  []object.Handle
	freed     int
	waitSince time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger for collection events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithClock sets the clock used for purge time budgets.
func WithClock(clk clock.Clock) Option {
	return func(c *Collector) {
		c.clock = clk
	}
}

// WithPurgeBatch sets how many objects are processed between time checks.
func WithPurgeBatch(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.batch = n
		}
	}
}

// WithWaitTimeout bounds how long a non-time-limited purge waits on objects
// that are not ready for FinishDestroy before destroying them anyway.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Collector) {
		c.waitTimeout = d
	}
}

// New returns a collector over reg.
func New(reg *object.Registry, opts ...Option) *Collector {
	c := &Collector{
		reg:         reg,
		clock:       clock.Real(),
		batch:       DefaultPurgeBatch,
		waitTimeout: DefaultWaitTimeout,
		streams:     make(map[*object.Struct]*TokenStream),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Stream returns the cached token stream of st, assembling it on first use.
func (c *Collector) Stream(st *object.Struct) (*TokenStream, error) {
	if ts, ok := c.streams[st]; ok {
		return ts, nil
	}
	ts, err := assembleStruct(st)
	if err != nil {
		return nil, err
	}
	c.streams[st] = ts
	return ts, nil
}

// Purging reports whether destroyed objects are still awaiting purge.
func (c *Collector) Purging() bool { return c.purging }

// Collect marks everything reachable from the root set and from objects
// carrying any of keep, nulls Object references to pending-kill objects,
// and begins destruction of the rest. Destruction is completed by
// IncrementalPurge. A purge left over from an earlier collection is
// finished first.
func (c *Collector) Collect(keep object.Flags) (Stats, error) {
	if c.purging {
		c.IncrementalPurge(false, 0)
	}
	start := c.clock.Now()
	m := &marker{c: c}
	for h, o := range c.reg.All() {
		if o.Flags.Any(alwaysKept) || (keep != 0 && o.Flags.Any(keep) && !o.Has(object.FlagPendingKill)) {
			o.Flags &^= object.FlagUnreachable
			m.queue = append(m.queue, h)
			m.stats.Roots++
			continue
		}
		o.Flags |= object.FlagUnreachable
	}
	m.stats.Reachable = len(m.queue)
	if err := m.drain(); err != nil {
		return m.stats, err
	}

	var packages []object.Handle
	for h, o := range c.reg.All() {
		if !o.Has(object.FlagUnreachable) {
			continue
		}
		m.stats.Unreachable++
		c.beginDestroy(h, o)
		if o.Package != nil {
			packages = append(packages, h)
		} else {
			c.pending = append(c.pending, h)
		}
	}
	c.pending = append(c.pending, packages...)
	c.purging = len(c.pending) > 0
	m.stats.Duration = c.clock.Now().Sub(start)
	c.log().Info("collection finished",
		"roots", m.stats.Roots,
		"reachable", m.stats.Reachable,
		"unreachable", m.stats.Unreachable,
		"nulled", m.stats.Nulled,
		"duration", m.stats.Duration)
	return m.stats, nil
}

// CollectGarbage runs Collect and purges everything in the same call.
func (c *Collector) CollectGarbage(keep object.Flags) (Stats, error) {
	stats, err := c.Collect(keep)
	if err != nil {
		return stats, err
	}
	c.IncrementalPurge(false, 0)
	return stats, nil
}

func (c *Collector) beginDestroy(h object.Handle, o *object.Object) {
	c.reg.Unhash(h)
	o.Flags |= object.FlagBeginDestroyed
	if o.Linker != nil && o.Package == nil {
		o.Linker.ObjectDestroyed(o.LinkerIndex)
	}
	if hooks := c.hooks(o); hooks != nil && hooks.BeginDestroy != nil {
		hooks.BeginDestroy(c.reg, h)
	}
}

func (c *Collector) readyForFinish(h object.Handle) bool {
	o := c.reg.Get(h)
	if hooks := c.hooks(o); hooks != nil && hooks.IsReadyForFinishDestroy != nil {
		return hooks.IsReadyForFinishDestroy(c.reg, h)
	}
	return true
}

func (c *Collector) finishDestroy(h object.Handle) {
	o := c.reg.Get(h)
	o.Flags |= object.FlagFinishDestroyed
	if hooks := c.hooks(o); hooks != nil && hooks.FinishDestroy != nil {
		hooks.FinishDestroy(c.reg, h)
	}
	for _, b := range c.reg.BulkPayloads(h) {
		if b.IsLocked() {
			continue
		}
		b.RemoveBulkData()
		if err := b.DetachFromArchive(false); err != nil {
			c.log().Warn("bulk detach failed", "object", c.reg.PathName(h), "error", err)
		}
	}
	if o.Package != nil && o.Linker != nil {
		if err := o.Linker.Detach(false); err != nil {
			c.log().Warn("linker detach failed", "package", o.Linker.PackageName(), "error", err)
		}
		o.Linker = nil
	}
	c.log().Debug("object destroyed", "object", c.reg.FullName(h))
}

func (c *Collector) hooks(o *object.Object) *object.Hooks {
	if o == nil {
		return nil
	}
	if st := c.reg.StructOf(o.Class); st != nil {
		return st.Hooks()
	}
	return nil
}

// IncrementalPurge finishes destruction of the objects found unreachable by
// the last Collect and frees their slots. With useTimeLimit it returns once
// limit has elapsed, checking time every purge batch. It reports whether
// the purge is complete.
//
// Objects whose IsReadyForFinishDestroy hook reports false are revisited on
// later passes. A non-time-limited purge waits for them, destroying them
// anyway after the wait timeout.
func (c *Collector) IncrementalPurge(useTimeLimit bool, limit time.Duration) bool {
	if !c.purging {
		return true
	}
	budget := clock.NewBudget(c.clock, limit, useTimeLimit)
	processed := 0
	outOfTime := func() bool {
		processed++
		return processed%c.batch == 0 && budget.Exceeded()
	}

	for {
		for c.cursor < len(c.pending) {
			h := c.pending[c.cursor]
			c.cursor++
			if c.readyForFinish(h) {
				c.finishDestroy(h)
				c.finished = append(c.finished, h)
			} else {
				c.deferred = append(c.deferred, h)
			}
			if outOfTime() {
				return false
			}
		}
		if len(c.deferred) == 0 {
			break
		}
		progressed := len(c.deferred) < len(c.pending)
		c.pending, c.deferred = c.deferred, nil
		c.cursor = 0
		if progressed {
			c.waitSince = time.Time{}
			continue
		}
		if c.waitSince.IsZero() {
			c.waitSince = c.clock.Now()
		}
		if useTimeLimit {
			return false
		}
		if c.clock.Now().Sub(c.waitSince) >= c.waitTimeout {
			for _, h := range c.pending {
				c.log().Warn("destroying object that never became ready", "object", c.reg.PathName(h))
				c.finishDestroy(h)
				c.finished = append(c.finished, h)
			}
			c.pending = nil
			break
		}
		runtime.Gosched()
	}

	for c.freed < len(c.finished) {
		c.reg.Free(c.finished[c.freed])
		c.freed++
		if outOfTime() && c.freed < len(c.finished) {
			return false
		}
	}
	c.log().Info("purge finished", "freed", c.freed)
	c.purging = false
	c.pending, c.deferred, c.finished = nil, nil, nil
	c.cursor, c.freed = 0, 0
	c.waitSince = time.Time{}
	return true
}

type frame struct {
	data      []object.Value
	stride    int
	count     int
	index     int
	loopStart int
	dry       bool
}

func (f *frame) element() []object.Value {
	if f.dry {
		return nil
	}
	lo := f.index * f.stride
	hi := lo + f.stride
	if hi > len(f.data) {
		return nil
	}
	return f.data[lo:hi]
}

// marker holds the state of one mark phase.
type marker struct {
	c     *Collector
	queue []object.Handle
	stats Stats

	// noSkip interprets empty struct arrays instead of taking the skip
	// token, and trace observes every token fetched outside such arrays.
	noSkip bool
	trace  func(idx, depth, elem int)
}

func (m *marker) drain() error {
	reg := m.c.reg
	for len(m.queue) > 0 {
		h := m.queue[len(m.queue)-1]
		m.queue = m.queue[:len(m.queue)-1]
		o := reg.Get(h)
		m.implicit(o)
		st := reg.StructOf(o.Class)
		if st == nil {
			continue
		}
		ts, err := m.c.Stream(st)
		if err != nil {
			return err
		}
		if err := m.run(ts, o.Values); err != nil {
			return err
		}
	}
	return nil
}

// implicit marks references held outside property values.
func (m *marker) implicit(o *object.Object) {
	m.reach(o.Outer)
	m.reach(o.Class)
	m.reach(o.Archetype)
	st := o.Struct
	if st == nil {
		return
	}
	if st.Super != nil {
		m.reach(st.Super.Self)
	}
	m.reach(st.Default)
	for _, p := range st.Props {
		if p.Struct != nil {
			m.reach(p.Struct.Self)
		}
		if p.Inner != nil && p.Inner.Struct != nil {
			m.reach(p.Inner.Struct.Self)
		}
	}
}

func (m *marker) reach(h object.Handle) {
	if o := m.c.reg.Get(h); o != nil && o.Has(object.FlagUnreachable) {
		o.Flags &^= object.FlagUnreachable
		m.queue = append(m.queue, h)
		m.stats.Reachable++
	}
}

// visit follows one reference slot. Nullable references to pending-kill
// or destroyed objects are cleared.
func (m *marker) visit(ref *object.Handle, nullable bool) {
	if *ref == object.Nil {
		return
	}
	target := m.c.reg.Get(*ref)
	if nullable && (target == nil || target.Has(object.FlagPendingKill)) {
		*ref = object.Nil
		m.stats.Nulled++
		return
	}
	m.reach(*ref)
}

func slot(elem []object.Value, off uint32) *object.Value {
	if int(off) < len(elem) {
		return &elem[off]
	}
	return nil
}

// run interprets ts against vals.
func (m *marker) run(ts *TokenStream, vals []object.Value) error {
	stack := []frame{{data: vals, stride: len(vals), count: 1}}
	idx := 0
	for {
		top := &stack[len(stack)-1]
		if m.trace != nil && !top.dry {
			m.trace(idx, len(stack), top.index)
		}
		elem := top.element()
		ri := ts.Info(idx)
		idx++

		switch ri.Type {
		case TokenEndOfStream:
			return nil
		case TokenObject, TokenPersistentObject:
			if v := slot(elem, ri.Offset); v != nil {
				m.visit(&v.Ref, ri.Type == TokenObject)
			}
		case TokenArrayObject:
			if v := slot(elem, ri.Offset); v != nil {
				for i := range v.Elems {
					m.visit(&v.Elems[i].Ref, true)
				}
			}
		case TokenScriptDelegate:
			if v := slot(elem, ri.Offset); v != nil && v.Ref != object.Nil {
				m.visit(&v.Ref, true)
				if v.Ref == object.Nil {
					v.Name = name.None
				}
			}
		case TokenStateLocals:
			if v := slot(elem, ri.Offset); v != nil && v.Ref != object.Nil {
				m.reach(v.Ref)
				if st := m.c.reg.StructOf(v.Ref); st != nil && len(v.Elems) > 0 {
					locals, err := m.c.Stream(st)
					if err != nil {
						return err
					}
					if err := m.run(locals, v.Elems); err != nil {
						return err
					}
				}
			}
		case TokenArrayStruct:
			stride := int(ts.Word(idx))
			si := ts.Skip(idx + 1)
			idx += 2
			var elems []object.Value
			if v := slot(elem, ri.Offset); v != nil {
				elems = v.Elems
			}
			n := 0
			if stride > 0 {
				n = len(elems) / stride
			}
			if n > 0 || m.noSkip {
				stack = append(stack, frame{data: elems, stride: stride, count: n, loopStart: idx, dry: n == 0})
				continue
			}
			idx = int(si.SkipIndex)
			ri.ReturnCount = ts.Info(idx-1).ReturnCount - si.InnerReturnCount
		case TokenFixedArray:
			stride := int(ts.Word(idx))
			count := int(ts.Word(idx + 1))
			idx += 2
			var data []object.Value
			if off, end := int(ri.Offset), int(ri.Offset)+stride*count; end <= len(elem) {
				data = elem[off:end]
			}
			stack = append(stack, frame{data: data, stride: stride, count: count, loopStart: idx, dry: data == nil})
			continue
		}

		for rc := ri.ReturnCount; rc > 0; rc-- {
			top := &stack[len(stack)-1]
			top.index++
			if top.index < top.count {
				idx = top.loopStart
				break
			}
			stack = stack[:len(stack)-1]
		}
	}
}
