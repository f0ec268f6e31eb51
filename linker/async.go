package linker

import (
	"errors"
	"fmt"
	"time"

	"github.com/meigma/pak/internal/clock"
	"github.com/meigma/pak/object"
)

type asyncPhase int

const (
	phaseCreateLinker asyncPhase = iota
	phaseVerifyImports
	phaseCreateExports
	phasePreload
	phasePostLoad
	phaseDone
)

var phaseNames = [...]string{"CreateLinker", "VerifyImports", "CreateExports", "Preload", "PostLoad", "Done"}

func (p asyncPhase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("asyncPhase(%d)", int(p))
}

// AsyncPackage is a package load spread over many ticks. Its phases run in
// order: linker creation, import verification, export creation, preload
// and PostLoad. Objects being loaded carry FlagAsyncLoading, which keeps
// them alive across collections.
type AsyncPackage struct {
	loader  *Loader
	pkg     string
	flags   LoadFlags
	linker  *LinkerLoad
	phase   asyncPhase
	pos     int
	err     error
	started time.Time
}

// Package returns the name of the package being loaded.
func (p *AsyncPackage) Package() string { return p.pkg }

// Done reports whether the load finished, successfully or not.
func (p *AsyncPackage) Done() bool { return p.phase == phaseDone }

// Err returns the error that ended the load, if any.
func (p *AsyncPackage) Err() error { return p.err }

// Root returns the package object once the linker exists.
func (p *AsyncPackage) Root() object.Handle {
	if p.linker == nil {
		return object.Nil
	}
	return p.linker.Root
}

// Linker returns the package linker once it was created.
func (p *AsyncPackage) Linker() *LinkerLoad { return p.linker }

// AsyncLoad queues pkg for loading by ProcessAsyncLoading. Queuing a
// package that is already queued returns the existing load.
func (ld *Loader) AsyncLoad(pkg string, flags LoadFlags) *AsyncPackage {
	for _, p := range ld.async {
		if p.pkg == pkg {
			return p
		}
	}
	p := &AsyncPackage{loader: ld, pkg: pkg, flags: flags, started: ld.clock.Now()}
	ld.async = append(ld.async, p)
	return p
}

// AsyncPending returns the number of queued package loads.
func (ld *Loader) AsyncPending() int { return len(ld.async) }

// ProcessAsyncLoading advances queued loads in queue order. With
// useTimeLimit it returns after roughly timeLimit. Finished loads leave the
// queue; failed ones also detach their linker. It returns the number of
// loads still queued and the errors of loads that failed in this call.
func (ld *Loader) ProcessAsyncLoading(timeLimit time.Duration, useTimeLimit bool) (int, error) {
	budget := clock.NewBudget(ld.clock, timeLimit, useTimeLimit)
	var errs []error
	for len(ld.async) > 0 {
		p := ld.async[0]
		done := p.tick(budget)
		if done {
			ld.async = ld.async[1:]
			if p.err != nil {
				errs = append(errs, p.err)
				if p.linker != nil {
					errs = append(errs, p.linker.Detach(false))
				}
			}
		}
		if budget.Exceeded() || (!done && budget.Limited()) {
			break
		}
	}
	return len(ld.async), errors.Join(errs...)
}

func (p *AsyncPackage) tick(budget clock.Budget) bool {
	for p.phase != phaseDone {
		done, err := p.step(budget)
		if err != nil {
			p.err = fmt.Errorf("async load %s: %s: %w", p.pkg, p.phase, err)
			p.phase = phaseDone
			p.loader.log().Error("async load failed", "package", p.pkg, "error", err)
			return true
		}
		if !done {
			return false
		}
		p.phase++
		p.pos = 0
		if p.phase == phaseDone {
			p.loader.log().Info("package loaded", "package", p.pkg,
				"exports", len(p.linker.ExportMap), "elapsed", p.loader.clock.Now().Sub(p.started))
			return true
		}
		if budget.Exceeded() {
			return false
		}
	}
	return true
}

func (p *AsyncPackage) step(budget clock.Budget) (bool, error) {
	switch p.phase {
	case phaseCreateLinker:
		if p.linker == nil {
			l, err := p.loader.CreateLinkerAsync(p.pkg, p.flags)
			if err != nil {
				return false, err
			}
			p.linker = l
		}
		return p.linker.tick(budget)
	case phaseVerifyImports:
		if p.flags&LoadNoVerify != 0 {
			return true, nil
		}
		return p.each(budget, len(p.linker.ImportMap), func(i int) error {
			_, err := p.linker.CreateImport(i)
			return err
		})
	case phaseCreateExports:
		return p.each(budget, len(p.linker.ExportMap), func(i int) error {
			h, err := p.linker.CreateExport(i)
			if o := p.loader.reg.Get(h); o != nil && o.Has(object.FlagNeedLoad) {
				o.Flags |= object.FlagAsyncLoading
			}
			return err
		})
	case phasePreload:
		return p.each(budget, len(p.linker.ExportMap), p.linker.preloadExport)
	case phasePostLoad:
		done, err := p.each(budget, len(p.linker.ExportMap), func(i int) error {
			o := p.loader.reg.Get(p.linker.ExportMap[i].Object)
			if o != nil && !o.Has(object.FlagNeedLoad) {
				o.Flags &^= object.FlagAsyncLoading
				p.loader.reg.PostLoad(p.linker.ExportMap[i].Object)
			}
			return nil
		})
		if done && err == nil {
			err = p.loader.EndLoad()
		}
		return done, err
	default:
		return true, nil
	}
}

// each runs fn over items p.pos..n-1, checking the budget once per batch.
func (p *AsyncPackage) each(budget clock.Budget, n int, fn func(int) error) (bool, error) {
	batch := max(p.loader.tickBatch, 1)
	for p.pos < n {
		for end := min(p.pos+batch, n); p.pos < end; p.pos++ {
			if err := fn(p.pos); err != nil {
				return false, err
			}
		}
		if budget.Exceeded() {
			break
		}
	}
	return p.pos >= n, nil
}
