//go:build linux

// Package dynlib resolves system multimedia libraries at runtime. Each
// backend declares only the subset of a library's surface it actually
// calls; a missing library or symbol downgrades that backend to
// unavailable instead of failing the process.
package dynlib

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"

	"go2tv.app/mediasource/internal/logging"
)

// Sym declares one required symbol. Fn must be a pointer to a function
// variable; on success the variable is bound to the resolved symbol.
type Sym struct {
	Name string
	Fn   any
}

// Lib declares a shared library and the symbol subset to resolve from
// it. Probe is cached: resolution runs at most once per process.
type Lib struct {
	// Name identifies the library in diagnostics.
	Name string
	// SoNames are the file names tried in order, most specific first.
	SoNames []string
	// Syms is the declared symbol subset.
	Syms []Sym

	once   sync.Once
	handle uintptr
	err    error
}

// OpenError reports that none of a library's candidate names could be
// opened.
type OpenError struct {
	Lib   string
	Tried []string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("dynlib: %s: none of %v could be opened", e.Lib, e.Tried)
}

// SymbolError reports a declared symbol missing from an opened library.
type SymbolError struct {
	Lib    string
	Symbol string
	Err    error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("dynlib: %s: symbol %s: %v", e.Lib, e.Symbol, e.Err)
}

func (e *SymbolError) Unwrap() error { return e.Err }

// Probe opens the library and binds every declared symbol. The result
// is cached; repeated calls return it without touching the loader again.
func (l *Lib) Probe() error {
	l.once.Do(l.resolve)
	return l.err
}

// Available reports whether Probe succeeded.
func (l *Lib) Available() bool {
	return l.Probe() == nil
}

func (l *Lib) resolve() {
	log := logging.With("dynlib")

	for _, so := range l.SoNames {
		h, err := purego.Dlopen(so, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			l.handle = h
			break
		}
	}
	if l.handle == 0 {
		l.err = &OpenError{Lib: l.Name, Tried: l.SoNames}
		log.Debug().Str("lib", l.Name).Strs("tried", l.SoNames).Msg("library unavailable")
		return
	}

	for _, s := range l.Syms {
		// Dlsym first so a partial library build reports the exact
		// missing symbol; RegisterLibFunc panics on lookup failure.
		if _, err := purego.Dlsym(l.handle, s.Name); err != nil {
			l.err = &SymbolError{Lib: l.Name, Symbol: s.Name, Err: err}
			log.Debug().Str("lib", l.Name).Str("symbol", s.Name).Msg("symbol unavailable")
			return
		}
		purego.RegisterLibFunc(s.Fn, l.handle, s.Name)
	}

	log.Debug().Str("lib", l.Name).Int("symbols", len(l.Syms)).Msg("library resolved")
}
