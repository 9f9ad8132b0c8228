//go:build !linux

package dynlib

import (
	"errors"
	"fmt"
)

var errUnsupported = errors.New("dynlib: runtime library loading is only available on linux")

type Sym struct {
	Name string
	Fn   any
}

type Lib struct {
	Name    string
	SoNames []string
	Syms    []Sym
}

type OpenError struct {
	Lib   string
	Tried []string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("dynlib: %s: none of %v could be opened", e.Lib, e.Tried)
}

type SymbolError struct {
	Lib    string
	Symbol string
	Err    error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("dynlib: %s: symbol %s: %v", e.Lib, e.Symbol, e.Err)
}

func (e *SymbolError) Unwrap() error { return e.Err }

func (l *Lib) Probe() error { return errUnsupported }

func (l *Lib) Available() bool { return false }
