//go:build linux

package dynlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeMissingLibrary(t *testing.T) {
	l := &Lib{
		Name:    "nonexistent",
		SoNames: []string{"libmediasource-test-missing.so.0", "libmediasource-test-missing.so"},
	}

	err := l.Probe()
	require.Error(t, err)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "nonexistent", openErr.Lib)
	assert.False(t, l.Available())

	// Cached: the second probe returns the identical error value.
	assert.Same(t, err, l.Probe())
}

func TestProbeMissingSymbol(t *testing.T) {
	var bogus func()
	l := &Lib{
		Name:    "libc",
		SoNames: []string{"libc.so.6"},
		Syms: []Sym{
			{Name: "mediasource_test_no_such_symbol", Fn: &bogus},
		},
	}

	err := l.Probe()
	require.Error(t, err)

	var symErr *SymbolError
	require.ErrorAs(t, err, &symErr)
	assert.Equal(t, "mediasource_test_no_such_symbol", symErr.Symbol)
	assert.False(t, l.Available())
}

func TestProbeResolvesDeclaredSubset(t *testing.T) {
	var getpid func() int32
	l := &Lib{
		Name:    "libc",
		SoNames: []string{"libc.so.6"},
		Syms: []Sym{
			{Name: "getpid", Fn: &getpid},
		},
	}

	require.NoError(t, l.Probe())
	assert.True(t, l.Available())
	require.NotNil(t, getpid)
	assert.Positive(t, getpid())
}
