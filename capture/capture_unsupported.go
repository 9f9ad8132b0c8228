//go:build !linux

package capture

import "fmt"

func open(options *Options) (*Stream, error) {
	_ = options
	return nil, fmt.Errorf("%w: no backend for this operating system", ErrNotImplemented)
}

func openAudio(options *Options) (*AudioStream, error) {
	_ = options
	return nil, fmt.Errorf("%w: no backend for this operating system", ErrNotImplemented)
}
