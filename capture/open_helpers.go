package capture

import (
	"fmt"
	"time"
)

const defaultFirstFrameTimeout = 8 * time.Second

func validateOptions(options *Options) (*Options, error) {
	if options == nil {
		options = &Options{SourceIndex: -1}
	}
	return options, nil
}

// waitForFirstData bounds the gap between stream start and the first
// delivered chunk. onTimeout tears the half-open stream down.
func waitForFirstData(what string, ready <-chan struct{}, onTimeout func() error) error {
	select {
	case <-ready:
		return nil
	case <-time.After(defaultFirstFrameTimeout):
		if onTimeout != nil {
			_ = onTimeout()
		}
		return fmt.Errorf("%s capture timed out waiting for first data", what)
	}
}
