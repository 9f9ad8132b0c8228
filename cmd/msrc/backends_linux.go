package main

import (
	"go2tv.app/mediasource/backend/alsacap"
	"go2tv.app/mediasource/backend/pwaudio"
	"go2tv.app/mediasource/backend/pwvideo"
	"go2tv.app/mediasource/backend/wlrvideo"
	"go2tv.app/mediasource/source"
)

// allBackends returns one instance of every backend, in selection
// priority order within each kind.
func allBackends() []source.Backend {
	return []source.Backend{
		wlrvideo.New(wlrvideo.Options{}),
		pwvideo.New(pwvideo.Options{}),
		alsacap.New(alsacap.Options{}),
		pwaudio.New(pwaudio.Options{}),
	}
}
