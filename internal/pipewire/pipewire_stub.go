//go:build !linux

package pipewire

import (
	"context"
	"errors"

	"go2tv.app/mediasource/internal/spa"
)

var (
	ErrLibraryNotLoaded = errors.New("pipewire: libpipewire-0.3 could not be loaded")
	ErrConnect          = errors.New("pipewire: stream connect failed")
	ErrStreamFatal      = errors.New("pipewire: transport reported a fatal stream error")
)

var errUnsupported = errors.New("pipewire: unsupported platform")

type DataFunc func(data []byte, stride int32)

type VideoConfig struct {
	FD           int
	NodeID       uint32
	Width        uint32
	Height       uint32
	FramerateNum uint32
	FramerateDen uint32
}

type AudioConfig struct {
	Rate        int32
	Channels    int32
	CaptureSink bool
}

type Stream struct{}

func Available() bool   { return false }
func ProbeError() error { return errUnsupported }

func ConnectVideo(ctx context.Context, cfg VideoConfig, onData DataFunc) (*Stream, error) {
	return nil, errUnsupported
}

func ConnectAudio(ctx context.Context, cfg AudioConfig, onData DataFunc) (*Stream, error) {
	return nil, errUnsupported
}

func (s *Stream) Format() spa.StreamFormat { return spa.StreamFormat{} }
func (s *Stream) OnFatal(fn func(error))   {}
func (s *Stream) Start() error             { return errUnsupported }
func (s *Stream) Pause() error             { return errUnsupported }
func (s *Stream) Close() error             { return nil }
