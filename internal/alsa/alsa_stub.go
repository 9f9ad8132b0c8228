//go:build !linux

package alsa

import "errors"

var (
	ErrLibraryNotLoaded = errors.New("alsa: libasound could not be loaded")
	ErrClosed           = errors.New("alsa: pcm is closed")
)

var errUnsupported = errors.New("alsa: unsupported platform")

type Config struct {
	Device    string
	Rate      uint32
	Channels  uint32
	LatencyUs uint32
}

type PCM struct{}

type Device struct {
	Name        string
	Description string
}

func Available() bool   { return false }
func ProbeError() error { return errUnsupported }

func Open(cfg Config) (*PCM, error) { return nil, errUnsupported }
func Devices() ([]Device, error)    { return nil, errUnsupported }

func (p *PCM) Rate() uint32             { return 0 }
func (p *PCM) Channels() uint32         { return 0 }
func (p *PCM) FrameBytes() int          { return 0 }
func (p *PCM) Read([]byte) (int, error) { return 0, errUnsupported }
func (p *PCM) Pause() error             { return errUnsupported }
func (p *PCM) Resume() error            { return errUnsupported }
func (p *PCM) Close() error             { return nil }
