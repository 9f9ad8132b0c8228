// Package capture is the convenience facade over the backend layer:
// pick the best available backend, open one stream, and expose it as a
// plain byte reader. Callers that need handles, pause/resume, or
// multiple streams use the backend packages directly.
package capture

import (
	"errors"
	"io"
)

var (
	ErrNotImplemented = errors.New("capture is not implemented on this platform")
	ErrCancelled      = errors.New("capture request was cancelled")
	ErrNoStreams      = errors.New("capture returned no streams")
	ErrInvalidOptions = errors.New("invalid capture options")
)

// Options configures one Open call.
type Options struct {
	// SourceIndex selects from the backend's enumeration; negative
	// picks the backend default.
	SourceIndex int
	// Framerate requests a video frame rate. Zero lets the backend
	// decide.
	Framerate uint32
	// DisableDirect skips the direct compositor path and goes
	// straight to the portal, forcing the user-facing picker.
	DisableDirect bool
}

// Stream is a raw video frame source. Read yields whole frames of
// tightly packed pixel rows.
type Stream struct {
	io.ReadCloser

	Width       uint32
	Height      uint32
	Stride      uint32
	FrameRate   uint32
	PixelFormat string
}

// AudioStream is a raw interleaved sample source.
type AudioStream struct {
	io.ReadCloser

	Rate         uint32
	Channels     uint32
	SampleFormat string
}

// Open starts a screen capture on the best available video backend.
func Open(options *Options) (*Stream, error) {
	return open(options)
}

// OpenAudio starts an audio capture on the best available audio
// backend.
func OpenAudio(options *Options) (*AudioStream, error) {
	return openAudio(options)
}
