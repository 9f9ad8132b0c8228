// Package source defines the uniform contract every capture backend
// implements: a probed capability check, an initialized/fatal backend
// lifecycle, cached source enumeration, and a small table of streams
// addressed by opaque handles.
package source

import (
	"context"
	"errors"
)

// Kind separates audio and video backends.
type Kind uint8

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Category classifies an enumerated source.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryMicrophone
	CategoryDesktop
)

func (c Category) String() string {
	switch c {
	case CategoryMicrophone:
		return "microphone"
	case CategoryDesktop:
		return "desktop"
	default:
		return "unknown"
	}
}

// BackendState is the lifecycle of one backend instance.
type BackendState uint8

const (
	BackendUninitialized BackendState = iota
	BackendInitializing
	BackendInitialized
	// BackendFatal marks an unrecoverable library error; no backend
	// implements fatal-state recovery short of a process restart.
	BackendFatal
)

func (s BackendState) String() string {
	switch s {
	case BackendUninitialized:
		return "uninitialized"
	case BackendInitializing:
		return "initializing"
	case BackendInitialized:
		return "initialized"
	case BackendFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// StreamState is the lifecycle of one open stream.
type StreamState uint8

const (
	StreamClosed StreamState = iota
	StreamInitializing
	StreamPaused
	StreamRunning
	StreamFatal
)

func (s StreamState) String() string {
	switch s {
	case StreamClosed:
		return "closed"
	case StreamInitializing:
		return "initializing"
	case StreamPaused:
		return "paused"
	case StreamRunning:
		return "running"
	case StreamFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// StreamHandle indexes a backend's stream table. A handle is valid only
// while its stream state is not closed; it carries no ownership.
type StreamHandle uint8

// MaxStreams bounds concurrent streams per backend.
const MaxStreams = 8

// Source describes one enumerated capture source. The backend owns the
// value until its next enumeration invalidates it.
type Source struct {
	Name        string
	Description string
	Category    Category
}

// PixelFormat names the pixel layout of delivered frames.
type PixelFormat string

const (
	PixelFormatBGRA PixelFormat = "BGRA"
	PixelFormatBGRx PixelFormat = "BGRx"
	PixelFormatRGBA PixelFormat = "RGBA"
	PixelFormatRGBx PixelFormat = "RGBx"
)

// SampleFormat names the sample layout of delivered audio.
type SampleFormat string

const (
	SampleFormatS16LE SampleFormat = "S16LE"
)

// Frame is a borrowed view of one captured video frame. The pixel
// slice is only valid for the duration of the callback; the backing
// buffer is returned to the transport as soon as the callback returns.
type Frame struct {
	Width  uint32
	Height uint32
	Stride uint32
	Format PixelFormat
	Pixels []byte
}

// Samples is a borrowed view of one captured audio chunk, under the
// same lifetime rule as Frame.
type Samples struct {
	Rate     uint32
	Channels uint32
	Format   SampleFormat
	Data     []byte
}

// FrameFunc receives video frames. It runs on the transport's thread
// and must not block, lock, or retain the pixel slice.
type FrameFunc func(h StreamHandle, frame Frame)

// SamplesFunc receives audio chunks, under the same rules as
// FrameFunc.
type SamplesFunc func(h StreamHandle, samples Samples)

// StreamConfig configures one CreateStream call. Exactly one of the
// callbacks must be set, matching the backend kind.
type StreamConfig struct {
	// SourceIndex picks an entry of the last enumeration; negative
	// selects the backend default.
	SourceIndex int
	OnFrame     FrameFunc
	OnSamples   SamplesFunc
}

var (
	// ErrBackendNotReady means an operation requiring an initialized
	// backend was called too early or after a fatal error. Caller bug.
	ErrBackendNotReady = errors.New("source: backend is not initialized")
	// ErrInvalidHandle means the handle does not name a live stream.
	// Caller bug.
	ErrInvalidHandle = errors.New("source: invalid stream handle")
	// ErrStreamState means the stream is not in the state the
	// operation requires. Caller bug.
	ErrStreamState = errors.New("source: stream is not in the required state")
	// ErrNoBackend means no candidate backend probed as supported.
	ErrNoBackend = errors.New("source: no supported backend")
	// ErrBadConfig means the stream configuration is inconsistent
	// with the backend kind.
	ErrBadConfig = errors.New("source: invalid stream configuration")
)

// Backend is the uniform capture interface. Implementations are safe
// for use from a single application goroutine; data callbacks arrive
// on the transport's own thread.
type Backend interface {
	// Name identifies the backend in logs and diagnostics.
	Name() string
	Kind() Kind

	// IsSupported probes for the required library or service. The
	// first call resolves and caches; later calls are a cached bool.
	IsSupported() bool

	// Init brings the backend to initialized. Absence of the
	// underlying subsystem is reported as an error, never a panic.
	Init(ctx context.Context) error

	// Deinit returns the backend to uninitialized and drops the
	// cached source list. Open streams are closed.
	Deinit()

	State() BackendState

	// ListSources enumerates capture sources. The result is cached
	// after the first success and returned unchanged until Deinit.
	ListSources(ctx context.Context) ([]Source, error)

	// CreateStream opens a stream against the configured source. On
	// success the stream is in StreamPaused.
	CreateStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)

	StreamStart(h StreamHandle) error
	StreamPause(h StreamHandle) error
	StreamClose(h StreamHandle) error
	StreamState(h StreamHandle) StreamState
}
