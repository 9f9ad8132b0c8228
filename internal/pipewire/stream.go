//go:build linux

package pipewire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"go2tv.app/mediasource/internal/logging"
	"go2tv.app/mediasource/internal/spa"
)

var (
	ErrLibraryNotLoaded = errors.New("pipewire: libpipewire-0.3 could not be loaded")
	ErrConnect          = errors.New("pipewire: stream connect failed")
	ErrStreamFatal      = errors.New("pipewire: transport reported a fatal stream error")
)

// DataFunc receives one transport chunk on the loop thread. The slice
// borrows transport memory: it must not be retained past the call, and
// the function must not block or lock.
type DataFunc func(data []byte, stride int32)

// VideoConfig describes a portal-granted video connection.
type VideoConfig struct {
	// FD is the transport descriptor from OpenPipeWireRemote. It is
	// duplicated internally; the caller keeps ownership of its copy.
	FD     int
	NodeID uint32
	Width  uint32
	Height uint32
	// FramerateNum/Den default to 60/1.
	FramerateNum uint32
	FramerateDen uint32
}

// AudioConfig describes a daemon audio connection.
type AudioConfig struct {
	Rate     int32
	Channels int32
	// CaptureSink captures the monitor of the output sink (desktop
	// audio) instead of the default input.
	CaptureSink bool
}

// Stream is one live PipeWire capture stream.
type Stream struct {
	id     uintptr
	loop   uintptr
	pwctx  uintptr
	core   uintptr
	stream uintptr
	hook   spaHook

	onData  DataFunc
	onFatal func(error)

	mu       sync.Mutex
	format   spa.StreamFormat
	hasFmt   bool
	ready    chan struct{} // closed once, on format arrival
	fatalErr chan error    // buffered, at most one send

	closed atomic.Bool
}

// Format returns the negotiated parameters. Valid once the connect
// call has returned successfully; there is no renegotiation
// mid-stream.
func (s *Stream) Format() spa.StreamFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// OnFatal installs a callback invoked once if the transport reports a
// fatal stream error. It runs on the loop thread.
func (s *Stream) OnFatal(fn func(error)) {
	s.onFatal = fn
}

// ConnectVideo opens a video capture stream over the portal-granted
// descriptor and node id, blocking until format negotiation completes
// or ctx expires.
func ConnectVideo(ctx context.Context, cfg VideoConfig, onData DataFunc) (*Stream, error) {
	if !Available() {
		return nil, ErrLibraryNotLoaded
	}
	if cfg.FramerateNum == 0 {
		cfg.FramerateNum, cfg.FramerateDen = 60, 1
	}

	// The context takes ownership of the descriptor it gets.
	fd, err := unix.Dup(cfg.FD)
	if err != nil {
		return nil, fmt.Errorf("pipewire: dup transport fd: %w", err)
	}

	params := spa.VideoEnumFormat(
		spa.Rectangle{Width: cfg.Width, Height: cfg.Height},
		spa.Fraction{Num: cfg.FramerateNum, Denom: cfg.FramerateDen},
	)
	props := "media.type=Video media.category=Capture media.role=Screen"

	return connect(ctx, connectConfig{
		loopName: "mediasource-video",
		props:    props,
		fd:       fd,
		targetID: cfg.NodeID,
		params:   params,
	}, onData)
}

// ConnectAudio opens an audio capture stream against the local daemon,
// blocking until format negotiation completes or ctx expires.
func ConnectAudio(ctx context.Context, cfg AudioConfig, onData DataFunc) (*Stream, error) {
	if !Available() {
		return nil, ErrLibraryNotLoaded
	}
	if cfg.Rate == 0 {
		cfg.Rate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}

	props := "media.type=Audio media.category=Capture"
	if cfg.CaptureSink {
		props += " stream.capture.sink=true"
	}

	return connect(ctx, connectConfig{
		loopName: "mediasource-audio",
		props:    props,
		fd:       -1,
		targetID: idAny,
		params:   spa.AudioEnumFormat(cfg.Rate, cfg.Channels),
	}, onData)
}

type connectConfig struct {
	loopName string
	props    string
	fd       int // -1 connects to the daemon instead
	targetID uint32
	params   []byte
}

func connect(ctx context.Context, cfg connectConfig, onData DataFunc) (*Stream, error) {
	log := logging.With("pipewire")

	s := &Stream{
		onData:   onData,
		ready:    make(chan struct{}),
		fatalErr: make(chan error, 1),
	}
	s.id = register(s)

	// pw_context_connect_fd owns the descriptor from the moment it is
	// called, success or not. Until then it is ours to close.
	fdOwned := cfg.fd >= 0

	fail := func(err error) (*Stream, error) {
		s.teardown()
		if fdOwned {
			_ = unix.Close(cfg.fd)
		}
		return nil, err
	}

	s.loop = threadLoopNew(cfg.loopName, 0)
	if s.loop == 0 {
		return fail(fmt.Errorf("%w: thread loop", ErrConnect))
	}
	s.pwctx = contextNew(threadLoopGetLoop(s.loop), 0, 0)
	if s.pwctx == 0 {
		return fail(fmt.Errorf("%w: context", ErrConnect))
	}
	if threadLoopStart(s.loop) != 0 {
		return fail(fmt.Errorf("%w: loop start", ErrConnect))
	}

	// Setup runs under the transport's own lock; the loop thread owns
	// everything between lock and unlock.
	threadLoopLock(s.loop)
	if cfg.fd >= 0 {
		fdOwned = false
		s.core = contextConnectFd(s.pwctx, int32(cfg.fd), 0, 0)
	} else {
		s.core = contextConnect(s.pwctx, 0, 0)
	}
	if s.core == 0 {
		threadLoopUnlock(s.loop)
		return fail(fmt.Errorf("%w: core", ErrConnect))
	}

	s.stream = streamNew(s.core, cfg.loopName, propertiesNewString(cfg.props))
	if s.stream == 0 {
		threadLoopUnlock(s.loop)
		return fail(fmt.Errorf("%w: stream", ErrConnect))
	}
	streamAddListener(s.stream, unsafe.Pointer(&s.hook), unsafe.Pointer(eventsTable()), s.id)

	pod := unsafe.Pointer(&cfg.params[0])
	res := streamConnect(s.stream, directionInput, cfg.targetID,
		flagAutoconnect|flagMapBuffers|flagInactive|flagRTProcess,
		unsafe.Pointer(&pod), 1)
	threadLoopUnlock(s.loop)
	if res < 0 {
		return fail(fmt.Errorf("%w: code %d", ErrConnect, res))
	}

	// One-shot readiness: the Format parameter arrives exactly once
	// per open attempt.
	select {
	case <-s.ready:
	case err := <-s.fatalErr:
		return fail(err)
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	log.Debug().Uint32("node", cfg.targetID).Msg("stream connected")
	return s, nil
}

// Start resumes delivery. The stream was created inactive, so the
// first Start begins it.
func (s *Stream) Start() error {
	return s.setActive(true)
}

// Pause suspends delivery without tearing the stream down.
func (s *Stream) Pause() error {
	return s.setActive(false)
}

func (s *Stream) setActive(active bool) error {
	if s.closed.Load() {
		return ErrStreamFatal
	}
	threadLoopLock(s.loop)
	res := streamSetActive(s.stream, active)
	threadLoopUnlock(s.loop)
	if res < 0 {
		return fmt.Errorf("pipewire: set active: code %d", res)
	}
	return nil
}

// Close stops the loop and destroys the transport objects. No data
// callback fires after Close returns.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.teardown()
	return nil
}

func (s *Stream) teardown() {
	s.closed.Store(true)
	if s.stream != 0 {
		threadLoopLock(s.loop)
		streamDestroy(s.stream)
		s.stream = 0
		threadLoopUnlock(s.loop)
	}
	if s.loop != 0 {
		threadLoopStop(s.loop)
	}
	if s.core != 0 {
		coreDisconnect(s.core)
		s.core = 0
	}
	if s.pwctx != 0 {
		contextDestroy(s.pwctx)
		s.pwctx = 0
	}
	if s.loop != 0 {
		threadLoopDestroy(s.loop)
		s.loop = 0
	}
	unregister(s.id)
}

// Loop-thread callbacks. Signal-handler discipline applies: no
// blocking, no locks beyond the registry lookup, buffer handoff and a
// single outward call only.

func onStateChanged(data, old, state, errMsg uintptr) uintptr {
	_ = old
	s := lookup(data)
	if s == nil {
		return 0
	}
	if int32(state) == stateError {
		err := ErrStreamFatal
		if errMsg != 0 {
			err = fmt.Errorf("%w: %s", ErrStreamFatal, cString(errMsg))
		}
		select {
		case s.fatalErr <- err:
		default:
		}
		if s.onFatal != nil && !s.closed.Load() {
			s.onFatal(err)
		}
	}
	return 0
}

func onParamChanged(data, id, param uintptr) uintptr {
	s := lookup(data)
	if s == nil || param == 0 || uint32(id) != spa.ParamFormat {
		return 0
	}

	size := *(*uint32)(unsafe.Pointer(param)) + 8
	raw := unsafe.Slice((*byte)(unsafe.Pointer(param)), size)
	format, err := spa.ParseFormat(raw)
	if err != nil {
		select {
		case s.fatalErr <- err:
		default:
		}
		return 0
	}

	s.mu.Lock()
	first := !s.hasFmt
	s.format = format
	s.hasFmt = true
	s.mu.Unlock()
	if first {
		close(s.ready)
	}
	return 0
}

func onProcess(data uintptr) uintptr {
	s := lookup(data)
	if s == nil || s.closed.Load() {
		return 0
	}

	buf := streamDequeueBuffer(s.stream)
	if buf == 0 {
		return 0
	}
	b := (*pwBuffer)(unsafe.Pointer(buf))
	if b.buffer != nil && b.buffer.nDatas > 0 {
		d := b.buffer.datas
		if d.data != nil && d.chunk != nil && d.chunk.size > 0 {
			view := unsafe.Slice((*byte)(d.data), d.chunk.size)
			s.onData(view, d.chunk.stride)
		}
	}
	streamQueueBuffer(s.stream, buf)
	return 0
}

func cString(p uintptr) string {
	if p == 0 {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}
