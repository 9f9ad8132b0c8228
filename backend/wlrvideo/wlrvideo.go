//go:build linux

// Package wlrvideo captures output video straight from a wlroots
// compositor over the screencopy protocol. No portal dialog, no
// PipeWire daemon: it is the first video backend in priority order,
// with the portal path as fallback for compositors that lack the
// protocol.
package wlrvideo

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/mediasource/arena"
	"go2tv.app/mediasource/internal/logging"
	"go2tv.app/mediasource/internal/wlclient"
	"go2tv.app/mediasource/source"
)

const (
	arenaSize = 4 << 10
	// pauseIdle is how long a paused capture loop sleeps between
	// state checks.
	pauseIdle = 10 * time.Millisecond
	// maxRate caps the capture rate regardless of the output's
	// refresh.
	maxRate = 60
)

// Options tunes capture behavior.
type Options struct {
	// Framerate overrides the output refresh rate. Zero follows the
	// output, capped at maxRate.
	Framerate uint32
	// HideCursor leaves the cursor out of captured frames.
	HideCursor bool
}

// grabber is the per-frame capture surface; tests script it.
type grabber interface {
	Capture(ctx context.Context) (*wlclient.Frame, error)
	Close()
}

// display narrows *wlclient.Conn to what the backend touches.
type display interface {
	Outputs() []*wlclient.Output
	HasScreencopy() bool
	NewCapturer(out *wlclient.Output, overlayCursor bool) (grabber, error)
	Close() error
}

type conn struct{ *wlclient.Conn }

func (c conn) NewCapturer(out *wlclient.Output, overlayCursor bool) (grabber, error) {
	return c.Conn.NewCapturer(out, overlayCursor)
}

var (
	probe = wlclient.Probe
	dial  = func(ctx context.Context) (display, error) {
		c, err := wlclient.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return conn{c}, nil
	}
)

// slot is the pointer-free per-stream payload.
type slot struct {
	outputIndex int32
	width       int32
	height      int32
}

// stream owns one compositor connection; Wayland connections are
// single-threaded, so every stream dials its own.
type stream struct {
	disp    display
	grab    grabber
	onFrame source.FrameFunc
	cancel  context.CancelFunc

	interval time.Duration
	running  atomic.Bool
	stop     atomic.Bool
	fatal    atomic.Bool
	done     chan struct{}
}

// Backend implements the direct compositor video path.
type Backend struct {
	opts  Options
	log   zerolog.Logger
	state source.BackendState

	a       *arena.Arena
	table   source.Table[slot]
	streams [source.MaxStreams]*stream

	sources []source.Source
}

func New(opts Options) *Backend {
	return &Backend{opts: opts, log: logging.With("wlrvideo")}
}

func (b *Backend) Name() string      { return "wlr-screencopy" }
func (b *Backend) Kind() source.Kind { return source.KindVideo }

// IsSupported dials the display once and checks for the screencopy
// global.
func (b *Backend) IsSupported() bool { return probe() }

func (b *Backend) State() source.BackendState { return b.state }

func (b *Backend) Init(ctx context.Context) error {
	if b.state == source.BackendInitialized {
		return nil
	}
	b.state = source.BackendInitializing
	b.a = arena.New(arenaSize)
	table, err := source.NewTable[slot](b.a, source.MaxStreams)
	if err != nil {
		b.state = source.BackendFatal
		return err
	}
	b.table = table
	b.state = source.BackendInitialized
	b.log.Debug().Msg("initialized")
	return nil
}

func (b *Backend) Deinit() {
	if b.state != source.BackendInitialized {
		b.state = source.BackendUninitialized
		return
	}
	b.table.Each(func(h source.StreamHandle, _ source.StreamState, _ *slot) {
		b.closeStream(h)
	})
	b.a = nil
	b.sources = nil
	b.state = source.BackendUninitialized
}

// ListSources enumerates compositor outputs over a throwaway
// connection.
func (b *Backend) ListSources(ctx context.Context) ([]source.Source, error) {
	if b.state != source.BackendInitialized {
		return nil, source.ErrBackendNotReady
	}
	if b.sources != nil {
		return b.sources, nil
	}
	disp, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	defer disp.Close()

	outs := disp.Outputs()
	b.sources = make([]source.Source, len(outs))
	for i, out := range outs {
		b.sources[i] = source.Source{
			Name:        out.Name,
			Description: describeOutput(out),
			Category:    source.CategoryDesktop,
		}
	}
	return b.sources, nil
}

func describeOutput(out *wlclient.Output) string {
	if out.Width == 0 {
		return "Compositor output"
	}
	return fmt.Sprintf("%s %dx%d@%d", out.Name, out.Width, out.Height, out.Refresh/1000)
}

func (b *Backend) CreateStream(ctx context.Context, cfg source.StreamConfig) (source.StreamHandle, error) {
	if b.state != source.BackendInitialized {
		return 0, source.ErrBackendNotReady
	}
	if cfg.OnFrame == nil || cfg.OnSamples != nil {
		return 0, source.ErrBadConfig
	}

	h, payload, err := b.table.Create()
	if err != nil {
		return 0, err
	}

	disp, err := dial(ctx)
	if err != nil {
		b.table.Release(h)
		return 0, err
	}
	if !disp.HasScreencopy() {
		disp.Close()
		b.table.Release(h)
		return 0, wlclient.ErrNoScreencopy
	}

	outs := disp.Outputs()
	index := cfg.SourceIndex
	if index < 0 {
		index = 0
	}
	if index >= len(outs) {
		disp.Close()
		b.table.Release(h)
		return 0, source.ErrBadConfig
	}
	out := outs[index]

	grab, err := disp.NewCapturer(out, !b.opts.HideCursor)
	if err != nil {
		disp.Close()
		b.table.Release(h)
		return 0, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	st := &stream{
		disp:     disp,
		grab:     grab,
		onFrame:  cfg.OnFrame,
		cancel:   cancel,
		interval: captureInterval(b.opts.Framerate, out.Refresh),
		done:     make(chan struct{}),
	}
	payload.outputIndex = int32(index)
	payload.width = out.Width
	payload.height = out.Height
	b.streams[h] = st
	b.table.Set(h, source.StreamPaused)

	go b.captureLoop(loopCtx, h, st)

	b.log.Debug().Uint8("stream", uint8(h)).Str("output", out.Name).Msg("stream created")
	return h, nil
}

// captureInterval derives the frame pacing: explicit override, else
// the output refresh, capped.
func captureInterval(override uint32, refreshMilliHz int32) time.Duration {
	fps := override
	if fps == 0 && refreshMilliHz > 0 {
		fps = uint32(refreshMilliHz / 1000)
	}
	if fps == 0 || fps > maxRate {
		fps = maxRate
	}
	return time.Second / time.Duration(fps)
}

// captureLoop is the stream's transport thread: one screencopy
// request per tick while running.
func (b *Backend) captureLoop(ctx context.Context, h source.StreamHandle, st *stream) {
	defer close(st.done)

	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	for !st.stop.Load() {
		if !st.running.Load() {
			time.Sleep(pauseIdle)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, err := st.grab.Capture(ctx)
		if err != nil {
			if st.stop.Load() || ctx.Err() != nil {
				return
			}
			b.log.Error().Err(err).Uint8("stream", uint8(h)).Msg("capture failed")
			st.fatal.Store(true)
			return
		}
		if !st.running.Load() {
			continue
		}
		st.onFrame(h, source.Frame{
			Width:  frame.Width,
			Height: frame.Height,
			Stride: frame.Stride,
			Format: pixelFormat(frame.Format),
			Pixels: frame.Data,
		})
	}
}

func pixelFormat(shmFormat uint32) source.PixelFormat {
	if shmFormat == wlclient.FormatARGB8888 {
		return source.PixelFormatBGRA
	}
	return source.PixelFormatBGRx
}

func (b *Backend) StreamStart(h source.StreamHandle) error {
	if b.table.State(h) == source.StreamClosed {
		return source.ErrInvalidHandle
	}
	st := b.streams[h]
	if st != nil && st.fatal.Load() {
		return source.ErrStreamState
	}
	if err := b.table.Transition(h, source.StreamPaused, source.StreamRunning); err != nil {
		return err
	}
	st.running.Store(true)
	return nil
}

func (b *Backend) StreamPause(h source.StreamHandle) error {
	if b.table.State(h) == source.StreamClosed {
		return source.ErrInvalidHandle
	}
	st := b.streams[h]
	if st != nil && st.fatal.Load() {
		return source.ErrStreamState
	}
	if err := b.table.Transition(h, source.StreamRunning, source.StreamPaused); err != nil {
		return err
	}
	st.running.Store(false)
	return nil
}

func (b *Backend) StreamClose(h source.StreamHandle) error {
	if b.table.State(h) == source.StreamClosed {
		return source.ErrInvalidHandle
	}
	b.closeStream(h)
	return nil
}

func (b *Backend) closeStream(h source.StreamHandle) {
	st := b.streams[h]
	if st != nil {
		st.running.Store(false)
		st.stop.Store(true)
		st.cancel()
		<-st.done
		st.grab.Close()
		st.disp.Close()
		b.streams[h] = nil
	}
	b.table.Release(h)
}

func (b *Backend) StreamState(h source.StreamHandle) source.StreamState {
	state := b.table.State(h)
	if state == source.StreamClosed {
		return state
	}
	if st := b.streams[h]; st != nil && st.fatal.Load() {
		return source.StreamFatal
	}
	return state
}
