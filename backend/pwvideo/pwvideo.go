//go:build linux

// Package pwvideo captures screen video through the desktop portal: a
// ScreenCast negotiation grants a PipeWire node, and frames arrive
// over the granted remote. It is the fallback video backend behind the
// direct compositor path, and the only one that works on locked-down
// desktops.
package pwvideo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"go2tv.app/mediasource/arena"
	"go2tv.app/mediasource/internal/apis"
	"go2tv.app/mediasource/internal/logging"
	"go2tv.app/mediasource/internal/pipewire"
	"go2tv.app/mediasource/internal/spa"
	"go2tv.app/mediasource/portal"
	"go2tv.app/mediasource/source"
)

const arenaSize = 4 << 10

// Options tunes the portal negotiation.
type Options struct {
	// Conn overrides the session bus, for tests.
	Conn apis.Conn
	// Timeout bounds each negotiation step, including the user-facing
	// picker dialog. Zero uses the request default.
	Timeout time.Duration
	// RestoreToken resumes a previously granted session without a
	// dialog, when the broker still honors it.
	RestoreToken string
	// Framerate requests frames per second; zero means 60.
	Framerate uint32
}

// grant is the pointer-free per-stream payload kept in the arena.
type grant struct {
	nodeID uint32
	width  uint32
	height uint32
}

// stream holds the per-stream objects the garbage collector must see.
// The fatal flag is the only field the transport thread touches.
type stream struct {
	session *portal.Session
	remote  *pipewire.Stream
	onFrame source.FrameFunc
	fatal   atomic.Bool
}

// Backend implements the portal video path.
type Backend struct {
	opts  Options
	log   zerolog.Logger
	state source.BackendState

	a       *arena.Arena
	table   source.Table[grant]
	streams [source.MaxStreams]*stream

	sources      []source.Source
	restoreToken string
}

// New returns an uninitialized backend.
func New(opts Options) *Backend {
	return &Backend{opts: opts, log: logging.With("pwvideo")}
}

func (b *Backend) Name() string      { return "pipewire-portal-video" }
func (b *Backend) Kind() source.Kind { return source.KindVideo }

var (
	available  = pipewire.Available
	probeError = pipewire.ProbeError
)

// IsSupported probes for the PipeWire client library. Broker presence
// is a bus call away and is checked at Init instead.
func (b *Backend) IsSupported() bool { return available() }

func (b *Backend) State() source.BackendState { return b.state }

func (b *Backend) Init(ctx context.Context) error {
	if b.state == source.BackendInitialized {
		return nil
	}
	b.state = source.BackendInitializing
	if !available() {
		b.state = source.BackendFatal
		return probeError()
	}
	b.a = arena.New(arenaSize)
	table, err := source.NewTable[grant](b.a, source.MaxStreams)
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
	b.table.Each(func(h source.StreamHandle, _ source.StreamState, _ *grant) {
		b.closeStream(h)
	})
	b.a = nil
	b.sources = nil
	b.state = source.BackendUninitialized
}

// ListSources reports the single portal source. The actual monitor is
// chosen in the broker's picker dialog, not by index.
func (b *Backend) ListSources(ctx context.Context) ([]source.Source, error) {
	if b.state != source.BackendInitialized {
		return nil, source.ErrBackendNotReady
	}
	if b.sources == nil {
		b.sources = []source.Source{{
			Name:        "screen",
			Description: "Monitor chosen in the portal dialog",
			Category:    source.CategoryDesktop,
		}}
	}
	return b.sources, nil
}

// RestoreToken returns the token issued with the most recent grant, so
// the next run can skip the dialog.
func (b *Backend) RestoreToken() string { return b.restoreToken }

// grantResult is one finished broker handshake.
type grantResult struct {
	session      *portal.Session
	stream       portal.Stream
	fd           int
	restoreToken string
}

// negotiate runs the four-step broker handshake. Swapped in tests.
var negotiate = func(ctx context.Context, opts Options) (grantResult, error) {
	sess, err := portal.CreateSession(ctx, &portal.Options{Conn: opts.Conn, Timeout: opts.Timeout})
	if err != nil {
		return grantResult{}, err
	}
	err = sess.SelectSources(ctx, &portal.SelectSourcesOptions{
		Types:        portal.SourceTypeMonitor,
		CursorMode:   portal.CursorModeEmbedded,
		PersistMode:  portal.PersistModePersistent,
		RestoreToken: opts.RestoreToken,
	})
	if err != nil {
		sess.Close()
		return grantResult{}, err
	}
	start, err := sess.Start(ctx, "")
	if err != nil {
		sess.Close()
		return grantResult{}, err
	}
	if len(start.Streams) == 0 {
		sess.Close()
		return grantResult{}, portal.ErrNoStreams
	}
	fd, err := sess.OpenPipeWireRemote()
	if err != nil {
		sess.Close()
		return grantResult{}, err
	}
	return grantResult{
		session:      sess,
		stream:       start.Streams[0],
		fd:           fd,
		restoreToken: start.RestoreToken,
	}, nil
}

var connectVideo = pipewire.ConnectVideo

func (b *Backend) CreateStream(ctx context.Context, cfg source.StreamConfig) (source.StreamHandle, error) {
	if b.state != source.BackendInitialized {
		return 0, source.ErrBackendNotReady
	}
	if cfg.OnFrame == nil || cfg.OnSamples != nil {
		return 0, source.ErrBadConfig
	}

	h, slot, err := b.table.Create()
	if err != nil {
		return 0, err
	}

	g, err := negotiate(ctx, b.opts)
	if err != nil {
		b.table.Release(h)
		return 0, err
	}

	st := &stream{session: g.session, onFrame: cfg.OnFrame}
	remote, err := connectVideo(ctx, pipewire.VideoConfig{
		FD:           g.fd,
		NodeID:       g.stream.NodeID,
		Width:        uint32(g.stream.Size[0]),
		Height:       uint32(g.stream.Size[1]),
		FramerateNum: b.opts.Framerate,
	}, func(data []byte, stride int32) {
		st.deliver(h, data, stride)
	})
	// ConnectVideo works on a duplicate; the negotiated descriptor is
	// ours to close either way.
	unix.Close(g.fd)
	if err != nil {
		g.session.Close()
		b.table.Release(h)
		return 0, err
	}
	st.remote = remote
	remote.OnFatal(func(err error) {
		b.log.Error().Err(err).Uint8("stream", uint8(h)).Msg("transport failure")
		st.fatal.Store(true)
	})

	slot.nodeID = g.stream.NodeID
	slot.width = uint32(g.stream.Size[0])
	slot.height = uint32(g.stream.Size[1])
	b.streams[h] = st

	b.restoreToken = g.restoreToken
	b.table.Set(h, source.StreamPaused)
	b.log.Debug().Uint8("stream", uint8(h)).Uint32("node", g.stream.NodeID).Msg("stream created")
	return h, nil
}

// deliver runs on the transport loop thread.
func (st *stream) deliver(h source.StreamHandle, data []byte, stride int32) {
	if st.onFrame == nil || st.remote == nil {
		return
	}
	format := st.remote.Format()
	st.onFrame(h, source.Frame{
		Width:  format.Video.Size.Width,
		Height: format.Video.Size.Height,
		Stride: uint32(stride),
		Format: pixelFormat(format.Video.Format),
		Pixels: data,
	})
}

func pixelFormat(w spa.Word) source.PixelFormat {
	switch w {
	case spa.VideoFormatBGRA:
		return source.PixelFormatBGRA
	case spa.VideoFormatRGBA:
		return source.PixelFormatRGBA
	case spa.VideoFormatRGBx:
		return source.PixelFormatRGBx
	default:
		return source.PixelFormatBGRx
	}
}

func (b *Backend) StreamStart(h source.StreamHandle) error {
	if b.table.State(h) == source.StreamClosed {
		return source.ErrInvalidHandle
	}
	if st := b.streams[h]; st != nil && st.fatal.Load() {
		return source.ErrStreamState
	}
	if err := b.table.Transition(h, source.StreamPaused, source.StreamRunning); err != nil {
		return err
	}
	if err := b.streams[h].remote.Start(); err != nil {
		b.table.Set(h, source.StreamFatal)
		return err
	}
	return nil
}

func (b *Backend) StreamPause(h source.StreamHandle) error {
	if b.table.State(h) == source.StreamClosed {
		return source.ErrInvalidHandle
	}
	if st := b.streams[h]; st != nil && st.fatal.Load() {
		return source.ErrStreamState
	}
	if err := b.table.Transition(h, source.StreamRunning, source.StreamPaused); err != nil {
		return err
	}
	if err := b.streams[h].remote.Pause(); err != nil {
		b.table.Set(h, source.StreamFatal)
		return err
	}
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
		if st.remote != nil {
			st.remote.Close()
		}
		if st.session != nil {
			st.session.Close()
		}
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
