//go:build linux

// Package pwaudio captures audio from the local PipeWire daemon. It
// offers two fixed sources, the default input and the monitor of the
// output sink, and is tried after the plain ALSA path.
package pwaudio

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"go2tv.app/mediasource/arena"
	"go2tv.app/mediasource/internal/logging"
	"go2tv.app/mediasource/internal/pipewire"
	"go2tv.app/mediasource/source"
)

const arenaSize = 4 << 10

// Options tunes the daemon connection.
type Options struct {
	// Rate defaults to 48000, Channels to 2.
	Rate     int32
	Channels int32
}

// slot is the pointer-free per-stream payload.
type slot struct {
	captureSink bool
}

type stream struct {
	remote    *pipewire.Stream
	onSamples source.SamplesFunc
	fatal     atomic.Bool
}

// Backend implements the PipeWire daemon audio path.
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
	return &Backend{opts: opts, log: logging.With("pwaudio")}
}

func (b *Backend) Name() string      { return "pipewire-audio" }
func (b *Backend) Kind() source.Kind { return source.KindAudio }

var (
	available  = pipewire.Available
	probeError = pipewire.ProbeError
)

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

// ListSources reports the two daemon endpoints. The daemon resolves
// "default" itself, so no device walk is needed.
func (b *Backend) ListSources(ctx context.Context) ([]source.Source, error) {
	if b.state != source.BackendInitialized {
		return nil, source.ErrBackendNotReady
	}
	if b.sources == nil {
		b.sources = []source.Source{
			{Name: "default", Description: "Default microphone", Category: source.CategoryMicrophone},
			{Name: "desktop", Description: "Desktop audio (output monitor)", Category: source.CategoryDesktop},
		}
	}
	return b.sources, nil
}

var connectAudio = pipewire.ConnectAudio

func (b *Backend) CreateStream(ctx context.Context, cfg source.StreamConfig) (source.StreamHandle, error) {
	if b.state != source.BackendInitialized {
		return 0, source.ErrBackendNotReady
	}
	if cfg.OnSamples == nil || cfg.OnFrame != nil {
		return 0, source.ErrBadConfig
	}
	if cfg.SourceIndex > 1 {
		return 0, source.ErrBadConfig
	}
	captureSink := cfg.SourceIndex == 1

	h, payload, err := b.table.Create()
	if err != nil {
		return 0, err
	}

	st := &stream{onSamples: cfg.OnSamples}
	remote, err := connectAudio(ctx, pipewire.AudioConfig{
		Rate:        b.opts.Rate,
		Channels:    b.opts.Channels,
		CaptureSink: captureSink,
	}, func(data []byte, _ int32) {
		st.deliver(h, data)
	})
	if err != nil {
		b.table.Release(h)
		return 0, err
	}
	st.remote = remote
	remote.OnFatal(func(err error) {
		b.log.Error().Err(err).Uint8("stream", uint8(h)).Msg("transport failure")
		st.fatal.Store(true)
	})

	payload.captureSink = captureSink
	b.streams[h] = st
	b.table.Set(h, source.StreamPaused)
	b.log.Debug().Uint8("stream", uint8(h)).Bool("sink", captureSink).Msg("stream created")
	return h, nil
}

// deliver runs on the transport loop thread.
func (st *stream) deliver(h source.StreamHandle, data []byte) {
	if st.onSamples == nil || st.remote == nil {
		return
	}
	format := st.remote.Format()
	st.onSamples(h, source.Samples{
		Rate:     uint32(format.Audio.Rate),
		Channels: uint32(format.Audio.Channels),
		Format:   source.SampleFormatS16LE,
		Data:     data,
	})
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
	if st := b.streams[h]; st != nil && st.remote != nil {
		st.remote.Close()
	}
	b.streams[h] = nil
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
