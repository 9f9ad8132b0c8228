//go:build linux

// Package alsacap captures audio straight from ALSA. It is the first
// audio backend in priority order: no daemon needed, lowest overhead,
// and it still works on headless hosts. Desktop-audio capture is out
// of its reach, so enumeration reports input devices only.
package alsacap

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/mediasource/arena"
	"go2tv.app/mediasource/internal/alsa"
	"go2tv.app/mediasource/internal/logging"
	"go2tv.app/mediasource/source"
)

const (
	// arenaSize covers the stream table plus one read ring per slot.
	arenaSize = 128 << 10
	// chunkFrames is the read granularity: ~21ms at 48kHz.
	chunkFrames = 1024
	// ringDepth keeps one chunk loaned to the consumer, one being
	// filled, and one spare.
	ringDepth = 3
	// pauseIdle is how long a paused reader sleeps between state
	// checks.
	pauseIdle = 10 * time.Millisecond
)

// Options tunes the PCM configuration shared by all streams.
type Options struct {
	Rate      uint32
	Channels  uint32
	LatencyUs uint32
}

// slot is the pointer-free per-stream payload.
type slot struct {
	deviceIndex int32
}

// pcmHandle narrows *alsa.PCM for the reader loop; tests substitute a
// scripted device.
type pcmHandle interface {
	Rate() uint32
	Channels() uint32
	FrameBytes() int
	Read(buf []byte) (int, error)
	Pause() error
	Resume() error
	Close() error
}

type stream struct {
	pcm       pcmHandle
	ring      []byte
	onSamples source.SamplesFunc

	running atomic.Bool
	stop    atomic.Bool
	fatal   atomic.Bool
	done    chan struct{}
}

// Backend implements the direct ALSA audio path.
type Backend struct {
	opts  Options
	log   zerolog.Logger
	state source.BackendState

	a       *arena.Arena
	table   source.Table[slot]
	streams [source.MaxStreams]*stream
	rings   [source.MaxStreams][]byte

	sources []source.Source
	devices []alsa.Device
}

func New(opts Options) *Backend {
	return &Backend{opts: opts, log: logging.With("alsacap")}
}

func (b *Backend) Name() string      { return "alsa" }
func (b *Backend) Kind() source.Kind { return source.KindAudio }

var (
	available   = alsa.Available
	probeError  = alsa.ProbeError
	listDevices = alsa.Devices
	openPCM     = func(cfg alsa.Config) (pcmHandle, error) { return alsa.Open(cfg) }
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
	b.rings = [source.MaxStreams][]byte{}
	b.sources = nil
	b.devices = nil
	b.state = source.BackendUninitialized
}

func (b *Backend) ListSources(ctx context.Context) ([]source.Source, error) {
	if b.state != source.BackendInitialized {
		return nil, source.ErrBackendNotReady
	}
	if b.sources != nil {
		return b.sources, nil
	}
	devices, err := listDevices()
	if err != nil {
		return nil, err
	}
	b.devices = devices
	b.sources = make([]source.Source, len(devices))
	for i, d := range devices {
		b.sources[i] = source.Source{
			Name:        d.Name,
			Description: d.Description,
			Category:    source.CategoryMicrophone,
		}
	}
	return b.sources, nil
}

func (b *Backend) CreateStream(ctx context.Context, cfg source.StreamConfig) (source.StreamHandle, error) {
	if b.state != source.BackendInitialized {
		return 0, source.ErrBackendNotReady
	}
	if cfg.OnSamples == nil || cfg.OnFrame != nil {
		return 0, source.ErrBadConfig
	}

	device := "default"
	if cfg.SourceIndex >= 0 {
		if _, err := b.ListSources(ctx); err != nil {
			return 0, err
		}
		if cfg.SourceIndex >= len(b.devices) {
			return 0, source.ErrBadConfig
		}
		device = b.devices[cfg.SourceIndex].Name
	}

	h, payload, err := b.table.Create()
	if err != nil {
		return 0, err
	}

	pcm, err := openPCM(alsa.Config{
		Device:    device,
		Rate:      b.opts.Rate,
		Channels:  b.opts.Channels,
		LatencyUs: b.opts.LatencyUs,
	})
	if err != nil {
		b.table.Release(h)
		return 0, err
	}

	ring, err := b.streamRing(h, ringDepth*chunkFrames*pcm.FrameBytes())
	if err != nil {
		_ = pcm.Close()
		b.table.Release(h)
		return 0, err
	}

	st := &stream{pcm: pcm, ring: ring, onSamples: cfg.OnSamples, done: make(chan struct{})}
	payload.deviceIndex = int32(cfg.SourceIndex)
	b.streams[h] = st
	b.table.Set(h, source.StreamPaused)

	go b.readLoop(h, st)

	b.log.Debug().Uint8("stream", uint8(h)).Str("device", device).Msg("stream created")
	return h, nil
}

// streamRing returns the slot's read ring, carved from the arena on
// first use. Slots are reused, so each one reserves at most once per
// backend lifetime.
func (b *Backend) streamRing(h source.StreamHandle, size int) ([]byte, error) {
	if len(b.rings[h]) >= size {
		return b.rings[h][:size], nil
	}
	idx, err := arena.Reserve[byte](b.a, size)
	if err != nil {
		return nil, err
	}
	b.rings[h] = arena.Slice(b.a, idx)
	return b.rings[h], nil
}

// readLoop is the stream's transport thread. It parks while paused and
// marks the stream fatal on a device error the PCM could not recover
// from. Reads rotate through the ring so the consumer's last borrowed
// view stays intact while the next chunk fills.
func (b *Backend) readLoop(h source.StreamHandle, st *stream) {
	defer close(st.done)

	chunk := chunkFrames * st.pcm.FrameBytes()
	pos := 0
	rate := st.pcm.Rate()
	channels := st.pcm.Channels()

	for !st.stop.Load() {
		if !st.running.Load() {
			time.Sleep(pauseIdle)
			continue
		}
		buf := st.ring[pos*chunk : (pos+1)*chunk]
		pos = (pos + 1) % ringDepth
		n, err := st.pcm.Read(buf)
		if err != nil {
			if st.stop.Load() {
				return
			}
			b.log.Error().Err(err).Uint8("stream", uint8(h)).Msg("device read failed")
			st.fatal.Store(true)
			return
		}
		if n == 0 || !st.running.Load() {
			continue
		}
		st.onSamples(h, source.Samples{
			Rate:     rate,
			Channels: channels,
			Format:   source.SampleFormatS16LE,
			Data:     buf[:n],
		})
	}
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
	if err := st.pcm.Resume(); err != nil {
		b.table.Set(h, source.StreamFatal)
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
	if err := st.pcm.Pause(); err != nil {
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
		st.running.Store(false)
		st.stop.Store(true)
		<-st.done
		st.pcm.Close()
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
