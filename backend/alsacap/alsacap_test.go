//go:build linux

package alsacap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/mediasource/internal/alsa"
	"go2tv.app/mediasource/source"
)

// fakePCM scripts the device: every read yields one full chunk until
// failAfter reads, then errors.
type fakePCM struct {
	mu        sync.Mutex
	reads     int
	paused    int
	resumed   int
	closed    bool
	failAfter int
}

func (f *fakePCM) Rate() uint32     { return 48000 }
func (f *fakePCM) Channels() uint32 { return 2 }
func (f *fakePCM) FrameBytes() int  { return 4 }

func (f *fakePCM) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failAfter > 0 && f.reads > f.failAfter {
		return 0, errors.New("read: i/o error")
	}
	for i := range buf {
		buf[i] = byte(f.reads)
	}
	// Pace the loop like a real device would.
	time.Sleep(time.Millisecond)
	return len(buf), nil
}

func (f *fakePCM) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
	return nil
}

func (f *fakePCM) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
	return nil
}

func (f *fakePCM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func initBackend(t *testing.T, pcm *fakePCM) *Backend {
	t.Helper()
	savedAvailable, savedDevices, savedOpen := available, listDevices, openPCM
	t.Cleanup(func() { available, listDevices, openPCM = savedAvailable, savedDevices, savedOpen })

	available = func() bool { return true }
	listDevices = func() ([]alsa.Device, error) {
		return []alsa.Device{
			{Name: "default", Description: "Default device"},
			{Name: "hw:1,0", Description: "USB Microphone"},
		}, nil
	}
	openPCM = func(cfg alsa.Config) (pcmHandle, error) { return pcm, nil }

	b := New(Options{})
	require.NoError(t, b.Init(context.Background()))
	return b
}

func TestSamplesFlowOnlyWhileRunning(t *testing.T) {
	pcm := &fakePCM{}
	b := initBackend(t, pcm)

	var mu sync.Mutex
	var got []source.Samples
	h, err := b.CreateStream(context.Background(), source.StreamConfig{
		SourceIndex: -1,
		OnSamples: func(_ source.StreamHandle, s source.Samples) {
			mu.Lock()
			defer mu.Unlock()
			data := append([]byte(nil), s.Data...)
			s.Data = data
			got = append(got, s)
		},
	})
	require.NoError(t, err)
	require.Equal(t, source.StreamPaused, b.StreamState(h))

	// Paused: the reader must stay idle.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, got)
	mu.Unlock()

	require.NoError(t, b.StreamStart(h))
	assert.Equal(t, source.StreamRunning, b.StreamState(h))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	first := got[0]
	mu.Unlock()
	assert.Equal(t, uint32(48000), first.Rate)
	assert.Equal(t, uint32(2), first.Channels)
	assert.Equal(t, source.SampleFormatS16LE, first.Format)
	assert.Len(t, first.Data, chunkFrames*4)

	require.NoError(t, b.StreamPause(h))
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	afterPause := len(got)
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, len(got), afterPause+1, "at most one in-flight chunk after pause")
	mu.Unlock()

	require.NoError(t, b.StreamClose(h))
	assert.True(t, pcm.closed)
	assert.Equal(t, source.StreamClosed, b.StreamState(h))
}

func TestDeviceFailureTurnsStreamFatal(t *testing.T) {
	pcm := &fakePCM{failAfter: 1}
	b := initBackend(t, pcm)

	h, err := b.CreateStream(context.Background(), source.StreamConfig{
		SourceIndex: -1,
		OnSamples:   func(source.StreamHandle, source.Samples) {},
	})
	require.NoError(t, err)
	require.NoError(t, b.StreamStart(h))

	require.Eventually(t, func() bool {
		return b.StreamState(h) == source.StreamFatal
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, b.StreamStart(h), source.ErrStreamState)
	assert.ErrorIs(t, b.StreamPause(h), source.ErrStreamState)
	require.NoError(t, b.StreamClose(h), "fatal streams can still be closed")
}

func TestSourceIndexPicksDevice(t *testing.T) {
	pcm := &fakePCM{}
	b := initBackend(t, pcm)

	var opened []string
	openPCM = func(cfg alsa.Config) (pcmHandle, error) {
		opened = append(opened, cfg.Device)
		return pcm, nil
	}

	onSamples := func(source.StreamHandle, source.Samples) {}
	h1, err := b.CreateStream(context.Background(), source.StreamConfig{SourceIndex: 1, OnSamples: onSamples})
	require.NoError(t, err)
	h2, err := b.CreateStream(context.Background(), source.StreamConfig{SourceIndex: -1, OnSamples: onSamples})
	require.NoError(t, err)
	assert.Equal(t, []string{"hw:1,0", "default"}, opened)

	_, err = b.CreateStream(context.Background(), source.StreamConfig{SourceIndex: 9, OnSamples: onSamples})
	assert.ErrorIs(t, err, source.ErrBadConfig)

	require.NoError(t, b.StreamClose(h1))
	require.NoError(t, b.StreamClose(h2))
}

func TestListSourcesCaches(t *testing.T) {
	b := initBackend(t, &fakePCM{})

	calls := 0
	listDevices = func() ([]alsa.Device, error) {
		calls++
		return []alsa.Device{{Name: "default"}}, nil
	}

	_, err := b.ListSources(context.Background())
	require.NoError(t, err)
	_, err = b.ListSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	b.Deinit()
	require.NoError(t, b.Init(context.Background()))
	_, err = b.ListSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "deinit drops the cache")
}

func TestOpenFailureReleasesSlot(t *testing.T) {
	b := initBackend(t, &fakePCM{})

	boom := errors.New("device busy")
	openPCM = func(alsa.Config) (pcmHandle, error) { return nil, boom }

	_, err := b.CreateStream(context.Background(), source.StreamConfig{
		SourceIndex: -1,
		OnSamples:   func(source.StreamHandle, source.Samples) {},
	})
	require.ErrorIs(t, err, boom)

	openPCM = func(alsa.Config) (pcmHandle, error) { return &fakePCM{}, nil }
	h, err := b.CreateStream(context.Background(), source.StreamConfig{
		SourceIndex: -1,
		OnSamples:   func(source.StreamHandle, source.Samples) {},
	})
	require.NoError(t, err)
	assert.Equal(t, source.StreamHandle(0), h)
	require.NoError(t, b.StreamClose(h))
}

func TestOutOfRangeHandleRejected(t *testing.T) {
	b := initBackend(t, &fakePCM{})

	for _, h := range []source.StreamHandle{source.MaxStreams, 255} {
		assert.ErrorIs(t, b.StreamStart(h), source.ErrInvalidHandle)
		assert.ErrorIs(t, b.StreamPause(h), source.ErrInvalidHandle)
		assert.ErrorIs(t, b.StreamClose(h), source.ErrInvalidHandle)
		assert.Equal(t, source.StreamClosed, b.StreamState(h))
	}
}
