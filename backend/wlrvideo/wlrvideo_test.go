//go:build linux

package wlrvideo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/mediasource/internal/wlclient"
	"go2tv.app/mediasource/source"
)

// fakeGrabber returns a fixed-size frame per capture until failAfter.
type fakeGrabber struct {
	mu        sync.Mutex
	captures  int
	closed    bool
	failAfter int
	format    uint32
}

func (g *fakeGrabber) Capture(ctx context.Context) (*wlclient.Frame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures++
	if g.failAfter > 0 && g.captures > g.failAfter {
		return nil, wlclient.ErrCaptureFailed
	}
	return &wlclient.Frame{
		Data:   make([]byte, 16*4*9),
		Width:  16,
		Height: 9,
		Stride: 16 * 4,
		Format: g.format,
	}, nil
}

func (g *fakeGrabber) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

type fakeDisplay struct {
	outs       []*wlclient.Output
	screencopy bool
	grab       *fakeGrabber
	closed     bool
	captured   []string
}

func (d *fakeDisplay) Outputs() []*wlclient.Output { return d.outs }
func (d *fakeDisplay) HasScreencopy() bool         { return d.screencopy }
func (d *fakeDisplay) Close() error                { d.closed = true; return nil }

func (d *fakeDisplay) NewCapturer(out *wlclient.Output, overlayCursor bool) (grabber, error) {
	d.captured = append(d.captured, out.Name)
	return d.grab, nil
}

func install(t *testing.T, d *fakeDisplay) {
	t.Helper()
	savedProbe, savedDial := probe, dial
	t.Cleanup(func() { probe, dial = savedProbe, savedDial })
	probe = func() bool { return true }
	dial = func(context.Context) (display, error) { return d, nil }
}

func twoOutputs() []*wlclient.Output {
	return []*wlclient.Output{
		{Name: "DP-1", Width: 1920, Height: 1080, Refresh: 60000},
		{Name: "HDMI-1", Width: 1280, Height: 720, Refresh: 30000},
	}
}

func initBackend(t *testing.T, d *fakeDisplay) *Backend {
	t.Helper()
	install(t, d)
	b := New(Options{})
	require.NoError(t, b.Init(context.Background()))
	return b
}

func TestListSourcesEnumeratesOutputs(t *testing.T) {
	d := &fakeDisplay{outs: twoOutputs(), screencopy: true}
	b := initBackend(t, d)

	got, err := b.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "DP-1", got[0].Name)
	assert.Equal(t, "DP-1 1920x1080@60", got[0].Description)
	assert.Equal(t, source.CategoryDesktop, got[0].Category)
	assert.True(t, d.closed, "enumeration connection is throwaway")
}

func TestFramesFlowAtConfiguredRate(t *testing.T) {
	grab := &fakeGrabber{format: wlclient.FormatXRGB8888}
	d := &fakeDisplay{outs: twoOutputs(), screencopy: true, grab: grab}
	install(t, d)

	b := New(Options{Framerate: 120}) // clamped to maxRate
	require.NoError(t, b.Init(context.Background()))

	var mu sync.Mutex
	var frames []source.Frame
	h, err := b.CreateStream(context.Background(), source.StreamConfig{
		SourceIndex: 1,
		OnFrame: func(_ source.StreamHandle, f source.Frame) {
			mu.Lock()
			defer mu.Unlock()
			f.Pixels = nil // borrowed view, not retained
			frames = append(frames, f)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"HDMI-1"}, d.captured)
	assert.Equal(t, source.StreamPaused, b.StreamState(h))

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, frames, "paused streams deliver nothing")
	mu.Unlock()

	require.NoError(t, b.StreamStart(h))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	first := frames[0]
	mu.Unlock()
	assert.Equal(t, uint32(16), first.Width)
	assert.Equal(t, uint32(9), first.Height)
	assert.Equal(t, uint32(64), first.Stride)
	assert.Equal(t, source.PixelFormatBGRx, first.Format)

	require.NoError(t, b.StreamClose(h))
	assert.True(t, grab.closed)
	assert.True(t, d.closed)
}

func TestCaptureFailureTurnsStreamFatal(t *testing.T) {
	grab := &fakeGrabber{format: wlclient.FormatARGB8888, failAfter: 1}
	d := &fakeDisplay{outs: twoOutputs(), screencopy: true, grab: grab}
	b := initBackend(t, d)

	h, err := b.CreateStream(context.Background(), source.StreamConfig{
		OnFrame: func(source.StreamHandle, source.Frame) {},
	})
	require.NoError(t, err)
	require.NoError(t, b.StreamStart(h))

	require.Eventually(t, func() bool {
		return b.StreamState(h) == source.StreamFatal
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, b.StreamStart(h), source.ErrStreamState)
	require.NoError(t, b.StreamClose(h))
}

func TestCreateStreamValidation(t *testing.T) {
	d := &fakeDisplay{outs: twoOutputs(), screencopy: true, grab: &fakeGrabber{}}
	b := initBackend(t, d)

	onFrame := func(source.StreamHandle, source.Frame) {}

	_, err := b.CreateStream(context.Background(), source.StreamConfig{})
	assert.ErrorIs(t, err, source.ErrBadConfig)

	_, err = b.CreateStream(context.Background(), source.StreamConfig{SourceIndex: 5, OnFrame: onFrame})
	assert.ErrorIs(t, err, source.ErrBadConfig)

	d.screencopy = false
	_, err = b.CreateStream(context.Background(), source.StreamConfig{OnFrame: onFrame})
	assert.ErrorIs(t, err, wlclient.ErrNoScreencopy)

	d.screencopy = true
	h, err := b.CreateStream(context.Background(), source.StreamConfig{OnFrame: onFrame})
	require.NoError(t, err)
	assert.Equal(t, source.StreamHandle(0), h, "failed attempts do not leak slots")
	require.NoError(t, b.StreamClose(h))
}

func TestDialFailure(t *testing.T) {
	d := &fakeDisplay{outs: twoOutputs(), screencopy: true}
	b := initBackend(t, d)

	boom := errors.New("no compositor")
	dial = func(context.Context) (display, error) { return nil, boom }

	_, err := b.ListSources(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = b.CreateStream(context.Background(), source.StreamConfig{
		OnFrame: func(source.StreamHandle, source.Frame) {},
	})
	assert.ErrorIs(t, err, boom)
}

func TestCaptureIntervalDerivation(t *testing.T) {
	assert.Equal(t, time.Second/60, captureInterval(0, 60000))
	assert.Equal(t, time.Second/30, captureInterval(0, 30000))
	assert.Equal(t, time.Second/60, captureInterval(0, 144000), "refresh capped")
	assert.Equal(t, time.Second/25, captureInterval(25, 60000), "override wins")
	assert.Equal(t, time.Second/60, captureInterval(0, 0), "unknown refresh defaults")
}

func TestOutOfRangeHandleRejected(t *testing.T) {
	b := initBackend(t, &fakeDisplay{outs: twoOutputs(), screencopy: true})

	for _, h := range []source.StreamHandle{source.MaxStreams, 255} {
		assert.ErrorIs(t, b.StreamStart(h), source.ErrInvalidHandle)
		assert.ErrorIs(t, b.StreamPause(h), source.ErrInvalidHandle)
		assert.ErrorIs(t, b.StreamClose(h), source.ErrInvalidHandle)
		assert.Equal(t, source.StreamClosed, b.StreamState(h))
	}
}
