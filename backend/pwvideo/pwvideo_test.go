//go:build linux

package pwvideo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go2tv.app/mediasource/internal/pipewire"
	"go2tv.app/mediasource/portal"
	"go2tv.app/mediasource/source"
)

func swapHooks(t *testing.T) {
	t.Helper()
	savedNegotiate, savedConnect, savedAvailable := negotiate, connectVideo, available
	t.Cleanup(func() {
		negotiate, connectVideo, available = savedNegotiate, savedConnect, savedAvailable
	})
	available = func() bool { return true }
}

// fakeGrant returns a handshake result backed by a real pipe so the
// descriptor bookkeeping is exercised.
func fakeGrant(t *testing.T) (grantResult, func() bool) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	t.Cleanup(func() { unix.Close(fds[1]) })

	closed := func() bool {
		_, err := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFD, 0)
		return errors.Is(err, unix.EBADF)
	}
	return grantResult{
		stream:       portal.Stream{NodeID: 71, Size: [2]int32{1920, 1080}},
		fd:           fds[0],
		restoreToken: "restore-me",
	}, closed
}

func initBackend(t *testing.T) *Backend {
	t.Helper()
	swapHooks(t)
	b := New(Options{})
	require.NoError(t, b.Init(context.Background()))
	require.Equal(t, source.BackendInitialized, b.State())
	return b
}

func TestInitIsIdempotent(t *testing.T) {
	b := initBackend(t)
	require.NoError(t, b.Init(context.Background()))
	assert.Equal(t, source.BackendInitialized, b.State())
}

func TestCreateStreamNegotiatesAndConnects(t *testing.T) {
	b := initBackend(t)

	grant, fdClosed := fakeGrant(t)
	var gotCfg pipewire.VideoConfig
	negotiate = func(context.Context, Options) (grantResult, error) { return grant, nil }
	connectVideo = func(_ context.Context, cfg pipewire.VideoConfig, _ pipewire.DataFunc) (*pipewire.Stream, error) {
		gotCfg = cfg
		return &pipewire.Stream{}, nil
	}

	h, err := b.CreateStream(context.Background(), source.StreamConfig{
		OnFrame: func(source.StreamHandle, source.Frame) {},
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(71), gotCfg.NodeID)
	assert.Equal(t, uint32(1920), gotCfg.Width)
	assert.Equal(t, uint32(1080), gotCfg.Height)
	assert.Equal(t, source.StreamPaused, b.StreamState(h))
	assert.Equal(t, "restore-me", b.RestoreToken())
	assert.True(t, fdClosed(), "granted descriptor closed after handoff")
}

func TestCreateStreamRejectsBadConfig(t *testing.T) {
	b := initBackend(t)
	negotiate = func(context.Context, Options) (grantResult, error) {
		t.Fatal("no negotiation for an invalid config")
		return grantResult{}, nil
	}

	_, err := b.CreateStream(context.Background(), source.StreamConfig{})
	assert.ErrorIs(t, err, source.ErrBadConfig)

	_, err = b.CreateStream(context.Background(), source.StreamConfig{
		OnFrame:   func(source.StreamHandle, source.Frame) {},
		OnSamples: func(source.StreamHandle, source.Samples) {},
	})
	assert.ErrorIs(t, err, source.ErrBadConfig)
}

func TestCreateStreamReleasesSlotOnFailure(t *testing.T) {
	b := initBackend(t)

	boom := errors.New("user dismissed the dialog")
	negotiate = func(context.Context, Options) (grantResult, error) { return grantResult{}, boom }

	_, err := b.CreateStream(context.Background(), source.StreamConfig{
		OnFrame: func(source.StreamHandle, source.Frame) {},
	})
	require.ErrorIs(t, err, boom)

	// The slot is free again: connect failure after negotiation too.
	grant, fdClosed := fakeGrant(t)
	negotiate = func(context.Context, Options) (grantResult, error) { return grant, nil }
	connectVideo = func(context.Context, pipewire.VideoConfig, pipewire.DataFunc) (*pipewire.Stream, error) {
		return nil, pipewire.ErrConnect
	}
	_, err = b.CreateStream(context.Background(), source.StreamConfig{
		OnFrame: func(source.StreamHandle, source.Frame) {},
	})
	require.ErrorIs(t, err, pipewire.ErrConnect)
	assert.True(t, fdClosed())

	grant2, _ := fakeGrant(t)
	negotiate = func(context.Context, Options) (grantResult, error) { return grant2, nil }
	connectVideo = func(context.Context, pipewire.VideoConfig, pipewire.DataFunc) (*pipewire.Stream, error) {
		return &pipewire.Stream{}, nil
	}
	h, err := b.CreateStream(context.Background(), source.StreamConfig{
		OnFrame: func(source.StreamHandle, source.Frame) {},
	})
	require.NoError(t, err)
	assert.Equal(t, source.StreamHandle(0), h, "failed attempts do not leak slots")
}

func TestListSourcesRequiresInit(t *testing.T) {
	b := New(Options{})
	_, err := b.ListSources(context.Background())
	assert.ErrorIs(t, err, source.ErrBackendNotReady)

	b = initBackend(t)
	got, err := b.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, source.CategoryDesktop, got[0].Category)
}

func TestStreamStateForUnknownHandle(t *testing.T) {
	b := initBackend(t)
	assert.Equal(t, source.StreamClosed, b.StreamState(3))
	assert.ErrorIs(t, b.StreamStart(3), source.ErrInvalidHandle)
	assert.ErrorIs(t, b.StreamClose(3), source.ErrInvalidHandle)
}

func TestOutOfRangeHandleRejected(t *testing.T) {
	b := initBackend(t)

	for _, h := range []source.StreamHandle{source.MaxStreams, 255} {
		assert.ErrorIs(t, b.StreamStart(h), source.ErrInvalidHandle)
		assert.ErrorIs(t, b.StreamPause(h), source.ErrInvalidHandle)
		assert.ErrorIs(t, b.StreamClose(h), source.ErrInvalidHandle)
		assert.Equal(t, source.StreamClosed, b.StreamState(h))
	}
}
