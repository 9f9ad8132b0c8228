//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go2tv.app/mediasource/backend/alsacap"
	"go2tv.app/mediasource/backend/pwaudio"
	"go2tv.app/mediasource/backend/pwvideo"
	"go2tv.app/mediasource/backend/wlrvideo"
	"go2tv.app/mediasource/internal/logging"
	"go2tv.app/mediasource/internal/request"
	"go2tv.app/mediasource/portal"
	"go2tv.app/mediasource/source"
)

const defaultFrameRate = 60

// Candidate lists encode backend priority; swapped in tests.
var videoCandidates = func(options *Options) []source.Backend {
	var candidates []source.Backend
	if !options.DisableDirect {
		candidates = append(candidates, wlrvideo.New(wlrvideo.Options{Framerate: options.Framerate}))
	}
	return append(candidates, pwvideo.New(pwvideo.Options{Framerate: options.Framerate}))
}

var audioCandidates = func() []source.Backend {
	return []source.Backend{
		alsacap.New(alsacap.Options{}),
		pwaudio.New(pwaudio.Options{}),
	}
}

// classifyStreamErr maps backend and portal outcomes onto the package
// sentinels so callers can tell a dismissed picker or a bad source
// index from a real failure.
func classifyStreamErr(err error) error {
	var status *request.StatusError
	if errors.As(err, &status) && status.Cancelled() {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if errors.Is(err, portal.ErrNoStreams) {
		return fmt.Errorf("%w: %v", ErrNoStreams, err)
	}
	if errors.Is(err, source.ErrBadConfig) {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return err
}

// backendReadCloser owns the whole chain behind a facade stream: the
// relay, the pipe, the stream handle, and the backend instance.
type backendReadCloser struct {
	pr       *io.PipeReader
	teardown func() error

	once sync.Once
	err  error
}

func (r *backendReadCloser) Read(p []byte) (int, error) {
	return r.pr.Read(p)
}

func (r *backendReadCloser) Close() error {
	r.once.Do(func() {
		r.err = r.teardown()
	})
	return r.err
}

func open(options *Options) (*Stream, error) {
	options, err := validateOptions(options)
	if err != nil {
		return nil, err
	}
	log := logging.With("capture")

	b, err := source.Select(source.KindVideo, videoCandidates(options)...)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := b.Init(ctx); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	relay := newAsyncRelay(log, "video", pw, defaultVideoQueue)

	var firstOnce sync.Once
	ready := make(chan struct{})
	var meta source.Frame

	h, err := b.CreateStream(ctx, source.StreamConfig{
		SourceIndex: options.SourceIndex,
		OnFrame: func(_ source.StreamHandle, f source.Frame) {
			firstOnce.Do(func() {
				meta = f
				meta.Pixels = nil
				close(ready)
			})
			relay.Enqueue(append([]byte(nil), f.Pixels...))
		},
	})
	if err != nil {
		relay.Close()
		pw.Close()
		b.Deinit()
		return nil, classifyStreamErr(err)
	}

	teardown := func() error {
		closeErr := b.StreamClose(h)
		// Closing the pipe first unblocks a relay stuck on an unread
		// write.
		pw.Close()
		relay.Close()
		b.Deinit()
		return closeErr
	}

	if err := b.StreamStart(h); err != nil {
		_ = teardown()
		return nil, err
	}
	if err := waitForFirstData("video", ready, teardown); err != nil {
		return nil, err
	}

	rate := options.Framerate
	if rate == 0 {
		rate = defaultFrameRate
	}
	return &Stream{
		ReadCloser:  &backendReadCloser{pr: pr, teardown: teardown},
		Width:       meta.Width,
		Height:      meta.Height,
		Stride:      meta.Stride,
		FrameRate:   rate,
		PixelFormat: string(meta.Format),
	}, nil
}

func openAudio(options *Options) (*AudioStream, error) {
	options, err := validateOptions(options)
	if err != nil {
		return nil, err
	}
	log := logging.With("capture")

	b, err := source.Select(source.KindAudio, audioCandidates()...)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := b.Init(ctx); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	relay := newAsyncRelay(log, "audio", pw, defaultAudioQueue)

	var firstOnce sync.Once
	ready := make(chan struct{})
	var meta source.Samples

	h, err := b.CreateStream(ctx, source.StreamConfig{
		SourceIndex: options.SourceIndex,
		OnSamples: func(_ source.StreamHandle, s source.Samples) {
			firstOnce.Do(func() {
				meta = s
				meta.Data = nil
				close(ready)
			})
			relay.Enqueue(append([]byte(nil), s.Data...))
		},
	})
	if err != nil {
		relay.Close()
		pw.Close()
		b.Deinit()
		return nil, classifyStreamErr(err)
	}

	teardown := func() error {
		closeErr := b.StreamClose(h)
		// Closing the pipe first unblocks a relay stuck on an unread
		// write.
		pw.Close()
		relay.Close()
		b.Deinit()
		return closeErr
	}

	if err := b.StreamStart(h); err != nil {
		_ = teardown()
		return nil, err
	}
	if err := waitForFirstData("audio", ready, teardown); err != nil {
		return nil, err
	}

	return &AudioStream{
		ReadCloser:   &backendReadCloser{pr: pr, teardown: teardown},
		Rate:         meta.Rate,
		Channels:     meta.Channels,
		SampleFormat: string(meta.Format),
	}, nil
}
