package capture

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultVideoQueue = 4
	defaultAudioQueue = 256
)

// asyncRelay decouples the transport callback from the pipe consumer:
// the callback enqueues a copy and returns immediately, and when the
// consumer falls behind the oldest chunk is dropped so latency stays
// bounded.
type asyncRelay struct {
	log  zerolog.Logger
	kind string
	dst  *io.PipeWriter

	queue chan []byte
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	lastDropLog atomic.Int64
	dropped     atomic.Uint64
}

func newAsyncRelay(log zerolog.Logger, kind string, dst *io.PipeWriter, queueSize int) *asyncRelay {
	if dst == nil || queueSize <= 0 {
		return nil
	}
	r := &asyncRelay{
		log:   log,
		kind:  kind,
		dst:   dst,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Enqueue never blocks; it runs on the transport thread.
func (r *asyncRelay) Enqueue(chunk []byte) {
	if r == nil || len(chunk) == 0 {
		return
	}

	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.queue <- chunk:
		return
	default:
	}

	// Queue full: drop the oldest and try once more.
	select {
	case <-r.queue:
		r.noteDrop()
	default:
	}
	select {
	case r.queue <- chunk:
	default:
		r.noteDrop()
	}
}

func (r *asyncRelay) noteDrop() {
	total := r.dropped.Add(1)
	if shouldLogThrottled(&r.lastDropLog, time.Second) {
		r.log.Debug().
			Str("kind", r.kind).
			Uint64("total", total).
			Int("queued", len(r.queue)).
			Msg("dropped chunk")
	}
}

func (r *asyncRelay) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *asyncRelay) loop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case b := <-r.queue:
			if len(b) == 0 {
				continue
			}
			if _, err := r.dst.Write(b); err != nil {
				r.log.Debug().Err(err).Str("kind", r.kind).Msg("relay write failed")
				return
			}
		}
	}
}

func shouldLogThrottled(last *atomic.Int64, period time.Duration) bool {
	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
