package request

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	names   []string
	chans   []chan<- *dbus.Signal
	matches int
}

func (c *fakeConn) Names() []string { return c.names }

func (c *fakeConn) Object(dest string, path dbus.ObjectPath) dbus.BusObject { return nil }

func (c *fakeConn) AddMatchSignal(options ...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matches++
	return nil
}

func (c *fakeConn) RemoveMatchSignal(options ...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matches--
	return nil
}

func (c *fakeConn) Signal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chans = append(c.chans, ch)
}

func (c *fakeConn) RemoveSignal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.chans {
		if existing == ch {
			c.chans = append(c.chans[:i], c.chans[i+1:]...)
			return
		}
	}
}

func (c *fakeConn) emit(path dbus.ObjectPath, name string, body ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.chans {
		ch <- &dbus.Signal{Path: path, Name: name, Body: body}
	}
}

func newFakeConn() *fakeConn {
	return &fakeConn{names: []string{":1.42"}}
}

func TestNextTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := NextToken()
		assert.False(t, seen[tok], "token %q reused", tok)
		seen[tok] = true
	}
}

func TestPredictPathSanitizesSender(t *testing.T) {
	conn := newFakeConn()

	path, err := PredictPath(conn, "mediasource7")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/mediasource7"), path)
}

func TestPredictPathNoUniqueName(t *testing.T) {
	conn := &fakeConn{}

	_, err := PredictPath(conn, "mediasource8")
	assert.ErrorIs(t, err, ErrNoUniqueName)
}

func TestVerifyMismatchHardFails(t *testing.T) {
	conn := newFakeConn()

	p, err := Expect(conn)
	require.NoError(t, err)
	defer p.Done()

	assert.NoError(t, p.Verify(p.Path()))
	assert.ErrorIs(t, p.Verify("/org/freedesktop/portal/desktop/request/1_42/other"), ErrPathMismatch)
}

func TestWaitReceivesEarlySignal(t *testing.T) {
	conn := newFakeConn()

	p, err := Expect(conn)
	require.NoError(t, err)
	defer p.Done()

	// The broker may answer before the caller reaches Wait; the match
	// rule and channel installed by Expect must already catch it.
	conn.emit(p.Path(), responseName, StatusSuccess, map[string]dbus.Variant{
		"session_handle": dbus.MakeVariant("/s/1"),
	})

	results, err := p.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Contains(t, results, "session_handle")
}

func TestWaitIgnoresUnrelatedSignals(t *testing.T) {
	conn := newFakeConn()

	p, err := Expect(conn)
	require.NoError(t, err)
	defer p.Done()

	conn.emit("/some/other/path", responseName, StatusSuccess, map[string]dbus.Variant{})
	conn.emit(p.Path(), "org.freedesktop.portal.Session.Closed")
	conn.emit(p.Path(), responseName, StatusSuccess, map[string]dbus.Variant{})

	results, err := p.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotNil(t, results)
}

func TestWaitTimesOutBounded(t *testing.T) {
	conn := newFakeConn()

	p, err := Expect(conn)
	require.NoError(t, err)
	defer p.Done()

	start := time.Now()
	_, err = p.Wait(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrPollTimeout)
	assert.Less(t, elapsed, time.Second)
}

func TestWaitContextCancel(t *testing.T) {
	conn := newFakeConn()

	p, err := Expect(conn)
	require.NoError(t, err)
	defer p.Done()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitStatusError(t *testing.T) {
	conn := newFakeConn()

	p, err := Expect(conn)
	require.NoError(t, err)
	defer p.Done()

	conn.emit(p.Path(), responseName, StatusCancelled, map[string]dbus.Variant{})

	_, err = p.Wait(context.Background(), time.Second)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, statusErr.Cancelled())
}

func TestWaitMalformedBody(t *testing.T) {
	conn := newFakeConn()

	cases := [][]any{
		{},
		{StatusSuccess},
		{"not-a-status", map[string]dbus.Variant{}},
		{StatusSuccess, "not-a-map"},
	}
	for _, body := range cases {
		p, err := Expect(conn)
		require.NoError(t, err)

		conn.emit(p.Path(), responseName, body...)
		_, err = p.Wait(context.Background(), time.Second)
		assert.ErrorIs(t, err, ErrMalformedReply, "body %v", body)
		p.Done()
	}
}

func TestDoneRemovesRouting(t *testing.T) {
	conn := newFakeConn()

	p, err := Expect(conn)
	require.NoError(t, err)
	require.Len(t, conn.chans, 1)
	require.Equal(t, 1, conn.matches)

	p.Done()
	assert.Empty(t, conn.chans)
	assert.Zero(t, conn.matches)
}
