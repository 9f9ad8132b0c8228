//go:build linux

package wlclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEncoderFraming(t *testing.T) {
	b := newEncoder(7, 3).uint(42).string("wl_shm").int(-1).finish()

	object, opcode, size := parseHeader(b)
	assert.Equal(t, uint32(7), object)
	assert.Equal(t, uint16(3), opcode)
	assert.Equal(t, len(b), size)
	assert.Zero(t, len(b)%4, "messages are word aligned")

	m := &message{body: b[headerSize:]}
	v, err := m.uint()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
	s, err := m.string()
	require.NoError(t, err)
	assert.Equal(t, "wl_shm", s)
	i, err := m.int()
	require.NoError(t, err)
	assert.Equal(t, int32(-1), i)

	_, err = m.uint()
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestMessageTruncatedString(t *testing.T) {
	b := newEncoder(1, 0).string("abcdef").finish()
	m := &message{body: b[headerSize : len(b)-4]}
	_, err := m.string()
	assert.ErrorIs(t, err, ErrShortMessage)
}

// testServer plays the compositor end of a socketpair.
type testServer struct {
	t   *testing.T
	fd  int
	buf []byte
	fds []int
}

func newTestPair(t *testing.T) (*Conn, *testServer) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	c := &Conn{
		fd:       fds[0],
		nextID:   displayID,
		handlers: make(map[uint32]handlerFunc),
	}
	c.handlers[displayID] = c.onDisplay
	t.Cleanup(func() { c.Close() })

	s := &testServer{t: t, fd: fds[1]}
	t.Cleanup(func() { unix.Close(s.fd) })
	return c, s
}

func (s *testServer) send(e *encoder) {
	err := unix.Sendmsg(s.fd, e.finish(), nil, nil, 0)
	require.NoError(s.t, err)
}

// read blocks for the next client request, stashing any descriptor
// that rode along.
func (s *testServer) read() *message {
	for {
		if len(s.buf) >= headerSize {
			_, _, size := parseHeader(s.buf)
			if len(s.buf) >= size {
				object, opcode, _ := parseHeader(s.buf)
				body := s.buf[headerSize:size]
				s.buf = s.buf[size:]
				return &message{object: object, opcode: opcode, body: body}
			}
		}
		buf := make([]byte, 4096)
		oob := make([]byte, unix.CmsgSpace(4))
		bn, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, 0)
		require.NoError(s.t, err)
		require.NotZero(s.t, bn, "client hung up")
		s.buf = append(s.buf, buf[:bn]...)
		if oobn > 0 {
			msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
			require.NoError(s.t, err)
			for _, m := range msgs {
				got, err := unix.ParseUnixRights(&m)
				require.NoError(s.t, err)
				s.fds = append(s.fds, got...)
			}
		}
	}
}

func (s *testServer) global(registry, name uint32, iface string, version uint32) {
	s.send(newEncoder(registry, registryEvGlobal).uint(name).string(iface).uint(version))
}

// serveSetup answers the connect-time registry handshake: announce
// globals, track binds, release both roundtrips.
func (s *testServer) serveSetup(done chan<- map[string]uint32) {
	bound := make(map[string]uint32)

	reg := s.read() // get_registry
	registry, _ := reg.uint()
	sync1 := s.read() // first roundtrip sync
	cb1, _ := sync1.uint()

	s.global(registry, 1, "wl_shm", 1)
	s.global(registry, 2, "wl_output", 4)
	s.global(registry, 3, screencopyInterface, 3)
	s.send(newEncoder(cb1, callbackEvDone).uint(0))

	// Three binds and the second sync follow in order.
	var outputID uint32
	for i := 0; i < 4; i++ {
		m := s.read()
		if m.object == registry {
			_, _ = m.uint() // global name
			iface, _ := m.string()
			_, _ = m.uint() // version
			id, _ := m.uint()
			bound[iface] = id
			if iface == "wl_output" {
				outputID = id
			}
			continue
		}
		// wl_display.sync
		cb2, _ := m.uint()
		s.send(newEncoder(outputID, outputEvMode).uint(1).int(1920).int(1080).int(60000))
		s.send(newEncoder(outputID, outputEvName).string("DP-1"))
		s.send(newEncoder(outputID, outputEvDone))
		s.send(newEncoder(cb2, callbackEvDone).uint(0))
	}
	done <- bound
}

func TestSetupBindsGlobals(t *testing.T) {
	c, s := newTestPair(t)
	bound := make(chan map[string]uint32, 1)
	go s.serveSetup(bound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.setup(ctx))

	ids := <-bound
	assert.Equal(t, c.shmID, ids["wl_shm"])
	assert.Equal(t, c.screencopyID, ids[screencopyInterface])
	assert.True(t, c.HasScreencopy())
	assert.Len(t, c.Globals(), 3)

	outs := c.Outputs()
	require.Len(t, outs, 1)
	assert.Equal(t, "DP-1", outs[0].Name)
	assert.Equal(t, int32(1920), outs[0].Width)
	assert.Equal(t, int32(1080), outs[0].Height)
	assert.Equal(t, int32(60000), outs[0].Refresh)
}

func TestProtocolErrorIsFatal(t *testing.T) {
	c, s := newTestPair(t)
	s.send(newEncoder(displayID, displayEvError).uint(4).uint(2).string("bad request"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Roundtrip(ctx)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, uint32(4), perr.Object)
	assert.Equal(t, "bad request", perr.Message)
}

func TestRoundtripHonorsContext(t *testing.T) {
	c, _ := newTestPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Roundtrip(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCaptureDeliversPoolBytes(t *testing.T) {
	c, s := newTestPair(t)
	bound := make(chan map[string]uint32, 1)
	go s.serveSetup(bound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.setup(ctx))
	<-bound

	const (
		width  = 4
		height = 2
		stride = width * 4
	)

	go func() {
		m := s.read() // capture_output
		frameID, _ := m.uint()
		cursor, _ := m.int()
		assert.Equal(t, int32(1), cursor)

		s.send(newEncoder(frameID, frameEvBuffer).
			uint(FormatXRGB8888).uint(width).uint(height).uint(stride))
		s.send(newEncoder(frameID, frameEvBufferDone))

		pool := s.read() // create_pool, fd in ancillary data
		_, _ = pool.uint()
		size, _ := pool.int()
		require.Len(s.t, s.fds, 1, "pool descriptor travels out of band")

		mem, err := unix.Mmap(s.fds[0], 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		require.NoError(s.t, err)
		for i := range mem {
			mem[i] = byte(i)
		}
		unix.Munmap(mem)
		unix.Close(s.fds[0])

		s.read() // create_buffer
		s.read() // frame copy
		s.send(newEncoder(frameID, frameEvReady).uint(0).uint(0).uint(0))
	}()

	capt, err := c.NewCapturer(c.Outputs()[0], true)
	require.NoError(t, err)
	defer capt.Close()

	frame, err := capt.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(width), frame.Width)
	assert.Equal(t, uint32(height), frame.Height)
	assert.Equal(t, uint32(stride), frame.Stride)
	assert.Equal(t, FormatXRGB8888, frame.Format)
	require.Len(t, frame.Data, stride*height)
	for i, b := range frame.Data {
		require.Equal(t, byte(i), b)
	}
}

func TestCaptureFailure(t *testing.T) {
	c, s := newTestPair(t)
	bound := make(chan map[string]uint32, 1)
	go s.serveSetup(bound)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.setup(ctx))
	<-bound

	go func() {
		m := s.read()
		frameID, _ := m.uint()
		s.send(newEncoder(frameID, frameEvFailed))
	}()

	capt, err := c.NewCapturer(c.Outputs()[0], false)
	require.NoError(t, err)
	defer capt.Close()

	_, err = capt.Capture(ctx)
	assert.ErrorIs(t, err, ErrCaptureFailed)
}

func TestProbeResolvesOnce(t *testing.T) {
	savedConnect, savedDone, savedOK := probeConnect, probeDone, probeOK
	t.Cleanup(func() { probeConnect, probeDone, probeOK = savedConnect, savedDone, savedOK })
	probeDone = false

	dials := 0
	probeConnect = func(context.Context) (*Conn, error) {
		dials++
		c, _ := newTestPair(t)
		c.screencopyID = 7
		return c, nil
	}

	assert.True(t, Probe())
	assert.True(t, Probe())
	assert.Equal(t, 1, dials, "probe answers from cache after the first call")
}
