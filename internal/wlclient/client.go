//go:build linux

// Package wlclient speaks just enough of the Wayland client protocol
// to probe a compositor and capture output frames through
// zwlr_screencopy_manager_v1. It talks to the socket directly so no
// display library needs to be present on the host.
package wlclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"go2tv.app/mediasource/internal/logging"
)

// Well-known object and opcode numbers from wayland.xml and
// wlr-screencopy-unstable-v1.xml.
const (
	displayID = 1

	displaySync        = 0
	displayGetRegistry = 1
	displayEvError     = 0
	displayEvDeleteID  = 1

	registryBind     = 0
	registryEvGlobal = 0

	callbackEvDone = 0

	outputEvMode = 1
	outputEvDone = 2
	outputEvName = 4
)

const screencopyInterface = "zwlr_screencopy_manager_v1"

var (
	ErrNoDisplay    = errors.New("wlclient: no wayland display")
	ErrNoScreencopy = errors.New("wlclient: compositor lacks " + screencopyInterface)
	ErrClosed       = errors.New("wlclient: connection closed")
)

// Global is one registry advertisement.
type Global struct {
	Name      uint32
	Interface string
	Version   uint32
}

// Output is one advertised wl_output with its bound proxy id.
type Output struct {
	id      uint32
	Name    string
	Width   int32
	Height  int32
	Refresh int32 // mHz
}

type handlerFunc func(m *message) error

// Conn is one Wayland display connection. Not safe for concurrent
// use: the capture backend serializes all calls on its stream
// goroutine.
type Conn struct {
	fd     int
	nextID uint32
	closed bool

	handlers map[uint32]handlerFunc

	rbuf []byte // unparsed inbound bytes
	rfds []int  // received descriptors, consumed in order

	globals []Global
	outputs []*Output

	shmID        uint32
	screencopyID uint32
	scVersion    uint32

	fatal error
}

// SocketPath resolves the display socket per the usual environment
// rules.
func SocketPath() (string, error) {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}
	if filepath.IsAbs(display) {
		return display, nil
	}
	runtime := os.Getenv("XDG_RUNTIME_DIR")
	if runtime == "" {
		return "", ErrNoDisplay
	}
	return filepath.Join(runtime, display), nil
}

// Connect dials the compositor and performs the registry roundtrip,
// binding wl_shm, every wl_output, and the screencopy manager when
// advertised.
func Connect(ctx context.Context) (*Conn, error) {
	path, err := SocketPath()
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("wlclient: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wlclient: connect %s: %w", path, err)
	}

	c := &Conn{
		fd:       fd,
		nextID:   displayID,
		handlers: make(map[uint32]handlerFunc),
	}
	c.handlers[displayID] = c.onDisplay

	if err := c.setup(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) setup(ctx context.Context) error {
	registry := c.newID()
	c.handlers[registry] = c.onRegistry
	if err := c.send(newEncoder(displayID, displayGetRegistry).uint(registry)); err != nil {
		return err
	}
	// First roundtrip collects globals, second flushes the bind
	// replies (output modes and names).
	if err := c.Roundtrip(ctx); err != nil {
		return err
	}
	return c.Roundtrip(ctx)
}

// Globals returns the advertisements seen at connect time.
func (c *Conn) Globals() []Global { return c.globals }

// Outputs returns the bound outputs.
func (c *Conn) Outputs() []*Output { return c.outputs }

// HasScreencopy reports whether the compositor advertised the
// screencopy manager.
func (c *Conn) HasScreencopy() bool { return c.screencopyID != 0 }

// Close shuts the connection down. Pending captures fail.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, fd := range c.rfds {
		unix.Close(fd)
	}
	c.rfds = nil
	return unix.Close(c.fd)
}

func (c *Conn) newID() uint32 {
	c.nextID++
	return c.nextID
}

func (c *Conn) send(e *encoder) error {
	if c.closed {
		return ErrClosed
	}
	var oob []byte
	if len(e.fds) > 0 {
		oob = unix.UnixRights(e.fds...)
	}
	if err := unix.Sendmsg(c.fd, e.finish(), oob, nil, 0); err != nil {
		return fmt.Errorf("wlclient: send: %w", err)
	}
	return nil
}

// Roundtrip issues wl_display.sync and dispatches events until the
// callback fires or ctx expires.
func (c *Conn) Roundtrip(ctx context.Context) error {
	done := false
	cb := c.newID()
	c.handlers[cb] = func(m *message) error {
		if m.opcode == callbackEvDone {
			done = true
			delete(c.handlers, cb)
		}
		return nil
	}
	if err := c.send(newEncoder(displayID, displaySync).uint(cb)); err != nil {
		return err
	}
	return c.dispatchUntil(ctx, func() bool { return done })
}

// dispatchUntil pumps inbound events until cond holds. Blocking reads
// poll in short slices so ctx cancellation is honored promptly.
func (c *Conn) dispatchUntil(ctx context.Context, cond func() bool) error {
	for !cond() {
		if c.fatal != nil {
			return c.fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := c.readMessage(ctx)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		h := c.handlers[m.object]
		if h == nil {
			continue
		}
		if err := h(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) readMessage(ctx context.Context) (*message, error) {
	for {
		if len(c.rbuf) >= headerSize {
			_, _, size := parseHeader(c.rbuf)
			if size < headerSize {
				return nil, ErrShortMessage
			}
			if len(c.rbuf) >= size {
				object, opcode, _ := parseHeader(c.rbuf)
				body := c.rbuf[headerSize:size]
				c.rbuf = c.rbuf[size:]
				return &message{object: object, opcode: opcode, body: body}, nil
			}
		}
		if err := c.fill(ctx); err != nil {
			return nil, err
		}
	}
}

func (c *Conn) fill(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 50)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("wlclient: poll: %w", err)
	}
	if n == 0 {
		return ctx.Err()
	}

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4*4))
	bn, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return fmt.Errorf("wlclient: recv: %w", err)
	}
	if bn == 0 {
		return ErrClosed
	}
	c.rbuf = append(c.rbuf, buf[:bn]...)

	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return fmt.Errorf("wlclient: control message: %w", err)
		}
		for _, m := range msgs {
			fds, err := unix.ParseUnixRights(&m)
			if err != nil {
				continue
			}
			c.rfds = append(c.rfds, fds...)
		}
	}
	return nil
}

func (c *Conn) onDisplay(m *message) error {
	switch m.opcode {
	case displayEvError:
		object, _ := m.uint()
		code, _ := m.uint()
		text, _ := m.string()
		c.fatal = &ProtocolError{Object: object, Code: code, Message: text}
		return c.fatal
	case displayEvDeleteID:
		id, err := m.uint()
		if err != nil {
			return err
		}
		delete(c.handlers, id)
	}
	return nil
}

func (c *Conn) onRegistry(m *message) error {
	if m.opcode != registryEvGlobal {
		return nil
	}
	name, err := m.uint()
	if err != nil {
		return err
	}
	iface, err := m.string()
	if err != nil {
		return err
	}
	version, err := m.uint()
	if err != nil {
		return err
	}
	c.globals = append(c.globals, Global{Name: name, Interface: iface, Version: version})

	switch iface {
	case "wl_shm":
		c.shmID = c.bind(name, iface, 1)
	case "wl_output":
		out := &Output{id: c.bind(name, iface, min(version, 4))}
		c.outputs = append(c.outputs, out)
		c.handlers[out.id] = func(m *message) error { return c.onOutput(out, m) }
	case screencopyInterface:
		c.scVersion = min(version, 3)
		c.screencopyID = c.bind(name, iface, c.scVersion)
	}
	return nil
}

// bind issues wl_registry.bind. Errors surface on the next roundtrip.
func (c *Conn) bind(name uint32, iface string, version uint32) uint32 {
	id := c.newID()
	err := c.send(newEncoder(c.registryID(), registryBind).
		uint(name).string(iface).uint(version).uint(id))
	if err != nil {
		log := logging.With("wlclient")
		log.Debug().Err(err).Str("interface", iface).Msg("bind failed")
		return 0
	}
	return id
}

// registryID is allocated first after the display.
func (c *Conn) registryID() uint32 { return displayID + 1 }

func (c *Conn) onOutput(out *Output, m *message) error {
	switch m.opcode {
	case outputEvMode:
		flags, err := m.uint()
		if err != nil {
			return err
		}
		w, _ := m.int()
		h, _ := m.int()
		refresh, _ := m.int()
		const modeCurrent = 1
		if flags&modeCurrent != 0 {
			out.Width, out.Height, out.Refresh = w, h, refresh
		}
	case outputEvName:
		name, err := m.string()
		if err != nil {
			return err
		}
		out.Name = name
	case outputEvDone:
		if out.Name == "" {
			out.Name = fmt.Sprintf("output-%d", out.id)
		}
	}
	return nil
}

var (
	probeMu   sync.Mutex
	probeDone bool
	probeOK   bool

	probeConnect = Connect
)

// Probe reports whether a compositor with screencopy support is
// reachable, within a bounded wait. The answer is resolved once per
// process and cached, like a library availability probe.
func Probe() bool {
	probeMu.Lock()
	defer probeMu.Unlock()
	if !probeDone {
		probeDone = true
		probeOK = dialProbe()
	}
	return probeOK
}

func dialProbe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := probeConnect(ctx)
	if err != nil {
		return false
	}
	defer c.Close()
	return c.HasScreencopy()
}
