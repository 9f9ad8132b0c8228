//go:build linux

package wlclient

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Opcodes for the shm and screencopy interfaces.
const (
	shmCreatePool = 0

	poolCreateBuffer = 0
	poolDestroy      = 1

	bufferDestroy = 0

	managerCaptureOutput = 0

	frameCopy    = 0
	frameDestroy = 1

	frameEvBuffer     = 0
	frameEvReady      = 2
	frameEvFailed     = 3
	frameEvBufferDone = 6
)

// wl_shm pixel formats. Both are 32-bit little-endian words, so in
// memory the byte order is B, G, R, A.
const (
	FormatARGB8888 uint32 = 0
	FormatXRGB8888 uint32 = 1
)

var ErrCaptureFailed = errors.New("wlclient: compositor reported capture failure")

// Frame is one captured output image. Data is the capturer's mapped
// pool: valid until the next capture or Close, never retained.
type Frame struct {
	Data   []byte
	Width  uint32
	Height uint32
	Stride uint32
	Format uint32
}

// Capturer grabs frames from one output, reusing its shared-memory
// pool while the geometry stays put.
type Capturer struct {
	conn          *Conn
	output        *Output
	overlayCursor bool

	poolFd   int
	poolMem  []byte
	poolID   uint32
	bufferID uint32

	width  uint32
	height uint32
	stride uint32
	format uint32
}

// NewCapturer prepares capture from out. The connection must have
// screencopy support.
func (c *Conn) NewCapturer(out *Output, overlayCursor bool) (*Capturer, error) {
	if c.screencopyID == 0 {
		return nil, ErrNoScreencopy
	}
	if c.shmID == 0 {
		return nil, errors.New("wlclient: wl_shm not bound")
	}
	return &Capturer{conn: c, output: out, overlayCursor: overlayCursor, poolFd: -1}, nil
}

type frameState struct {
	haveInfo bool
	bufDone  bool
	ready    bool
	failed   bool

	format uint32
	width  uint32
	height uint32
	stride uint32
}

// Capture blocks for one frame. The returned view borrows the pool
// mapping.
func (sc *Capturer) Capture(ctx context.Context) (*Frame, error) {
	c := sc.conn
	st := &frameState{}

	frameID := c.newID()
	c.handlers[frameID] = func(m *message) error { return onFrame(st, m) }
	defer delete(c.handlers, frameID)

	cursor := int32(0)
	if sc.overlayCursor {
		cursor = 1
	}
	err := c.send(newEncoder(c.screencopyID, managerCaptureOutput).
		uint(frameID).int(cursor).uint(sc.output.id))
	if err != nil {
		return nil, err
	}

	// Buffer parameters arrive first; version 3 managers follow with
	// buffer_done once every supported buffer type is announced.
	infoReady := func() bool {
		if st.failed {
			return true
		}
		if !st.haveInfo {
			return false
		}
		return c.scVersion < 3 || st.bufDone
	}
	if err := c.dispatchUntil(ctx, infoReady); err != nil {
		return nil, err
	}
	if st.failed {
		return nil, ErrCaptureFailed
	}

	if err := sc.ensurePool(st.format, st.width, st.height, st.stride); err != nil {
		return nil, err
	}

	if err := c.send(newEncoder(frameID, frameCopy).uint(sc.bufferID)); err != nil {
		return nil, err
	}
	if err := c.dispatchUntil(ctx, func() bool { return st.ready || st.failed }); err != nil {
		return nil, err
	}
	if err := c.send(newEncoder(frameID, frameDestroy)); err != nil {
		return nil, err
	}
	if st.failed {
		return nil, ErrCaptureFailed
	}

	size := int(st.stride) * int(st.height)
	return &Frame{
		Data:   sc.poolMem[:size],
		Width:  st.width,
		Height: st.height,
		Stride: st.stride,
		Format: st.format,
	}, nil
}

func onFrame(st *frameState, m *message) error {
	switch m.opcode {
	case frameEvBuffer:
		f, err := m.uint()
		if err != nil {
			return err
		}
		w, _ := m.uint()
		h, _ := m.uint()
		s, err := m.uint()
		if err != nil {
			return err
		}
		// Prefer the first announced shm buffer type.
		if !st.haveInfo {
			st.format, st.width, st.height, st.stride = f, w, h, s
			st.haveInfo = true
		}
	case frameEvBufferDone:
		st.bufDone = true
	case frameEvReady:
		st.ready = true
	case frameEvFailed:
		st.failed = true
	}
	return nil
}

// ensurePool (re)builds the memfd pool and wl_buffer when the frame
// geometry changed.
func (sc *Capturer) ensurePool(format, width, height, stride uint32) error {
	if sc.poolFd >= 0 && format == sc.format &&
		width == sc.width && height == sc.height && stride == sc.stride {
		return nil
	}
	sc.releasePool()

	size := int(stride) * int(height)
	if size <= 0 {
		return fmt.Errorf("wlclient: bad frame geometry %dx%d stride %d", width, height, stride)
	}

	fd, err := unix.MemfdCreate("mediasource-shm", unix.MFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("wlclient: memfd: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return fmt.Errorf("wlclient: ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("wlclient: mmap: %w", err)
	}

	c := sc.conn
	poolID := c.newID()
	err = c.send(newEncoder(c.shmID, shmCreatePool).uint(poolID).fd(fd).int(int32(size)))
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return err
	}
	bufferID := c.newID()
	err = c.send(newEncoder(poolID, poolCreateBuffer).
		uint(bufferID).int(0).int(int32(width)).int(int32(height)).int(int32(stride)).uint(format))
	if err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return err
	}

	sc.poolFd = fd
	sc.poolMem = mem
	sc.poolID = poolID
	sc.bufferID = bufferID
	sc.format, sc.width, sc.height, sc.stride = format, width, height, stride
	return nil
}

func (sc *Capturer) releasePool() {
	c := sc.conn
	if sc.bufferID != 0 {
		_ = c.send(newEncoder(sc.bufferID, bufferDestroy))
		sc.bufferID = 0
	}
	if sc.poolID != 0 {
		_ = c.send(newEncoder(sc.poolID, poolDestroy))
		sc.poolID = 0
	}
	if sc.poolMem != nil {
		unix.Munmap(sc.poolMem)
		sc.poolMem = nil
	}
	if sc.poolFd >= 0 {
		unix.Close(sc.poolFd)
		sc.poolFd = -1
	}
}

// Close releases the pool. The connection stays open.
func (sc *Capturer) Close() {
	sc.releasePool()
}
