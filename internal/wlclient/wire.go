//go:build linux

package wlclient

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Requests and events share one frame layout: a 32-bit object id, a
// 32-bit word packing total size in the high half and opcode in the
// low half, then the arguments. Everything is host-endian and 32-bit
// aligned; file descriptors ride the socket's ancillary data instead
// of the body.

const headerSize = 8

var ErrShortMessage = errors.New("wlclient: truncated message")

type encoder struct {
	buf []byte
	fds []int
}

func newEncoder(objectID uint32, opcode uint16) *encoder {
	e := &encoder{buf: make([]byte, headerSize, 32)}
	binary.NativeEndian.PutUint32(e.buf[0:], objectID)
	binary.NativeEndian.PutUint32(e.buf[4:], uint32(opcode))
	return e
}

func (e *encoder) uint(v uint32) *encoder {
	e.buf = binary.NativeEndian.AppendUint32(e.buf, v)
	return e
}

func (e *encoder) int(v int32) *encoder { return e.uint(uint32(v)) }

// string appends a length-prefixed NUL-terminated string padded to a
// word boundary.
func (e *encoder) string(s string) *encoder {
	e.uint(uint32(len(s) + 1))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
	return e
}

func (e *encoder) fd(fd int) *encoder {
	e.fds = append(e.fds, fd)
	return e
}

// finish patches the size half of the header.
func (e *encoder) finish() []byte {
	size := uint32(len(e.buf))
	word := binary.NativeEndian.Uint32(e.buf[4:])
	binary.NativeEndian.PutUint32(e.buf[4:], size<<16|word&0xffff)
	return e.buf
}

// message is one decoded inbound event.
type message struct {
	object uint32
	opcode uint16
	body   []byte
	off    int
}

func parseHeader(b []byte) (object uint32, opcode uint16, size int) {
	object = binary.NativeEndian.Uint32(b[0:])
	word := binary.NativeEndian.Uint32(b[4:])
	return object, uint16(word & 0xffff), int(word >> 16)
}

func (m *message) uint() (uint32, error) {
	if m.off+4 > len(m.body) {
		return 0, ErrShortMessage
	}
	v := binary.NativeEndian.Uint32(m.body[m.off:])
	m.off += 4
	return v, nil
}

func (m *message) int() (int32, error) {
	v, err := m.uint()
	return int32(v), err
}

func (m *message) string() (string, error) {
	n, err := m.uint()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	padded := (int(n) + 3) &^ 3
	if m.off+padded > len(m.body) {
		return "", ErrShortMessage
	}
	s := string(m.body[m.off : m.off+int(n)-1])
	m.off += padded
	return s, nil
}

// ProtocolError is a wl_display.error event: the compositor killed the
// connection over a client bug.
type ProtocolError struct {
	Object  uint32
	Code    uint32
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wlclient: protocol error on object %d code %d: %s", e.Object, e.Code, e.Message)
}
