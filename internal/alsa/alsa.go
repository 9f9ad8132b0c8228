//go:build linux

// Package alsa binds the small part of libasound the audio capture
// backend needs: blocking interleaved S16LE reads plus PCM device
// enumeration. Symbols resolve at runtime; a host without ALSA reports
// the backend unavailable instead of failing to start.
package alsa

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"go2tv.app/mediasource/internal/dynlib"
)

// snd_pcm_stream_t, snd_pcm_access_t, snd_pcm_format_t.
const (
	streamCapture    = 1
	accessInterleave = 3
	formatS16LE      = 2
)

const bytesPerSample = 2

var (
	pcmOpen      func(pcm *uintptr, name string, stream int32, mode int32) int32
	pcmClose     func(pcm uintptr) int32
	pcmSetParams func(pcm uintptr, format, access int32, channels uint32, rate uint32, softResample int32, latencyUs uint32) int32
	pcmReadI     func(pcm uintptr, buf unsafe.Pointer, frames uint64) int64
	pcmPause     func(pcm uintptr, enable int32) int32
	pcmPrepare   func(pcm uintptr) int32
	pcmDrop      func(pcm uintptr) int32
	strError     func(errnum int32) string

	nameHint     func(card int32, iface string, hints *uintptr) int32
	nameFreeHint func(hints uintptr) int32
	nameGetHint  func(hint uintptr, id string) uintptr

	// snd_device_name_get_hint returns a malloc'd string the caller
	// must release; free resolves through libasound's libc.
	cFree func(p uintptr)
)

var lib = &dynlib.Lib{
	Name:    "libasound",
	SoNames: []string{"libasound.so.2", "libasound.so"},
	Syms: []dynlib.Sym{
		{Name: "snd_pcm_open", Fn: &pcmOpen},
		{Name: "snd_pcm_close", Fn: &pcmClose},
		{Name: "snd_pcm_set_params", Fn: &pcmSetParams},
		{Name: "snd_pcm_readi", Fn: &pcmReadI},
		{Name: "snd_pcm_pause", Fn: &pcmPause},
		{Name: "snd_pcm_prepare", Fn: &pcmPrepare},
		{Name: "snd_pcm_drop", Fn: &pcmDrop},
		{Name: "snd_strerror", Fn: &strError},
		{Name: "snd_device_name_hint", Fn: &nameHint},
		{Name: "snd_device_name_free_hint", Fn: &nameFreeHint},
		{Name: "snd_device_name_get_hint", Fn: &nameGetHint},
		{Name: "free", Fn: &cFree},
	},
}

// Available probes for libasound and caches the result.
func Available() bool { return lib.Available() }

// ProbeError returns the cause when Available is false.
func ProbeError() error { return lib.Probe() }

var (
	ErrLibraryNotLoaded = errors.New("alsa: libasound could not be loaded")
	ErrClosed           = errors.New("alsa: pcm is closed")
)

// Error wraps a negative libasound return code.
type Error struct {
	Op   string
	Code int32
}

func (e *Error) Error() string {
	return fmt.Sprintf("alsa: %s: %s", e.Op, strError(e.Code))
}

func check(op string, code int32) error {
	if code < 0 {
		return &Error{Op: op, Code: code}
	}
	return nil
}

// Config selects the capture parameters for Open.
type Config struct {
	// Device defaults to "default".
	Device   string
	Rate     uint32 // defaults to 48000
	Channels uint32 // defaults to 2
	// LatencyUs is the requested overall latency, default 100ms.
	LatencyUs uint32
}

// PCM is an open interleaved S16LE capture handle. Reads block on the
// device; the handle is not safe for concurrent use.
type PCM struct {
	handle   uintptr
	channels uint32
	rate     uint32
}

// Open opens and configures a capture PCM.
func Open(cfg Config) (*PCM, error) {
	if !Available() {
		return nil, ErrLibraryNotLoaded
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}
	if cfg.Rate == 0 {
		cfg.Rate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	if cfg.LatencyUs == 0 {
		cfg.LatencyUs = 100_000
	}

	var handle uintptr
	if err := check("open "+cfg.Device, pcmOpen(&handle, cfg.Device, streamCapture, 0)); err != nil {
		return nil, err
	}
	if err := check("set params", pcmSetParams(handle, formatS16LE, accessInterleave,
		cfg.Channels, cfg.Rate, 1, cfg.LatencyUs)); err != nil {
		pcmClose(handle)
		return nil, err
	}
	return &PCM{handle: handle, channels: cfg.Channels, rate: cfg.Rate}, nil
}

// Rate returns the configured sample rate.
func (p *PCM) Rate() uint32 { return p.rate }

// Channels returns the configured channel count.
func (p *PCM) Channels() uint32 { return p.channels }

// FrameBytes returns the size of one interleaved frame.
func (p *PCM) FrameBytes() int { return int(p.channels) * bytesPerSample }

// Read blocks until the device fills buf with whole frames and returns
// the number of bytes read. On an overrun it recovers the stream and
// retries once.
func (p *PCM) Read(buf []byte) (int, error) {
	if p.handle == 0 {
		return 0, ErrClosed
	}
	frames := uint64(len(buf) / p.FrameBytes())
	if frames == 0 {
		return 0, nil
	}
	for attempt := 0; ; attempt++ {
		n := pcmReadI(p.handle, unsafe.Pointer(&buf[0]), frames)
		if n >= 0 {
			return int(n) * p.FrameBytes(), nil
		}
		if attempt > 0 {
			return 0, check("read", int32(n))
		}
		if err := check("recover", pcmPrepare(p.handle)); err != nil {
			return 0, err
		}
	}
}

// Pause stops the device without closing it. Hardware that cannot
// pause gets a drop instead; Resume reprepares either way.
func (p *PCM) Pause() error {
	if p.handle == 0 {
		return ErrClosed
	}
	if pcmPause(p.handle, 1) >= 0 {
		return nil
	}
	return check("drop", pcmDrop(p.handle))
}

// Resume restarts a paused device.
func (p *PCM) Resume() error {
	if p.handle == 0 {
		return ErrClosed
	}
	if pcmPause(p.handle, 0) >= 0 {
		return nil
	}
	return check("prepare", pcmPrepare(p.handle))
}

// Close releases the device. Safe to call twice.
func (p *PCM) Close() error {
	if p.handle == 0 {
		return nil
	}
	err := check("close", pcmClose(p.handle))
	p.handle = 0
	return err
}

// Device is one enumerated capture PCM.
type Device struct {
	Name        string
	Description string
}

// Devices lists the capture-capable PCMs the name-hint interface
// reports, "default" first when present.
func Devices() ([]Device, error) {
	if !Available() {
		return nil, ErrLibraryNotLoaded
	}
	var hints uintptr
	if err := check("name hint", nameHint(-1, "pcm", &hints)); err != nil {
		return nil, err
	}
	defer nameFreeHint(hints)
	return collectDevices(hints), nil
}

// collectDevices walks the null-terminated hint array.
func collectDevices(hints uintptr) []Device {
	var out []Device
	for i := 0; ; i++ {
		hint := *(*uintptr)(unsafe.Pointer(hints + uintptr(i)*unsafe.Sizeof(hints)))
		if hint == 0 {
			break
		}
		// IOID is nil for bidirectional devices, "Output" excludes
		// capture.
		if ioid := hintString(hint, "IOID"); ioid == "Output" {
			continue
		}
		name := hintString(hint, "NAME")
		if name == "" {
			continue
		}
		desc := hintString(hint, "DESC")
		if nl := strings.IndexByte(desc, '\n'); nl >= 0 {
			desc = desc[:nl]
		}
		d := Device{Name: name, Description: desc}
		if name == "default" {
			out = append([]Device{d}, out...)
		} else {
			out = append(out, d)
		}
	}
	return out
}

func hintString(hint uintptr, id string) string {
	p := nameGetHint(hint, id)
	if p == 0 {
		return ""
	}
	defer cFree(p)
	var n int
	for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}
