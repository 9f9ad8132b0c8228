//go:build linux

// Package pipewire binds the subset of libpipewire-0.3 the capture
// backends call, resolved at runtime so a host without PipeWire simply
// reports the backend unavailable. Streams run on a pw_thread_loop:
// all data and format callbacks arrive on that transport-owned thread.
package pipewire

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"go2tv.app/mediasource/internal/dynlib"
)

// Stream directions and connect flags (pipewire/stream.h).
const (
	directionInput = 0

	flagAutoconnect = 1 << 0
	flagInactive    = 1 << 1
	flagMapBuffers  = 1 << 2
	flagRTProcess   = 1 << 4
)

// Stream states (enum pw_stream_state).
const (
	stateError       = -1
	stateUnconnected = 0
	stateConnecting  = 1
	statePaused      = 2
	stateStreaming   = 3
)

const idAny = 0xffffffff

var (
	pwInit              func(argc, argv unsafe.Pointer)
	threadLoopNew       func(name string, props uintptr) uintptr
	threadLoopDestroy   func(loop uintptr)
	threadLoopStart     func(loop uintptr) int32
	threadLoopStop      func(loop uintptr)
	threadLoopLock      func(loop uintptr)
	threadLoopUnlock    func(loop uintptr)
	threadLoopGetLoop   func(loop uintptr) uintptr
	contextNew          func(loop uintptr, props uintptr, userDataSize uint64) uintptr
	contextDestroy      func(ctx uintptr)
	contextConnect      func(ctx uintptr, props uintptr, userDataSize uint64) uintptr
	contextConnectFd    func(ctx uintptr, fd int32, props uintptr, userDataSize uint64) uintptr
	coreDisconnect      func(core uintptr) int32
	propertiesNewString func(pairs string) uintptr
	streamNew           func(core uintptr, name string, props uintptr) uintptr
	streamDestroy       func(stream uintptr)
	streamAddListener   func(stream uintptr, hook, events unsafe.Pointer, data uintptr)
	streamConnect       func(stream uintptr, direction int32, targetID uint32, flags int32, params unsafe.Pointer, nParams uint32) int32
	streamSetActive     func(stream uintptr, active bool) int32
	streamDequeueBuffer func(stream uintptr) uintptr
	streamQueueBuffer   func(stream uintptr, buffer uintptr) int32
)

var lib = &dynlib.Lib{
	Name:    "libpipewire",
	SoNames: []string{"libpipewire-0.3.so.0", "libpipewire-0.3.so"},
	Syms: []dynlib.Sym{
		{Name: "pw_init", Fn: &pwInit},
		{Name: "pw_thread_loop_new", Fn: &threadLoopNew},
		{Name: "pw_thread_loop_destroy", Fn: &threadLoopDestroy},
		{Name: "pw_thread_loop_start", Fn: &threadLoopStart},
		{Name: "pw_thread_loop_stop", Fn: &threadLoopStop},
		{Name: "pw_thread_loop_lock", Fn: &threadLoopLock},
		{Name: "pw_thread_loop_unlock", Fn: &threadLoopUnlock},
		{Name: "pw_thread_loop_get_loop", Fn: &threadLoopGetLoop},
		{Name: "pw_context_new", Fn: &contextNew},
		{Name: "pw_context_destroy", Fn: &contextDestroy},
		{Name: "pw_context_connect", Fn: &contextConnect},
		{Name: "pw_context_connect_fd", Fn: &contextConnectFd},
		{Name: "pw_core_disconnect", Fn: &coreDisconnect},
		{Name: "pw_properties_new_string", Fn: &propertiesNewString},
		{Name: "pw_stream_new", Fn: &streamNew},
		{Name: "pw_stream_destroy", Fn: &streamDestroy},
		{Name: "pw_stream_add_listener", Fn: &streamAddListener},
		{Name: "pw_stream_connect", Fn: &streamConnect},
		{Name: "pw_stream_set_active", Fn: &streamSetActive},
		{Name: "pw_stream_dequeue_buffer", Fn: &streamDequeueBuffer},
		{Name: "pw_stream_queue_buffer", Fn: &streamQueueBuffer},
	},
}

var initOnce sync.Once

// Available probes for libpipewire. The first call resolves the symbol
// table; later calls return the cached result.
func Available() bool {
	if !lib.Available() {
		return false
	}
	initOnce.Do(func() {
		pwInit(nil, nil)
	})
	return true
}

// ProbeError returns the cause when Available is false.
func ProbeError() error { return lib.Probe() }

// C ABI mirrors. Layouts follow spa/buffer/buffer.h and
// pipewire/stream.h and must not be reordered.

type spaChunk struct {
	offset uint32
	size   uint32
	stride int32
	flags  int32
}

type spaData struct {
	typ       uint32
	flags     uint32
	fd        int64
	mapOffset uint32
	maxSize   uint32
	data      unsafe.Pointer
	chunk     *spaChunk
}

type spaBuffer struct {
	nMetas uint32
	nDatas uint32
	metas  unsafe.Pointer
	datas  *spaData
}

type pwBuffer struct {
	buffer    *spaBuffer
	userData  unsafe.Pointer
	size      uint64
	requested uint64
}

// spaHook is opaque storage for the listener registration.
type spaHook struct {
	_ [6]uintptr
}

// streamEvents mirrors struct pw_stream_events, version 2.
type streamEvents struct {
	version      uint32
	_            uint32
	destroy      uintptr
	stateChanged uintptr
	controlInfo  uintptr
	ioChanged    uintptr
	paramChanged uintptr
	addBuffer    uintptr
	removeBuffer uintptr
	process      uintptr
	drain        uintptr
	command      uintptr
	triggerDone  uintptr
}

// The events vtable is shared by every stream; the per-stream listener
// data word carries the registry id.
var (
	eventsOnce sync.Once
	events     streamEvents
)

func eventsTable() *streamEvents {
	eventsOnce.Do(func() {
		events = streamEvents{
			version:      2,
			stateChanged: purego.NewCallback(onStateChanged),
			paramChanged: purego.NewCallback(onParamChanged),
			process:      purego.NewCallback(onProcess),
		}
	})
	return &events
}

// Stream registry: callbacks arrive with an id, not a pointer, so a
// stale callback after teardown finds nothing instead of freed memory.
var (
	registryMu sync.Mutex
	registry   = make(map[uintptr]*Stream)
	nextID     uintptr
)

func register(s *Stream) uintptr {
	registryMu.Lock()
	defer registryMu.Unlock()
	nextID++
	registry[nextID] = s
	return nextID
}

func unregister(id uintptr) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, id)
}

func lookup(id uintptr) *Stream {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[id]
}
