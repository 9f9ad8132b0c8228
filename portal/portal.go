// Package portal drives the desktop portal's ScreenCast negotiation: a
// strictly sequential request/response exchange that creates a capture
// session, selects sources, starts the stream, and finally hands over
// the PipeWire transport descriptor. It is used when the process has no
// direct compositor access and must ask the session broker for
// permission.
package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"

	"go2tv.app/mediasource/internal/apis"
	"go2tv.app/mediasource/internal/convert"
	"go2tv.app/mediasource/internal/logging"
	"go2tv.app/mediasource/internal/request"
	"go2tv.app/mediasource/internal/session"
)

const (
	interfaceName          = apis.CallBaseName + ".ScreenCast"
	createSessionName      = interfaceName + ".CreateSession"
	selectSourcesName      = interfaceName + ".SelectSources"
	startName              = interfaceName + ".Start"
	openPipeWireRemoteName = interfaceName + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

var (
	// ErrMalformedReply is returned when a structurally successful
	// response is missing or mistypes a documented result. A broker
	// that reports success but sends garbage is a protocol error, not
	// something to paper over.
	ErrMalformedReply = errors.New("portal: malformed broker reply")

	// ErrNoStreams is returned when Start succeeds but the user
	// granted access to nothing.
	ErrNoStreams = errors.New("portal: start returned no streams")
)

// Stream describes one granted capture stream from a Start response.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	ID         string
}

// Session is a live ScreenCast session on the broker. It is consumed by
// at most one OpenPipeWireRemote; the remote grant outlives it when a
// persist mode was selected.
type Session struct {
	conn    apis.Conn
	path    dbus.ObjectPath
	timeout time.Duration
}

// Options configures session creation.
type Options struct {
	// Conn overrides the shared session bus connection. Used by tests
	// to point the protocol at a broker stub.
	Conn apis.Conn
	// Timeout bounds each request/response step. Zero means
	// request.DefaultTimeout.
	Timeout time.Duration
}

// SelectSourcesOptions mirrors the documented option dictionary of
// SelectSources.
type SelectSourcesOptions struct {
	Types        uint32
	Multiple     bool
	CursorMode   uint32
	RestoreToken string
	PersistMode  uint32
}

// StartResult carries the streams granted by Start plus the restore
// token for persist modes that issue one.
type StartResult struct {
	Streams      []Stream
	RestoreToken string
}

// CreateSession runs the first negotiation step and returns the live
// session.
func CreateSession(ctx context.Context, options *Options) (*Session, error) {
	if options == nil {
		options = &Options{}
	}
	conn := options.Conn
	if conn == nil {
		var err error
		if conn, err = apis.Session(); err != nil {
			return nil, err
		}
	}

	s := &Session{conn: conn, timeout: options.Timeout}

	results, err := s.exchange(ctx, func(token string) (any, error) {
		return apis.Call(conn, createSessionName, map[string]dbus.Variant{
			"handle_token":         convert.FromString(token),
			"session_handle_token": convert.FromString(session.Token()),
		})
	})
	if err != nil {
		return nil, err
	}

	handle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("%w: CreateSession response missing session_handle", ErrMalformedReply)
	}
	path, ok := handle.Value().(string)
	if !ok {
		return nil, fmt.Errorf("%w: session_handle has wire type %T", ErrMalformedReply, handle.Value())
	}

	s.path = dbus.ObjectPath(path)
	log := logging.With("portal")
	log.Debug().Str("session", path).Msg("session created")
	return s, nil
}

// SelectSources runs the second step, asking the broker to prompt for
// the capture sources.
func (s *Session) SelectSources(ctx context.Context, options *SelectSourcesOptions) error {
	if options == nil {
		options = &SelectSourcesOptions{}
	}

	_, err := s.exchange(ctx, func(token string) (any, error) {
		data := map[string]dbus.Variant{
			"handle_token": convert.FromString(token),
		}
		if options.Types != 0 {
			data["types"] = convert.FromUint32(options.Types)
		}
		if options.Multiple {
			data["multiple"] = convert.FromBool(options.Multiple)
		}
		if options.CursorMode != 0 {
			data["cursor_mode"] = convert.FromUint32(options.CursorMode)
		}
		if options.RestoreToken != "" {
			data["restore_token"] = convert.FromString(options.RestoreToken)
		}
		if options.PersistMode != 0 {
			data["persist_mode"] = convert.FromUint32(options.PersistMode)
		}
		return apis.Call(s.conn, selectSourcesName, s.path, data)
	})
	return err
}

// Start runs the third step and decodes the granted streams.
func (s *Session) Start(ctx context.Context, parentWindow string) (*StartResult, error) {
	results, err := s.exchange(ctx, func(token string) (any, error) {
		data := map[string]dbus.Variant{
			"handle_token": convert.FromString(token),
		}
		return apis.Call(s.conn, startName, s.path, parentWindow, data)
	})
	if err != nil {
		return nil, err
	}

	out := &StartResult{}
	if tok, ok := results["restore_token"]; ok {
		if str, ok := tok.Value().(string); ok {
			out.RestoreToken = str
		}
	}

	streamsVariant, ok := results["streams"]
	if !ok {
		return nil, fmt.Errorf("%w: Start response missing streams", ErrMalformedReply)
	}
	if out.Streams, err = decodeStreams(streamsVariant.Value()); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenPipeWireRemote runs the final step and returns the transport file
// descriptor. The returned descriptor is owned by the caller.
func (s *Session) OpenPipeWireRemote() (int, error) {
	obj := s.conn.Object(apis.ObjectName, apis.ObjectPath)
	call := obj.Call(openPipeWireRemoteName, 0, s.path, map[string]dbus.Variant{})
	if call.Err != nil {
		return -1, call.Err
	}

	var fd int
	if err := call.Store(&fd); err != nil {
		return -1, err
	}
	return fd, nil
}

// OpenPipeWireRemoteFile wraps the transport descriptor in an *os.File.
func (s *Session) OpenPipeWireRemoteFile() (*os.File, error) {
	fd, err := s.OpenPipeWireRemote()
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "pipewire"), nil
}

// Close tears down the session object on the broker.
func (s *Session) Close() error {
	return session.Close(s.conn, s.path)
}

// Path returns the session's object path.
func (s *Session) Path() dbus.ObjectPath { return s.path }

// exchange runs one request/response step: install the match rule,
// send the call, verify the returned request path against the
// prediction, and poll for the response.
func (s *Session) exchange(ctx context.Context, send func(token string) (any, error)) (map[string]dbus.Variant, error) {
	pending, err := request.Expect(s.conn)
	if err != nil {
		return nil, err
	}
	defer pending.Done()

	result, err := send(pending.Token())
	if err != nil {
		return nil, err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("%w: request handle has wire type %T", ErrMalformedReply, result)
	}
	if err := pending.Verify(requestPath); err != nil {
		return nil, err
	}

	return pending.Wait(ctx, s.timeout)
}

// decodeStreams validates the nested ua{sv} stream list in one pass,
// surfacing a single structured error for any shape violation.
func decodeStreams(value any) ([]Stream, error) {
	var raw [][]any
	switch v := value.(type) {
	case [][]any:
		raw = v
	case []any:
		raw = make([][]any, len(v))
		for i, entry := range v {
			inner, ok := entry.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: stream entry %d has wire type %T", ErrMalformedReply, i, entry)
			}
			raw[i] = inner
		}
	default:
		return nil, fmt.Errorf("%w: streams have wire type %T", ErrMalformedReply, value)
	}

	streams := make([]Stream, 0, len(raw))
	for i, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("%w: stream entry %d has %d fields", ErrMalformedReply, i, len(entry))
		}
		nodeID, ok := entry[0].(uint32)
		if !ok {
			return nil, fmt.Errorf("%w: stream entry %d node id has wire type %T", ErrMalformedReply, i, entry[0])
		}
		props, ok := entry[1].(map[string]dbus.Variant)
		if !ok {
			return nil, fmt.Errorf("%w: stream entry %d properties have wire type %T", ErrMalformedReply, i, entry[1])
		}

		stream := Stream{NodeID: nodeID}
		if pos, ok := props["position"]; ok {
			if pair, ok := int32Pair(pos.Value()); ok {
				stream.Position = pair
			}
		}
		if size, ok := props["size"]; ok {
			if pair, ok := int32Pair(size.Value()); ok {
				stream.Size = pair
			}
		}
		if st, ok := props["source_type"]; ok {
			if v, ok := st.Value().(uint32); ok {
				stream.SourceType = v
			}
		}
		if id, ok := props["id"]; ok {
			if v, ok := id.Value().(string); ok {
				stream.ID = v
			}
		}
		streams = append(streams, stream)
	}
	return streams, nil
}

func int32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}
	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}
	return [2]int32{left, right}, true
}

// AvailableSourceTypes reads the broker's supported source type mask.
func AvailableSourceTypes(conn apis.Conn) (uint32, error) {
	return uint32Property(conn, "AvailableSourceTypes")
}

// AvailableCursorModes reads the broker's supported cursor mode mask.
func AvailableCursorModes(conn apis.Conn) (uint32, error) {
	return uint32Property(conn, "AvailableCursorModes")
}

// Version reads the ScreenCast interface version.
func Version(conn apis.Conn) (uint32, error) {
	return uint32Property(conn, "version")
}

func uint32Property(conn apis.Conn, property string) (uint32, error) {
	value, err := apis.GetProperty(conn, interfaceName, property)
	if err != nil {
		return 0, err
	}
	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("%w: property %s has wire type %T", ErrMalformedReply, property, value)
	}
	return result, nil
}
