// Package request implements the portal request/response pairing: every
// method call names a handle token, the broker signals the outcome on a
// request object whose path is derivable from the caller's unique bus
// name plus that token. The match rule is installed before the request
// is sent so a fast broker cannot win the race against signal delivery.
package request

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"go2tv.app/mediasource/internal/apis"
	"go2tv.app/mediasource/internal/logging"
)

const (
	interfaceName  = "org.freedesktop.portal.Request"
	responseMember = "Response"
	responseName   = interfaceName + "." + responseMember
	closeCallName  = interfaceName + ".Close"

	pathPrefix = "/org/freedesktop/portal/desktop/request/"

	// Bounded polling: short slices so cancellation is observed
	// promptly, a hard cap so a mute broker fails instead of hanging.
	pollSlice = 10 * time.Millisecond

	// DefaultTimeout bounds one request/response exchange.
	DefaultTimeout = 60 * time.Second
)

type ResponseStatus = uint32

const (
	StatusSuccess   ResponseStatus = 0
	StatusCancelled ResponseStatus = 1
	StatusEnded     ResponseStatus = 2
)

var (
	// ErrPollTimeout is returned when the broker never signals a
	// response within the polling window.
	ErrPollTimeout = errors.New("request: timed out polling for broker response")
	// ErrPathMismatch is returned when the broker's request path does
	// not match the locally predicted one. This is a protocol or
	// naming error and always hard-fails the exchange.
	ErrPathMismatch = errors.New("request: broker request path does not match prediction")
	// ErrMalformedReply is returned when a response signal does not
	// carry the documented (status, results) body.
	ErrMalformedReply = errors.New("request: malformed response body")
	// ErrNoUniqueName is returned when the connection has not been
	// assigned a unique bus name.
	ErrNoUniqueName = errors.New("request: bus connection has no unique name")
)

// StatusError reports a broker response with a non-zero status code.
type StatusError struct {
	Status ResponseStatus
}

func (e *StatusError) Error() string {
	switch e.Status {
	case StatusCancelled:
		return "request: cancelled by the user"
	case StatusEnded:
		return "request: ended by the broker"
	default:
		return fmt.Sprintf("request: broker returned status %d", e.Status)
	}
}

// Cancelled reports whether the user dismissed the permission dialog.
func (e *StatusError) Cancelled() bool { return e.Status == StatusCancelled }

var tokenCounter atomic.Uint64

// NextToken returns a process-unique handle token. Tokens are never
// reused within one process lifetime.
func NextToken() string {
	return "mediasource" + strconv.FormatUint(tokenCounter.Add(1), 10)
}

// PredictPath computes the request object path the broker will signal
// on for the given token, from the connection's own unique name.
func PredictPath(conn apis.Conn, token string) (dbus.ObjectPath, error) {
	names := conn.Names()
	if len(names) == 0 {
		return "", ErrNoUniqueName
	}
	sender := strings.TrimPrefix(names[0], ":")
	sender = strings.ReplaceAll(sender, ".", "_")
	return dbus.ObjectPath(pathPrefix + sender + "/" + token), nil
}

// Pending is an installed expectation for one request's response
// signal. Create it with Expect before sending the method call, Wait
// for the outcome, then Done to tear the match rule down.
type Pending struct {
	conn    apis.Conn
	token   string
	path    dbus.ObjectPath
	signals chan *dbus.Signal
	matched []dbus.MatchOption
}

// Expect allocates a fresh token, predicts the response path, and
// installs the match rule and signal channel for it.
func Expect(conn apis.Conn) (*Pending, error) {
	token := NextToken()
	path, err := PredictPath(conn, token)
	if err != nil {
		return nil, err
	}

	matched := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(interfaceName),
		dbus.WithMatchMember(responseMember),
	}
	if err := conn.AddMatchSignal(matched...); err != nil {
		return nil, err
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)

	return &Pending{
		conn:    conn,
		token:   token,
		path:    path,
		signals: signals,
		matched: matched,
	}, nil
}

// Token returns the handle token to place in the request's option
// dictionary.
func (p *Pending) Token() string { return p.token }

// Path returns the predicted request object path.
func (p *Pending) Path() dbus.ObjectPath { return p.path }

// Verify checks the path the broker actually returned from the method
// call against the prediction.
func (p *Pending) Verify(actual dbus.ObjectPath) error {
	if actual != p.path {
		return fmt.Errorf("%w: predicted %s, broker returned %s", ErrPathMismatch, p.path, actual)
	}
	return nil
}

// Done removes the match rule and signal routing. Safe to call after a
// failed Wait.
func (p *Pending) Done() {
	p.conn.RemoveSignal(p.signals)
	_ = p.conn.RemoveMatchSignal(p.matched...)
}

// Wait polls for the response in bounded slices. A zero timeout uses
// DefaultTimeout. Returns the broker's results map on success; a
// non-zero status is reported as a *StatusError.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (map[string]dbus.Variant, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := logging.With("request")

	slices := int(timeout / pollSlice)
	if slices < 1 {
		slices = 1
	}
	for i := 0; i < slices; i++ {
		select {
		case sig := <-p.signals:
			if sig == nil || sig.Name != responseName || sig.Path != p.path {
				// Unrelated traffic routed to our channel.
				continue
			}
			return parseResponse(sig)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollSlice):
		}
	}

	log.Debug().Str("path", string(p.path)).Dur("timeout", timeout).Msg("response poll timed out")
	return nil, ErrPollTimeout
}

func parseResponse(sig *dbus.Signal) (map[string]dbus.Variant, error) {
	if len(sig.Body) != 2 {
		return nil, fmt.Errorf("%w: %d body values", ErrMalformedReply, len(sig.Body))
	}
	status, ok := sig.Body[0].(ResponseStatus)
	if !ok {
		return nil, fmt.Errorf("%w: status has wire type %T", ErrMalformedReply, sig.Body[0])
	}
	results, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: results have wire type %T", ErrMalformedReply, sig.Body[1])
	}
	if status != StatusSuccess {
		return nil, &StatusError{Status: status}
	}
	return results, nil
}

// Close asks the broker to abort an in-flight request.
func Close(conn apis.Conn, path dbus.ObjectPath) error {
	return apis.CallOnObject(conn, path, closeCallName)
}
