// Package apis holds the well-known desktop portal names and the bus
// call helpers shared by the negotiation layer. All helpers operate on
// an injected connection so protocol code can be exercised against a
// broker stub.
package apis

import (
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"
)

// ObjectPath is the portal's singleton object.
const ObjectPath = dbus.ObjectPath("/org/freedesktop/portal/desktop")

// Conn is the subset of *dbus.Conn the negotiation protocol needs.
type Conn interface {
	Names() []string
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

var (
	sessionOnce sync.Once
	sessionConn *dbus.Conn
	sessionErr  error
)

// Session returns the shared session bus connection. Absence of a
// session bus is reported as an error, never a panic; callers treat it
// as "portal unavailable".
func Session() (Conn, error) {
	sessionOnce.Do(func() {
		sessionConn, sessionErr = dbus.SessionBus()
	})
	if sessionErr != nil {
		return nil, sessionErr
	}
	return sessionConn, nil
}

// Call invokes a method on the portal desktop object and returns its
// single result.
func Call(conn Conn, callName string, args ...any) (any, error) {
	call, err := callOnObject(conn, ObjectPath, callName, args...)
	if err != nil {
		return nil, err
	}

	var result any
	err = call.Store(&result)
	return result, err
}

// CallOnObject invokes a method on an arbitrary portal object,
// discarding results.
func CallOnObject(conn Conn, path dbus.ObjectPath, callName string, args ...any) error {
	_, err := callOnObject(conn, path, callName, args...)
	return err
}

func callOnObject(conn Conn, path dbus.ObjectPath, callName string, args ...any) (*dbus.Call, error) {
	obj := conn.Object(ObjectName, path)
	call := obj.Call(callName, 0, args...)
	return call, call.Err
}

// GetProperty reads a property of the portal desktop object.
func GetProperty(conn Conn, interfaceName, property string) (any, error) {
	call, err := callOnObject(conn, ObjectPath, PropertiesGetName, interfaceName, property)
	if err != nil {
		return nil, err
	}

	var value any
	err = call.Store(&value)
	return value, err
}
