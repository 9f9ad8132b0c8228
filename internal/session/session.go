// Package session wraps the portal's Session interface: token creation
// for session handles and closing the remote session object.
package session

import (
	"github.com/godbus/dbus/v5"

	"go2tv.app/mediasource/internal/apis"
	"go2tv.app/mediasource/internal/request"
)

const (
	interfaceName = "org.freedesktop.portal.Session"
	ClosedMember  = "Closed"
	closeCallName = interfaceName + ".Close"
)

// Token returns a process-unique session handle token. It draws from
// the same counter as request tokens, so the uniqueness guarantee is
// shared.
func Token() string {
	return request.NextToken()
}

// Close tears down the remote session object. The broker drops the
// grant unless a persist mode keeps it.
func Close(conn apis.Conn, path dbus.ObjectPath) error {
	return apis.CallOnObject(conn, path, closeCallName)
}
