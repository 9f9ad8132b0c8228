// Package convert builds dbus variants with pinned signatures for the
// option dictionaries the portal interfaces document.
package convert

import (
	"github.com/godbus/dbus/v5"
)

var (
	boolSignature   = dbus.ParseSignatureMust("b")
	stringSignature = dbus.ParseSignatureMust("s")
	uint32Signature = dbus.ParseSignatureMust("u")
)

func FromBool(input bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, boolSignature)
}

func FromString(input string) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, stringSignature)
}

func FromUint32(input uint32) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, uint32Signature)
}
