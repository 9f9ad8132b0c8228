//go:build !linux

package main

import "go2tv.app/mediasource/source"

func allBackends() []source.Backend { return nil }
