// Package logging provides the library's debug logger. Output is off by
// default and enabled with MEDIASOURCE_DEBUG=1; MEDIASOURCE_DEBUG_FILE
// redirects it away from stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// L returns the process-wide debug logger. The first call inspects the
// environment; later calls return the cached logger.
func L() *zerolog.Logger {
	once.Do(func() {
		if !enabled() {
			logger = zerolog.Nop()
			return
		}
		logger = zerolog.New(output()).With().Timestamp().Logger()
	})
	return &logger
}

// With returns the debug logger tagged with a component name.
func With(component string) zerolog.Logger {
	return L().With().Str("component", component).Logger()
}

func enabled() bool {
	return strings.TrimSpace(os.Getenv("MEDIASOURCE_DEBUG")) == "1"
}

func output() io.Writer {
	p := strings.TrimSpace(os.Getenv("MEDIASOURCE_DEBUG_FILE"))
	if p == "" {
		return os.Stderr
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "mediasource debug log open failed: %v\n", err)
		return os.Stderr
	}
	return f
}
