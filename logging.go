package outreach

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// The SDK logs nothing unless the host application opts in. Channel-level
// noise (dropped frames, reconnects, poll backoff) goes through here rather
// than being returned as errors, since those paths run detached from any
// caller.

var (
	logMu  sync.RWMutex
	logger = zerolog.Nop()
)

// SetLogger installs a zerolog logger for SDK internals.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// EnableLogging is a convenience for CLI and debugging use: console output
// at the given level ("debug", "info", "warn", "error").
func EnableLogging(level string, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	SetLogger(zerolog.New(w).Level(lvl).With().Timestamp().Logger())
}

// component returns a logger tagged with the SDK subsystem name.
func component(name string) zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger.With().Str("component", name).Logger()
}
