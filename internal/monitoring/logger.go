// Package monitoring holds the daemon-wide diagnostic logger and the mapping
// from a configured log level onto the ops/diag/trace streams that the
// internal/dvs packages expose through their SetLogWriters functions.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Level selects how many of the three log streams are enabled.
type Level string

const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
	LevelTrace Level = "trace"
)

// ParseLevel converts a config string to a Level. The empty string means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return "", fmt.Errorf("invalid log level %q (must be error, warn, info, debug or trace)", s)
	}
}

// Streams are the writers handed to each package's SetLogWriters.
// A nil writer disables that stream.
type Streams struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// StreamsFor maps a level onto stream writers backed by w (stderr when nil).
// ops is always on; diag from info upward; trace only at trace level. There
// are five level names but only three streams, so error and warn produce the
// same Streams, as do info and debug. The extra names are accepted so configs
// written with the usual level vocabulary load unchanged.
func StreamsFor(level Level, w io.Writer) Streams {
	if w == nil {
		w = os.Stderr
	}
	s := Streams{Ops: w}
	switch level {
	case LevelInfo, LevelDebug:
		s.Diag = w
	case LevelTrace:
		s.Diag = w
		s.Trace = w
	}
	return s
}
