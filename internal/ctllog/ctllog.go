// Package ctllog is a thin wrapper around the standard library log package.
// The core never uses logging for control flow; debug-and-skip paths
// (a corrupt mod during a registry scan, an unparsable dependency during
// validation) and debug traces (a cache store) go through here instead
// of a raw fmt.Printf, so callers can redirect or silence them.
package ctllog

import "log"

// Logger is the minimal surface the core depends on.
type Logger interface {
	Debugf(format string, args ...any)
}

// Standard wraps the stdlib log package.
type Standard struct {
	*log.Logger
}

func (s *Standard) Debugf(format string, args ...any) {
	s.Printf(format, args...)
}

// Default returns a Standard logger writing to log.Default().
func Default() Logger {
	return &Standard{Logger: log.Default()}
}

// Discard silently drops every message. Tests use this to keep output clean.
type Discard struct{}

func (Discard) Debugf(string, ...any) {}
