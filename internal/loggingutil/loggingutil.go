// Package loggingutil holds nil-safe pslog helpers shared by the storage
// backends and the broker.
package loggingutil

import "pkt.systems/pslog"

// NoopLogger returns a logger that discards all entries.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// EnsureLogger returns l when non-nil, otherwise a discarding logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}
