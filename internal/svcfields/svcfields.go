// Package svcfields defines the structured log keys shared across packages.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the emitting component ("broker.queue").
	SubsystemKey = pslog.TrustedString("sys")
	// QueueKey carries the durable queue name.
	QueueKey = pslog.TrustedString("queue")
	// CorrelationKey carries the batch correlation id.
	CorrelationKey = pslog.TrustedString("cid")
)

// Subsystem joins parts into a dot-delimited subsystem path, skipping empty
// fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithQueue attaches the queue name to every log entry.
func WithQueue(logger pslog.Logger, queue string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(QueueKey, queue)
}
