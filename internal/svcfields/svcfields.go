// Package svcfields holds the shared log field conventions used across
// gridsync components.
package svcfields

import (
	"context"
	"strings"

	"pkt.systems/gridsync/internal/correlation"
	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// CorrelationKey is the key carrying correlation ids.
const CorrelationKey = pslog.TrustedString("cid")

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
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

// FromContext prefers the logger carried by ctx and falls back to logger,
// adding the correlation id when ctx has one and the logger came from the
// fallback.
func FromContext(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cid := correlation.ID(ctx); cid != "" {
		return logger.With(CorrelationKey, cid)
	}
	return logger
}
