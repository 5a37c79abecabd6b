// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// Audit event outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// AuditEvent represents a graph mutation for the audit trail.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "graph.mutation",
//	    UserID:       authInfo.UserID,
//	    Action:       "POST /v1/aggtree/edges",
//	    ResourceType: "edges",
//	    Outcome:      OutcomeSuccess,
//	    Metadata:     map[string]any{"status": 200},
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string

	// Timestamp is when the event occurred, in UTC. If zero,
	// implementations set it to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	UserID string

	// Action describes what was attempted, usually the method and route.
	Action string

	// ResourceType is the category of resource involved, such as "tasks".
	ResourceType string

	// ResourceID is the specific resource, such as a task ID (optional).
	ResourceID string

	// Outcome is one of the Outcome constants.
	Outcome string

	// Metadata holds additional event-specific data.
	Metadata map[string]any
}

// AuditLogger records graph mutations.
type AuditLogger interface {
	// Log records one event. It should return quickly.
	Log(ctx context.Context, event AuditEvent) error

	// Flush ensures buffered events are persisted. Call before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
//
// Thread-safe: This implementation has no mutable state.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

// SlogAuditLogger writes each event as one structured log record.
//
// Thread-safe: slog.Logger is safe for concurrent use.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger writing to logger. A nil
// logger uses slog.Default.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With(slog.String("log_type", "audit"))}
}

// Log writes the event at info level, or warn level when the outcome is
// not a success.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	level := slog.LevelInfo
	if event.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event_type", event.EventType),
		slog.Time("event_time", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("outcome", event.Outcome),
	}
	if event.ResourceID != "" {
		attrs = append(attrs, slog.String("resource_id", event.ResourceID))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(ctx, level, "audit event", attrs...)
	return nil
}

// Flush is a no-op; records are written synchronously.
func (l *SlogAuditLogger) Flush(_ context.Context) error {
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
