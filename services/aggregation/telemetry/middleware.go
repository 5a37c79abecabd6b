// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// GinMetrics returns gin middleware that records request count, duration,
// and in-flight requests.
//
// Description:
//
//	Uses the matched route template (c.FullPath) as the path label so
//	per-task URLs do not explode label cardinality. Unmatched routes are
//	labelled "unmatched".
//
// Example:
//
//	m, _ := telemetry.NewMetrics(otel.Meter("aleutian.aggtree.http"))
//	router.Use(otelgin.Middleware("aggtree"), telemetry.GinMetrics(m))
//
// Thread Safety: Safe for concurrent use.
func GinMetrics(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()

		m.HTTPActiveRequests.Add(ctx, 1)
		defer m.HTTPActiveRequests.Add(ctx, -1)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("path", path),
			attribute.Int("status", c.Writer.Status()),
		)
		m.HTTPRequestsTotal.Add(ctx, 1, attrs)
		m.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// LoggerWithTrace returns logger annotated with the trace and span IDs of
// the span in ctx, or logger unchanged when ctx carries no valid span.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
