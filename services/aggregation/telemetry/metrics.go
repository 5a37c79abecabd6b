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
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the HTTP instruments of the aggregation service.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// HTTPRequestsTotal counts requests by method, route, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks in-flight requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// RateLimitedTotal counts mutations rejected by the rate limiter.
	RateLimitedTotal metric.Int64Counter
}

// NewMetrics creates the service instruments on meter.
//
// Inputs:
//
//	meter - Usually otel.Meter("aleutian.aggtree.http").
//
// Outputs:
//
//	*Metrics - Ready to record.
//	error - Non-nil if an instrument cannot be created.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"aggtree_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"aggtree_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"aggtree_http_active_requests",
		metric.WithDescription("In-flight HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	m.RateLimitedTotal, err = meter.Int64Counter(
		"aggtree_http_rate_limited_total",
		metric.WithDescription("Mutations rejected by the rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_rate_limited_total: %w", err)
	}

	return m, nil
}
