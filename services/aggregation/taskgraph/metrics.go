// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskgraph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.aggtree.taskgraph")

// Prometheus metrics for graph operations.
var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aggtree_graph_operations_total",
		Help: "Task graph operations by operation and outcome",
	}, []string{"op", "status"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aggtree_graph_operation_duration_seconds",
		Help:    "Task graph operation latency",
		Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
	}, []string{"op"})
)

// observe records one operation. Call as defer observe(op, time.Now(), &err).
func observe(op string, start time.Time, err *error) {
	status := "ok"
	if *err != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(op, status).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
