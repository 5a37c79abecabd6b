// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for the
// aggregation service.
//
// OTel is used directly; backends are chosen by exporter configuration.
// Traces go to OTLP (gRPC) or stdout, metrics to the Prometheus registry
// or stdout. The Prometheus registry also carries the promauto metrics of
// the tree and taskgraph packages, so a single promhttp.Handler exposes
// everything on one endpoint.
//
// # Usage
//
//	tel, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - OTEL_TRACES_SAMPLER_ARG: root trace sample ratio in [0, 1] (default: 1)
//   - AGGTREE_ENV: environment name (default: development)
package telemetry
