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
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Sentinel errors for telemetry initialization.
var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("unknown exporter type")
)

// ExporterNone disables a signal.
const ExporterNone = "none"

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this service in traces and metrics.
	ServiceName string `yaml:"service_name" json:"service_name"`

	// ServiceVersion is the version string for this service.
	ServiceVersion string `yaml:"service_version" json:"service_version"`

	// Environment identifies the deployment environment.
	Environment string `yaml:"environment" json:"environment"`

	// TraceExporter selects the trace exporter: "otlp", "stdout", or "none".
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter selects the metric exporter: "prometheus", "stdout", or "none".
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP receiver endpoint for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool `yaml:"otlp_insecure" json:"otlp_insecure"`

	// SampleRatio is the fraction of root traces kept. Graph operations
	// under a sampled request follow their parent. Zero means 1.
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio" validate:"gte=0,lte=1"`

	// MetricInterval is how often the stdout exporter prints. Zero means
	// the SDK default.
	MetricInterval time.Duration `yaml:"metric_interval" json:"metric_interval"`
}

// DefaultConfig returns defaults for local development. Tracing is off
// unless OTEL_TRACES_EXPORTER selects an exporter.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "aggtree",
		ServiceVersion: "0.1.0",
		Environment:    getEnvOr("AGGTREE_ENV", "development"),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
		SampleRatio:    envRatio("OTEL_TRACES_SAMPLER_ARG", 1),
	}
}

type spanExporterFactory func(ctx context.Context, cfg Config) (trace.SpanExporter, error)

type metricReaderFactory func(cfg Config) (metric.Reader, error)

// spanExporters and metricReaders map exporter names to constructors.
var (
	spanExporters = map[string]spanExporterFactory{
		"otlp": func(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
			opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
			if cfg.OTLPInsecure {
				opts = append(opts, otlptracegrpc.WithInsecure())
			}
			return otlptracegrpc.New(ctx, opts...)
		},
		"stdout": func(context.Context, Config) (trace.SpanExporter, error) {
			return stdouttrace.New(stdouttrace.WithPrettyPrint())
		},
	}

	metricReaders = map[string]metricReaderFactory{
		// Registers with the default Prometheus registry, next to the
		// promauto collectors, so one /metrics handler serves both.
		"prometheus": func(Config) (metric.Reader, error) {
			exporter, err := promexporter.New()
			if err != nil {
				return nil, err
			}
			return exporter, nil
		},
		"stdout": func(cfg Config) (metric.Reader, error) {
			exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
			if err != nil {
				return nil, err
			}
			var opts []metric.PeriodicReaderOption
			if cfg.MetricInterval > 0 {
				opts = append(opts, metric.WithInterval(cfg.MetricInterval))
			}
			return metric.NewPeriodicReader(exporter, opts...), nil
		},
	}
)

// Telemetry is the set of providers installed by Init.
type Telemetry struct {
	// Tracing reports whether a trace exporter is installed.
	Tracing bool

	// Metrics names the metric exporter in use, or ExporterNone.
	Metrics string

	shutdown []func(context.Context) error
}

// Shutdown flushes and stops every installed provider, in reverse order
// of installation.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range slices.Backward(t.shutdown) {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

// Init initializes the telemetry stack.
//
// Description:
//
//	Sets the global TracerProvider, MeterProvider, and W3C propagator.
//	After Init returns, otel.Tracer() and otel.Meter() in every package
//	report through the configured exporters. An empty exporter name is
//	treated as "none".
//
// Inputs:
//
//	ctx - Context for exporter connections. Must not be nil.
//	cfg - Telemetry configuration.
//
// Outputs:
//
//	*Telemetry - Installed providers. Shutdown must be called.
//	error - Non-nil if an exporter cannot be created.
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	tel := &Telemetry{Metrics: ExporterNone}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if name := cfg.TraceExporter; name != "" && name != ExporterNone {
		newExporter, ok := spanExporters[name]
		if !ok {
			return nil, fmt.Errorf("init tracer: %w: %s", ErrUnknownExporter, name)
		}
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init tracer: create %s exporter: %w", name, err)
		}
		tp := trace.NewTracerProvider(
			trace.WithBatcher(exporter),
			trace.WithResource(res),
			trace.WithSampler(sampler(cfg.SampleRatio)),
		)
		otel.SetTracerProvider(tp)
		tel.Tracing = true
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
	}

	if name := cfg.MetricExporter; name != "" && name != ExporterNone {
		newReader, ok := metricReaders[name]
		if !ok {
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w: %s", ErrUnknownExporter, name)
		}
		reader, err := newReader(cfg)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("init meter: create %s exporter: %w", name, err)
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		otel.SetMeterProvider(mp)
		tel.Metrics = name
		tel.shutdown = append(tel.shutdown, mp.Shutdown)
	}

	return tel, nil
}

// sampler keeps ratio of root traces and follows the parent decision
// otherwise.
func sampler(ratio float64) trace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envRatio(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v < 0 || v > 1 {
		return fallback
	}
	return v
}
