// Package otel binds authflow metrics to an OpenTelemetry meter.
//
// [NewExporter] registers an Int64ObservableCounter per engine counter and an
// Int64ObservableGauge per latency bucket. One callback reads
// [authflow.Engine.MetricsSnapshot] per collection. Callers own the
// MeterProvider.
package otel
