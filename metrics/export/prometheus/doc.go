// Package prometheus exposes authflow metrics through client_golang.
//
// [Collector] reads [authflow.Engine.MetricsSnapshot] on each scrape and
// emits authflow_*_total counters plus the
// authflow_authenticate_latency_seconds histogram. [Exporter] registers the
// collector on a private registry and serves it over HTTP; nothing is added
// to the global default registry.
package prometheus
