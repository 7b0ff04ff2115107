// Package metric provides Prometheus metrics for Atticus and an HTTP server
// exposing them.
//
// A MetricsRegistry owns a private Prometheus registry with the core metrics
// already registered (endpoint lifecycle, inbound queue, output buffers and
// transports) plus the Go runtime collectors. Components that want their own
// collectors register them through the MetricsRegistrar interface, keyed by
// owner and metric name so duplicates are reported instead of panicking.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        slog.Error("Metrics server error", "error", err)
//	    }
//	}()
//	defer server.Stop()
//
//	registry.CoreMetrics().RecordEndpointState("test", 2)
//
// # Optional Metrics
//
// Everything in Atticus accepts a nil *MetricsRegistry. CoreMetrics on a nil
// registry returns a nil *Metrics, and every Record method on a nil *Metrics
// is a no-op, so callers never need to guard metric calls.
package metric
