// Package telemetry exposes training-engine observability: Prometheus
// collectors for engine operations, a decorator that instruments any
// engine.Engine, and the monitor HTTP server serving health, metrics,
// registered backends, and the checkpoint index.
package telemetry
