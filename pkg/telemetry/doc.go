// Package telemetry wires OpenTelemetry tracing and metrics plus a Prometheus
// registry for the safety engine.
//
// Instruments only ever carry policy names, categories, outcomes and counts.
// Evaluated text and matched substrings never reach spans or metrics.
package telemetry
