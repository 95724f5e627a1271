// Package instrumentation owns the OpenTelemetry tracing lifecycle for the
// sync engine.
package instrumentation
