// Package metrics defines the Prometheus collectors exported by the sync
// engine and its HTTP surfaces.
package metrics
