// Package server is the engine's HTTP surface: read-only subscription feeds,
// provider webhook intake, health probes, and a dedicated metrics port.
package server
