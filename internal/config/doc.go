// Package config loads runtime configuration from file, environment, and
// defaults, in that precedence order (lowest first).
package config
