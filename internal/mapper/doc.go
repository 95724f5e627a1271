// Package mapper translates internal care entities to and from the
// canonical external-event representation and computes the content hashes
// the engine uses for change detection. All functions are pure.
package mapper
