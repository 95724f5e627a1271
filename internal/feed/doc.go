// Package feed renders token-scoped read-only ICS subscription feeds from
// the current care entities. Tokens are opaque secrets stored only as
// hashes; revocation is immediate and idempotent.
package feed
