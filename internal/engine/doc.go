// Package engine is the sync orchestrator: it schedules reconciliation
// passes per connection (timer with jitter, debounced push notifications,
// manual sync-now), serializes them so at most one pass runs per connection,
// and drives each pass through the mapper, the conflict engine, and the
// idempotency log. Cursors advance atomically only after a full batch lands.
package engine
