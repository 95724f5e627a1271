// Package oplog guards mutating provider calls with a durable idempotency
// log keyed deterministically over (connection, entity, operation, source
// version), so crashed or retried passes replay results instead of issuing
// duplicate writes.
package oplog
