// Package store is the sqlite persistence layer for the sync engine:
// connections with their cursors and encrypted credentials, event mappings
// (tombstoned on delete), conflict records, the idempotency log, feed
// tokens, care entities with their change log, and the device-local
// calendar backing the local provider adapter.
package store
