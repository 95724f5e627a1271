// Package cmd implements the command-line interface for curasync.
//
// This package provides the following commands:
//   - serve: Run the sync service (scheduler, feeds, webhooks, metrics)
//   - sync: Run one synchronous reconciliation pass for a connection
//   - connections: Manage calendar connections (list, add, revoke)
//   - conflicts: Inspect and resolve pending sync conflicts
//   - feed: Manage read-only subscription feed tokens
//   - version: Display version information
package cmd
