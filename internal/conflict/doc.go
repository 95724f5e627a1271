// Package conflict decides the winning version when an entity changed on
// both sides since the last sync: identical content advances silently,
// near-simultaneous edits resolve by recency inside a grace window, and
// everything else follows the configured strategy (local-wins, remote-wins,
// merge, or manual review). Every decision is recorded for audit.
package conflict
