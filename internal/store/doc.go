// Package store provides SQLite-backed durable storage for the match outbox.
//
// The store persists:
//   - Outbox entries: one row per pending write, keyed by entry id, ordered by seq
//   - Retired entries: ids that were delivered or discarded (never reused)
//   - Sync meta: the last successful delivery time
//
// # Critical Patterns
//
// Logical ordering
//   - All reads use ORDER BY seq ASC; seq is assigned by SQLite on insert
//   - Wall-clock timestamps are diagnostics only, never an ordering key
//
// Tolerant mutation
//   - UpdateEntry, DeleteEntry and MarkDelivered are no-ops for unknown ids,
//     so a flush racing a manual discard cannot fail either side
//
// Atomic delivery
//   - MarkDelivered removes the entry, retires its id and advances
//     last_synced_at in one transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: An acknowledged enqueue survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
