// Package outbox implements the durable outbox pattern: every local
// business mutation is enqueued here atomically and later drained to the
// Hub by the Processor (spec §3, §4.7).
package outbox

import "time"

// Entry is one outbox row (spec §3). Unique by ID. Invariants: SyncedAt is
// non-nil iff the entry reached final success; Attempts only increases;
// Payload is the full entity snapshot captured at enqueue time, never a
// reference to mutable state.
type Entry struct {
	ID          string
	EntityType  string
	EntityID    string
	PayloadJSON string
	// Version is the entity's sync_version at snapshot time, carried
	// through to the Hub unchanged so the version-gated upsert rule
	// (spec §3, §4.8) orders on the entity's own version rather than on
	// wall-clock arrival time at the PRIMARY.
	Version     int64
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	AttemptedAt *time.Time
	SyncedAt    *time.Time
}

// Pending reports whether the entry still needs to be sent.
func (e *Entry) Pending() bool { return e.SyncedAt == nil }

// MaxRetry is the default attempts ceiling past which an entry is left
// pending but excluded from new batches (spec §4.7).
const MaxRetry = 10

// Processable reports whether the entry is still eligible for a new batch.
func (e *Entry) Processable(maxRetry int) bool {
	return e.Pending() && e.Attempts < maxRetry
}
