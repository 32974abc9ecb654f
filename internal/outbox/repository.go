package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository abstracts the durable store backing the outbox table. The
// sync engine itself is storage-agnostic (spec Non-goals); callers supply
// a concrete implementation (SQLite, Postgres, etc.) satisfying this
// interface. InMemoryRepository below backs tests and dev-mode.
type Repository interface {
	// Enqueue inserts a new pending entry atomically with the caller's own
	// business-mutation transaction. The caller is expected to call this
	// within the same transaction as the mutation it describes.
	Enqueue(ctx context.Context, entry *Entry) error

	// FetchPending returns up to limit pending entries ordered by CreatedAt
	// ascending.
	FetchPending(ctx context.Context, limit int) ([]*Entry, error)

	// MarkAttempted increments Attempts and sets AttemptedAt for the given
	// IDs, called once per entry placed into an outbound batch so
	// SyncedAt != nil always implies Attempts >= 1 (spec §8).
	MarkAttempted(ctx context.Context, ids []string, at time.Time) error

	// MarkSynced sets SyncedAt = now for the given IDs.
	MarkSynced(ctx context.Context, ids []string, at time.Time) error

	// MarkFailed increments Attempts and records LastError for the given ID.
	MarkFailed(ctx context.Context, id, lastError string, at time.Time) error

	// CleanupSynced deletes entries whose SyncedAt is older than olderThan.
	CleanupSynced(ctx context.Context, olderThan time.Time) (int, error)
}

// InMemoryRepository is a Repository backed by an in-process map, used in
// tests and single-process dev mode.
type InMemoryRepository struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewInMemoryRepository builds an empty InMemoryRepository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{entries: make(map[string]*Entry)}
}

func (r *InMemoryRepository) Enqueue(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.entries[entry.ID] = &cp
	return nil
}

func (r *InMemoryRepository) FetchPending(ctx context.Context, limit int) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Pending() {
			cp := *e
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *InMemoryRepository) MarkAttempted(ctx context.Context, ids []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			e.Attempts++
			t := at
			e.AttemptedAt = &t
		}
	}
	return nil
}

func (r *InMemoryRepository) MarkSynced(ctx context.Context, ids []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			t := at
			e.SyncedAt = &t
		}
	}
	return nil
}

func (r *InMemoryRepository) MarkFailed(ctx context.Context, id, lastError string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.Attempts++
		e.LastError = lastError
		t := at
		e.AttemptedAt = &t
	}
	return nil
}

func (r *InMemoryRepository) CleanupSynced(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		if e.SyncedAt != nil && e.SyncedAt.Before(olderThan) {
			delete(r.entries, id)
			n++
		}
	}
	return n, nil
}
