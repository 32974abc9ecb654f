package inbound

import (
	"context"
	"sync"
)

// InMemoryEntityStore is an EntityStore backed by an in-process map, used in
// tests and single-process dev mode (the real local database is an external
// collaborator; spec Non-goal "local SQLite schema and query details").
type InMemoryEntityStore struct {
	mu       sync.Mutex
	versions map[string]int64
	data     map[string][]byte
	deleted  map[string]bool
}

// NewInMemoryEntityStore builds an empty InMemoryEntityStore.
func NewInMemoryEntityStore() *InMemoryEntityStore {
	return &InMemoryEntityStore{
		versions: make(map[string]int64),
		data:     make(map[string][]byte),
		deleted:  make(map[string]bool),
	}
}

func (s *InMemoryEntityStore) key(entityType, entityID string) string { return entityType + ":" + entityID }

func (s *InMemoryEntityStore) CurrentVersion(ctx context.Context, entityType, entityID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[s.key(entityType, entityID)]
	return v, ok, nil
}

func (s *InMemoryEntityStore) Upsert(ctx context.Context, entityType, entityID string, data []byte, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(entityType, entityID)
	s.versions[k] = version
	s.data[k] = data
	delete(s.deleted, k)
	return nil
}

func (s *InMemoryEntityStore) Delete(ctx context.Context, entityType, entityID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(entityType, entityID)
	s.versions[k] = version
	s.deleted[k] = true
	return nil
}

func (s *InMemoryEntityStore) Patch(ctx context.Context, entityType, entityID string, data []byte, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(entityType, entityID)
	s.versions[k] = version
	s.data[k] = data
	return nil
}

// InMemoryInventoryStore is an InventoryStore backed by an in-process map,
// used in tests and single-process dev mode.
type InMemoryInventoryStore struct {
	mu      sync.Mutex
	stock   map[string]int64
	applied map[string]bool // delta ID -> applied, guards re-delivery
}

// NewInMemoryInventoryStore builds an empty InMemoryInventoryStore.
func NewInMemoryInventoryStore() *InMemoryInventoryStore {
	return &InMemoryInventoryStore{stock: make(map[string]int64), applied: make(map[string]bool)}
}

func (s *InMemoryInventoryStore) ApplyDelta(ctx context.Context, deltaID, productID string, delta int64, originDeviceID string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[deltaID] {
		return nil
	}
	s.applied[deltaID] = true
	s.stock[productID] += delta
	return nil
}

// Stock returns the current stock level for productID, for status/debug use.
func (s *InMemoryInventoryStore) Stock(productID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[productID]
}
