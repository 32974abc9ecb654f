package clouduplink

import (
	"context"
	"sync"
)

// InMemoryCursorStore is a CursorStore backed by a process-local variable,
// used in tests and single-process dev mode (mirrors outbox.InMemoryRepository).
type InMemoryCursorStore struct {
	mu     sync.Mutex
	cursor int64
}

func (s *InMemoryCursorStore) LoadCursor(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *InMemoryCursorStore) SaveCursor(ctx context.Context, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	return nil
}
