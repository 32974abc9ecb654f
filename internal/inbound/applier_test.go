package inbound

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"go.titansync.dev/sync/internal/protocol"
)

type fakeEntityStore struct {
	mu       sync.Mutex
	versions map[string]int64
	applied  []string // op log: "upsert:id", "delete:id", "patch:id"
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{versions: make(map[string]int64)}
}

func (f *fakeEntityStore) key(entityType, entityID string) string { return entityType + ":" + entityID }

func (f *fakeEntityStore) CurrentVersion(ctx context.Context, entityType, entityID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[f.key(entityType, entityID)]
	return v, ok, nil
}

func (f *fakeEntityStore) Upsert(ctx context.Context, entityType, entityID string, data []byte, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[f.key(entityType, entityID)] = version
	f.applied = append(f.applied, "upsert:"+entityID)
	return nil
}

func (f *fakeEntityStore) Delete(ctx context.Context, entityType, entityID string, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[f.key(entityType, entityID)] = version
	f.applied = append(f.applied, "delete:"+entityID)
	return nil
}

func (f *fakeEntityStore) Patch(ctx context.Context, entityType, entityID string, data []byte, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[f.key(entityType, entityID)] = version
	f.applied = append(f.applied, "patch:"+entityID)
	return nil
}

type fakeInventoryStore struct {
	mu     sync.Mutex
	seen   map[string]bool
	totals map[string]int64
}

func newFakeInventoryStore() *fakeInventoryStore {
	return &fakeInventoryStore{seen: make(map[string]bool), totals: make(map[string]int64)}
}

func (f *fakeInventoryStore) ApplyDelta(ctx context.Context, deltaID, productID string, delta int64, originDeviceID string, sequence int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[deltaID] {
		return nil // duplicate delta id is a no-op
	}
	f.seen[deltaID] = true
	f.totals[productID] += delta
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyEntityUpdateUpsertsNewerVersion(t *testing.T) {
	entities := newFakeEntityStore()
	applier := New(entities, newFakeInventoryStore(), testLogger())

	ack := applier.ApplyEntityUpdate(context.Background(), protocol.EntityUpdatePayload{
		EntityType: "Product", EntityID: "p1", Operation: protocol.OpUpsert, Data: `{}`, Version: 5,
	})

	if !ack.Success || ack.AppliedVersion != 5 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	v, _, _ := entities.CurrentVersion(context.Background(), "Product", "p1")
	if v != 5 {
		t.Errorf("stored version = %d, want 5", v)
	}
}

func TestApplyEntityUpdateSkipsStaleVersion(t *testing.T) {
	entities := newFakeEntityStore()
	applier := New(entities, newFakeInventoryStore(), testLogger())
	ctx := context.Background()

	applier.ApplyEntityUpdate(ctx, protocol.EntityUpdatePayload{
		EntityType: "Product", EntityID: "p1", Operation: protocol.OpUpsert, Data: `{}`, Version: 10,
	})
	ack := applier.ApplyEntityUpdate(ctx, protocol.EntityUpdatePayload{
		EntityType: "Product", EntityID: "p1", Operation: protocol.OpUpsert, Data: `{}`, Version: 3,
	})

	if !ack.Success || ack.AppliedVersion != 10 {
		t.Fatalf("expected skip-with-local-version ack, got %+v", ack)
	}
	if len(entities.applied) != 1 {
		t.Errorf("expected stale update to not be applied, applied log = %v", entities.applied)
	}
}

func TestApplyEntityUpdateEqualVersionSkips(t *testing.T) {
	entities := newFakeEntityStore()
	applier := New(entities, newFakeInventoryStore(), testLogger())
	ctx := context.Background()

	applier.ApplyEntityUpdate(ctx, protocol.EntityUpdatePayload{
		EntityType: "Product", EntityID: "p1", Operation: protocol.OpUpsert, Data: `{}`, Version: 7,
	})
	applier.ApplyEntityUpdate(ctx, protocol.EntityUpdatePayload{
		EntityType: "Product", EntityID: "p1", Operation: protocol.OpUpsert, Data: `{}`, Version: 7,
	})

	if len(entities.applied) != 1 {
		t.Errorf("conflict rule requires incoming.version > local.version; equal version must skip, got %v", entities.applied)
	}
}

func TestApplyEntityUpdateDeleteIsSoftDelete(t *testing.T) {
	entities := newFakeEntityStore()
	applier := New(entities, newFakeInventoryStore(), testLogger())

	ack := applier.ApplyEntityUpdate(context.Background(), protocol.EntityUpdatePayload{
		EntityType: "Product", EntityID: "p1", Operation: protocol.OpDelete, Version: 2,
	})
	if !ack.Success {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if len(entities.applied) != 1 || entities.applied[0] != "delete:p1" {
		t.Errorf("expected delete op applied, got %v", entities.applied)
	}
}

func TestApplyInventoryDeltaNeverSkippedByVersion(t *testing.T) {
	inv := newFakeInventoryStore()
	applier := New(newFakeEntityStore(), inv, testLogger())
	ctx := context.Background()

	applier.ApplyInventoryDelta(ctx, "dev-a", protocol.InventoryDeltaPayload{ID: "d1", ProductID: "p1", DeltaQuantity: -3})
	applier.ApplyInventoryDelta(ctx, "dev-b", protocol.InventoryDeltaPayload{ID: "d2", ProductID: "p1", DeltaQuantity: 1})

	if inv.totals["p1"] != -2 {
		t.Errorf("total = %d, want -2", inv.totals["p1"])
	}
}

func TestApplyInventoryDeltaDuplicateIDIsNoOp(t *testing.T) {
	inv := newFakeInventoryStore()
	applier := New(newFakeEntityStore(), inv, testLogger())
	ctx := context.Background()

	applier.ApplyInventoryDelta(ctx, "dev-a", protocol.InventoryDeltaPayload{ID: "d1", ProductID: "p1", DeltaQuantity: -3})
	applier.ApplyInventoryDelta(ctx, "dev-a", protocol.InventoryDeltaPayload{ID: "d1", ProductID: "p1", DeltaQuantity: -3})

	if inv.totals["p1"] != -3 {
		t.Errorf("duplicate delta id must be a no-op, total = %d, want -3", inv.totals["p1"])
	}
}
