package aggregator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.titansync.dev/sync/internal/config"
	"go.titansync.dev/sync/internal/protocol"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []protocol.InventoryUpdatePayload
}

func (f *fakeBroadcaster) Broadcast(msgType protocol.MessageType, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload.(protocol.InventoryUpdatePayload))
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestImmediateModeBroadcastsEachDelta(t *testing.T) {
	fb := &fakeBroadcaster{}
	agg := New(config.BroadcastImmediate, 50*time.Millisecond, fb, func() uint64 { return 7 }, testLogger())

	agg.Ingest("dev-a", protocol.InventoryDeltaPayload{ProductID: "p1", SKU: "sku-1", DeltaQuantity: -1})
	agg.Ingest("dev-a", protocol.InventoryDeltaPayload{ProductID: "p1", SKU: "sku-1", DeltaQuantity: -2})

	if fb.count() != 2 {
		t.Fatalf("expected 2 immediate broadcasts, got %d", fb.count())
	}
	if fb.sent[0].Term != 7 {
		t.Errorf("term = %d, want 7", fb.sent[0].Term)
	}
}

func TestCoalescedModeSumsWithinWindow(t *testing.T) {
	fb := &fakeBroadcaster{}
	agg := New(config.BroadcastCoalesced, 30*time.Millisecond, fb, func() uint64 { return 7 }, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Start(ctx)

	agg.Ingest("dev-a", protocol.InventoryDeltaPayload{ProductID: "p1", SKU: "sku-1", DeltaQuantity: -3})
	agg.Ingest("dev-b", protocol.InventoryDeltaPayload{ProductID: "p1", SKU: "sku-1", DeltaQuantity: 1})

	time.Sleep(100 * time.Millisecond)

	if fb.count() != 1 {
		t.Fatalf("expected exactly 1 coalesced broadcast, got %d", fb.count())
	}
	if fb.sent[0].DeltaQuantity != -2 {
		t.Errorf("summed delta = %d, want -2", fb.sent[0].DeltaQuantity)
	}
}

func TestCoalescedModeDropsZeroSum(t *testing.T) {
	fb := &fakeBroadcaster{}
	agg := New(config.BroadcastCoalesced, 30*time.Millisecond, fb, func() uint64 { return 7 }, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Start(ctx)

	agg.Ingest("dev-a", protocol.InventoryDeltaPayload{ProductID: "p1", SKU: "sku-1", DeltaQuantity: 5})
	agg.Ingest("dev-a", protocol.InventoryDeltaPayload{ProductID: "p1", SKU: "sku-1", DeltaQuantity: -5})

	time.Sleep(100 * time.Millisecond)

	if fb.count() != 0 {
		t.Fatalf("expected zero-sum entry to be dropped, got %d broadcasts", fb.count())
	}
}

func TestForceFlushOnOverrun(t *testing.T) {
	fb := &fakeBroadcaster{}
	// window long enough that only the force-flush path should fire
	agg := New(config.BroadcastCoalesced, 10*time.Second, fb, func() uint64 { return 7 }, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Start(ctx)

	for i := 0; i < forceFlushSize+1; i++ {
		agg.Ingest("dev-a", protocol.InventoryDeltaPayload{
			ProductID:     string(rune('a' + (i % 26))) + string(rune(i)),
			SKU:           "sku",
			DeltaQuantity: 1,
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fb.count() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected force-flush to fire before the window ticker")
}
