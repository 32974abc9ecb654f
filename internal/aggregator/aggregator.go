// Package aggregator implements the Inventory Aggregator (spec §4.6):
// it receives InventoryDelta messages from connected SECONDARY devices and
// decides how to rebroadcast them as InventoryUpdate.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.titansync.dev/sync/internal/config"
	"go.titansync.dev/sync/internal/protocol"
)

// forceFlushSize is the safety bound on pending coalesced entries (spec §4.6).
const forceFlushSize = 1000

type entry struct {
	sku            string
	summedDelta    int64
	sourceDeviceID string
	firstSeen      time.Time
	lastSeen       time.Time
}

// Broadcaster delivers a built InventoryUpdate to every connected client.
type Broadcaster interface {
	Broadcast(msgType protocol.MessageType, payload any)
}

// Aggregator coalesces inventory deltas within a window, or rebroadcasts
// them immediately, depending on configuration.
type Aggregator struct {
	mode        config.BroadcastMode
	window      time.Duration
	broadcaster Broadcaster
	term        func() uint64
	log         *slog.Logger

	mu      sync.Mutex
	pending map[string]*entry

	nudge chan struct{}
}

// New builds an Aggregator. term is invoked fresh for every InventoryUpdate
// so a broadcast always carries the Hub's live election term (spec §4.4,
// §8 fencing).
func New(mode config.BroadcastMode, window time.Duration, broadcaster Broadcaster, term func() uint64, log *slog.Logger) *Aggregator {
	return &Aggregator{
		mode:        mode,
		window:      window,
		broadcaster: broadcaster,
		term:        term,
		log:         log.With("component", "aggregator"),
		pending:     make(map[string]*entry),
		nudge:       make(chan struct{}, 1),
	}
}

// Name implements lifecycle.Service.
func (a *Aggregator) Name() string { return "aggregator" }

// Health implements lifecycle.Service.
func (a *Aggregator) Health() error { return nil }

// Start implements lifecycle.Service: runs the coalesce-window ticker.
// In Immediate mode there is nothing to tick; Start just blocks on ctx.
func (a *Aggregator) Start(ctx context.Context) error {
	if a.mode == config.BroadcastImmediate {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(a.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.flush()
		case <-a.nudge:
			a.flush()
		}
	}
}

// Stop implements lifecycle.Service.
func (a *Aggregator) Stop(ctx context.Context) error { return nil }

// Ingest records one InventoryDelta received from sourceDeviceID.
func (a *Aggregator) Ingest(sourceDeviceID string, delta protocol.InventoryDeltaPayload) {
	if a.mode == config.BroadcastImmediate {
		a.broadcaster.Broadcast(protocol.TypeInventoryUpd, protocol.InventoryUpdatePayload{
			ProductID:      delta.ProductID,
			SKU:            delta.SKU,
			DeltaQuantity:  delta.DeltaQuantity,
			SourceDeviceID: sourceDeviceID,
			Timestamp:      delta.Timestamp,
			Term:           a.term(),
		})
		return
	}

	a.mu.Lock()
	e, ok := a.pending[delta.ProductID]
	if !ok {
		e = &entry{sku: delta.SKU, firstSeen: delta.Timestamp}
		a.pending[delta.ProductID] = e
	}
	e.summedDelta += delta.DeltaQuantity
	e.sourceDeviceID = sourceDeviceID
	e.lastSeen = delta.Timestamp
	overrun := len(a.pending) > forceFlushSize
	a.mu.Unlock()

	if overrun {
		select {
		case a.nudge <- struct{}{}:
		default:
		}
	}
}

// flush drains the coalesced map, emitting one InventoryUpdate per
// nonzero-sum entry.
func (a *Aggregator) flush() {
	a.mu.Lock()
	drained := a.pending
	a.pending = make(map[string]*entry)
	a.mu.Unlock()

	for productID, e := range drained {
		if e.summedDelta == 0 {
			continue
		}
		a.broadcaster.Broadcast(protocol.TypeInventoryUpd, protocol.InventoryUpdatePayload{
			ProductID:      productID,
			SKU:            e.sku,
			DeltaQuantity:  e.summedDelta,
			SourceDeviceID: e.sourceDeviceID,
			Timestamp:      e.lastSeen,
			Term:           a.term(),
		})
	}
}
