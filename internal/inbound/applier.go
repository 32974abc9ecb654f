// Package inbound implements the Inbound Applier (spec §4.8): it consumes
// EntityUpdate and InventoryDelta messages and mutates the local database,
// enforcing the version-gated upsert rule everywhere except inventory.
package inbound

import (
	"context"
	"log/slog"

	"go.titansync.dev/sync/internal/protocol"
	"go.titansync.dev/sync/internal/syncerr"
)

// EntityStore persists versioned entities. Implementations back Product,
// TaxRate, Category, and User with the same upsert-by-version semantics.
type EntityStore interface {
	// CurrentVersion returns the locally stored version for entityID, or
	// (0, false) if no row exists yet.
	CurrentVersion(ctx context.Context, entityType, entityID string) (int64, bool, error)

	// Upsert replaces the row with data and sets its version.
	Upsert(ctx context.Context, entityType, entityID string, data []byte, version int64) error

	// Delete soft-deletes the row (is_active=false) and sets its version.
	Delete(ctx context.Context, entityType, entityID string, version int64) error

	// Patch applies named field updates then bumps the row's version.
	Patch(ctx context.Context, entityType, entityID string, data []byte, version int64) error
}

// InventoryStore applies additive stock deltas, guarded by delta-ID
// uniqueness rather than by version (spec §3, §4.8).
type InventoryStore interface {
	// ApplyDelta increments current_stock and appends to the delta-audit
	// table. It must be a no-op (not an error) when deltaID has already
	// been applied.
	ApplyDelta(ctx context.Context, deltaID, productID string, delta int64, originDeviceID string, sequence int64) error
}

// Applier dispatches inbound messages to the appropriate store.
type Applier struct {
	entities  EntityStore
	inventory InventoryStore
	log       *slog.Logger

	deltaSeq int64
}

// New builds an Applier.
func New(entities EntityStore, inventory InventoryStore, log *slog.Logger) *Applier {
	return &Applier{entities: entities, inventory: inventory, log: log.With("component", "inbound-applier")}
}

// ApplyEntityUpdate applies one EntityUpdate per the upsert-by-version rule
// (Product/TaxRate/Category/User share it) and returns the ack to send back.
func (a *Applier) ApplyEntityUpdate(ctx context.Context, u protocol.EntityUpdatePayload) protocol.UpdateAckPayload {
	localVersion, exists, err := a.entities.CurrentVersion(ctx, u.EntityType, u.EntityID)
	if err != nil {
		a.log.Error("read current version", "entity_type", u.EntityType, "entity_id", u.EntityID, "err", err)
		return protocol.UpdateAckPayload{EntityID: u.EntityID, Success: false, Error: err.Error(), Retryable: true}
	}

	if exists && localVersion >= u.Version {
		return protocol.UpdateAckPayload{EntityID: u.EntityID, Success: true, AppliedVersion: localVersion}
	}

	var applyErr error
	switch u.Operation {
	case protocol.OpUpsert:
		applyErr = a.entities.Upsert(ctx, u.EntityType, u.EntityID, []byte(u.Data), u.Version)
	case protocol.OpDelete:
		applyErr = a.entities.Delete(ctx, u.EntityType, u.EntityID, u.Version)
	case protocol.OpPatch:
		applyErr = a.entities.Patch(ctx, u.EntityType, u.EntityID, []byte(u.Data), u.Version)
	default:
		applyErr = syncerr.New(syncerr.KindProtocol, "unknown entity operation: "+string(u.Operation))
	}

	if applyErr != nil {
		a.log.Error("apply entity update", "entity_type", u.EntityType, "entity_id", u.EntityID, "err", applyErr)
		retryable := true
		if se, ok := applyErr.(*syncerr.Error); ok && se.Kind == syncerr.KindProtocol {
			retryable = false
		}
		return protocol.UpdateAckPayload{
			EntityID: u.EntityID, Success: false, Error: applyErr.Error(), Retryable: retryable,
		}
	}
	return protocol.UpdateAckPayload{EntityID: u.EntityID, Success: true, AppliedVersion: u.Version}
}

// ApplyInventoryDelta applies a stock delta unconditionally (never skipped
// by version; idempotence comes from the delta ID's uniqueness).
func (a *Applier) ApplyInventoryDelta(ctx context.Context, originDeviceID string, d protocol.InventoryDeltaPayload) protocol.UpdateAckPayload {
	a.deltaSeq++
	if err := a.inventory.ApplyDelta(ctx, d.ID, d.ProductID, d.DeltaQuantity, originDeviceID, a.deltaSeq); err != nil {
		a.log.Error("apply inventory delta", "product_id", d.ProductID, "err", err)
		return protocol.UpdateAckPayload{EntityID: d.ProductID, Success: false, Error: err.Error(), Retryable: true}
	}
	return protocol.UpdateAckPayload{EntityID: d.ProductID, Success: true}
}
