// Package clouduplink runs the PRIMARY-only Cloud Uplink (spec §4.10): it
// drains the outbox's cloud-owned entries to the cloud's Sync service and
// polls the cloud for catalog updates, applying them through the Inbound
// Applier as if they had arrived from a peer device.
package clouduplink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"go.titansync.dev/sync/internal/cloudauth"
	"go.titansync.dev/sync/internal/cloudproto"
	"go.titansync.dev/sync/internal/outbox"
	"go.titansync.dev/sync/internal/protocol"
	"go.titansync.dev/sync/internal/syncerr"
)

// cloudOwnedTypes are the entity types the Cloud Uplink forwards; catalog
// entities (Product, TaxRate, ...) sync peer-to-peer only and never touch
// the cloud directly (spec §4.10).
var cloudOwnedTypes = map[string]bool{
	"Sale":           true,
	"SaleItem":       true,
	"Payment":        true,
	"InventoryDelta": true,
}

// CursorStore persists the download cursor across restarts.
type CursorStore interface {
	LoadCursor(ctx context.Context) (int64, error)
	SaveCursor(ctx context.Context, cursor int64) error
}

// Applier applies a cloud-pushed catalog update locally.
type Applier interface {
	ApplyEntityUpdate(ctx context.Context, u protocol.EntityUpdatePayload) protocol.UpdateAckPayload
}

// Uplink orchestrates the upload and download loops against the cloud.
type Uplink struct {
	client  *cloudproto.Client
	auth    *cloudauth.Manager
	repo    outbox.Repository
	cursors CursorStore
	applier Applier

	storeID           string
	deviceID          string
	batchSize         int
	uploadInterval    time.Duration
	downloadInterval  time.Duration
	downloadTransport string

	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// Config controls uplink batch size and poll cadence.
type Config struct {
	StoreID          string
	DeviceID         string
	BatchSize        int
	UploadInterval   time.Duration
	DownloadInterval time.Duration

	// DownloadTransport is "poll" (default, the downloadLoop ticker drives
	// downloadOnce) or "nats" (a NotifyListener drives downloadOnce off
	// cloud-pushed CatalogNotification messages and the ticker is disabled).
	DownloadTransport string
}

// New builds an Uplink. The circuit breaker trips after 5 consecutive
// request failures and probes again after 30s, mirroring the teacher's
// outbound-HTTP breaker defaults.
func New(client *cloudproto.Client, auth *cloudauth.Manager, repo outbox.Repository, cursors CursorStore, applier Applier, cfg Config, log *slog.Logger) *Uplink {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloud-uplink",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	downloadTransport := cfg.DownloadTransport
	if downloadTransport == "" {
		downloadTransport = "poll"
	}
	return &Uplink{
		client: client, auth: auth, repo: repo, cursors: cursors, applier: applier,
		storeID: cfg.StoreID, deviceID: cfg.DeviceID, batchSize: cfg.BatchSize,
		uploadInterval: cfg.UploadInterval, downloadInterval: cfg.DownloadInterval,
		downloadTransport: downloadTransport,
		breaker:           breaker, log: log.With("component", "cloud-uplink"),
	}
}

func (u *Uplink) Name() string { return "cloud-uplink" }

func (u *Uplink) Health() error {
	if u.breaker.State() == gobreaker.StateOpen {
		return errors.New("cloud-uplink: circuit open")
	}
	return nil
}

// Start runs the upload loop and, when using the default poll transport,
// the download loop, until ctx is cancelled. When downloadTransport is
// "nats" the caller drives downloads by wiring a NotifyListener instead,
// and Start only blocks on the upload loop.
func (u *Uplink) Start(ctx context.Context) error {
	if u.downloadTransport == "nats" {
		u.uploadLoop(ctx)
		return nil
	}
	go u.uploadLoop(ctx)
	u.downloadLoop(ctx)
	return nil
}

func (u *Uplink) Stop(ctx context.Context) error { return nil }

func (u *Uplink) uploadLoop(ctx context.Context) {
	ticker := time.NewTicker(u.uploadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.uploadOnce(ctx); err != nil {
				u.log.Warn("upload cycle failed", "err", err)
			}
		}
	}
}

func (u *Uplink) downloadLoop(ctx context.Context) {
	ticker := time.NewTicker(u.downloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.downloadOnce(ctx); err != nil {
				u.log.Warn("download cycle failed", "err", err)
			}
		}
	}
}

// uploadOnce drains one batch of cloud-owned outbox entries.
func (u *Uplink) uploadOnce(ctx context.Context) error {
	pending, err := u.repo.FetchPending(ctx, u.batchSize*4) // over-fetch, filter locally
	if err != nil {
		return err
	}

	batch := make([]*outbox.Entry, 0, u.batchSize)
	for _, e := range pending {
		if !cloudOwnedTypes[e.EntityType] || !e.Processable(outbox.MaxRetry) {
			continue
		}
		batch = append(batch, e)
		if len(batch) == u.batchSize {
			break
		}
	}
	if len(batch) == 0 {
		return nil
	}

	entities := make([]cloudproto.CloudEntity, len(batch))
	ids := make([]string, len(batch))
	for i, e := range batch {
		entities[i] = cloudproto.CloudEntity{ID: e.ID, EntityType: e.EntityType, EntityID: e.EntityID, PayloadJSON: e.PayloadJSON}
		ids[i] = e.ID
	}

	// synced_at != nil must always imply attempts >= 1 (spec §8); record the
	// attempt before transmitting, same as the Hub-bound outbox.Processor.
	if err := u.repo.MarkAttempted(ctx, ids, time.Now()); err != nil {
		u.log.Error("mark attempted", "err", err)
	}

	resp, err := callWithReauth(u, ctx, func(ctx context.Context) (*cloudproto.UploadResponse, error) {
		return u.client.Upload(ctx, cloudproto.UploadRequest{StoreID: u.storeID, DeviceID: u.deviceID, Entities: entities})
	})
	if err != nil {
		return err
	}

	now := time.Now()
	var syncedIDs []string
	for _, r := range resp.Results {
		if r.Success {
			syncedIDs = append(syncedIDs, r.ID)
			continue
		}
		if err := u.repo.MarkFailed(ctx, r.ID, r.Error, now); err != nil {
			u.log.Error("mark failed", "id", r.ID, "err", err)
		}
	}
	if len(syncedIDs) > 0 {
		if err := u.repo.MarkSynced(ctx, syncedIDs, now); err != nil {
			return err
		}
	}
	u.log.Debug("upload cycle complete", "sent", len(batch), "synced", len(syncedIDs))
	return nil
}

// downloadOnce pulls catalog changes since the last cursor and applies them
// through the Inbound Applier, exactly as if they arrived from a peer.
func (u *Uplink) downloadOnce(ctx context.Context) error {
	cursor, err := u.cursors.LoadCursor(ctx)
	if err != nil {
		return err
	}

	resp, err := callWithReauth(u, ctx, func(ctx context.Context) (*cloudproto.DownloadResponse, error) {
		return u.client.Download(ctx, cloudproto.DownloadRequest{StoreID: u.storeID, Cursor: cursor, Limit: u.batchSize})
	})
	if err != nil {
		return err
	}

	for _, update := range resp.Updates {
		ack := u.applier.ApplyEntityUpdate(ctx, protocol.EntityUpdatePayload{
			EntityType: update.EntityType,
			EntityID:   update.EntityID,
			Operation:  protocol.EntityOperation(update.Operation),
			Data:       update.Data,
			Version:    update.Version,
		})
		if !ack.Success {
			u.log.Error("apply cloud update", "entity_id", update.EntityID, "err", ack.Error)
		}
	}

	if resp.NewCursor != cursor {
		return u.cursors.SaveCursor(ctx, resp.NewCursor)
	}
	return nil
}

// callWithReauth runs fn through the circuit breaker, retrying once after
// invalidating the cached access token if the cloud reports UNAUTHENTICATED.
func callWithReauth[T any](u *Uplink, ctx context.Context, fn func(ctx context.Context) (*T, error)) (*T, error) {
	attempt := func() (*T, error) {
		token, err := u.auth.AccessToken(ctx)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.KindTransport, "acquire cloud access token", err)
		}
		authedCtx := withBearerToken(ctx, token)
		v, err := u.breaker.Execute(func() (any, error) { return fn(authedCtx) })
		if err != nil {
			return nil, err
		}
		return v.(*T), nil
	}

	resp, err := attempt()
	if err != nil && isUnauthenticated(err) {
		u.auth.InvalidateCurrent()
		resp, err = attempt()
	}
	return resp, err
}

// withBearerToken attaches the access token as gRPC request metadata.
func withBearerToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// isUnauthenticated reports whether err is a gRPC UNAUTHENTICATED status,
// the signal that the access token was rejected and a re-auth is needed.
func isUnauthenticated(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unauthenticated
}
