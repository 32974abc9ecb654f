package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.titansync.dev/sync/internal/protocol"
)

// Sender delivers a message to the Hub; satisfied by *transport.Client.
type Sender interface {
	Send(msgType protocol.MessageType, payload any) error
}

// ConnChecker reports whether the Sender currently has a live connection.
type ConnChecker interface {
	Connected() bool
}

// Processor drains pending outbox entries to the Hub on a poll interval or
// explicit nudge (spec §4.7).
type Processor struct {
	repo     Repository
	sender   Sender
	conn     ConnChecker
	deviceID string

	pollInterval time.Duration
	batchSize    int
	maxRetry     int
	limiter      *rate.Limiter

	log *slog.Logger

	batchSeq atomic.Uint64
	nudge    chan struct{}
}

// Config configures a new Processor.
type Config struct {
	DeviceID         string
	PollInterval     time.Duration
	BatchSize        int
	MaxRetry         int
	UploadRatePerSec float64 // 0 disables pacing
}

// New builds a Processor.
func New(cfg Config, repo Repository, sender Sender, conn ConnChecker, log *slog.Logger) *Processor {
	var limiter *rate.Limiter
	if cfg.UploadRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadRatePerSec), cfg.BatchSize)
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = MaxRetry
	}
	return &Processor{
		repo:         repo,
		sender:       sender,
		conn:         conn,
		deviceID:     cfg.DeviceID,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		maxRetry:     maxRetry,
		limiter:      limiter,
		log:          log.With("component", "outbox-processor"),
		nudge:        make(chan struct{}, 1),
	}
}

// Name implements lifecycle.Service.
func (p *Processor) Name() string { return "outbox-processor" }

// Health implements lifecycle.Service.
func (p *Processor) Health() error { return nil }

// Nudge wakes the processor immediately after a local write, instead of
// waiting for the next poll tick.
func (p *Processor) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Start implements lifecycle.Service: runs the poll/nudge loop until ctx
// is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.wake(ctx)
		case <-p.nudge:
			p.wake(ctx)
		}
	}
}

// Stop implements lifecycle.Service.
func (p *Processor) Stop(ctx context.Context) error { return nil }

func (p *Processor) wake(ctx context.Context) {
	if !p.conn.Connected() {
		return
	}

	pending, err := p.repo.FetchPending(ctx, p.batchSize)
	if err != nil {
		p.log.Error("fetch pending", "err", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	processable := make([]*Entry, 0, len(pending))
	for _, e := range pending {
		if e.Processable(p.maxRetry) {
			processable = append(processable, e)
		} else {
			p.log.Warn("entry exceeded max retry, left pending", "id", e.ID, "attempts", e.Attempts)
		}
	}
	if len(processable) == 0 {
		return
	}

	if p.limiter != nil {
		if err := p.limiter.WaitN(ctx, len(processable)); err != nil {
			return
		}
	}

	wire := make([]protocol.OutboxEntryWire, 0, len(processable))
	ids := make([]string, 0, len(processable))
	for _, e := range processable {
		wire = append(wire, protocol.OutboxEntryWire{
			ID:         e.ID,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			PayloadRaw: e.PayloadJSON,
			Version:    e.Version,
		})
		ids = append(ids, e.ID)
	}

	batch := protocol.OutboxBatchPayload{
		DeviceID: p.deviceID,
		Entries:  wire,
		BatchSeq: p.batchSeq.Add(1),
	}
	// Record the attempt before transmitting: synced_at != nil must always
	// imply attempts >= 1 (spec §8), and the send below is fire-and-forget
	// from the processor's perspective (ack arrives later, asynchronously).
	if err := p.repo.MarkAttempted(ctx, ids, time.Now().UTC()); err != nil {
		p.log.Error("mark attempted", "err", err)
	}
	if err := p.sender.Send(protocol.TypeOutboxBatch, batch); err != nil {
		p.log.Warn("send outbox batch failed, will retry next wake", "err", err)
	}
}

// HandleBatchAck applies a BatchAck, marking acked entries synced and
// recording failures against the entries that failed (spec §4.7).
// Duplicate acked IDs are accepted as no-ops (idempotent re-send).
func (p *Processor) HandleBatchAck(ctx context.Context, ack protocol.BatchAckPayload) {
	if len(ack.AckedIDs) > 0 {
		if err := p.repo.MarkSynced(ctx, ack.AckedIDs, time.Now().UTC()); err != nil {
			p.log.Error("mark synced", "err", err)
		}
	}
	for _, f := range ack.FailedIDs {
		if err := p.repo.MarkFailed(ctx, f.ID, f.Error, time.Now().UTC()); err != nil {
			p.log.Error("mark failed", "id", f.ID, "err", err)
			continue
		}
		if !f.Retryable {
			p.log.Warn("non-retryable failure, left for operator inspection", "id", f.ID, "error", f.Error)
		}
	}
}

// Enqueue snapshots payload as the entry's immutable body and stores the
// entry via the repository, atomically with the caller's own business
// mutation if repo participates in the same transaction. version is the
// entity's sync_version at snapshot time (spec §3); it travels unchanged to
// the Hub so the version-gated upsert rule orders on the entity's own
// version rather than on upload arrival time.
func Enqueue(ctx context.Context, repo Repository, id, entityType, entityID string, version int64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return repo.Enqueue(ctx, &Entry{
		ID:          id,
		EntityType:  entityType,
		EntityID:    entityID,
		PayloadJSON: string(data),
		Version:     version,
		CreatedAt:   time.Now().UTC(),
	})
}
