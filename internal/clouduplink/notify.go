package clouduplink

import (
	"context"
	"log/slog"

	"go.titansync.dev/sync/internal/queue"
	natsq "go.titansync.dev/sync/internal/queue/nats"
)

// NotifyListener drives immediate download cycles off cloud-pushed
// CatalogNotification messages on NATS JetStream, used in place of the
// downloadLoop ticker when cfg.Cloud.DownloadTransport == "nats" (spec
// §4.10): the cloud publishes to subject catalog.<store_id> of the
// TITAN_CATALOG stream as soon as a
// catalog/config change is ready, so devices don't wait out the poll
// interval to see it.
type NotifyListener struct {
	consumer *natsq.Consumer
	uplink   *Uplink
	log      *slog.Logger
}

// NewNotifyListener builds a listener bound to consumer and uplink.
func NewNotifyListener(consumer *natsq.Consumer, uplink *Uplink, log *slog.Logger) *NotifyListener {
	return &NotifyListener{consumer: consumer, uplink: uplink, log: log.With("component", "cloud-uplink-notify")}
}

// Run consumes notifications until ctx is cancelled, triggering a download
// cycle for each one. A failed download cycle Naks the message so the
// broker redelivers it; the poll-free path otherwise relies entirely on
// these pushes, so a dropped notification must be retried rather than lost.
func (n *NotifyListener) Run(ctx context.Context) error {
	return n.consumer.Consume(ctx, func(msg queue.Message) error {
		notif, err := natsq.DecodeCatalogNotification(msg.Data())
		if err != nil {
			n.log.Warn("decode catalog notification", "err", err)
			return msg.Ack()
		}
		n.log.Debug("catalog notification received", "entity_type", notif.EntityType, "cursor", notif.Cursor)
		if err := n.uplink.downloadOnce(ctx); err != nil {
			n.log.Warn("notify-triggered download failed", "err", err)
			return msg.Nak()
		}
		return msg.Ack()
	})
}
