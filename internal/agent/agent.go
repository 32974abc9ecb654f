// Package agent wires every sync-engine component into the single
// supervised process that runs on a store device (spec §4.9): protocol
// transport, discovery, election, the Hub server, the inventory
// aggregator, the outbox processor, the inbound applier, and the optional
// cloud uplink. It implements the startup sequence and the role
// transitions between PRIMARY and SECONDARY.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.titansync.dev/sync/internal/aggregator"
	"go.titansync.dev/sync/internal/cloudauth"
	"go.titansync.dev/sync/internal/cloudproto"
	"go.titansync.dev/sync/internal/clouduplink"
	"go.titansync.dev/sync/internal/common/secrets"
	"go.titansync.dev/sync/internal/config"
	"go.titansync.dev/sync/internal/discovery"
	"go.titansync.dev/sync/internal/election"
	"go.titansync.dev/sync/internal/hub"
	"go.titansync.dev/sync/internal/inbound"
	"go.titansync.dev/sync/internal/outbox"
	"go.titansync.dev/sync/internal/protocol"
	"go.titansync.dev/sync/internal/queue"
	natsq "go.titansync.dev/sync/internal/queue/nats"
	"go.titansync.dev/sync/internal/transport"
)

// Deps are the storage-layer collaborators the agent does not own; the
// sync engine itself is storage-agnostic (spec Non-goals).
type Deps struct {
	OutboxRepo   outbox.Repository
	Entities     inbound.EntityStore
	Inventory    inbound.InventoryStore
	Secrets      secrets.Provider
	CloudCursors clouduplink.CursorStore
}

// Agent is the top-level supervised process for one device.
type Agent struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	applier  *inbound.Applier
	election *election.Service

	mu               sync.Mutex
	roleCancel       context.CancelFunc
	roleDone         chan struct{}
	currentHub       *hub.Server
	currentTransport *transport.Client
	currentUplink    *clouduplink.Uplink
}

// Status is a snapshot of the agent's current role and connectivity, served
// by the local status/health HTTP surface (spec §4.9).
type Status struct {
	Role             string `json:"role"`
	Term             uint64 `json:"term"`
	ConnectedClients int    `json:"connectedClients,omitempty"`
	TransportState   string `json:"transportState,omitempty"`
	CloudEnabled     bool   `json:"cloudEnabled"`
	CloudHealthy     bool   `json:"cloudHealthy,omitempty"`
}

// Status returns a snapshot of the agent's current role and connectivity.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{Role: "offline", CloudEnabled: a.cfg.Cloud.Enabled}
	if a.election != nil {
		st.Term = a.election.Term()
		if a.election.Role() == election.RolePrimary {
			st.Role = "primary"
		} else {
			st.Role = "secondary"
		}
	}
	if a.currentHub != nil {
		st.ConnectedClients = a.currentHub.ConnectedCount()
	}
	if a.currentTransport != nil {
		st.TransportState = a.currentTransport.State().String()
	}
	if a.currentUplink != nil {
		st.CloudHealthy = a.currentUplink.Health() == nil
	}
	return st
}

// HubRunning reports whether this device currently runs the PRIMARY hub.
func (a *Agent) HubRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentHub != nil
}

// ConnectedClients returns the PRIMARY hub's connected SECONDARY count, or 0
// when this device is not PRIMARY.
func (a *Agent) ConnectedClients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentHub == nil {
		return 0
	}
	return a.currentHub.ConnectedCount()
}

// TransportState returns the SECONDARY transport's connection state string,
// or "" when this device is not SECONDARY.
func (a *Agent) TransportState() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentTransport == nil {
		return ""
	}
	return a.currentTransport.State().String()
}

// TransportConnected reports whether the SECONDARY transport is currently
// connected to its PRIMARY.
func (a *Agent) TransportConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTransport != nil && a.currentTransport.State() == transport.StateConnected
}

// OutboxPending returns the number of outbox entries still awaiting
// delivery, via the shared repository (valid in both roles).
func (a *Agent) OutboxPending(ctx context.Context) int {
	entries, err := a.deps.OutboxRepo.FetchPending(ctx, 1<<20)
	if err != nil {
		return 0
	}
	return len(entries)
}

// OutboxExhausted returns the number of outbox entries that exhausted their
// retry budget and require operator attention.
func (a *Agent) OutboxExhausted(ctx context.Context) int {
	entries, err := a.deps.OutboxRepo.FetchPending(ctx, 1<<20)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.Processable(outbox.MaxRetry) {
			n++
		}
	}
	return n
}

// CloudHealth reports the cloud uplink's circuit breaker health, or nil when
// the uplink is disabled or not currently running (e.g. this device is
// SECONDARY).
func (a *Agent) CloudHealth() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentUplink == nil {
		return nil
	}
	return a.currentUplink.Health()
}

// New builds an Agent. Run starts the sync engine; it blocks until ctx is
// cancelled.
func New(cfg *config.Config, deps Deps, log *slog.Logger) *Agent {
	return &Agent{cfg: cfg, deps: deps, log: log.With("component", "agent")}
}

// Run executes the spec §4.9 startup sequence and blocks until ctx is
// cancelled, tearing down whichever role (PRIMARY/SECONDARY) is active.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Sync.Mode == config.ModeOffline {
		a.log.Info("sync mode OFFLINE, sync engine disabled")
		<-ctx.Done()
		return nil
	}

	a.applier = inbound.New(a.deps.Entities, a.deps.Inventory, a.log)
	a.election = election.New(a.cfg.Device.ID, a.cfg.Device.Priority, a.cfg.Sync.Mode, a.log, election.Callbacks{
		OnBecomePrimary:   func(term uint64) { a.transition(ctx, a.runPrimary, term) },
		OnBecomeSecondary: func(term uint64) { a.transition(ctx, a.runSecondary, term) },
	})
	if a.cfg.Election.SharedStateBackend == "redis" {
		if pub, err := election.NewRedisPublisher(a.cfg.Election.RedisURL, a.cfg.Store.ID); err != nil {
			a.log.Warn("shared election state disabled: redis connect failed", "err", err)
		} else {
			a.election.WithSharedState(pub)
			defer func() {
				relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := pub.Release(relCtx, a.cfg.Device.ID, a.election.Term()); err != nil {
					a.log.Warn("release shared election state failed", "err", err)
				}
				pub.Close()
			}()
		}
	}

	switch a.cfg.Sync.Mode {
	case config.ModePrimary:
		a.election.RunForcedPrimary()
	case config.ModeSecondary:
		a.transition(ctx, a.runSecondary, 0)
	case config.ModeAuto:
		a.bootstrapAuto(ctx)
	}

	<-ctx.Done()
	a.stopCurrentRole()
	return nil
}

// bootstrapAuto resolves the initial role for an AUTO device: join an
// existing Hub found via discovery unless the challenge rule says to
// contest it, otherwise run the election cold (spec §4.3, §4.4).
func (a *Agent) bootstrapAuto(ctx context.Context) {
	found, err := a.discoverHub(ctx)
	if err != nil {
		a.log.Warn("discovery failed, falling back to election", "err", err)
		go a.election.RunElection(ctx)
		return
	}
	if found == nil {
		a.log.Info("no hub discovered, starting election")
		go a.election.RunElection(ctx)
		return
	}

	candidate := election.Candidate{DeviceID: found.DeviceID, Priority: found.Priority}
	if a.election.ShouldChallenge(candidate) {
		a.log.Info("discovered lower-priority hub, challenging", "hub_device_id", found.DeviceID)
		a.election.ObserveElectionResult(found.ElectionTerm)
		go a.election.RunElection(ctx)
		return
	}

	a.log.Info("joining discovered hub", "hub_device_id", found.DeviceID, "term", found.ElectionTerm)
	a.election.ObserveElectionResult(found.ElectionTerm)
	a.transition(ctx, a.runSecondary, found.ElectionTerm)
}

// discoverHub runs the configured discovery strategy/strategies and
// returns the highest-priority hub found (nil if none responded).
func (a *Agent) discoverHub(ctx context.Context) (*discovery.Announce, error) {
	timeout := time.Duration(a.cfg.Discovery.TimeoutSecs) * time.Second
	var candidates []discovery.Announce

	if a.cfg.Discovery.Strategy == config.DiscoveryUDP || a.cfg.Discovery.Strategy == config.DiscoveryBoth {
		found, err := discovery.Scan(a.cfg.Discovery.UDPPort, timeout, a.cfg.Store.ID, a.cfg.Device.ID)
		if err != nil {
			a.log.Warn("udp discovery scan failed", "err", err)
		}
		candidates = append(candidates, found...)
	}
	if a.cfg.Discovery.Strategy == config.DiscoveryMDNS || a.cfg.Discovery.Strategy == config.DiscoveryBoth {
		found, err := discovery.Browse(a.cfg.Store.ID, a.cfg.Device.ID, timeout)
		if err != nil {
			a.log.Warn("mdns discovery browse failed", "err", err)
		}
		candidates = append(candidates, found...)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	// The UDP and mDNS lists are each sorted; pick the best across both
	// with the same order (higher priority, then lower device ID).
	best := 0
	for i := 1; i < len(candidates); i++ {
		c, b := candidates[i], candidates[best]
		if c.Priority > b.Priority || (c.Priority == b.Priority && c.DeviceID < b.DeviceID) {
			best = i
		}
	}
	return &candidates[best], nil
}

// transition tears down the currently active role (if any) and starts a
// new one in its own cancellable sub-context, run in a goroutine.
func (a *Agent) transition(ctx context.Context, run func(ctx context.Context, term uint64), term uint64) {
	a.stopCurrentRole()

	roleCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	a.mu.Lock()
	a.roleCancel = cancel
	a.roleDone = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		run(roleCtx, term)
	}()
}

func (a *Agent) stopCurrentRole() {
	a.mu.Lock()
	cancel, done := a.roleCancel, a.roleDone
	a.roleCancel, a.roleDone = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// runPrimary starts the Hub server, discovery responder, inventory
// aggregator, and (if enabled) the cloud uplink. Blocks until ctx is
// cancelled.
func (a *Agent) runPrimary(ctx context.Context, term uint64) {
	a.log.Info("role -> PRIMARY", "term", term)

	identity := hub.Identity{DeviceID: a.cfg.Device.ID, StoreID: a.cfg.Store.ID}
	hubServer := hub.New(identity, a.election.Term, a.log)

	a.mu.Lock()
	a.currentHub = hubServer
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.currentHub = nil
		a.currentUplink = nil
		a.mu.Unlock()
	}()

	coalesceWindow := time.Duration(a.cfg.Hub.CoalesceWindowMs) * time.Millisecond
	agg := aggregator.New(a.cfg.Hub.BroadcastMode, coalesceWindow, hubServer, a.election.Term, a.log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", a.cfg.Hub.BindAddr, a.cfg.Hub.Port)
		if err := hubServer.Run(ctx, addr); err != nil && ctx.Err() == nil {
			a.log.Error("hub server exited", "err", err)
		}
	}()

	responder := discovery.NewResponder(a.log, a.cfg.Discovery.UDPPort, time.Duration(a.cfg.Hub.HeartbeatIntervalSecs)*time.Second, func() discovery.Announce {
		return discovery.Announce{
			WSPort: uint16(a.cfg.Hub.Port), ElectionTerm: a.election.Term(), Priority: a.cfg.Device.Priority,
			DeviceID: a.cfg.Device.ID, DeviceName: a.cfg.Device.Name, StoreID: a.cfg.Store.ID,
		}
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := responder.Start(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("discovery responder exited", "err", err)
		}
	}()

	var mdnsAd *discovery.MDNSAdvertiser
	if a.cfg.Discovery.Strategy == config.DiscoveryMDNS || a.cfg.Discovery.Strategy == config.DiscoveryBoth {
		ad, err := discovery.Advertise(a.log, a.cfg.Device.ID, a.cfg.Store.ID, a.cfg.Hub.Port, a.cfg.Device.Priority, a.election.Term())
		if err != nil {
			a.log.Warn("mdns advertise failed", "err", err)
		} else {
			mdnsAd = ad
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := agg.Start(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("aggregator exited", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx, hubServer)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.primaryInboundLoop(ctx, hubServer, agg)
	}()

	if a.cfg.Cloud.Enabled {
		uplink, closeConn, err := a.buildUplink()
		if err != nil {
			a.log.Error("cloud uplink disabled: setup failed", "err", err)
		} else {
			a.mu.Lock()
			a.currentUplink = uplink
			a.mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer closeConn()
				if err := uplink.Start(ctx); err != nil && ctx.Err() == nil {
					a.log.Error("cloud uplink exited", "err", err)
				}
			}()

			if a.cfg.Cloud.DownloadTransport == "nats" {
				if listener, closeNATS, err := a.buildNotifyListener(uplink); err != nil {
					a.log.Error("cloud uplink nats notify transport disabled: setup failed", "err", err)
				} else {
					wg.Add(1)
					go func() {
						defer wg.Done()
						defer closeNATS()
						if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
							a.log.Error("cloud uplink notify listener exited", "err", err)
						}
					}()
				}
			}
		}
	}

	wg.Wait()
	if mdnsAd != nil {
		mdnsAd.Shutdown()
	}
}

// heartbeatLoop broadcasts Heartbeat at the configured interval, the
// liveness+fencing signal every connected SECONDARY relies on.
func (a *Agent) heartbeatLoop(ctx context.Context, hubServer *hub.Server) {
	interval := time.Duration(a.cfg.Hub.HeartbeatIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hubServer.Broadcast(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
				DeviceID: a.cfg.Device.ID, Term: a.election.Term(),
			})
		}
	}
}

// primaryInboundLoop handles inbound messages from connected SECONDARY
// devices: OutboxBatch entries are applied and acked with a BatchAck to the
// sender, InventoryDelta is applied and fed to the aggregator without an ack,
// and Ping is answered with a Pong. UpdateAck is ignored.
func (a *Agent) primaryInboundLoop(ctx context.Context, hubServer *hub.Server, agg *aggregator.Aggregator) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-hubServer.Inbound():
			a.handlePrimaryInbound(hubServer, agg, in)
		}
	}
}

func (a *Agent) handlePrimaryInbound(hubServer *hub.Server, agg *aggregator.Aggregator, in hub.Inbound) {
	ctx := context.Background()
	switch in.Message.Type {
	case protocol.TypeOutboxBatch:
		var batch protocol.OutboxBatchPayload
		if err := in.Message.ParsePayload(&batch); err != nil {
			a.log.Warn("decode outbox batch", "err", err)
			return
		}
		term := a.election.Term()
		ack := protocol.BatchAckPayload{Term: term}
		for _, entry := range batch.Entries {
			result := a.applier.ApplyEntityUpdate(ctx, protocol.EntityUpdatePayload{
				EntityType: entry.EntityType, EntityID: entry.EntityID,
				Operation: protocol.OpUpsert, Data: entry.PayloadRaw, Version: entry.Version,
			})
			if result.Success {
				ack.AckedIDs = append(ack.AckedIDs, entry.ID)
				hubServer.Broadcast(protocol.TypeEntityUpdate, protocol.EntityUpdatePayload{
					EntityType: entry.EntityType, EntityID: entry.EntityID,
					Operation: protocol.OpUpsert, Data: entry.PayloadRaw, Version: result.AppliedVersion, Term: term,
				})
			} else {
				ack.FailedIDs = append(ack.FailedIDs, protocol.FailedEntry{ID: entry.ID, Error: result.Error, Retryable: result.Retryable})
			}
		}
		if err := hubServer.Send(in.DeviceID, protocol.TypeBatchAck, ack); err != nil {
			a.log.Warn("send batch ack", "device_id", in.DeviceID, "err", err)
		}
	case protocol.TypeInventoryDelta:
		var delta protocol.InventoryDeltaPayload
		if err := in.Message.ParsePayload(&delta); err != nil {
			a.log.Warn("decode inventory delta", "err", err)
			return
		}
		a.applier.ApplyInventoryDelta(ctx, in.DeviceID, delta)
		agg.Ingest(in.DeviceID, delta)
	case protocol.TypeUpdateAck:
		// Informational only: PRIMARY already committed the update locally.
	case protocol.TypePing:
		var ping protocol.PingPayload
		in.Message.ParsePayload(&ping)
		hubServer.Broadcast(protocol.TypePong, protocol.PongPayload{PingTimestamp: ping.Timestamp, PongTimestamp: time.Now()})
	default:
		a.log.Debug("unhandled inbound message", "type", in.Message.Type, "device_id", in.DeviceID)
	}
}

// runSecondary resolves the hub URL and maintains the transport connection,
// outbox processor, and inbound dispatch. Blocks until ctx is cancelled.
func (a *Agent) runSecondary(ctx context.Context, term uint64) {
	a.log.Info("role -> SECONDARY", "term", term)

	hubURL, err := a.resolveHubURL(ctx)
	if err != nil {
		a.log.Error("cannot resolve hub url, retrying election", "err", err)
		time.Sleep(time.Second)
		go a.election.RunElection(ctx)
		return
	}

	client := transport.New(transport.Config{
		DeviceID: a.cfg.Device.ID, DeviceName: a.cfg.Device.Name, StoreID: a.cfg.Store.ID,
		Priority: a.cfg.Device.Priority, ConnectTimeoutSec: a.cfg.Sync.ConnectTimeoutSec,
	}, a.log, secondaryHandler{a})

	a.mu.Lock()
	a.currentTransport = client
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.currentTransport = nil
		a.mu.Unlock()
	}()

	processor := outbox.New(outbox.Config{
		DeviceID: a.cfg.Device.ID, PollInterval: time.Duration(a.cfg.Sync.PollIntervalSecs) * time.Second,
		BatchSize: a.cfg.Sync.BatchSize, MaxRetry: a.cfg.Sync.MaxRetry,
	}, a.deps.OutboxRepo, client, connChecker{client}, a.log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := processor.Start(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("outbox processor exited", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.secondaryInboundLoop(ctx, client, processor)
	}()

	if err := client.Run(ctx, hubURL); err != nil && ctx.Err() == nil {
		a.log.Error("transport client exited", "err", err)
	}
	wg.Wait()
}

func (a *Agent) secondaryInboundLoop(ctx context.Context, client *transport.Client, processor *outbox.Processor) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-client.Inbound():
			a.handleSecondaryInbound(ctx, client, processor, msg)
		}
	}
}

func (a *Agent) handleSecondaryInbound(ctx context.Context, client *transport.Client, processor *outbox.Processor, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeBatchAck:
		var ack protocol.BatchAckPayload
		if err := msg.ParsePayload(&ack); err != nil {
			a.log.Warn("decode batch ack", "err", err)
			return
		}
		processor.HandleBatchAck(ctx, ack)
	case protocol.TypeEntityUpdate:
		var update protocol.EntityUpdatePayload
		if err := msg.ParsePayload(&update); err != nil {
			a.log.Warn("decode entity update", "err", err)
			return
		}
		if !a.election.FenceMessage(update.Term) {
			a.log.Warn("dropping stale-term entity update", "term", update.Term, "entity_type", update.EntityType, "entity_id", update.EntityID)
			return
		}
		ack := a.applier.ApplyEntityUpdate(ctx, update)
		client.Send(protocol.TypeUpdateAck, ack)
	case protocol.TypeInventoryUpd:
		var upd protocol.InventoryUpdatePayload
		if err := msg.ParsePayload(&upd); err != nil {
			a.log.Warn("decode inventory update", "err", err)
			return
		}
		if !a.election.FenceMessage(upd.Term) {
			a.log.Warn("dropping stale-term inventory update", "term", upd.Term, "product_id", upd.ProductID)
			return
		}
		deltaID := fmt.Sprintf("broadcast:%s:%d", upd.ProductID, upd.Timestamp.UnixNano())
		a.applier.ApplyInventoryDelta(ctx, upd.SourceDeviceID, protocol.InventoryDeltaPayload{
			ID: deltaID, ProductID: upd.ProductID, SKU: upd.SKU, DeltaQuantity: upd.DeltaQuantity, Timestamp: upd.Timestamp,
		})
	case protocol.TypeHeartbeat:
		var hb protocol.HeartbeatPayload
		if err := msg.ParsePayload(&hb); err != nil {
			return
		}
		a.election.ObserveHeartbeat(hb.Term)
	case protocol.TypePing:
		var ping protocol.PingPayload
		msg.ParsePayload(&ping)
		client.Send(protocol.TypePong, protocol.PongPayload{PingTimestamp: ping.Timestamp, PongTimestamp: time.Now()})
	case protocol.TypeError:
		var errPayload protocol.ErrorPayload
		msg.ParsePayload(&errPayload)
		a.log.Warn("hub sent protocol error", "code", errPayload.Code, "message", errPayload.Message)
	default:
		a.log.Debug("unhandled inbound message", "type", msg.Type)
	}
}

// resolveHubURL honors an explicit config override, otherwise runs
// discovery (spec: "if set, discovery is skipped").
func (a *Agent) resolveHubURL(ctx context.Context) (string, error) {
	if a.cfg.Sync.HubURL != "" {
		return a.cfg.Sync.HubURL, nil
	}
	found, err := a.discoverHub(ctx)
	if err != nil {
		return "", err
	}
	if found == nil {
		return "", fmt.Errorf("agent: no hub discovered for store %q", a.cfg.Store.ID)
	}
	host := found.FromAddr.IP.String()
	return fmt.Sprintf("ws://%s:%d/ws", host, found.WSPort), nil
}

// buildUplink constructs the cloud uplink dependency chain: a JSON-codec
// gRPC connection, the auth token manager, and the Uplink orchestrator.
// The returned closer must be invoked when the uplink goroutine exits.
func (a *Agent) buildUplink() (*clouduplink.Uplink, func(), error) {
	conn, err := grpc.NewClient(a.cfg.Cloud.URL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(cloudproto.CodecName)),
	)
	if err != nil {
		return nil, func() {}, fmt.Errorf("dial cloud: %w", err)
	}
	client := cloudproto.NewClient(conn)
	authMgr := cloudauth.New(client, a.deps.Secrets, a.cfg.Cloud.APIKey, a.cfg.Store.ID, a.cfg.Device.ID, a.log)

	cursors := a.deps.CloudCursors
	if cursors == nil {
		cursors = &clouduplink.InMemoryCursorStore{}
	}

	uplink := clouduplink.New(client, authMgr, a.deps.OutboxRepo, cursors, a.applier, clouduplink.Config{
		StoreID: a.cfg.Store.ID, DeviceID: a.cfg.Device.ID, BatchSize: a.cfg.Cloud.BatchSize,
		UploadInterval:    time.Duration(a.cfg.Cloud.UploadIntervalS) * time.Second,
		DownloadInterval:  time.Duration(a.cfg.Cloud.DownloadInterval) * time.Second,
		DownloadTransport: a.cfg.Cloud.DownloadTransport,
	}, a.log)

	return uplink, func() { conn.Close() }, nil
}

// buildNotifyListener connects to NATS JetStream and builds a durable
// consumer on this store's catalog subject, wiring it to drive uplink's
// download cycle instead of its poll ticker (spec §4.10 "nats" transport).
func (a *Agent) buildNotifyListener(uplink *clouduplink.Uplink) (*clouduplink.NotifyListener, func(), error) {
	client, err := natsq.NewClient(&queue.NATSConfig{URL: a.cfg.Cloud.NATSURL, StreamName: "TITAN_CATALOG"})
	if err != nil {
		return nil, func() {}, fmt.Errorf("connect nats: %w", err)
	}
	consumerName := fmt.Sprintf("titansync-cloud-download-%s", a.cfg.Store.ID)
	filterSubject := fmt.Sprintf("catalog.%s", a.cfg.Store.ID)
	consumer, err := client.CreateConsumer(context.Background(), consumerName, filterSubject)
	if err != nil {
		client.Close()
		return nil, func() {}, fmt.Errorf("create catalog consumer: %w", err)
	}
	listener := clouduplink.NewNotifyListener(consumer, uplink, a.log)
	return listener, func() { client.Close() }, nil
}

// secondaryHandler adapts Agent to transport.Handler.
type secondaryHandler struct{ a *Agent }

func (h secondaryHandler) OnConnected(welcome *protocol.WelcomePayload) {
	h.a.log.Info("connected to hub", "hub_device_id", welcome.HubDeviceID, "term", welcome.ElectionTerm)
	h.a.election.ObserveElectionResult(welcome.ElectionTerm)
}

func (h secondaryHandler) OnDisconnected() {
	h.a.log.Warn("disconnected from hub")
}

// connChecker adapts transport.Client to outbox.ConnChecker.
type connChecker struct{ c *transport.Client }

func (c connChecker) Connected() bool { return c.c.State() == transport.StateConnected }
