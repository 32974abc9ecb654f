package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hub metrics (PRIMARY role, internal/hub)

	// HubConnectedClients tracks the number of SECONDARY devices currently
	// connected to this PRIMARY's hub.
	HubConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titansync",
			Subsystem: "hub",
			Name:      "connected_clients",
			Help:      "Number of SECONDARY devices connected to this PRIMARY",
		},
	)

	// HubMessagesBroadcast tracks messages broadcast from the hub to clients
	HubMessagesBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "hub",
			Name:      "messages_broadcast_total",
			Help:      "Total messages broadcast by the hub",
		},
		[]string{"type"},
	)

	// HubDroppedBroadcasts tracks broadcasts dropped due to a full client send buffer
	HubDroppedBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "hub",
			Name:      "dropped_broadcasts_total",
			Help:      "Total broadcasts dropped because a client's send buffer was full",
		},
		[]string{"device_id"},
	)

	// Transport metrics (SECONDARY role, internal/transport)

	// TransportReconnects tracks reconnect attempts by the SECONDARY's WS client
	TransportReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts to the PRIMARY hub",
		},
	)

	// TransportConnectionState tracks the current connection state
	// 0 = disconnected, 1 = connecting, 2 = connected
	TransportConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titansync",
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "WS connection state to the PRIMARY (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	// TransportMessagesSent tracks messages sent over the WS connection
	TransportMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Total messages sent to the PRIMARY hub",
		},
		[]string{"type"},
	)

	// Election metrics (internal/election)

	// ElectionTransitions tracks PRIMARY/SECONDARY role transitions
	ElectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "election",
			Name:      "transitions_total",
			Help:      "Total role transitions",
		},
		[]string{"to_role"}, // primary, secondary
	)

	// ElectionCurrentTerm tracks the device's current election term
	ElectionCurrentTerm = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titansync",
			Subsystem: "election",
			Name:      "current_term",
			Help:      "Current election term held by this device",
		},
	)

	// ElectionIsPrimary tracks whether this device currently believes it is PRIMARY
	// 0 = secondary, 1 = primary
	ElectionIsPrimary = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titansync",
			Subsystem: "election",
			Name:      "is_primary",
			Help:      "Whether this device currently holds the PRIMARY role (0=secondary, 1=primary)",
		},
	)

	// Aggregator metrics (internal/aggregator)

	// AggregatorWindowSize tracks the number of deltas coalesced per broadcast window
	AggregatorWindowSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "titansync",
			Subsystem: "aggregator",
			Name:      "window_size",
			Help:      "Number of inventory deltas coalesced per broadcast window",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		},
	)

	// AggregatorDeltasIngested tracks raw deltas ingested by the aggregator
	AggregatorDeltasIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "aggregator",
			Name:      "deltas_ingested_total",
			Help:      "Total inventory deltas ingested by the aggregator",
		},
	)

	// Outbox metrics (internal/outbox)

	// OutboxPendingItems tracks items still awaiting upload
	OutboxPendingItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titansync",
			Subsystem: "outbox",
			Name:      "pending_items",
			Help:      "Number of outbox entries awaiting delivery",
		},
	)

	// OutboxExhaustedItems tracks entries that exceeded max retry and require attention
	OutboxExhaustedItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titansync",
			Subsystem: "outbox",
			Name:      "exhausted_items",
			Help:      "Number of outbox entries that exhausted their retry budget",
		},
	)

	// OutboxItemsProcessed tracks outbox delivery attempts
	OutboxItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "outbox",
			Name:      "items_processed_total",
			Help:      "Total outbox entries processed",
		},
		[]string{"entity_type", "result"}, // result: synced, failed, retried
	)

	// OutboxFlushDuration tracks how long an upload batch takes
	OutboxFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "titansync",
			Subsystem: "outbox",
			Name:      "flush_duration_seconds",
			Help:      "Time to flush one outbox batch to the hub or cloud",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Discovery metrics (internal/discovery)

	// DiscoveryCandidatesFound tracks PRIMARY candidates found per discovery pass
	DiscoveryCandidatesFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "discovery",
			Name:      "candidates_found_total",
			Help:      "Total PRIMARY candidates found during discovery",
		},
		[]string{"strategy"}, // udp, mdns
	)

	// Cloud uplink metrics (internal/clouduplink, internal/cloudauth)

	// CloudCallDuration tracks cloud RPC latency
	CloudCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "titansync",
			Subsystem: "cloud",
			Name:      "call_duration_seconds",
			Help:      "Cloud RPC latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// CloudCallErrors tracks cloud RPC failures
	CloudCallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "cloud",
			Name:      "call_errors_total",
			Help:      "Total cloud RPC errors",
		},
		[]string{"method", "code"},
	)

	// CloudCircuitBreakerState tracks the clouduplink breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	CloudCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "titansync",
			Subsystem: "cloud",
			Name:      "circuit_breaker_state",
			Help:      "Cloud uplink circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// CloudTokenRefreshes tracks access token refresh/reauth attempts
	CloudTokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "cloud",
			Name:      "token_refreshes_total",
			Help:      "Total cloud access token refresh or reauthenticate attempts",
		},
		[]string{"result"}, // success, failed
	)

	// HTTP API metrics (status/health surface)

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "titansync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "titansync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants, shared by any gauge reporting gobreaker state.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
