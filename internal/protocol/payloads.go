package protocol

import "time"

// HelloPayload: SECONDARY -> PRIMARY, connection handshake.
type HelloPayload struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	StoreID         string `json:"store_id"`
	ProtocolVersion uint32 `json:"protocol_version"`
	Priority        int    `json:"priority"`
}

// WelcomePayload: PRIMARY -> SECONDARY, handshake accepted.
type WelcomePayload struct {
	HubDeviceID  string    `json:"hub_device_id"`
	StoreID      string    `json:"store_id"`
	ElectionTerm uint64    `json:"election_term"`
	ServerTime   time.Time `json:"server_time"`
}

// OutboxEntryWire is one outbox entry as it travels on the wire.
type OutboxEntryWire struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	PayloadRaw string `json:"payload_json"`
	Version    int64  `json:"version"`
}

// OutboxBatchPayload: SECONDARY -> PRIMARY, upload of pending outbox rows.
type OutboxBatchPayload struct {
	DeviceID string            `json:"device_id"`
	Entries  []OutboxEntryWire `json:"entries"`
	BatchSeq uint64            `json:"batch_seq"`
}

// FailedEntry describes one outbox entry the hub could not apply.
type FailedEntry struct {
	ID        string `json:"id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// BatchAckPayload: PRIMARY -> SECONDARY, per-entry upload outcome.
type BatchAckPayload struct {
	AckedIDs  []string      `json:"acked_ids"`
	FailedIDs []FailedEntry `json:"failed_ids"`
	NewCursor int64         `json:"new_cursor"`
	Term      uint64        `json:"term"`
}

// InventoryDeltaPayload: SECONDARY -> PRIMARY, a signed stock change.
type InventoryDeltaPayload struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	SKU           string    `json:"sku"`
	DeltaQuantity int64     `json:"delta_quantity"`
	Timestamp     time.Time `json:"timestamp"`
}

// InventoryUpdatePayload: PRIMARY -> all, coalesced or immediate broadcast.
type InventoryUpdatePayload struct {
	ProductID      string    `json:"product_id"`
	SKU            string    `json:"sku"`
	DeltaQuantity  int64     `json:"delta_quantity"`
	SourceDeviceID string    `json:"source_device_id"`
	Timestamp      time.Time `json:"timestamp"`
	Term           uint64    `json:"term"`
}

// HeartbeatPayload: PRIMARY -> all, liveness + fencing term.
type HeartbeatPayload struct {
	DeviceID string `json:"device_id"`
	Term     uint64 `json:"term"`
}

// ElectionStartPayload announces a candidacy.
type ElectionStartPayload struct {
	CandidateID string `json:"candidate_id"`
	Priority    int    `json:"priority"`
	Term        uint64 `json:"term"`
}

// ElectionVotePayload is reserved for future multi-round elections; the
// current single-round algorithm (spec §4.4) does not solicit votes, but
// the type tag exists in the closed union for forward compatibility.
type ElectionVotePayload struct {
	VoterID     string `json:"voter_id"`
	CandidateID string `json:"candidate_id"`
	Term        uint64 `json:"term"`
}

// ElectionResultPayload announces the outcome of a completed election.
type ElectionResultPayload struct {
	WinnerID string `json:"winner_id"`
	Term     uint64 `json:"term"`
}

// EntityOperation is the kind of mutation an EntityUpdate carries.
type EntityOperation string

const (
	OpUpsert EntityOperation = "upsert"
	OpPatch  EntityOperation = "patch"
	OpDelete EntityOperation = "delete"
)

// EntityUpdatePayload: PRIMARY -> SECONDARY, catalog/config push.
type EntityUpdatePayload struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  EntityOperation `json:"operation"`
	Data       string          `json:"data"` // JSON-encoded entity snapshot or patch set
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
	// Term fences this message against a resurrected, stale-term PRIMARY
	// (spec §4.4, §8): a SECONDARY that has observed a higher term must
	// reject this update rather than apply it.
	Term uint64 `json:"term"`
}

// UpdateAckPayload: SECONDARY -> PRIMARY, apply outcome.
type UpdateAckPayload struct {
	EntityID       string `json:"entity_id"`
	Success        bool   `json:"success"`
	AppliedVersion int64  `json:"applied_version"`
	Error          string `json:"error,omitempty"`
	Retryable      bool   `json:"retryable,omitempty"`
}

// PingPayload is a keepalive probe.
type PingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// PongPayload answers a PingPayload.
type PongPayload struct {
	PingTimestamp time.Time `json:"ping_timestamp"`
	PongTimestamp time.Time `json:"pong_timestamp"`
}

// ErrorCode enumerates the closed set of protocol-level error codes.
type ErrorCode string

const (
	ErrStoreMismatch      ErrorCode = "STORE_MISMATCH"
	ErrUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
	ErrMalformedFrame     ErrorCode = "MALFORMED_FRAME"
	ErrHandshakeTimeout   ErrorCode = "HANDSHAKE_TIMEOUT"
)

// ErrorPayload carries a protocol-level error; receipt of one on the wire
// typically precedes the sender closing the connection.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// CursorRequestPayload asks the peer for its last-known cursor for a stream.
type CursorRequestPayload struct {
	DeviceID string `json:"device_id"`
	Stream   string `json:"stream"` // "upload" or "download"
}

// CursorResponsePayload answers a CursorRequestPayload.
type CursorResponsePayload struct {
	DeviceID string `json:"device_id"`
	Stream   string `json:"stream"`
	Cursor   int64  `json:"cursor"`
}
