package cloudproto

import "time"

// AuthenticateRequest exchanges an API key for a token pair (spec §4.10).
type AuthenticateRequest struct {
	APIKey   string `json:"api_key"`
	StoreID  string `json:"store_id"`
	DeviceID string `json:"device_id"`
}

// AuthenticateResponse is the token tuple cached by cloudauth.
type AuthenticateResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// RefreshRequest exchanges a refresh token for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// CloudEntity is one outbox entry translated into the cloud's wire shape.
type CloudEntity struct {
	ID          string `json:"id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	PayloadJSON string `json:"payload_json"`
}

// UploadRequest carries a batch of cloud-owned entities (spec §4.10:
// sales, sale-items, payments, inventory-deltas).
type UploadRequest struct {
	StoreID  string        `json:"store_id"`
	DeviceID string        `json:"device_id"`
	Entities []CloudEntity `json:"entities"`
}

// EntityResult is the per-entity outcome of an upload call.
type EntityResult struct {
	ID        string `json:"id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// UploadResponse reports per-entity synced IDs and errors.
type UploadResponse struct {
	Results []EntityResult `json:"results"`
}

// DownloadRequest asks for catalog changes since cursor.
type DownloadRequest struct {
	StoreID string `json:"store_id"`
	Cursor  int64  `json:"cursor"`
	Limit   int    `json:"limit"`
}

// CatalogUpdate is a pending catalog change (product, config) the cloud
// pushes down, applied through the Inbound Applier as if from a peer.
type CatalogUpdate struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Operation  string    `json:"operation"`
	Data       string    `json:"data"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DownloadResponse carries pending catalog updates and the new cursor.
type DownloadResponse struct {
	Updates   []CatalogUpdate `json:"updates"`
	NewCursor int64           `json:"new_cursor"`
}

// ConfigRequest asks the cloud for this store's current config snapshot.
type ConfigRequest struct {
	StoreID string `json:"store_id"`
}

// ConfigResponse is an opaque JSON config blob the caller applies locally.
type ConfigResponse struct {
	ConfigJSON string `json:"config_json"`
	Version    int64  `json:"version"`
}

// NotifyRequest pushes a store-level event to the cloud (e.g. role change).
type NotifyRequest struct {
	StoreID   string    `json:"store_id"`
	DeviceID  string    `json:"device_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NotifyResponse acknowledges a NotifyRequest.
type NotifyResponse struct {
	Accepted bool `json:"accepted"`
}

// HealthRequest pings the cloud health service.
type HealthRequest struct{}

// HealthResponse reports the cloud's serving status.
type HealthResponse struct {
	Status string `json:"status"`
}
