// Package cloudauth manages the cloud uplink's token lifecycle: exchanging
// an API key for an access/refresh token pair, caching it in the secrets
// provider, and refreshing ahead of expiry (spec §4.10).
package cloudauth

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go.titansync.dev/sync/internal/cloudproto"
	"go.titansync.dev/sync/internal/common/secrets"
)

// refreshMargin is how far ahead of expiry a cached token is treated as
// stale and proactively refreshed, mirroring the original agent's
// REFRESH_MARGIN_SECS constant.
const refreshMargin = 5 * time.Minute

const (
	keyAccessToken  = "cloud-access-token"
	keyRefreshToken = "cloud-refresh-token"
	keyExpiresAt    = "cloud-expires-at"
)

// Authenticator calls the cloud's auth service to mint and refresh tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, req cloudproto.AuthenticateRequest) (*cloudproto.AuthenticateResponse, error)
	Refresh(ctx context.Context, req cloudproto.RefreshRequest) (*cloudproto.AuthenticateResponse, error)
}

// Token is a cached access/refresh token pair.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (t Token) needsRefresh() bool {
	return t.AccessToken == "" || time.Now().Add(refreshMargin).After(t.ExpiresAt)
}

// Manager caches the current cloud token in a secrets.Provider and refreshes
// it on demand. It never verifies or signs JWTs; it only inspects the
// unverified exp claim of the access token it was handed by the cloud, since
// signature verification is the cloud's job, not the device's.
type Manager struct {
	auth     Authenticator
	secrets  secrets.Provider
	apiKey   string
	storeID  string
	deviceID string
	log      *slog.Logger

	mu    sync.Mutex
	token Token
}

// New builds a Manager. apiKey/storeID/deviceID are the credentials sent on
// first Authenticate; secretsProvider persists the resulting token pair.
func New(auth Authenticator, secretsProvider secrets.Provider, apiKey, storeID, deviceID string, log *slog.Logger) *Manager {
	return &Manager{
		auth:     auth,
		secrets:  secretsProvider,
		apiKey:   apiKey,
		storeID:  storeID,
		deviceID: deviceID,
		log:      log.With("component", "cloud-auth"),
	}
}

// AccessToken returns a valid access token, authenticating or refreshing it
// first if the cached one is missing or within refreshMargin of expiry.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token.AccessToken == "" {
		m.loadCached(ctx)
	}

	if !m.token.needsRefresh() {
		return m.token.AccessToken, nil
	}

	if m.token.RefreshToken != "" {
		if err := m.refreshLocked(ctx); err == nil {
			return m.token.AccessToken, nil
		}
		m.log.Warn("refresh failed, falling back to full authenticate")
	}

	if err := m.authenticateLocked(ctx); err != nil {
		return "", err
	}
	return m.token.AccessToken, nil
}

// InvalidateCurrent drops the cached access token after the cloud rejects it
// with UNAUTHENTICATED, forcing the next AccessToken call to refresh/reauth.
func (m *Manager) InvalidateCurrent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token.AccessToken = ""
}

func (m *Manager) loadCached(ctx context.Context) {
	access, err := m.secrets.Get(ctx, keyAccessToken)
	if err != nil {
		return
	}
	refresh, _ := m.secrets.Get(ctx, keyRefreshToken)
	expRaw, _ := m.secrets.Get(ctx, keyExpiresAt)
	expUnix, _ := strconv.ParseInt(expRaw, 10, 64)

	m.token = Token{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Unix(expUnix, 0),
	}
}

func (m *Manager) authenticateLocked(ctx context.Context) error {
	resp, err := m.auth.Authenticate(ctx, cloudproto.AuthenticateRequest{
		APIKey: m.apiKey, StoreID: m.storeID, DeviceID: m.deviceID,
	})
	if err != nil {
		return fmt.Errorf("cloudauth: authenticate: %w", err)
	}
	return m.storeLocked(ctx, resp)
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	resp, err := m.auth.Refresh(ctx, cloudproto.RefreshRequest{RefreshToken: m.token.RefreshToken})
	if err != nil {
		return fmt.Errorf("cloudauth: refresh: %w", err)
	}
	return m.storeLocked(ctx, resp)
}

func (m *Manager) storeLocked(ctx context.Context, resp *cloudproto.AuthenticateResponse) error {
	expiresAt := tokenExpiry(resp.AccessToken, resp.ExpiresIn)
	m.token = Token{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken, ExpiresAt: expiresAt}

	_ = m.secrets.Set(ctx, keyAccessToken, resp.AccessToken)
	_ = m.secrets.Set(ctx, keyRefreshToken, resp.RefreshToken)
	_ = m.secrets.Set(ctx, keyExpiresAt, strconv.FormatInt(expiresAt.Unix(), 10))
	return nil
}

// tokenExpiry prefers the access token's own exp claim (parsed without
// signature verification, since the device trusts the transport not the
// token) and falls back to expiresIn seconds from now when exp is absent or
// unparseable.
func tokenExpiry(accessToken string, expiresIn int64) time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var claims jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Now().Add(time.Duration(expiresIn) * time.Second)
}
