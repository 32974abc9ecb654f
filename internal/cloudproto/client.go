package cloudproto

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// Service method paths, mirroring the five logical services named in
// spec §4.10. These are plain strings rather than generated constants
// since there is no .proto file driving codegen; the service/method
// names are this module's own contract with the cloud endpoint.
const (
	methodAuthenticate = "/titan.sync.v1.AuthService/Authenticate"
	methodRefresh      = "/titan.sync.v1.AuthService/Refresh"
	methodUpload       = "/titan.sync.v1.SyncService/Upload"
	methodDownload     = "/titan.sync.v1.SyncService/Download"
	methodGetConfig    = "/titan.sync.v1.ConfigService/GetConfig"
	methodNotify       = "/titan.sync.v1.NotificationService/Notify"
	methodHealthCheck  = "/titan.sync.v1.HealthService/Check"
)

// Client is a thin typed wrapper over a grpc.ClientConn dialed with the
// json codec (see codec.go), covering all five logical cloud services.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection. Dialing (TLS, keepalive,
// circuit breaker) is the caller's responsibility; see clouduplink.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Authenticate(ctx context.Context, req AuthenticateRequest) (*AuthenticateResponse, error) {
	var resp AuthenticateResponse
	if err := c.conn.Invoke(ctx, methodAuthenticate, &req, &resp); err != nil {
		return nil, fmt.Errorf("cloudproto: Authenticate: %w", err)
	}
	return &resp, nil
}

func (c *Client) Refresh(ctx context.Context, req RefreshRequest) (*AuthenticateResponse, error) {
	var resp AuthenticateResponse
	if err := c.conn.Invoke(ctx, methodRefresh, &req, &resp); err != nil {
		return nil, fmt.Errorf("cloudproto: Refresh: %w", err)
	}
	return &resp, nil
}

func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	var resp UploadResponse
	if err := c.conn.Invoke(ctx, methodUpload, &req, &resp); err != nil {
		return nil, fmt.Errorf("cloudproto: Upload: %w", err)
	}
	return &resp, nil
}

func (c *Client) Download(ctx context.Context, req DownloadRequest) (*DownloadResponse, error) {
	var resp DownloadResponse
	if err := c.conn.Invoke(ctx, methodDownload, &req, &resp); err != nil {
		return nil, fmt.Errorf("cloudproto: Download: %w", err)
	}
	return &resp, nil
}

func (c *Client) GetConfig(ctx context.Context, req ConfigRequest) (*ConfigResponse, error) {
	var resp ConfigResponse
	if err := c.conn.Invoke(ctx, methodGetConfig, &req, &resp); err != nil {
		return nil, fmt.Errorf("cloudproto: GetConfig: %w", err)
	}
	return &resp, nil
}

func (c *Client) Notify(ctx context.Context, req NotifyRequest) (*NotifyResponse, error) {
	var resp NotifyResponse
	if err := c.conn.Invoke(ctx, methodNotify, &req, &resp); err != nil {
		return nil, fmt.Errorf("cloudproto: Notify: %w", err)
	}
	return &resp, nil
}

func (c *Client) HealthCheck(ctx context.Context, req HealthRequest) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.conn.Invoke(ctx, methodHealthCheck, &req, &resp); err != nil {
		return nil, fmt.Errorf("cloudproto: HealthCheck: %w", err)
	}
	return &resp, nil
}
