// Package transport manages the SECONDARY-side WebSocket connection to the
// store's PRIMARY hub: dial, handshake, reconnect-with-backoff, and the
// inbound/outbound message queues the rest of the agent reads and writes.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go.titansync.dev/sync/internal/protocol"
)

// Connection timing (spec §4.1/§4.2).
const (
	pingInterval     = 30 * time.Second
	pongWait         = 10 * time.Second
	writeWait        = 10 * time.Second
	initialBackoff   = 500 * time.Millisecond
	maxBackoff       = 60 * time.Second
	closeGracePeriod = 1 * time.Second
	handshakeTimeout = 10 * time.Second
)

// State is the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Handler receives connection lifecycle events from the Client.
type Handler interface {
	OnConnected(welcome *protocol.WelcomePayload)
	OnDisconnected()
}

// Client maintains the WebSocket connection from a SECONDARY device to the
// current PRIMARY hub, reconnecting with exponential backoff on failure.
type Client struct {
	deviceID   string
	deviceName string
	storeID    string
	priority   int
	connectTO  time.Duration

	log     *slog.Logger
	handler Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	backoff time.Duration

	inbound chan *protocol.Message
}

// Config configures a new Client.
type Config struct {
	DeviceID          string
	DeviceName        string
	StoreID           string
	Priority          int
	ConnectTimeoutSec int
}

// New creates a Client; url is dialed by Run.
func New(cfg Config, log *slog.Logger, handler Handler) *Client {
	connectTO := time.Duration(cfg.ConnectTimeoutSec) * time.Second
	if connectTO <= 0 {
		connectTO = handshakeTimeout
	}
	return &Client{
		deviceID:   cfg.DeviceID,
		deviceName: cfg.DeviceName,
		storeID:    cfg.StoreID,
		priority:   cfg.Priority,
		connectTO:  connectTO,
		log:        log.With("component", "transport"),
		handler:    handler,
		backoff:    initialBackoff,
		inbound:    make(chan *protocol.Message, 256),
	}
}

// Name implements lifecycle.Service.
func (c *Client) Name() string { return "transport" }

// Health implements lifecycle.Service.
func (c *Client) Health() error {
	if c.State() != StateConnected {
		return fmt.Errorf("transport: not connected")
	}
	return nil
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run dials url and maintains the connection, reconnecting with backoff
// until ctx is cancelled. It blocks.
func (c *Client) Run(ctx context.Context, url string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		welcome, err := c.connect(ctx, url)
		if err != nil {
			c.log.Warn("connect failed", "err", err, "backoff", c.backoff)
			c.setState(StateReconnecting)
			if !c.waitBackoff(ctx) {
				return ctx.Err()
			}
			continue
		}

		c.backoff = initialBackoff
		c.handler.OnConnected(welcome)

		c.readLoop(ctx)

		c.handler.OnDisconnected()
		if !c.waitBackoff(ctx) {
			return ctx.Err()
		}
	}
}

// Stop implements lifecycle.Service: close the connection gracefully.
func (c *Client) Stop(ctx context.Context) error {
	return c.Close()
}

// Start implements lifecycle.Service. Run handles the actual dial loop and
// requires a url, so callers invoke Run directly; Start exists to satisfy
// the interface for components that only need Health/Stop supervision.
func (c *Client) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *Client) connect(ctx context.Context, url string) (*protocol.WelcomePayload, error) {
	c.setState(StateConnecting)
	c.log.Debug("dialing hub", "url", url)

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTO)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	hello := &protocol.HelloPayload{
		DeviceID:        c.deviceID,
		DeviceName:      c.deviceName,
		StoreID:         c.storeID,
		ProtocolVersion: protocol.Version,
		Priority:        c.priority,
	}
	msg, err := protocol.New(protocol.TypeHello, hello)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build hello: %w", err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode hello: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	reply, err := protocol.Decode(raw)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode handshake reply: %w", err)
	}

	if reply.Type == protocol.TypeError {
		var errPayload protocol.ErrorPayload
		reply.ParsePayload(&errPayload)
		conn.Close()
		return nil, fmt.Errorf("hub rejected hello: %s: %s", errPayload.Code, errPayload.Message)
	}
	if reply.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected Welcome, got %s", reply.Type)
	}
	var welcome protocol.WelcomePayload
	if err := reply.ParsePayload(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("parse welcome: %w", err)
	}

	conn.SetReadLimit(protocol.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	go c.pingLoop(ctx, conn)

	return &welcome, nil
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = StateDisconnected
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for {
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error", "err", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}

		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return
		default:
			c.log.Warn("inbound queue full, dropping message", "type", msg.Type)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cur := c.conn
			c.mu.Unlock()
			if cur != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", "err", err)
				return
			}
		}
	}
}

func (c *Client) waitBackoff(ctx context.Context) bool {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
	return true
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send marshals and writes a message to the hub. It returns an error if
// not currently connected.
func (c *Client) Send(msgType protocol.MessageType, payload any) error {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return websocket.ErrCloseSent
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Inbound returns the channel of messages received from the hub.
func (c *Client) Inbound() <-chan *protocol.Message {
	return c.inbound
}

// Close closes the connection gracefully, sending a close frame first.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return err
	}
	time.Sleep(100 * time.Millisecond)
	err = c.conn.Close()
	c.conn = nil
	c.state = StateDisconnected
	return err
}
