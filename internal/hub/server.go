// Package hub runs the WebSocket server a PRIMARY device exposes to its
// store's SECONDARY devices (spec §4.5).
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go.titansync.dev/sync/internal/protocol"
)

const (
	handshakeWait  = 10 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 40 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = protocol.MaxFrameSize
	clientSendBuf  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Inbound is a non-handshake message tagged with its sender, delivered to
// whatever component consumes the Hub's inbound queue (delta processor,
// outbox applier, election fencing).
type Inbound struct {
	DeviceID string
	Message  *protocol.Message
}

// Client is one connected SECONDARY device.
type Client struct {
	conn     *websocket.Conn
	deviceID string
	send     chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *Client) safeSend(data []byte) bool {
	defer func() { recover() }()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Identity is this device's own identity, echoed in the Welcome handshake.
type Identity struct {
	DeviceID string
	StoreID  string
}

// Server is the PRIMARY-side Hub WebSocket server.
type Server struct {
	identity Identity
	term     func() uint64 // current election term, read fresh per Welcome

	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	inbound   chan Inbound
	broadcast chan []byte

	httpSrv *http.Server
}

// New builds a Server. term is invoked on each handshake so Welcome always
// carries the live election term.
func New(identity Identity, term func() uint64, log *slog.Logger) *Server {
	return &Server{
		identity:  identity,
		term:      term,
		log:       log.With("component", "hub"),
		clients:   make(map[string]*Client),
		inbound:   make(chan Inbound, 1024),
		broadcast: make(chan []byte, 1024),
	}
}

// Name implements lifecycle.Service.
func (s *Server) Name() string { return "hub" }

// Health implements lifecycle.Service.
func (s *Server) Health() error { return nil }

// Inbound returns the channel of tagged, non-handshake messages from
// connected clients.
func (s *Server) Inbound() <-chan Inbound { return s.inbound }

// Broadcast queues data for delivery to every connected client. Non-blocking;
// drops with a log warning if the queue is full.
func (s *Server) Broadcast(msgType protocol.MessageType, payload any) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		s.log.Error("build broadcast message", "err", err)
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("encode broadcast message", "err", err)
		return
	}
	select {
	case s.broadcast <- data:
	default:
		s.log.Warn("broadcast queue full, dropping message", "type", msgType)
	}
}

// Send queues data for delivery to a single connected client, identified by
// deviceID. Non-blocking; returns an error if the device isn't connected or
// its send buffer is full, so callers (e.g. a BatchAck reply) can log a
// failed unicast instead of silently dropping it.
func (s *Server) Send(deviceID string, msgType protocol.MessageType, payload any) error {
	s.mu.RLock()
	client, ok := s.clients[deviceID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hub: device %q not connected", deviceID)
	}

	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if !client.safeSend(data) {
		return fmt.Errorf("hub: send buffer full or closed for device %q", deviceID)
	}
	return nil
}

// Start implements lifecycle.Service. It returns nil at once; listening and
// serving WS connections is done by Run(ctx, addr).
func (s *Server) Start(ctx context.Context) error {
	return nil // actual listening driven by Run(ctx, addr); see agent wiring
}

// Stop implements lifecycle.Service.
func (s *Server) Stop(ctx context.Context) error {
	return s.Shutdown(ctx)
}

// Run starts the HTTP server bound to addr and blocks until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConn)

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	go s.broadcastLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Shutdown closes the listener and closes every client connection with a
// close frame (spec §4.5). Messages still in the broadcast queue are not
// delivered.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "hub shutting down"),
			time.Now().Add(writeWait))
		c.close()
		c.conn.Close()
	}
	return nil
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "err", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(handshakeWait))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.log.Debug("no hello within handshake window", "err", err)
		conn.Close()
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil || msg.Type != protocol.TypeHello {
		s.log.Debug("expected Hello", "err", err)
		conn.Close()
		return
	}
	var hello protocol.HelloPayload
	if err := msg.ParsePayload(&hello); err != nil {
		conn.Close()
		return
	}

	if hello.StoreID != s.identity.StoreID {
		s.replyError(conn, protocol.ErrStoreMismatch, "store id mismatch")
		conn.Close()
		return
	}
	if hello.ProtocolVersion != protocol.Version {
		s.replyError(conn, protocol.ErrUnsupportedVersion, "unsupported protocol version")
		conn.Close()
		return
	}

	client := &Client{conn: conn, deviceID: hello.DeviceID, send: make(chan []byte, clientSendBuf)}

	var evicted *Client
	s.mu.Lock()
	if existing, ok := s.clients[hello.DeviceID]; ok {
		evicted = existing
	}
	s.clients[hello.DeviceID] = client
	s.mu.Unlock()

	if evicted != nil {
		evicted.close()
		evicted.conn.Close()
		s.log.Info("evicted prior connection for device", "device_id", hello.DeviceID)
	}

	welcome := protocol.WelcomePayload{
		HubDeviceID:  s.identity.DeviceID,
		StoreID:      s.identity.StoreID,
		ElectionTerm: s.term(),
		ServerTime:   time.Now().UTC(),
	}
	welcomeMsg, err := protocol.New(protocol.TypeWelcome, welcome)
	if err != nil {
		conn.Close()
		return
	}
	data, err := protocol.Encode(welcomeMsg)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return
	}

	s.log.Info("client connected", "device_id", hello.DeviceID)

	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) replyError(conn *websocket.Conn, code protocol.ErrorCode, message string) {
	msg, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) readPump(c *Client) {
	defer func() {
		s.mu.Lock()
		if s.clients[c.deviceID] == c {
			delete(s.clients, c.deviceID)
		}
		s.mu.Unlock()
		c.close()
		c.conn.Close()
		s.log.Info("client disconnected", "device_id", c.deviceID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("read error", "device_id", c.deviceID, "err", err)
			}
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			s.log.Warn("dropping malformed frame", "device_id", c.deviceID, "err", err)
			continue
		}

		select {
		case s.inbound <- Inbound{DeviceID: c.deviceID, Message: msg}:
		default:
			s.log.Warn("inbound queue full, dropping message", "device_id", c.deviceID)
		}
	}
}

func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-s.broadcast:
			s.mu.RLock()
			clients := make([]*Client, 0, len(s.clients))
			for _, c := range s.clients {
				clients = append(clients, c)
			}
			s.mu.RUnlock()
			for _, c := range clients {
				if !c.safeSend(data) {
					s.log.Warn("client buffer overrun, dropping for device", "device_id", c.deviceID)
				}
			}
		}
	}
}

// ConnectedCount returns the number of currently connected clients.
func (s *Server) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
