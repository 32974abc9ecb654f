package hub

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"go.titansync.dev/sync/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := New(Identity{DeviceID: "hub-1", StoreID: "store-9"}, func() uint64 { return 3 }, testLogger())
	ts := httptest.NewServer(http.HandlerFunc(srv.handleConn))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.broadcastLoop(ctx)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return srv, wsURL
}

func dialHello(t *testing.T, wsURL string, hello protocol.HelloPayload) (*websocket.Conn, *protocol.Message) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	msg, err := protocol.New(protocol.TypeHello, hello)
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return conn, reply
}

func TestHandshakeSuccess(t *testing.T) {
	srv, wsURL := newTestServer(t)
	conn, reply := dialHello(t, wsURL, protocol.HelloPayload{
		DeviceID: "dev-1", DeviceName: "Register 1", StoreID: "store-9", ProtocolVersion: protocol.Version, Priority: 50,
	})
	defer conn.Close()

	if reply.Type != protocol.TypeWelcome {
		t.Fatalf("expected Welcome, got %s", reply.Type)
	}
	var welcome protocol.WelcomePayload
	if err := reply.ParsePayload(&welcome); err != nil {
		t.Fatalf("parse welcome: %v", err)
	}
	if welcome.HubDeviceID != "hub-1" || welcome.StoreID != "store-9" || welcome.ElectionTerm != 3 {
		t.Errorf("unexpected welcome: %+v", welcome)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.ConnectedCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected 1 connected client, got %d", srv.ConnectedCount())
}

func TestHandshakeRejectsStoreMismatch(t *testing.T) {
	_, wsURL := newTestServer(t)
	conn, reply := dialHello(t, wsURL, protocol.HelloPayload{
		DeviceID: "dev-1", StoreID: "wrong-store", ProtocolVersion: protocol.Version,
	})
	defer conn.Close()

	if reply.Type != protocol.TypeError {
		t.Fatalf("expected Error, got %s", reply.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := reply.ParsePayload(&errPayload); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if errPayload.Code != protocol.ErrStoreMismatch {
		t.Errorf("code = %s, want %s", errPayload.Code, protocol.ErrStoreMismatch)
	}
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	_, wsURL := newTestServer(t)
	conn, reply := dialHello(t, wsURL, protocol.HelloPayload{
		DeviceID: "dev-1", StoreID: "store-9", ProtocolVersion: 999,
	})
	defer conn.Close()

	if reply.Type != protocol.TypeError {
		t.Fatalf("expected Error, got %s", reply.Type)
	}
	var errPayload protocol.ErrorPayload
	reply.ParsePayload(&errPayload)
	if errPayload.Code != protocol.ErrUnsupportedVersion {
		t.Errorf("code = %s, want %s", errPayload.Code, protocol.ErrUnsupportedVersion)
	}
}

func TestReconnectEvictsPriorConnection(t *testing.T) {
	srv, wsURL := newTestServer(t)
	hello := protocol.HelloPayload{DeviceID: "dev-1", StoreID: "store-9", ProtocolVersion: protocol.Version}

	first, _ := dialHello(t, wsURL, hello)
	defer first.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.ConnectedCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}

	second, _ := dialHello(t, wsURL, hello)
	defer second.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.ConnectedCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if srv.ConnectedCount() != 1 {
		t.Fatalf("expected exactly 1 connected client after eviction, got %d", srv.ConnectedCount())
	}

	first.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("expected prior connection to be closed after eviction")
	}
}

func TestSendTargetsOnlyNamedClient(t *testing.T) {
	srv, wsURL := newTestServer(t)

	connA, _ := dialHello(t, wsURL, protocol.HelloPayload{DeviceID: "a", StoreID: "store-9", ProtocolVersion: protocol.Version})
	defer connA.Close()
	connB, _ := dialHello(t, wsURL, protocol.HelloPayload{DeviceID: "b", StoreID: "store-9", ProtocolVersion: protocol.Version})
	defer connB.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.ConnectedCount() != 2 {
		time.Sleep(10 * time.Millisecond)
	}

	if err := srv.Send("a", protocol.TypeBatchAck, protocol.BatchAckPayload{AckedIDs: []string{"e1"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := connA.ReadMessage()
	if err != nil {
		t.Fatalf("read unicast: %v", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode unicast: %v", err)
	}
	if msg.Type != protocol.TypeBatchAck {
		t.Errorf("type = %s, want %s", msg.Type, protocol.TypeBatchAck)
	}

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Error("expected connB to receive nothing from a targeted Send to connA")
	}
}

func TestSendFailsForUnknownDevice(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.Send("ghost", protocol.TypeBatchAck, protocol.BatchAckPayload{}); err == nil {
		t.Error("expected error sending to an unconnected device")
	}
}

func TestBroadcastFansOutToAllClients(t *testing.T) {
	srv, wsURL := newTestServer(t)

	connA, _ := dialHello(t, wsURL, protocol.HelloPayload{DeviceID: "a", StoreID: "store-9", ProtocolVersion: protocol.Version})
	defer connA.Close()
	connB, _ := dialHello(t, wsURL, protocol.HelloPayload{DeviceID: "b", StoreID: "store-9", ProtocolVersion: protocol.Version})
	defer connB.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.ConnectedCount() != 2 {
		time.Sleep(10 * time.Millisecond)
	}

	srv.Broadcast(protocol.TypeInventoryUpd, protocol.InventoryUpdatePayload{ProductID: "p1", SKU: "sku-1", DeltaQuantity: -2})

	for _, c := range []*websocket.Conn{connA, connB} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read broadcast: %v", err)
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if msg.Type != protocol.TypeInventoryUpd {
			t.Errorf("type = %s, want %s", msg.Type, protocol.TypeInventoryUpd)
		}
	}
}
