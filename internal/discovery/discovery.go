// Package discovery implements the UDP broadcast bootstrap protocol that
// lets a SECONDARY find its store's Hub without a pre-configured URL
// (spec §4.3), plus an optional mDNS strategy supplementing it.
package discovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"
)

// Wire format constants (spec §6).
var magic = [4]byte{'T', 'P', 'O', 'S'}

const wireVersion = 1

type frameType byte

const (
	frameHubRequest   frameType = 1
	frameHubAnnounce  frameType = 2
	frameHubHeartbeat frameType = 3
)

// Announce is a decoded HubAnnounce/HubHeartbeat frame.
type Announce struct {
	WSPort       uint16
	ElectionTerm uint64
	Priority     int
	DeviceID     string
	DeviceName   string
	StoreID      string
	FromAddr     *net.UDPAddr
}

func encodeAnnounce(a Announce, typ frameType) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(wireVersion)
	buf.WriteByte(byte(typ))
	binary.Write(&buf, binary.BigEndian, a.WSPort)
	binary.Write(&buf, binary.BigEndian, a.ElectionTerm)
	buf.WriteByte(byte(a.Priority))
	writeLPString(&buf, a.DeviceID)
	writeLPString(&buf, a.DeviceName)
	writeLPString(&buf, a.StoreID)
	return buf.Bytes()
}

func encodeHubRequest(storeID string) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(wireVersion)
	buf.WriteByte(byte(frameHubRequest))
	writeLPString(&buf, storeID)
	return buf.Bytes()
}

func writeLPString(buf *bytes.Buffer, s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func readLPString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeFrame parses a raw datagram. Invalid magic or unknown type returns
// (0, nil, false) so the caller silently drops it, per spec §4.3.
func decodeFrame(data []byte) (frameType, *bytes.Reader, bool) {
	if len(data) < 6 || !bytes.Equal(data[0:4], magic[:]) {
		return 0, nil, false
	}
	ver := data[4]
	typ := frameType(data[5])
	if ver != wireVersion {
		return 0, nil, false
	}
	switch typ {
	case frameHubRequest, frameHubAnnounce, frameHubHeartbeat:
		return typ, bytes.NewReader(data[6:]), true
	default:
		return 0, nil, false
	}
}

func decodeAnnounce(r *bytes.Reader, from *net.UDPAddr) (Announce, error) {
	var a Announce
	a.FromAddr = from
	if err := binary.Read(r, binary.BigEndian, &a.WSPort); err != nil {
		return a, err
	}
	if err := binary.Read(r, binary.BigEndian, &a.ElectionTerm); err != nil {
		return a, err
	}
	priority, err := r.ReadByte()
	if err != nil {
		return a, err
	}
	a.Priority = int(priority)
	if a.DeviceID, err = readLPString(r); err != nil {
		return a, err
	}
	if a.DeviceName, err = readLPString(r); err != nil {
		return a, err
	}
	if a.StoreID, err = readLPString(r); err != nil {
		return a, err
	}
	return a, nil
}

// Responder runs on the PRIMARY side: answers HubRequest with a unicast
// HubAnnounce, and periodically broadcasts the same fields as a HubHeartbeat
// frame.
type Responder struct {
	log       *slog.Logger
	port      int
	heartbeat time.Duration
	self      func() Announce // called fresh each send so term/priority stay current
}

// NewResponder builds a Responder; self is invoked per-send so the caller
// can report its up-to-date election term.
func NewResponder(log *slog.Logger, udpPort int, heartbeatInterval time.Duration, self func() Announce) *Responder {
	return &Responder{
		log:       log.With("component", "discovery-responder"),
		port:      udpPort,
		heartbeat: heartbeatInterval,
		self:      self,
	}
}

// Name implements lifecycle.Service.
func (r *Responder) Name() string { return "discovery-responder" }

// Health implements lifecycle.Service.
func (r *Responder) Health() error { return nil }

// Start implements lifecycle.Service: listens for HubRequest and answers,
// while also periodically broadcasting a heartbeat. Blocks until ctx done.
func (r *Responder) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: r.port})
	if err != nil {
		return fmt.Errorf("discovery: listen on udp %d: %w", r.port, err)
	}
	defer conn.Close()

	go r.heartbeatLoop(ctx)

	buf := make([]byte, 2048)
	for {
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		typ, payload, ok := decodeFrame(buf[:n])
		if !ok || typ != frameHubRequest {
			continue
		}
		storeID, err := readLPString(payload)
		if err != nil {
			continue
		}
		self := r.self()
		if storeID != self.StoreID {
			continue
		}
		frame := encodeAnnounce(self, frameHubAnnounce)
		if _, err := conn.WriteToUDP(frame, from); err != nil {
			r.log.Debug("unicast announce failed", "err", err)
		}
	}
}

// Stop implements lifecycle.Service.
func (r *Responder) Stop(ctx context.Context) error { return nil }

func (r *Responder) heartbeatLoop(ctx context.Context) {
	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: r.port}
	conn, err := net.DialUDP("udp4", nil, broadcastAddr)
	if err != nil {
		r.log.Warn("heartbeat broadcast socket unavailable", "err", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := encodeAnnounce(r.self(), frameHubHeartbeat)
			if _, err := conn.Write(frame); err != nil {
				r.log.Debug("heartbeat broadcast failed", "err", err)
			}
		}
	}
}

// Scan performs one SECONDARY-side discovery scan: broadcast a HubRequest,
// collect HubAnnounce replies until timeout, filter to storeID, exclude
// selfDeviceID, and return all matches sorted by tie-break order (highest
// priority first; on a tie, lexicographically smaller device ID wins).
func Scan(udpPort int, timeout time.Duration, storeID, selfDeviceID string) ([]Announce, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("discovery: bind scan socket: %w", err)
	}
	defer conn.Close()

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: udpPort}
	if _, err := conn.WriteToUDP(encodeHubRequest(storeID), broadcastAddr); err != nil {
		return nil, fmt.Errorf("discovery: send HubRequest: %w", err)
	}

	deadline := time.Now().Add(timeout)
	var found []Announce
	buf := make([]byte, 2048)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		conn.SetReadDeadline(time.Now().Add(remaining))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		typ, payload, ok := decodeFrame(buf[:n])
		if !ok || (typ != frameHubAnnounce && typ != frameHubHeartbeat) {
			continue
		}
		a, err := decodeAnnounce(payload, from)
		if err != nil {
			continue
		}
		if a.StoreID != storeID || a.DeviceID == selfDeviceID {
			continue
		}
		found = append(found, a)
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Priority != found[j].Priority {
			return found[i].Priority > found[j].Priority
		}
		return found[i].DeviceID < found[j].DeviceID
	})
	return found, nil
}
