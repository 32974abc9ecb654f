// Package protocol defines the tagged-union WebSocket message envelope
// shared between SECONDARY devices and the Store Hub.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version this build negotiates in Hello/Welcome.
const Version = 2

// MaxFrameSize is the largest frame accepted on receive; larger frames
// close the connection (spec §4.1).
const MaxFrameSize = 1 << 20 // ~1 MiB

// Message is the envelope for all wire messages.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageType enumerates the closed tagged union of wire messages.
type MessageType string

const (
	TypeHello          MessageType = "Hello"
	TypeWelcome        MessageType = "Welcome"
	TypeOutboxBatch    MessageType = "OutboxBatch"
	TypeBatchAck       MessageType = "BatchAck"
	TypeInventoryDelta MessageType = "InventoryDelta"
	TypeInventoryUpd   MessageType = "InventoryUpdate"
	TypeHeartbeat      MessageType = "Heartbeat"
	TypeElectionStart  MessageType = "ElectionStart"
	TypeElectionVote   MessageType = "ElectionVote"
	TypeElectionResult MessageType = "ElectionResult"
	TypeEntityUpdate   MessageType = "EntityUpdate"
	TypeUpdateAck      MessageType = "UpdateAck"
	TypePing           MessageType = "Ping"
	TypePong           MessageType = "Pong"
	TypeError          MessageType = "Error"
	TypeCursorRequest  MessageType = "CursorRequest"
	TypeCursorResponse MessageType = "CursorResponse"
)

// New builds a Message by marshalling payload into the envelope's raw field.
func New(msgType MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", msgType, err)
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the envelope's payload into target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Encode marshals the full envelope to wire bytes.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses wire bytes into an envelope, enforcing MaxFrameSize.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds max frame size %d", len(data), MaxFrameSize)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
