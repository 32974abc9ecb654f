package protocol

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hello := &HelloPayload{
		DeviceID:        "reg-1",
		DeviceName:      "Front Register",
		StoreID:         "store-9",
		ProtocolVersion: Version,
		Priority:        80,
	}

	msg, err := New(TypeHello, hello)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeHello {
		t.Fatalf("Type = %s, want %s", decoded.Type, TypeHello)
	}

	var got HelloPayload
	if err := decoded.ParsePayload(&got); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if got != *hello {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, *hello)
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	oversized := make([]byte, MaxFrameSize+1)
	_, err := Decode(oversized)
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
	if !strings.Contains(err.Error(), "exceeds max frame size") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestMessageTypesAreDistinct(t *testing.T) {
	all := []MessageType{
		TypeHello, TypeWelcome, TypeOutboxBatch, TypeBatchAck,
		TypeInventoryDelta, TypeInventoryUpd, TypeHeartbeat,
		TypeElectionStart, TypeElectionVote, TypeElectionResult,
		TypeEntityUpdate, TypeUpdateAck, TypePing, TypePong,
		TypeError, TypeCursorRequest, TypeCursorResponse,
	}
	seen := make(map[MessageType]bool, len(all))
	for _, mt := range all {
		if seen[mt] {
			t.Errorf("duplicate message type value: %s", mt)
		}
		seen[mt] = true
	}
}
