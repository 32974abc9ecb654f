package nats

import (
	"testing"

	"go.titansync.dev/sync/internal/queue"
)

// TestCatalogNotificationEncodeDecode tests JSON encoding/decoding of catalog notifications
func TestCatalogNotificationEncodeDecode(t *testing.T) {
	original := &CatalogNotification{
		StoreID:    "store-123",
		EntityType: "Product",
		Cursor:     42,
	}

	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := DecodeCatalogNotification(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.StoreID != original.StoreID {
		t.Errorf("StoreID mismatch: got %s, want %s", decoded.StoreID, original.StoreID)
	}
	if decoded.EntityType != original.EntityType {
		t.Errorf("EntityType mismatch: got %s, want %s", decoded.EntityType, original.EntityType)
	}
	if decoded.Cursor != original.Cursor {
		t.Errorf("Cursor mismatch: got %d, want %d", decoded.Cursor, original.Cursor)
	}
}

// TestDecodeCatalogNotificationInvalidJSON tests handling invalid JSON
func TestDecodeCatalogNotificationInvalidJSON(t *testing.T) {
	_, err := DecodeCatalogNotification([]byte("{ invalid json }"))
	if err == nil {
		t.Error("Expected error for invalid JSON, got nil")
	}
}

// TestCatalogNotificationJSON tests JSON field naming
func TestCatalogNotificationJSON(t *testing.T) {
	msg := &CatalogNotification{StoreID: "store-1", EntityType: "TaxRate", Cursor: 7}

	data, _ := msg.Encode()
	jsonStr := string(data)

	expectedFields := []string{`"storeId"`, `"entityType"`, `"cursor"`}
	for _, field := range expectedFields {
		if !containsString(jsonStr, field) {
			t.Errorf("Expected %s in JSON, got %s", field, jsonStr)
		}
	}
}

// TestCatalogNotificationDefaults tests zero-value defaults
func TestCatalogNotificationDefaults(t *testing.T) {
	msg := &CatalogNotification{}

	if msg.Cursor != 0 {
		t.Errorf("Expected Cursor 0, got %d", msg.Cursor)
	}
	if msg.StoreID != "" {
		t.Error("Expected empty StoreID by default")
	}
}

// TestNewPublisher tests publisher creation
func TestNewPublisher(t *testing.T) {
	// We can't test with a real JetStream without a NATS connection
	// but we can verify the constructor doesn't panic
	publisher := NewPublisher(nil, "TEST")

	if publisher == nil {
		t.Error("NewPublisher returned nil")
	}

	if publisher.stream != "TEST" {
		t.Errorf("Expected stream 'TEST', got '%s'", publisher.stream)
	}
}

// TestNewConsumer tests consumer creation
func TestNewConsumer(t *testing.T) {
	consumer := NewConsumer(nil, "test-consumer")

	if consumer == nil {
		t.Error("NewConsumer returned nil")
	}

	if consumer.name != "test-consumer" {
		t.Errorf("Expected name 'test-consumer', got '%s'", consumer.name)
	}
}

// TestPublisherClose tests publisher close
func TestPublisherClose(t *testing.T) {
	publisher := NewPublisher(nil, "TEST")

	err := publisher.Close()
	if err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

// TestConsumerClose tests consumer close
func TestConsumerClose(t *testing.T) {
	consumer := NewConsumer(nil, "test-consumer")

	err := consumer.Close()
	if err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

// TestNATSConfig tests config defaults
func TestNATSConfig(t *testing.T) {
	cfg := queue.NATSConfig{
		URL:        "nats://localhost:4222",
		StreamName: "TITAN_CATALOG",
	}

	if cfg.URL != "nats://localhost:4222" {
		t.Errorf("Expected URL 'nats://localhost:4222', got '%s'", cfg.URL)
	}

	if cfg.StreamName != "TITAN_CATALOG" {
		t.Errorf("Expected StreamName 'TITAN_CATALOG', got '%s'", cfg.StreamName)
	}
}

// TestNATSConfigDefaults tests empty config handling
func TestNATSConfigDefaults(t *testing.T) {
	cfg := queue.NATSConfig{}

	if cfg.URL != "" {
		t.Errorf("Expected empty URL, got '%s'", cfg.URL)
	}

	if cfg.AckWait != 0 {
		t.Errorf("Expected 0 AckWait, got %v", cfg.AckWait)
	}

	if cfg.MaxDeliver != 0 {
		t.Errorf("Expected 0 MaxDeliver, got %d", cfg.MaxDeliver)
	}
}

// TestMessageBuilderIntegration tests MessageBuilder with NATS headers
func TestMessageBuilderIntegration(t *testing.T) {
	builder := queue.NewMessageBuilder("catalog.store-1").
		WithData([]byte(`{"entityType": "Product"}`)).
		WithMessageGroup("store-1").
		WithDeduplicationID("dedup-123").
		WithMetadata("priority", "high")

	if builder.Subject() != "catalog.store-1" {
		t.Errorf("Expected subject 'catalog.store-1', got '%s'", builder.Subject())
	}

	if builder.MessageGroup() != "store-1" {
		t.Errorf("Expected message group 'store-1', got '%s'", builder.MessageGroup())
	}

	if builder.DeduplicationID() != "dedup-123" {
		t.Errorf("Expected deduplication ID 'dedup-123', got '%s'", builder.DeduplicationID())
	}

	metadata := builder.Metadata()
	if metadata["priority"] != "high" {
		t.Errorf("Expected priority 'high', got '%s'", metadata["priority"])
	}
}

// Helper for string containment
func containsString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// Benchmark for encoding
func BenchmarkCatalogNotificationEncode(b *testing.B) {
	msg := &CatalogNotification{StoreID: "store-bench", EntityType: "Product", Cursor: 100}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg.Encode()
	}
}

// Benchmark for decoding
func BenchmarkCatalogNotificationDecode(b *testing.B) {
	msg := &CatalogNotification{StoreID: "store-bench", EntityType: "Product", Cursor: 100}
	encoded, _ := msg.Encode()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DecodeCatalogNotification(encoded)
	}
}
