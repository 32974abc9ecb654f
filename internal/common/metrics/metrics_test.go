package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// === Hub Metrics Tests ===

func TestHubConnectedClients_GaugeOperations(t *testing.T) {
	HubConnectedClients.Set(3)
	if v := testutil.ToFloat64(HubConnectedClients); v != 3 {
		t.Errorf("Expected 3, got %f", v)
	}
	HubConnectedClients.Inc()
	if v := testutil.ToFloat64(HubConnectedClients); v != 4 {
		t.Errorf("Expected 4, got %f", v)
	}
	HubConnectedClients.Dec()
}

func TestHubMessagesBroadcast_Labels(t *testing.T) {
	HubMessagesBroadcast.WithLabelValues("inventory_update").Inc()
	HubMessagesBroadcast.WithLabelValues("heartbeat").Inc()

	counter := HubMessagesBroadcast.WithLabelValues("inventory_update")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestHubDroppedBroadcasts_Counter(t *testing.T) {
	HubDroppedBroadcasts.WithLabelValues("device-1").Inc()
	HubDroppedBroadcasts.WithLabelValues("device-1").Inc()

	if v := testutil.ToFloat64(HubDroppedBroadcasts.WithLabelValues("device-1")); v != 2 {
		t.Errorf("Expected 2, got %f", v)
	}
}

// === Transport Metrics Tests ===

func TestTransportReconnects_Counter(t *testing.T) {
	before := testutil.ToFloat64(TransportReconnects)
	TransportReconnects.Inc()
	if v := testutil.ToFloat64(TransportReconnects); v != before+1 {
		t.Errorf("Expected %f, got %f", before+1, v)
	}
}

func TestTransportConnectionState_GaugeValues(t *testing.T) {
	TransportConnectionState.Set(0)
	if v := testutil.ToFloat64(TransportConnectionState); v != 0 {
		t.Errorf("Expected 0 (disconnected), got %f", v)
	}
	TransportConnectionState.Set(2)
	if v := testutil.ToFloat64(TransportConnectionState); v != 2 {
		t.Errorf("Expected 2 (connected), got %f", v)
	}
}

func TestTransportMessagesSent_Labels(t *testing.T) {
	TransportMessagesSent.WithLabelValues("inventory_delta").Inc()
	counter := TransportMessagesSent.WithLabelValues("inventory_delta")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Election Metrics Tests ===

func TestElectionTransitions_Labels(t *testing.T) {
	ElectionTransitions.WithLabelValues("primary").Inc()
	ElectionTransitions.WithLabelValues("secondary").Inc()

	if v := testutil.ToFloat64(ElectionTransitions.WithLabelValues("primary")); v < 1 {
		t.Errorf("Expected at least 1, got %f", v)
	}
}

func TestElectionCurrentTerm_Gauge(t *testing.T) {
	ElectionCurrentTerm.Set(7)
	if v := testutil.ToFloat64(ElectionCurrentTerm); v != 7 {
		t.Errorf("Expected 7, got %f", v)
	}
}

func TestElectionIsPrimary_Values(t *testing.T) {
	ElectionIsPrimary.Set(1)
	if v := testutil.ToFloat64(ElectionIsPrimary); v != 1 {
		t.Errorf("Expected 1 (primary), got %f", v)
	}
	ElectionIsPrimary.Set(0)
	if v := testutil.ToFloat64(ElectionIsPrimary); v != 0 {
		t.Errorf("Expected 0 (secondary), got %f", v)
	}
}

// === Aggregator Metrics Tests ===

func TestAggregatorWindowSize_Observe(t *testing.T) {
	for _, n := range []float64{1, 3, 10, 50} {
		AggregatorWindowSize.Observe(n)
	}
}

func TestAggregatorDeltasIngested_Counter(t *testing.T) {
	before := testutil.ToFloat64(AggregatorDeltasIngested)
	AggregatorDeltasIngested.Inc()
	if v := testutil.ToFloat64(AggregatorDeltasIngested); v != before+1 {
		t.Errorf("Expected %f, got %f", before+1, v)
	}
}

// === Outbox Metrics Tests ===

func TestOutboxPendingItems_Gauge(t *testing.T) {
	OutboxPendingItems.Set(12)
	if v := testutil.ToFloat64(OutboxPendingItems); v != 12 {
		t.Errorf("Expected 12, got %f", v)
	}
}

func TestOutboxExhaustedItems_Gauge(t *testing.T) {
	OutboxExhaustedItems.Set(2)
	if v := testutil.ToFloat64(OutboxExhaustedItems); v != 2 {
		t.Errorf("Expected 2, got %f", v)
	}
}

func TestOutboxItemsProcessed_Labels(t *testing.T) {
	OutboxItemsProcessed.WithLabelValues("Sale", "synced").Inc()
	OutboxItemsProcessed.WithLabelValues("Sale", "failed").Inc()
	OutboxItemsProcessed.WithLabelValues("Product", "retried").Inc()

	if v := testutil.ToFloat64(OutboxItemsProcessed.WithLabelValues("Sale", "synced")); v < 1 {
		t.Errorf("Expected at least 1, got %f", v)
	}
}

func TestOutboxFlushDuration_Observe(t *testing.T) {
	for _, d := range []float64{0.001, 0.01, 0.1, 0.5, 1.0} {
		OutboxFlushDuration.Observe(d)
	}
}

// === Discovery Metrics Tests ===

func TestDiscoveryCandidatesFound_Labels(t *testing.T) {
	DiscoveryCandidatesFound.WithLabelValues("udp").Inc()
	DiscoveryCandidatesFound.WithLabelValues("mdns").Inc()

	counter := DiscoveryCandidatesFound.WithLabelValues("udp")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Cloud Metrics Tests ===

func TestCloudCallDuration_Observe(t *testing.T) {
	CloudCallDuration.WithLabelValues("Upload").Observe(0.2)
	CloudCallDuration.WithLabelValues("Download").Observe(1.5)
}

func TestCloudCallErrors_Labels(t *testing.T) {
	CloudCallErrors.WithLabelValues("Upload", "Unavailable").Inc()
	if v := testutil.ToFloat64(CloudCallErrors.WithLabelValues("Upload", "Unavailable")); v < 1 {
		t.Errorf("Expected at least 1, got %f", v)
	}
}

func TestCloudCircuitBreakerState_Values(t *testing.T) {
	CloudCircuitBreakerState.Set(CircuitBreakerClosed)
	if v := testutil.ToFloat64(CloudCircuitBreakerState); v != CircuitBreakerClosed {
		t.Errorf("Expected closed state, got %f", v)
	}
	CloudCircuitBreakerState.Set(CircuitBreakerOpen)
	if v := testutil.ToFloat64(CloudCircuitBreakerState); v != CircuitBreakerOpen {
		t.Errorf("Expected open state, got %f", v)
	}
}

func TestCloudTokenRefreshes_Labels(t *testing.T) {
	CloudTokenRefreshes.WithLabelValues("success").Inc()
	CloudTokenRefreshes.WithLabelValues("failed").Inc()
}

// === HTTP Metrics Tests ===

func TestHTTPRequestsTotal_Labels(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/status", "200").Inc()
	if v := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/status", "200")); v < 1 {
		t.Errorf("Expected at least 1, got %f", v)
	}
}

func TestHTTPRequestDuration_Observe(t *testing.T) {
	HTTPRequestDuration.WithLabelValues("GET", "/status").Observe(0.01)
}

// === Circuit Breaker Constants ===

func TestCircuitBreakerConstants(t *testing.T) {
	if CircuitBreakerClosed != 0 {
		t.Errorf("Expected CircuitBreakerClosed=0, got %d", CircuitBreakerClosed)
	}
	if CircuitBreakerOpen != 1 {
		t.Errorf("Expected CircuitBreakerOpen=1, got %d", CircuitBreakerOpen)
	}
	if CircuitBreakerHalfOpen != 2 {
		t.Errorf("Expected CircuitBreakerHalfOpen=2, got %d", CircuitBreakerHalfOpen)
	}
}

// === Naming Convention ===

func TestMetricNamingConvention(t *testing.T) {
	// All metric names registered under the titansync namespace should use
	// the namespace_subsystem_name convention when gathered.
	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := false
	for _, mf := range metricFamilies {
		if strings.HasPrefix(mf.GetName(), "titansync_") {
			found = true
		}
	}
	if !found {
		t.Error("Expected at least one titansync_ prefixed metric to be registered")
	}
}

// === Generic Counter/Gauge/Histogram Mechanics ===

func TestCounterValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})

	reg.MustRegister(counter)

	counter.Add(5)
	if v := testutil.ToFloat64(counter); v != 5 {
		t.Errorf("Expected counter value 5, got %f", v)
	}

	counter.Inc()
	if v := testutil.ToFloat64(counter); v != 6 {
		t.Errorf("Expected counter value 6, got %f", v)
	}
}

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})

	reg.MustRegister(gauge)

	gauge.Set(100)
	if v := testutil.ToFloat64(gauge); v != 100 {
		t.Errorf("Expected gauge value 100, got %f", v)
	}

	gauge.Add(50)
	if v := testutil.ToFloat64(gauge); v != 150 {
		t.Errorf("Expected gauge value 150, got %f", v)
	}

	gauge.Sub(30)
	if v := testutil.ToFloat64(gauge); v != 120 {
		t.Errorf("Expected gauge value 120, got %f", v)
	}
}

func TestHistogramBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_histogram",
		Help:    "Test histogram",
		Buckets: []float64{0.1, 0.5, 1.0, 5.0},
	})

	reg.MustRegister(histogram)

	histogram.Observe(0.05)
	histogram.Observe(0.25)
	histogram.Observe(0.75)
	histogram.Observe(2.5)
	histogram.Observe(10.0)
}

// === Integration Tests ===

func TestHubMetricsIntegration(t *testing.T) {
	for i := 0; i < 50; i++ {
		msgType := "inventory_update"
		if i%10 == 0 {
			msgType = "heartbeat"
		}
		HubMessagesBroadcast.WithLabelValues(msgType).Inc()
	}
	HubConnectedClients.Set(4)
}

func TestCloudUplinkMetricsIntegration(t *testing.T) {
	target := "upload-integration-test"

	for i := 0; i < 20; i++ {
		method := "Upload"
		if i%5 == 0 {
			method = "Download"
		}
		CloudCallDuration.WithLabelValues(method).Observe(0.05)
	}

	CloudCircuitBreakerState.Set(CircuitBreakerClosed)
	_ = target
}

// === Benchmarks ===

func BenchmarkCounterInc(b *testing.B) {
	counter := HubMessagesBroadcast.WithLabelValues("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Inc()
	}
}

func BenchmarkHistogramObserve(b *testing.B) {
	histogram := CloudCallDuration.WithLabelValues("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		histogram.Observe(0.123)
	}
}

func BenchmarkGaugeSet(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		OutboxPendingItems.Set(float64(i))
	}
}
