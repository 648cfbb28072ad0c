package solidb

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewPrometheusMetrics tests creating Prometheus metrics
func TestNewPrometheusMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	if metrics == nil {
		t.Fatal("expected PrometheusMetrics, got nil")
	}

	if metrics.registry != registry {
		t.Error("registry not set correctly")
	}

	// Verify default metrics were registered
	if len(metrics.counters) == 0 {
		t.Error("expected counters to be registered")
	}
	if len(metrics.gauges) == 0 {
		t.Error("expected gauges to be registered")
	}
	if len(metrics.histograms) == 0 {
		t.Error("expected histograms to be registered")
	}
}

// TestNewPrometheusMetricsWithNilRegistry tests using default registry
func TestNewPrometheusMetricsWithNilRegistry(t *testing.T) {
	// Note: This will use the default Prometheus registry
	// We can't easily test this without polluting the global registry
	// So we skip this test or use a custom registry
	t.Skip("Skipping test that would pollute default registry")
}

// TestPrometheusMetricsIncrement tests counter increments
func TestPrometheusMetricsIncrement(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	// Test increment with labels (must match registered label count)
	metrics.Increment(MetricKVOps, "operation", "get", "cf", "documents")
	metrics.Increment(MetricKVOps, "operation", "put", "cf", "documents")
	metrics.Increment(MetricKVOps, "operation", "delete", "cf", "documents")

	// Verify metrics were recorded (by checking registry)
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	// Should have at least the kv_operations_total metric
	found := false
	for _, mf := range metricFamilies {
		if strings.Contains(mf.GetName(), "kv_operations_total") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected kv_operations_total metric to be registered")
	}
}

// TestPrometheusMetricsGauge tests gauge operations
func TestPrometheusMetricsGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	// Test gauge (MetricMirrorSize has no labels)
	metrics.Gauge(MetricMirrorSize, 5.5)
	metrics.Gauge(MetricMirrorSize, 2.3)
	metrics.Gauge(MetricTransactionSize, 10)

	// Verify metrics were recorded
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metricFamilies {
		if strings.Contains(mf.GetName(), "mirror_size") || strings.Contains(mf.GetName(), "transaction_size") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected gauge metrics to be registered")
	}
}

// TestPrometheusMetricsHistogram tests histogram observations
func TestPrometheusMetricsHistogram(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	// Test histogram with labels (must match registered label count)
	metrics.Histogram(MetricKVLatency, 100.0, "operation", "get", "cf", "documents")
	metrics.Histogram(MetricKVLatency, 50.0, "operation", "get", "cf", "documents")
	metrics.Histogram(MetricKVLatency, 150.0, "operation", "put", "cf", "documents")

	// Verify metrics were recorded
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metricFamilies {
		if strings.Contains(mf.GetName(), "kv_operation_duration") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected kv operation duration histogram to be registered")
	}
}

// TestPrometheusMetricsTiming tests timing observations
func TestPrometheusMetricsTiming(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	// Test timing with labels (must match registered label count)
	metrics.Timing(MetricKVLatency, 100*time.Millisecond, "operation", "get", "cf", "documents")
	metrics.Timing(MetricKVLatency, 50*time.Millisecond, "operation", "get", "cf", "documents")
	metrics.Timing(MetricKVLatency, 150*time.Millisecond, "operation", "put", "cf", "documents")

	// Verify histogram was updated (Timing should record to histogram)
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metricFamilies {
		if strings.Contains(mf.GetName(), "kv_operation_duration") {
			found = true
			// Verify it's a histogram
			if mf.GetType() != 4 { // HISTOGRAM = 4
				t.Errorf("expected histogram type, got %v", mf.GetType())
			}
			break
		}
	}
	if !found {
		t.Error("expected kv operation duration metric")
	}
}

// TestPrometheusMetricsGetRegistry tests registry retrieval
func TestPrometheusMetricsGetRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	retrieved := metrics.GetRegistry()
	if retrieved != registry {
		t.Error("GetRegistry returned wrong registry")
	}
}

// TestPrometheusMetricsLabelExtraction tests label extraction
func TestPrometheusMetricsLabelExtraction(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	// Test with correct label count (must match registered labels)
	// MetricKVOps expects "operation" and "cf" labels
	metrics.Increment(MetricKVOps, "operation", "get", "cf", "documents")
	metrics.Increment(MetricKVOps, "operation", "put", "cf", "documents")

	// MetricIndexHits expects "entity" and "index" labels
	metrics.Increment(MetricIndexHits, "entity", "users", "index", "email")
	metrics.Increment(MetricIndexHits, "entity", "orders", "index", "status")
}

// TestPrometheusMetricsAllMetricTypes tests all registered metric types
func TestPrometheusMetricsAllMetricTypes(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	// Record various metrics
	metrics.Increment(MetricKVOps, "operation", "get", "cf", "documents")
	metrics.Increment(MetricKVErrors, "operation", "put", "cf", "documents", "error_type", "timeout")
	metrics.Increment(MetricIndexHits, "entity", "users", "index", "email")
	metrics.Increment(MetricIndexMisses, "entity", "orders", "index", "status")
	metrics.Increment(MetricMirrorHits, "collection", "users", "index", "email")
	metrics.Increment(MetricMirrorMisses, "collection", "orders", "index", "status")

	metrics.Gauge(MetricTransactionSize, 3.2)
	metrics.Gauge(MetricMirrorSize, 1000)

	metrics.Histogram(MetricKVLatency, 75.0, "operation", "get", "cf", "documents")
	metrics.Histogram(MetricQueryDuration, 120.0, "prefix", "products")

	// Gather all metrics
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	// Verify we have multiple metric families
	if len(metricFamilies) < 5 {
		t.Errorf("expected at least 5 metric families, got %d", len(metricFamilies))
	}
}

// TestPrometheusMetricsImplementsInterface verifies interface implementation
func TestPrometheusMetricsImplementsInterface(t *testing.T) {
	var _ Metrics = &PrometheusMetrics{}
}

// TestPrometheusMetricsConcurrency tests concurrent metric updates
func TestPrometheusMetricsConcurrency(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	// Run concurrent updates
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				metrics.Increment(MetricKVOps, "operation", "concurrent", "cf", "documents")
				metrics.Gauge(MetricMirrorSize, float64(j))
				metrics.Histogram(MetricKVLatency, float64(j), "operation", "test", "cf", "documents")
			}
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	// Should complete without panic
}
