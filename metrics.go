package solidb

import "time"

// Metrics provides observability for Solidb operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                    {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)         {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)     {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricDocGetSuccess    = "solidb.document.get.success"
	MetricDocGetError      = "solidb.document.get.error"
	MetricDocGetDuration   = "solidb.document.get.duration"
	MetricDocWriteSuccess  = "solidb.document.write.success"
	MetricDocWriteError    = "solidb.document.write.error"
	MetricDocWriteDuration = "solidb.document.write.duration"
	MetricDocDeleteSuccess  = "solidb.document.delete.success"
	MetricDocDeleteError    = "solidb.document.delete.error"
	MetricDocDeleteDuration = "solidb.document.delete.duration"

	MetricQueryDuration = "solidb.query.duration"
	MetricQueryResults  = "solidb.query.results"

	MetricIndexUpdate  = "solidb.index.update"
	MetricIndexRetries = "solidb.index.retries"
	MetricIndexErrors  = "solidb.index.errors"
	MetricIndexHits    = "solidb.index.hits"
	MetricIndexMisses  = "solidb.index.misses"

	MetricTransactionSuccess  = "solidb.transaction.success"
	MetricTransactionConflict = "solidb.transaction.conflict"
	MetricTransactionRollback = "solidb.transaction.rollback"
	MetricTransactionSize     = "solidb.transaction.size"

	// Peer replication: rows pushed/applied over the HLC-ordered log, and
	// LWW conflicts resolved during reconciliation.
	MetricReplicationPushed     = "solidb.replication.pushed"
	MetricReplicationApplied    = "solidb.replication.applied"
	MetricReplicationConflicts  = "solidb.replication.conflicts"
	MetricReplicationLagSeconds = "solidb.replication.lag_seconds"

	// Underlying bbolt-backed KV store.
	MetricKVOps     = "solidb.kv.ops"
	MetricKVErrors  = "solidb.kv.errors"
	MetricKVLatency = "solidb.kv.latency"

	// Optional Redis secondary-index mirror.
	MetricMirrorHits   = "solidb.mirror.hits"
	MetricMirrorMisses = "solidb.mirror.misses"
	MetricMirrorSize   = "solidb.mirror.size"
)

// Production integrations:
//
// For Prometheus (github.com/prometheus/client_golang):
//   type PrometheusMetrics struct {
//       counters   map[string]prometheus.Counter
//       gauges     map[string]prometheus.Gauge
//       histograms map[string]prometheus.Histogram
//   }
//
// For Datadog (github.com/DataDog/datadog-go/statsd):
//   type DatadogMetrics struct { client *statsd.Client }
//   func (m *DatadogMetrics) Increment(name string, tags ...string) {
//       m.client.Incr(name, tags, 1)
//   }
//
// For StatsD:
//   type StatsDMetrics struct { client *statsd.Client }
//   func (m *StatsDMetrics) Timing(name string, duration time.Duration, tags ...string) {
//       m.client.Timing(name, duration, tags...)
//   }
