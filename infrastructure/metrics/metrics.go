// Package metrics provides Prometheus metrics collection for the indexer.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentregistry/indexer/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics exposed by the indexer.
type Metrics struct {
	// Ingestion
	EventsDecodedTotal  *prometheus.CounterVec
	FlushBatchesTotal   *prometheus.CounterVec
	FlushRetriesTotal   prometheus.Counter
	FlushDuration       prometheus.Histogram
	DeadLetterSize      prometheus.Gauge
	CursorSlot          prometheus.Gauge
	WebsocketDropsTotal prometheus.Counter
	RPCRequestsTotal    *prometheus.CounterVec
	RPCRequestDuration  *prometheus.HistogramVec

	// Integrity / verifier
	IntegrityVerifyCyclesTotal prometheus.Counter
	IntegrityMismatchCount     prometheus.Counter
	IntegrityOrphanCount       prometheus.Counter
	IntegrityLastVerifiedSlot  prometheus.Gauge
	IntegrityVerifierActive    prometheus.Gauge

	// Errors and service health
	ErrorsTotal   *prometheus.CounterVec
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsDecodedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_events_decoded_total",
				Help: "Total number of events decoded, by kind",
			},
			[]string{"event_kind"},
		),
		FlushBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_flush_batches_total",
				Help: "Total number of batch flush attempts, by outcome",
			},
			[]string{"status"},
		),
		FlushRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_flush_retries_total",
				Help: "Total number of batch flush retries",
			},
		),
		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexer_flush_duration_seconds",
				Help:    "Batch flush duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
			},
		),
		DeadLetterSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_dead_letter_size",
				Help: "Current number of events held in the dead letter ring",
			},
		),
		CursorSlot: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_cursor_slot",
				Help: "Most recently committed ingestion cursor slot",
			},
		),
		WebsocketDropsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_websocket_drops_total",
				Help: "Total number of log notifications dropped due to a full subscriber queue",
			},
		),
		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_rpc_requests_total",
				Help: "Total number of chain RPC requests, by method and outcome",
			},
			[]string{"method", "status"},
		),
		RPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_rpc_request_duration_seconds",
				Help:    "Chain RPC request duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
			},
			[]string{"method"},
		),

		IntegrityVerifyCyclesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "integrity_verify_cycles_total",
				Help: "Total number of verifier cycles run",
			},
		),
		IntegrityMismatchCount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "integrity_mismatch_count",
				Help: "Total number of hash-chain digest mismatches detected",
			},
		),
		IntegrityOrphanCount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "integrity_orphan_count",
				Help: "Total number of events marked ORPHANED by reorg detection",
			},
		),
		IntegrityLastVerifiedSlot: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "integrity_last_verified_slot",
				Help: "Highest slot confirmed by the verifier",
			},
		),
		IntegrityVerifierActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "integrity_verifier_active",
				Help: "1 if the verifier loop is currently running, 0 otherwise",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_errors_total",
				Help: "Total number of errors, by code",
			},
			[]string{"code"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_service_info",
				Help: "Service build information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.EventsDecodedTotal,
			m.FlushBatchesTotal,
			m.FlushRetriesTotal,
			m.FlushDuration,
			m.DeadLetterSize,
			m.CursorSlot,
			m.WebsocketDropsTotal,
			m.RPCRequestsTotal,
			m.RPCRequestDuration,
			m.IntegrityVerifyCyclesTotal,
			m.IntegrityMismatchCount,
			m.IntegrityOrphanCount,
			m.IntegrityLastVerifiedSlot,
			m.IntegrityVerifierActive,
			m.ErrorsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordEventDecoded records one decoded event of the given kind.
func (m *Metrics) RecordEventDecoded(eventKind string) {
	m.EventsDecodedTotal.WithLabelValues(eventKind).Inc()
}

// RecordFlush records the outcome and duration of a batch flush.
func (m *Metrics) RecordFlush(status string, duration time.Duration) {
	m.FlushBatchesTotal.WithLabelValues(status).Inc()
	m.FlushDuration.Observe(duration.Seconds())
}

// RecordError records an error by its stable error code.
func (m *Metrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordRPCRequest records a chain RPC call.
func (m *Metrics) RecordRPCRequest(method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetCursorSlot records the latest committed ingestion cursor slot.
func (m *Metrics) SetCursorSlot(slot uint64) {
	m.CursorSlot.Set(float64(slot))
}

// SetDeadLetterSize records the current dead letter ring occupancy.
func (m *Metrics) SetDeadLetterSize(size int) {
	m.DeadLetterSize.Set(float64(size))
}

// SetVerifierActive records whether the verifier loop is running.
func (m *Metrics) SetVerifierActive(active bool) {
	if active {
		m.IntegrityVerifierActive.Set(1)
	} else {
		m.IntegrityVerifierActive.Set(0)
	}
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
