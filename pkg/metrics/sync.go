package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics records reconciliation cycles on the client and record traffic
// on both ends.
type SyncMetrics struct {
	cycles    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	records   *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	blocked   *prometheus.CounterVec
}

// NewSyncMetrics registers the sync metrics on the provided registerer.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		return &SyncMetrics{}
	}
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "habistat_sync_cycles_total",
		Help: "Sync cycles by scope and final status.",
	}, []string{"scope", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "habistat_sync_cycle_duration_seconds",
		Help:    "Wall time of sync cycles.",
		Buckets: prometheus.DefBuckets,
	}, []string{"scope"})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "habistat_sync_records_total",
		Help: "Records moved by sync, by kind and direction (pulled, pushed, merged, skipped on clients; served, received on the API).",
	}, []string{"kind", "direction"})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "habistat_sync_conflicts_total",
		Help: "Incoming records that met a locally modified row.",
	}, []string{"kind"})
	blocked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "habistat_rate_limit_blocked_total",
		Help: "Requests rejected by the sync rate limiter.",
	}, []string{"scope"})
	reg.MustRegister(cycles, duration, records, conflicts, blocked)
	return &SyncMetrics{
		cycles:    cycles,
		duration:  duration,
		records:   records,
		conflicts: conflicts,
		blocked:   blocked,
	}
}

// ObserveCycle records one finished cycle.
func (m *SyncMetrics) ObserveCycle(scope, status string, duration time.Duration) {
	if m == nil || m.cycles == nil {
		return
	}
	m.cycles.WithLabelValues(normalizeLabel(scope), normalizeLabel(status)).Inc()
	m.duration.WithLabelValues(normalizeLabel(scope)).Observe(duration.Seconds())
}

// AddRecords counts n records of kind moving in direction.
func (m *SyncMetrics) AddRecords(kind, direction string, n int) {
	if m == nil || m.records == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(normalizeLabel(kind), normalizeLabel(direction)).Add(float64(n))
}

func (m *SyncMetrics) AddConflicts(kind string, n int) {
	if m == nil || m.conflicts == nil || n <= 0 {
		return
	}
	m.conflicts.WithLabelValues(normalizeLabel(kind)).Add(float64(n))
}

func (m *SyncMetrics) IncRateLimited(scope string) {
	if m == nil || m.blocked == nil {
		return
	}
	m.blocked.WithLabelValues(normalizeLabel(scope)).Inc()
}
