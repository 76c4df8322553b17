package grouping

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/thebtf/kwgroup/internal/grouping")

// Metrics tracks grouping runs. Counters are exported through the global
// OpenTelemetry meter and kept in-process for Snapshot.
type Metrics struct {
	startTime        time.Time
	recentLatencies  []time.Duration
	latenciesMu      sync.Mutex
	runs             atomic.Int64
	failures         atomic.Int64
	timeouts         atomic.Int64
	unavailable      atomic.Int64
	invalidInput     atomic.Int64
	keywordsEmbedded atomic.Int64
	groupsProduced   atomic.Int64
	emptyGroups      atomic.Int64
	nonConverged     atomic.Int64
	totalLatency     atomic.Int64 // Sum in microseconds

	runCounter     metric.Int64Counter
	failureCounter metric.Int64Counter
	keywordCounter metric.Int64Counter
	duration       metric.Float64Histogram
}

// NewMetrics creates a metrics tracker. Instrument creation failures leave
// the OpenTelemetry side as no-ops.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime:       time.Now(),
		recentLatencies: make([]time.Duration, 0, 1000),
	}
	m.runCounter, _ = meter.Int64Counter("kwgroup_runs_total",
		metric.WithDescription("Completed grouping runs"))
	m.failureCounter, _ = meter.Int64Counter("kwgroup_failures_total",
		metric.WithDescription("Failed grouping runs by error kind"))
	m.keywordCounter, _ = meter.Int64Counter("kwgroup_keywords_embedded_total",
		metric.WithDescription("Distinct keywords sent to the embedder"))
	m.duration, _ = meter.Float64Histogram("kwgroup_run_duration_seconds",
		metric.WithDescription("Grouping run duration"), metric.WithUnit("s"))
	return m
}

// RecordRun records a successful run.
func (m *Metrics) RecordRun(ctx context.Context, k, distinct, empty int, converged bool, elapsed time.Duration) {
	m.runs.Add(1)
	m.keywordsEmbedded.Add(int64(distinct))
	m.groupsProduced.Add(int64(k))
	m.emptyGroups.Add(int64(empty))
	if !converged {
		m.nonConverged.Add(1)
	}
	m.recordLatency(elapsed)

	if m.runCounter != nil {
		m.runCounter.Add(ctx, 1)
	}
	if m.keywordCounter != nil {
		m.keywordCounter.Add(ctx, int64(distinct))
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", "ok")))
	}
}

// RecordFailure records a failed run.
func (m *Metrics) RecordFailure(ctx context.Context, err error, elapsed time.Duration) {
	kind := Kind(err)
	m.failures.Add(1)
	switch kind {
	case "timeout":
		m.timeouts.Add(1)
	case "embedding_unavailable":
		m.unavailable.Add(1)
	case "invalid_input", "empty":
		m.invalidInput.Add(1)
	}
	m.recordLatency(elapsed)

	if m.failureCounter != nil {
		m.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", kind)))
	}
}

func (m *Metrics) recordLatency(elapsed time.Duration) {
	m.totalLatency.Add(elapsed.Microseconds())
	m.latenciesMu.Lock()
	m.recentLatencies = append(m.recentLatencies, elapsed)
	if len(m.recentLatencies) > 1000 {
		m.recentLatencies = m.recentLatencies[len(m.recentLatencies)-1000:]
	}
	m.latenciesMu.Unlock()
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	Runs             int64         `json:"runs"`
	Failures         int64         `json:"failures"`
	Timeouts         int64         `json:"timeouts"`
	Unavailable      int64         `json:"embedding_unavailable"`
	InvalidInput     int64         `json:"invalid_input"`
	KeywordsEmbedded int64         `json:"keywords_embedded"`
	GroupsProduced   int64         `json:"groups_produced"`
	EmptyGroups      int64         `json:"empty_groups"`
	NonConverged     int64         `json:"non_converged"`
	AvgLatency       time.Duration `json:"avg_latency_ns"`
	P50Latency       time.Duration `json:"p50_latency_ns"`
	P95Latency       time.Duration `json:"p95_latency_ns"`
	Uptime           time.Duration `json:"uptime_ns"`
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.latenciesMu.Lock()
	defer m.latenciesMu.Unlock()

	s := MetricsSnapshot{
		Runs:             m.runs.Load(),
		Failures:         m.failures.Load(),
		Timeouts:         m.timeouts.Load(),
		Unavailable:      m.unavailable.Load(),
		InvalidInput:     m.invalidInput.Load(),
		KeywordsEmbedded: m.keywordsEmbedded.Load(),
		GroupsProduced:   m.groupsProduced.Load(),
		EmptyGroups:      m.emptyGroups.Load(),
		NonConverged:     m.nonConverged.Load(),
		Uptime:           time.Since(m.startTime),
	}
	if total := s.Runs + s.Failures; total > 0 {
		s.AvgLatency = time.Duration(m.totalLatency.Load()/total) * time.Microsecond
	}
	if len(m.recentLatencies) > 0 {
		sorted := slices.Clone(m.recentLatencies)
		slices.Sort(sorted)
		s.P50Latency = percentile(sorted, 0.50)
		s.P95Latency = percentile(sorted, 0.95)
	}
	return s
}

// percentile returns the pth percentile of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
