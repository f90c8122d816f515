// Package health implements the throttle/health surface: slow-commit
// telemetry, one-shot fatal-error warnings, and Prometheus metrics for
// the primary commit path and the secondary pump.
package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvreplica/engine/internal/logging"
)

// Report is a best-effort health signal. Stateful reports
// recur on a refresh period until the condition clears; one-shot reports
// fire once.
type Report struct {
	Code        string
	Description string
	Stateful    bool
	TTL         time.Duration
}

// Sink receives health reports. Both the Prometheus-backed Reporter below
// and an optional Sentry sink satisfy this so a deployment can enable
// either, both, or neither (SPEC_FULL.md domain-stack wiring).
type Sink interface {
	Report(Report)
}

// Reporter tracks the slow-commit ring buffer and emits warnings when the
// spread across the last N commits stays below SlowCommitTimeThreshold —
// i.e. commits are arriving close together in time but each one is slow
// enough that N of them still span a short window.
type Reporter struct {
	mu       sync.Mutex
	times    []time.Time // ring buffer, oldest first
	depth    int
	log      *logging.Logger
	sinks    []Sink

	slowThreshold time.Duration

	commitLatency   prometheus.Histogram
	queuedBytes     prometheus.Gauge
	queuedOps       prometheus.Gauge
	appliedLsn      prometheus.Gauge
	throttleEdges   prometheus.Counter
	tombstonesPruned prometheus.Counter
	staleSecondaries prometheus.Counter
	falseProgress    prometheus.Counter
}

func NewReporter(reg prometheus.Registerer, log *logging.Logger, depth int, slowThreshold time.Duration, sinks ...Sink) *Reporter {
	r := &Reporter{
		log:           log,
		depth:         depth,
		slowThreshold: slowThreshold,
		sinks:         sinks,

		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "kvreplica_commit_latency_seconds",
			Help: "Local commit latency on the primary commit path.",
		}),
		queuedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvreplica_replication_queued_bytes",
			Help: "Wire replicator reported queued bytes.",
		}),
		queuedOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvreplica_replication_queued_ops",
			Help: "Wire replicator reported queued operations.",
		}),
		appliedLsn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvreplica_applied_lsn",
			Help: "Highest LSN applied by this replica.",
		}),
		throttleEdges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvreplica_throttle_edges_total",
			Help: "Number of throttle on/off edges observed.",
		}),
		tombstonesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvreplica_tombstones_pruned_total",
			Help: "Number of tombstone rows pruned.",
		}),
		staleSecondaries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvreplica_copy_stale_secondary_total",
			Help: "Number of copy builds that found the requesting secondary too stale for a partial copy.",
		}),
		falseProgress: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvreplica_copy_false_progress_total",
			Help: "Number of copy builds that found the requesting secondary claiming progress the primary can't honor.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.commitLatency, r.queuedBytes, r.queuedOps, r.appliedLsn, r.throttleEdges,
			r.tombstonesPruned, r.staleSecondaries, r.falseProgress)
	}
	return r
}

// RecordCommit records one local commit's duration. A commit slower than
// SlowCommitTimeThreshold is logged as a slow-path trace; a stateful health
// warning is emitted whenever the ring buffer is full and its oldest entry
// is no more than SlowCommitTimeThreshold older than this commit.
func (r *Reporter) RecordCommit(d time.Duration) {
	r.commitLatency.Observe(d.Seconds())
	if d > r.slowThreshold {
		r.log.Warn("slow local commit", "duration", d, "threshold", r.slowThreshold)
	}

	r.mu.Lock()
	now := time.Now()
	r.times = append(r.times, now)
	if len(r.times) > r.depth {
		r.times = r.times[len(r.times)-r.depth:]
	}
	full := len(r.times) == r.depth
	oldest := r.times[0]
	r.mu.Unlock()

	if full && now.Sub(oldest) <= r.slowThreshold {
		r.emit(Report{
			Code:        "ReplicaSlowCommit",
			Description: "commit latency is degrading replication throughput",
			Stateful:    true,
			TTL:         r.slowThreshold / 2,
		})
	}
}

// RecordFatal emits a one-shot warning for a specific classified error
// (path-too-long, fatal store error).
func (r *Reporter) RecordFatal(code, description string) {
	r.log.Error(description, "code", code)
	r.emit(Report{Code: code, Description: description})
}

func (r *Reporter) SetQueueCounters(bytes, ops int64) {
	r.queuedBytes.Set(float64(bytes))
	r.queuedOps.Set(float64(ops))
}

func (r *Reporter) SetAppliedLsn(lsn uint64) { r.appliedLsn.Set(float64(lsn)) }

func (r *Reporter) RecordThrottleEdge() { r.throttleEdges.Inc() }

func (r *Reporter) RecordTombstonesPruned(n int) { r.tombstonesPruned.Add(float64(n)) }

// RecordStaleSecondary marks a build that had to fall back to a full copy
// because the requesting secondary's progress predates the low watermark.
func (r *Reporter) RecordStaleSecondary() { r.staleSecondaries.Inc() }

// RecordFalseProgress marks a build that had to fall back to a full copy
// because the requesting secondary claimed progress the primary's
// progress vector can't corroborate.
func (r *Reporter) RecordFalseProgress() { r.falseProgress.Inc() }

func (r *Reporter) emit(rep Report) {
	for _, s := range r.sinks {
		s.Report(rep)
	}
}
