// Package metrics holds the Prometheus collectors for ledger, checkpoint,
// consensus, storage and ops HTTP activity.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentledger_ledger_entries_total",
		Help: "Total ledger entries appended, by ledger.",
	}, []string{"ledger"})

	checkpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentledger_checkpoints_total",
		Help: "Total Merkle checkpoints created, by ledger.",
	}, []string{"ledger"})

	checkpointLeaves = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentledger_checkpoint_leaves",
		Help:    "Number of ledger entries covered by each checkpoint.",
		Buckets: []float64{1, 10, 100, 250, 500, 1000, 5000},
	}, []string{"ledger"})

	votesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentledger_votes_total",
		Help: "Total votes cast, by value (-1, 0, 1).",
	}, []string{"value"})

	integrityViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentledger_integrity_violations_total",
		Help: "Integrity violations found by verification runs, by ledger and kind.",
	}, []string{"ledger", "kind"})

	lockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentledger_lock_timeouts_total",
		Help: "Write transactions that failed to acquire the single-writer lock in time.",
	})

	auditRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentledger_audit_runs_total",
		Help: "Scheduled integrity audits by result (valid, invalid, error).",
	}, []string{"result"})

	integrityValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentledger_integrity_valid",
		Help: "1 if the last completed audit found both ledgers and all checkpoints intact, else 0.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentledger_http_requests_total",
		Help: "Total ops HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentledger_http_request_duration_seconds",
		Help:    "Ops HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordLedgerAppend records one appended entry.
func RecordLedgerAppend(ledger string) {
	ledgerEntriesTotal.WithLabelValues(ledger).Inc()
}

// RecordCheckpoint records a created checkpoint and its size.
func RecordCheckpoint(ledger string, leaves int) {
	checkpointsTotal.WithLabelValues(ledger).Inc()
	checkpointLeaves.WithLabelValues(ledger).Observe(float64(leaves))
}

// RecordVote records a cast vote.
func RecordVote(value int) {
	votesTotal.WithLabelValues(strconv.Itoa(value)).Inc()
}

// RecordViolation records an integrity violation found during verification.
func RecordViolation(ledger, kind string) {
	integrityViolationsTotal.WithLabelValues(ledger, kind).Inc()
}

// RecordLockTimeout records a failed write-lock acquisition.
func RecordLockTimeout() {
	lockTimeoutsTotal.Inc()
}

// RecordAudit records the outcome of a scheduled audit. err takes precedence
// over valid.
func RecordAudit(valid bool, err error) {
	switch {
	case err != nil:
		auditRunsTotal.WithLabelValues("error").Inc()
		return
	case valid:
		auditRunsTotal.WithLabelValues("valid").Inc()
		integrityValid.Set(1)
	default:
		auditRunsTotal.WithLabelValues("invalid").Inc()
		integrityValid.Set(0)
	}
}

// RecordRequest records one served ops HTTP request.
func RecordRequest(method, path string, status int, duration time.Duration) {
	requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
