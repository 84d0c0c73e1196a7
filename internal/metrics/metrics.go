// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deskflow"

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_dispatch_total",
		Help:      "Workflow dispatches by entity type, trigger and outcome.",
	}, []string{"entity_type", "trigger", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_dispatch_duration_seconds",
		Help:      "Time spent in one root dispatch including cascades.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"entity_type"})

	rulesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_rules_matched_total",
		Help:      "Rules whose conditions matched, by trigger.",
	}, []string{"trigger"})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_actions_total",
		Help:      "Executed actions by type and outcome.",
	}, []string{"type", "outcome"})

	assignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assignments_total",
		Help:      "Assignment attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	slaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sla_transitions_total",
		Help:      "SLA state transitions by target status.",
	}, []string{"status"})

	slaEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sla_escalations_total",
		Help:      "Escalation notifications sent, by status.",
	}, []string{"status"})

	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sla_sweep_runs_total",
		Help:      "SLA sweeps by outcome (success, skipped, failed).",
	}, []string{"outcome"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sla_sweep_duration_seconds",
		Help:      "Duration of completed SLA sweeps.",
		Buckets:   prometheus.DefBuckets,
	})

	rateLimitDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limit_drops_total",
		Help:      "Requests rejected with 429, by limiter prefix.",
	}, []string{"prefix"})
)

func IncDispatch(entityType, trigger, outcome string) {
	dispatchTotal.WithLabelValues(entityType, trigger, outcome).Inc()
}

func ObserveDispatch(entityType string, d time.Duration) {
	dispatchDuration.WithLabelValues(entityType).Observe(d.Seconds())
}

func IncRuleMatched(trigger string) { rulesMatched.WithLabelValues(trigger).Inc() }

func IncAction(actionType, outcome string) {
	actionsTotal.WithLabelValues(actionType, outcome).Inc()
}

func IncAssignment(strategy, outcome string) {
	if strategy == "" {
		strategy = "none"
	}
	assignmentsTotal.WithLabelValues(strategy, outcome).Inc()
}

func IncSLATransition(status string) { slaTransitions.WithLabelValues(status).Inc() }

func IncEscalation(status string) { slaEscalations.WithLabelValues(status).Inc() }

func IncSweep(outcome string) { sweepRuns.WithLabelValues(outcome).Inc() }

func ObserveSweep(d time.Duration) { sweepDuration.Observe(d.Seconds()) }

// rateLimitStats mirrors the 429 counter for the readiness payload.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop counts a rejected request. Use prefix "global" for the
// global limiter.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.WithLabelValues(prefix).Inc()
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current drop counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
