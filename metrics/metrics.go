// Package metrics exposes Prometheus collectors covering the control loop and
// the research batch executor. All record methods are safe to call on a nil
// *Metrics, so instrumentation points never need to guard against a disabled
// setup.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values shared by the status and outcome dimensions.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics bundles the Prometheus collectors that report loop activity.
type Metrics struct {
	turnsTotal       *prometheus.CounterVec
	decisionRequests *prometheus.CounterVec
	decisionLatency  prometheus.Histogram
	toolExecutions   *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	researchBatches  *prometheus.CounterVec
	researchKeywords *prometheus.CounterVec
	batchDuration    prometheus.Histogram
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the package-level Metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when several runners are instantiated in the
// same process.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// MustNew constructs a Metrics instance using the provided registerer. Supply
// a fresh registry when unique collectors are required (for example in
// tests). Registration errors other than AlreadyRegistered panic, mirroring
// promauto semantics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{}

	m.turnsTotal = registerCounterVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentloop",
			Name:      "turns_total",
			Help:      "Completed control-loop turns by terminal transition.",
		},
		[]string{"transition"},
	))
	m.decisionRequests = registerCounterVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentloop",
			Name:      "decision_requests_total",
			Help:      "Decision backend requests by status.",
		},
		[]string{"status"},
	))
	m.decisionLatency = registerHistogram(reg, prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentloop",
			Name:      "decision_latency_seconds",
			Help:      "Wall-clock latency of decision backend calls.",
			Buckets:   prometheus.DefBuckets,
		},
	))
	m.toolExecutions = registerCounterVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentloop",
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	))
	m.toolDuration = registerHistogramVec(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentloop",
			Name:      "tool_execution_seconds",
			Help:      "Tool execution duration by tool name.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	))
	m.researchBatches = registerCounterVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentloop",
			Name:      "research_batches_total",
			Help:      "Research batch runs by status.",
		},
		[]string{"status"},
	))
	m.researchKeywords = registerCounterVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentloop",
			Name:      "research_keywords_total",
			Help:      "Researched keywords by outcome.",
		},
		[]string{"outcome"},
	))
	m.batchDuration = registerHistogram(reg, prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentloop",
			Name:      "research_batch_seconds",
			Help:      "End-to-end duration of research batch runs.",
			Buckets:   prometheus.DefBuckets,
		},
	))

	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram) prometheus.Histogram {
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Histogram)
		}
		panic(err)
	}
	return h
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.HistogramVec)
		}
		panic(err)
	}
	return h
}

// IncTurn counts one completed turn under its terminal transition label.
func (m *Metrics) IncTurn(transition string) {
	if m == nil || m.turnsTotal == nil {
		return
	}
	m.turnsTotal.WithLabelValues(transition).Inc()
}

// ObserveDecision records one decision backend request with its status and
// latency.
func (m *Metrics) ObserveDecision(status string, duration time.Duration) {
	if m == nil || m.decisionRequests == nil {
		return
	}
	m.decisionRequests.WithLabelValues(status).Inc()
	m.decisionLatency.Observe(duration.Seconds())
}

// ObserveToolExecution records one tool execution with its outcome and
// duration.
func (m *Metrics) ObserveToolExecution(tool, outcome string, duration time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveBatch records one research batch run with its status and duration.
func (m *Metrics) ObserveBatch(status string, duration time.Duration) {
	if m == nil || m.researchBatches == nil {
		return
	}
	m.researchBatches.WithLabelValues(status).Inc()
	m.batchDuration.Observe(duration.Seconds())
}

// AddKeywords counts n researched keywords under the given outcome label.
func (m *Metrics) AddKeywords(outcome string, n int) {
	if m == nil || m.researchKeywords == nil || n <= 0 {
		return
	}
	m.researchKeywords.WithLabelValues(outcome).Add(float64(n))
}
