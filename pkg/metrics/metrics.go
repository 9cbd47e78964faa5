// Package metrics exposes coordinator metrics in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the coordinator's Prometheus collectors. Each instance owns
// its registry so tests can create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	tasksAssigned  *prometheus.CounterVec
	tasksReclaimed *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	gamesPlayed    *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	noWork         prometheus.Counter
	verdicts       *prometheus.CounterVec
	llr            *prometheus.GaugeVec
	requestResults *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		tasksAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishtest_tasks_assigned_total",
			Help: "Tasks handed to workers, including reissued abandoned tasks",
		}, []string{"test_id"}),
		tasksReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishtest_tasks_reclaimed_total",
			Help: "Tasks abandoned after their lease expired",
		}, []string{"test_id"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishtest_tasks_completed_total",
			Help: "Tasks whose final result was accepted",
		}, []string{"test_id"}),
		gamesPlayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishtest_games_merged_total",
			Help: "Games merged into test counters",
		}, []string{"test_id"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishtest_malformed_results_total",
			Help: "Rejected result payloads by exchange",
		}, []string{"exchange"}),
		noWork: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fishtest_no_work_total",
			Help: "Task requests answered with no_work",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishtest_verdicts_total",
			Help: "Tests that reached a terminal verdict",
		}, []string{"status"}),
		llr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fishtest_test_llr",
			Help: "Current log likelihood ratio of running tests",
		}, []string{"test_id"}),
		requestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishtest_worker_exchanges_total",
			Help: "Worker protocol exchanges by endpoint and answered status",
		}, []string{"endpoint", "status"}),
	}

	m.Registry.MustRegister(
		m.tasksAssigned,
		m.tasksReclaimed,
		m.tasksCompleted,
		m.gamesPlayed,
		m.malformed,
		m.noWork,
		m.verdicts,
		m.llr,
		m.requestResults,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// TaskAssigned counts a task handed to a worker.
func (m *Metrics) TaskAssigned(testID string) {
	m.tasksAssigned.WithLabelValues(testID).Inc()
}

// TaskReclaimed counts a task abandoned by the reclaim sweep.
func (m *Metrics) TaskReclaimed(testID string) {
	m.tasksReclaimed.WithLabelValues(testID).Inc()
}

// NoWork counts a request that found nothing to do.
func (m *Metrics) NoWork() {
	m.noWork.Inc()
}

// TaskCompleted counts an accepted completion.
func (m *Metrics) TaskCompleted(testID string) {
	m.tasksCompleted.WithLabelValues(testID).Inc()
}

// GamesMerged adds games merged into a test. Negative deltas from reclaimed
// tasks are ignored; counters only grow.
func (m *Metrics) GamesMerged(testID string, games int) {
	if games > 0 {
		m.gamesPlayed.WithLabelValues(testID).Add(float64(games))
	}
}

// MalformedResult counts a rejected payload on the given exchange
// ("update" or "complete").
func (m *Metrics) MalformedResult(exchange string) {
	m.malformed.WithLabelValues(exchange).Inc()
}

// TestFinished records a terminal status and drops the test's LLR series.
func (m *Metrics) TestFinished(testID, status string) {
	m.verdicts.WithLabelValues(status).Inc()
	m.llr.DeleteLabelValues(testID)
}

// LLRUpdated sets the LLR gauge of a running test.
func (m *Metrics) LLRUpdated(testID string, llr float64) {
	m.llr.WithLabelValues(testID).Set(llr)
}

// RecordExchange counts a worker protocol exchange.
func (m *Metrics) RecordExchange(endpoint, status string) {
	m.requestResults.WithLabelValues(endpoint, status).Inc()
}
