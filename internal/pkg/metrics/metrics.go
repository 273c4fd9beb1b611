// Package metrics provides Prometheus metrics recording for internal packages.
// It sits below logging, provider and testrun so none of them import each other for it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	logCommitsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookbook_log_commits_queued_total",
		Help: "Commit lines accepted by the log writer queue",
	})

	logCommitsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookbook_log_commits_flushed_total",
		Help: "Commit lines delivered to the logging endpoint",
	})

	logCommitsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookbook_log_commits_dropped_total",
			Help: "Commit lines discarded by the log writer",
		},
		[]string{"reason"},
	)

	logFlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookbook_log_flush_errors_total",
		Help: "Failed flush attempts against the logging endpoint",
	})

	providerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cookbook_provider_request_duration_seconds",
			Help:    "Model provider request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model", "mode"},
	)

	providerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookbook_provider_errors_total",
			Help: "Model provider request errors",
		},
		[]string{"provider", "model"},
	)

	providerTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookbook_provider_tokens_total",
			Help: "Tokens reported by model providers",
		},
		[]string{"provider", "kind"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cookbook_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	testRunEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookbook_test_run_entries_total",
			Help: "Test run entries processed, by outcome",
		},
		[]string{"outcome"},
	)

	graphSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookbook_graph_node_runs_total",
			Help: "Graph node executions",
		},
		[]string{"graph", "node"},
	)
)

// RecordCommitQueued counts a commit line entering the writer queue
func RecordCommitQueued() { logCommitsQueued.Inc() }

// RecordCommitsFlushed counts n commit lines delivered in one flush
func RecordCommitsFlushed(n int) { logCommitsFlushed.Add(float64(n)) }

// RecordCommitsDropped counts n commit lines lost for reason (overflow, rejected, retries)
func RecordCommitsDropped(reason string, n int) {
	logCommitsDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordFlushError counts one failed flush attempt
func RecordFlushError() { logFlushErrors.Inc() }

// RecordProviderRequest records a completed model call
func RecordProviderRequest(provider, model, mode string, duration time.Duration, err error) {
	providerDuration.WithLabelValues(provider, model, mode).Observe(duration.Seconds())
	if err != nil {
		providerErrors.WithLabelValues(provider, model).Inc()
	}
}

// RecordTokens adds reported prompt and completion tokens
func RecordTokens(provider string, prompt, completion int) {
	if prompt > 0 {
		providerTokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		providerTokens.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

// SetBreakerState publishes a circuit breaker state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordTestRunEntry counts a processed test run entry; outcome is "passed" or "failed"
func RecordTestRunEntry(outcome string) {
	testRunEntries.WithLabelValues(outcome).Inc()
}

// RecordNodeRun counts one node execution
func RecordNodeRun(graph, node string) {
	graphSteps.WithLabelValues(graph, node).Inc()
}
