// Package metrics exposes prometheus collectors for the quiz workflow.
// The library only increments counters; serving them is the host's choice.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizrunner_http_requests_total",
			Help: "Total number of HTTP requests sent to the LMS",
		},
		[]string{"method", "status"},
	)

	RetryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quizrunner_http_retries_total",
			Help: "Total number of rate-limited requests that were retried",
		},
	)

	RunCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizrunner_workflow_runs_total",
			Help: "Total number of exam workflow runs by outcome",
		},
		[]string{"outcome"},
	)

	StepCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizrunner_workflow_steps_total",
			Help: "Total number of executed workflow steps by outcome",
		},
		[]string{"step", "outcome"},
	)
)

func init() {
	registry.MustRegister(RequestCounter, RetryCounter, RunCounter, StepCounter)
}

func ObserveRequest(method string, status int) {
	RequestCounter.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func ObserveRetry() {
	RetryCounter.Inc()
}

func ObserveRun(outcome string) {
	RunCounter.WithLabelValues(outcome).Inc()
}

func ObserveStep(step, outcome string) {
	StepCounter.WithLabelValues(step, outcome).Inc()
}

// Handler serves the quizrunner registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
