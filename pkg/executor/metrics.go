package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planrunner",
		Subsystem: "executor",
		Name:      "steps_total",
		Help:      "Executed steps by kind and status.",
	}, []string{"kind", "status"})
	metricStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "planrunner",
		Subsystem: "executor",
		Name:      "step_duration_seconds",
		Help:      "Step execution time by kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
	metricActionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planrunner",
		Subsystem: "executor",
		Name:      "action_attempts_total",
		Help:      "Element action attempts by kind and outcome.",
	}, []string{"kind", "outcome"})
)

func recordStep(kind, status string, d time.Duration) {
	metricSteps.WithLabelValues(kind, status).Inc()
	metricStepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func recordAttempt(kind string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	metricActionAttempts.WithLabelValues(kind, outcome).Inc()
}
