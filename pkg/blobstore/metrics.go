package blobstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planrunner",
		Subsystem: "blobstore",
		Name:      "requests_total",
		Help:      "Blob store HTTP attempts by method and outcome.",
	}, []string{"method", "outcome"})
	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planrunner",
		Subsystem: "blobstore",
		Name:      "retries_total",
		Help:      "Blob store attempts that were retried after a transient failure.",
	}, []string{"method"})
	metricStores = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planrunner",
		Subsystem: "blobstore",
		Name:      "stores_total",
		Help:      "Store calls by result status.",
	}, []string{"status"})
)

func recordRequest(method, outcome string) {
	metricRequests.WithLabelValues(method, outcome).Inc()
}

func recordRetry(method string) {
	metricRetries.WithLabelValues(method).Inc()
}

func recordStore(status string) {
	metricStores.WithLabelValues(status).Inc()
}
