// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "bridge"

// Request outcomes
const (
	outcomeOK    = "ok"
	outcomeError = "error"
	outcomeAsync = "async"
)

var (
	registerOnce sync.Once

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests handled, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Synchronous request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	asyncInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "async_in_flight",
			Help:      "Async requests whose outcome has not been pushed yet.",
		},
	)
	eventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Change events emitted to attached transports.",
		},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Events a client missed because its queue was full.",
		},
		[]string{"transport"},
	)
	clientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clients",
			Help:      "Connected clients across all transports.",
		},
	)
	registryPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registry_pruned_total",
			Help:      "Registry entries removed by pruning.",
		},
	)
)

// RegisterMetrics registers the bridge collectors with the default
// Prometheus registerer. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			requestsTotal,
			requestDuration,
			asyncInFlight,
			eventsTotal,
			eventsDropped,
			clientsConnected,
			registryPruned,
		)
	})
}

// MetricsHandler serves the default registry in the Prometheus text format
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func kindLabel(kind RequestKind) string {
	if _, ok := handlers[kind]; ok {
		return string(kind)
	}
	return "unknown"
}

func recordRequest(kind RequestKind, outcome string, d time.Duration) {
	label := kindLabel(kind)
	requestsTotal.WithLabelValues(label, outcome).Inc()
	if d > 0 {
		requestDuration.WithLabelValues(label).Observe(d.Seconds())
	}
}

func eventDropped(transport string) {
	eventsDropped.WithLabelValues(transport).Inc()
}
