// Package metrics exposes the gateway's Prometheus instrumentation:
// upstream fetch latency, mutation failures, HTTP traffic, and connected
// realtime clients.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worklist_http_requests_total",
			Help: "Total number of HTTP requests handled by the gateway",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worklist_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	upstreamFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worklist_upstream_fetch_duration_seconds",
			Help:    "Upstream FHIR search latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"resource_type", "outcome"},
	)

	mutationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worklist_mutation_failures_total",
			Help: "Total number of rolled-back optimistic mutations",
		},
		[]string{"operation"},
	)

	pushUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worklist_push_updates_total",
			Help: "Total number of resource updates received on the push channel",
		},
		[]string{"resource_type"},
	)

	realtimeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worklist_realtime_clients",
			Help: "Number of currently connected dashboard WebSocket clients",
		},
	)
)

// Sync groups the collectors the sync coordinator reports into.
type Sync struct{}

func NewSync() *Sync {
	return &Sync{}
}

// ObserveFetch records one upstream search.
func (s *Sync) ObserveFetch(resourceType string, d time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	upstreamFetchDuration.WithLabelValues(resourceType, outcome).Observe(d.Seconds())
}

// MutationFailed records one rolled-back mutation.
func (s *Sync) MutationFailed(operation string) {
	mutationFailuresTotal.WithLabelValues(operation).Inc()
}

// ObserveHTTP records one handled request.
func ObserveHTTP(method, path string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// PushUpdate records one inbound push-channel resource update.
func PushUpdate(resourceType string) {
	pushUpdatesTotal.WithLabelValues(resourceType).Inc()
}

// RealtimeClientConnected / RealtimeClientDisconnected track the hub gauge.
func RealtimeClientConnected()    { realtimeClients.Inc() }
func RealtimeClientDisconnected() { realtimeClients.Dec() }

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
