package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portkeeper",
			Subsystem: "allocator",
			Name:      "allocations_total",
			Help:      "Number of successful port allocations.",
		}, []string{"app"},
	)
	releases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portkeeper",
			Subsystem: "allocator",
			Name:      "releases_total",
			Help:      "Number of port releases.",
		}, []string{"app"},
	)
	reclaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portkeeper",
			Subsystem: "allocator",
			Name:      "reclaims_total",
			Help:      "Number of stale reservations reclaimed from crashed holders.",
		}, []string{"app"},
	)
	allocateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "portkeeper",
			Subsystem: "allocator",
			Name:      "allocate_duration_seconds",
			Help:      "Duration of the scan-and-reserve section.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portkeeper",
			Subsystem: "health",
			Name:      "probe_failures_total",
			Help:      "Number of failed health probes.",
		}, []string{"identity", "type"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portkeeper",
			Subsystem: "registry",
			Name:      "state_transitions_total",
			Help:      "Number of service status transitions.",
		}, []string{"identity", "from", "to"},
	)
	serviceStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "portkeeper",
			Subsystem: "registry",
			Name:      "service_state",
			Help:      "Current status of services (1 = active status, 0 = inactive).",
		}, []string{"identity", "status"},
	)
	registeredServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portkeeper",
			Subsystem: "registry",
			Name:      "registered_services",
			Help:      "Number of currently registered, non-stopped services.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{allocations, releases, reclaims, allocateDuration, probeFailures, stateTransitions, serviceStates, registeredServices}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncAllocation(app string) {
	if regOK.Load() {
		allocations.WithLabelValues(app).Inc()
	}
}
func IncRelease(app string) {
	if regOK.Load() {
		releases.WithLabelValues(app).Inc()
	}
}
func IncReclaim(app string) {
	if regOK.Load() {
		reclaims.WithLabelValues(app).Inc()
	}
}
func ObserveAllocateDuration(seconds float64) {
	if regOK.Load() {
		allocateDuration.Observe(seconds)
	}
}
func IncProbeFailure(id, probeType string) {
	if regOK.Load() {
		probeFailures.WithLabelValues(id, probeType).Inc()
	}
}

func RecordStateTransition(id, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(id, from, to).Inc()
	}
}

func SetServiceState(id, status string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		serviceStates.WithLabelValues(id, status).Set(value)
	}
}

func SetRegisteredServices(n int) {
	if regOK.Load() {
		registeredServices.Set(float64(n))
	}
}
