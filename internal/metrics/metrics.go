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

	runtimeDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyhost",
			Subsystem: "runtime",
			Name:      "downloads_total",
			Help:      "Number of embedded runtime download attempts by outcome.",
		}, []string{"outcome"},
	)
	runtimeDownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pyhost",
			Subsystem: "runtime",
			Name:      "download_bytes_total",
			Help:      "Bytes transferred while acquiring embedded runtimes.",
		},
	)
	packageInstalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyhost",
			Subsystem: "venv",
			Name:      "package_installs_total",
			Help:      "Number of package installations by outcome.",
		}, []string{"outcome"},
	)
	envCreations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyhost",
			Subsystem: "venv",
			Name:      "environments_created_total",
			Help:      "Number of virtual environment creations per consumer and outcome.",
		}, []string{"consumer", "outcome"},
	)
	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyhost",
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of successful backend starts per transport.",
		}, []string{"transport"},
	)
	backendStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyhost",
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Number of backend stops (graceful or kill) per transport.",
		}, []string{"transport"},
	)
	backendStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pyhost",
			Subsystem: "backend",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn to a successful readiness probe.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"},
	)
	backendStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyhost",
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of backend state machine transitions.",
		}, []string{"transport", "from", "to"},
	)
	backendState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pyhost",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current backend state (1 = active state, 0 = inactive).",
		}, []string{"transport", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times, also across different registerers;
// collectors already present are skipped.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{
		runtimeDownloads, runtimeDownloadBytes, packageInstalls, envCreations,
		backendStarts, backendStops, backendStartDuration,
		backendStateTransitions, backendState,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// Already registered in this registerer is fine.
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

func IncDownload(outcome string) {
	if regOK.Load() {
		runtimeDownloads.WithLabelValues(outcome).Inc()
	}
}

func AddDownloadBytes(n int64) {
	if regOK.Load() && n > 0 {
		runtimeDownloadBytes.Add(float64(n))
	}
}

func IncInstall(outcome string) {
	if regOK.Load() {
		packageInstalls.WithLabelValues(outcome).Inc()
	}
}

func IncEnvCreated(consumer, outcome string) {
	if regOK.Load() {
		envCreations.WithLabelValues(consumer, outcome).Inc()
	}
}

func IncBackendStart(transport string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(transport).Inc()
	}
}

func IncBackendStop(transport string) {
	if regOK.Load() {
		backendStops.WithLabelValues(transport).Inc()
	}
}

func ObserveBackendStartDuration(transport string, seconds float64) {
	if regOK.Load() {
		backendStartDuration.WithLabelValues(transport).Observe(seconds)
	}
}

func RecordStateTransition(transport, from, to string) {
	if regOK.Load() {
		backendStateTransitions.WithLabelValues(transport, from, to).Inc()
	}
}

func SetCurrentState(transport, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		backendState.WithLabelValues(transport, state).Set(value)
	}
}
