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

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgfixture",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Server start attempts by outcome (ok, timeout, crashed, adopted).",
		}, []string{"result"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgfixture",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Server stops by method (graceful or kill).",
		}, []string{"method"},
	)
	serverStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pgfixture",
			Subsystem: "server",
			Name:      "start_duration_seconds",
			Help:      "Time from process launch until the server accepted connections.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgfixture",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	portProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgfixture",
			Subsystem: "port",
			Name:      "probes_total",
			Help:      "Port bind probes by outcome.",
		}, []string{"result"},
	)
	templateBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgfixture",
			Subsystem: "template",
			Name:      "builds_total",
			Help:      "Template layer builds by outcome.",
		}, []string{"layer", "result"},
	)
	templateBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pgfixture",
			Subsystem: "template",
			Name:      "build_duration_seconds",
			Help:      "Time spent creating a template and applying its load directives.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"layer"},
	)
	databaseOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgfixture",
			Subsystem: "database",
			Name:      "operations_total",
			Help:      "Janitor create/drop operations by outcome.",
		}, []string{"op", "result"},
	)
	dropRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pgfixture",
			Subsystem: "database",
			Name:      "drop_retries_total",
			Help:      "Connection-termination retries performed before a drop.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverStarts, serverStops, serverStartDuration, stateTransitions, portProbes, templateBuilds, templateBuildDuration, databaseOps, dropRetries}
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
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncServerStart(result string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(result).Inc()
	}
}

func IncServerStop(method string) {
	if regOK.Load() {
		serverStops.WithLabelValues(method).Inc()
	}
}

func ObserveStartDuration(seconds float64) {
	if regOK.Load() {
		serverStartDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncPortProbe(ok bool) {
	if regOK.Load() {
		portProbes.WithLabelValues(result(ok)).Inc()
	}
}

func IncTemplateBuild(layer string, ok bool) {
	if regOK.Load() {
		templateBuilds.WithLabelValues(layer, result(ok)).Inc()
	}
}

func ObserveTemplateBuild(layer string, seconds float64) {
	if regOK.Load() {
		templateBuildDuration.WithLabelValues(layer).Observe(seconds)
	}
}

func IncDatabaseOp(op string, ok bool) {
	if regOK.Load() {
		databaseOps.WithLabelValues(op, result(ok)).Inc()
	}
}

func IncDropRetry() {
	if regOK.Load() {
		dropRetries.Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
