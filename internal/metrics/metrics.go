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

	passes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgx",
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Number of reconciliation passes by trigger (list, sync, loop).",
		}, []string{"connection", "trigger"},
	)
	checks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgx",
			Subsystem: "reconcile",
			Name:      "checks_total",
			Help:      "Liveness checks by outcome (alive, dead, indeterminate).",
		}, []string{"connection", "outcome"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgx",
			Subsystem: "reconcile",
			Name:      "transitions_total",
			Help:      "Operations moved from running to stopped.",
		}, []string{"connection"},
	)
	persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgx",
			Subsystem: "reconcile",
			Name:      "persist_failures_total",
			Help:      "Status transitions that could not be written to the store.",
		}, []string{"connection"},
	)
	degraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgx",
			Subsystem: "reconcile",
			Name:      "degraded_total",
			Help:      "Passes skipped because the connection was unavailable.",
		}, []string{"connection"},
	)
	passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dgx",
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"},
	)
	runningOps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dgx",
			Subsystem: "operation",
			Name:      "running",
			Help:      "Operations recorded as running after the last pass.",
		}, []string{"connection"},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgx",
			Subsystem: "operation",
			Name:      "launches_total",
			Help:      "Remote operations launched.",
		}, []string{"connection"},
	)
	kills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgx",
			Subsystem: "operation",
			Name:      "kills_total",
			Help:      "Kill signals delivered to remote operations.",
		}, []string{"connection", "signal"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgx",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events not delivered because a subscriber buffer was full.",
		}, []string{"type"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{passes, checks, transitions, persistFailures, degraded, passDuration, runningOps, launches, kills, eventsDropped}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
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

func IncPass(conn, trigger string) {
	if regOK.Load() {
		passes.WithLabelValues(conn, trigger).Inc()
	}
}

func IncCheck(conn, outcome string) {
	if regOK.Load() {
		checks.WithLabelValues(conn, outcome).Inc()
	}
}

func IncTransition(conn string) {
	if regOK.Load() {
		transitions.WithLabelValues(conn).Inc()
	}
}

func IncPersistFailure(conn string) {
	if regOK.Load() {
		persistFailures.WithLabelValues(conn).Inc()
	}
}

func IncDegraded(conn string) {
	if regOK.Load() {
		degraded.WithLabelValues(conn).Inc()
	}
}

func ObservePassDuration(trigger string, seconds float64) {
	if regOK.Load() {
		passDuration.WithLabelValues(trigger).Observe(seconds)
	}
}

func SetRunning(conn string, n int) {
	if regOK.Load() {
		runningOps.WithLabelValues(conn).Set(float64(n))
	}
}

func IncLaunch(conn string) {
	if regOK.Load() {
		launches.WithLabelValues(conn).Inc()
	}
}

func IncKill(conn, signal string) {
	if regOK.Load() {
		kills.WithLabelValues(conn, signal).Inc()
	}
}

func IncEventDropped(eventType string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(eventType).Inc()
	}
}
