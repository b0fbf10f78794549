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

	childSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loci",
			Subsystem: "child",
			Name:      "spawns_total",
			Help:      "Number of successful child spawns.",
		}, []string{"name"},
	)
	childExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loci",
			Subsystem: "child",
			Name:      "exits_total",
			Help:      "Number of reaped child exits.",
		}, []string{"name"},
	)
	trackedChildren = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loci",
			Name:      "tracked_children",
			Help:      "Children currently tracked by the supervisor.",
		},
	)
	launchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loci",
			Subsystem: "launch",
			Name:      "requests_total",
			Help:      "Launch requests by outcome (spawned, rejected, failed).",
		}, []string{"result"},
	)
	positionReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loci",
			Subsystem: "position",
			Name:      "reports_total",
			Help:      "Position reports written to the store.",
		}, []string{"source"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loci",
			Subsystem: "decode",
			Name:      "errors_total",
			Help:      "Discarded lines or failed report writes per protocol.",
		}, []string{"protocol"},
	)
	hardwareRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loci",
			Subsystem: "hardware",
			Name:      "restarts_total",
			Help:      "Hardware reader restarts.",
		}, []string{"name"},
	)
	licenseValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loci",
			Name:      "license_valid",
			Help:      "1 when a valid license was found at startup.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{childSpawns, childExits, trackedChildren, launchRequests, positionReports, decodeErrors, hardwareRestarts, licenseValid}
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

func IncSpawn(name string) {
	if regOK.Load() {
		childSpawns.WithLabelValues(name).Inc()
	}
}
func IncExit(name string) {
	if regOK.Load() {
		childExits.WithLabelValues(name).Inc()
	}
}
func SetTracked(n int) {
	if regOK.Load() {
		trackedChildren.Set(float64(n))
	}
}
func IncLaunch(result string) {
	if regOK.Load() {
		launchRequests.WithLabelValues(result).Inc()
	}
}
func IncPositionReport(source string) {
	if regOK.Load() {
		positionReports.WithLabelValues(source).Inc()
	}
}
func IncDecodeError(protocol string) {
	if regOK.Load() {
		decodeErrors.WithLabelValues(protocol).Inc()
	}
}
func IncHardwareRestart(name string) {
	if regOK.Load() {
		hardwareRestarts.WithLabelValues(name).Inc()
	}
}

func SetLicenseValid(valid bool) {
	if regOK.Load() {
		var v float64
		if valid {
			v = 1
		}
		licenseValid.Set(v)
	}
}
