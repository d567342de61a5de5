package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Restart reasons used as the "reason" label.
const (
	ReasonCrash      = "crash"
	ReasonFileChange = "file_change"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "up",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service launches.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "up",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of completed service stops.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "up",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of successful restarts by trigger.",
		}, []string{"name", "reason"},
	)
	serviceRestartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "up",
			Subsystem: "service",
			Name:      "restart_failures_total",
			Help:      "Number of restart attempts that failed to stop or start the service.",
		}, []string{"name"},
	)
	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "up",
			Subsystem: "service",
			Name:      "up",
			Help:      "Whether the service leader answered the last liveness probe (1) or not (0).",
		}, []string{"name"},
	)
	serviceRestartAttempts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "up",
			Subsystem: "service",
			Name:      "restart_attempts",
			Help:      "Consecutive restarts since the service last settled.",
		}, []string{"name"},
	)
	reaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "up",
			Subsystem: "daemon",
			Name:      "reaped_total",
			Help:      "Number of exited descendants reaped by the supervisor.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, serviceRestarts, serviceRestartFailures, serviceUp, serviceRestartAttempts, reaped}
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name, reason).Inc()
	}
}

func IncRestartFailure(name string) {
	if regOK.Load() {
		serviceRestartFailures.WithLabelValues(name).Inc()
	}
}

func SetUp(name string, up bool) {
	if regOK.Load() {
		var value float64
		if up {
			value = 1
		}
		serviceUp.WithLabelValues(name).Set(value)
	}
}

func SetRestartAttempts(name string, n int) {
	if regOK.Load() {
		serviceRestartAttempts.WithLabelValues(name).Set(float64(n))
	}
}

func AddReaped(n int) {
	if regOK.Load() && n > 0 {
		reaped.Add(float64(n))
	}
}
