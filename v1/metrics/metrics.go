package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlm_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// BusyCounter tracks acquisitions that failed because the lock was busy.
	BusyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlm_busy_total",
		Help: "Total number of acquisitions rejected with lock busy",
	})
	// ReleaseCounter tracks lock releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlm_release_total",
		Help: "Total number of lock releases",
	})
	// HeldGauge reports the number of currently held distributed locks.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlm_held_locks",
		Help: "Current number of held distributed locks",
	})
	// WaitHistogram observes how long callers waited to acquire a lock.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlm_wait_seconds",
		Help:    "Time spent waiting to acquire a lock",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers dlm lock metrics on the provided registry.
// The collectors are shared package globals, so registering them twice on
// the same registry is a no-op rather than an error. Any other
// registration failure still panics.
func RegisterLockMetrics(reg prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		AcquireCounter, BusyCounter, ReleaseCounter, HeldGauge, WaitHistogram,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
