package capture

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type captureMetrics struct {
	recorded       prometheus.Counter
	dropped        *prometheus.CounterVec
	insertDuration prometheus.Histogram
}

var (
	metricsOnce   sync.Once
	sharedMetrics *captureMetrics
)

// Drop reasons.
const (
	dropPolicy  = "policy"
	dropPanic   = "handler_panic"
	dropStorage = "storage"
)

func newCaptureMetrics() *captureMetrics {
	metricsOnce.Do(func() {
		m := &captureMetrics{
			recorded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "reqprof",
				Subsystem: "capture",
				Name:      "measurements_recorded_total",
				Help:      "Measurements successfully handed to storage",
			}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "reqprof",
				Subsystem: "capture",
				Name:      "measurements_dropped_total",
				Help:      "Requests observed but not recorded, by reason",
			}, []string{"reason"}),
			insertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "reqprof",
				Subsystem: "capture",
				Name:      "insert_duration_seconds",
				Help:      "Latency of storage inserts on the capture path",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			}),
		}
		if err := prometheus.Register(m.recorded); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				m.recorded = are.ExistingCollector.(prometheus.Counter)
			}
		}
		if err := prometheus.Register(m.dropped); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				m.dropped = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
		if err := prometheus.Register(m.insertDuration); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				m.insertDuration = are.ExistingCollector.(prometheus.Histogram)
			}
		}
		sharedMetrics = m
	})
	return sharedMetrics
}
