package objectstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/bufferlink/metric"
)

// storeMetrics holds Prometheus metrics for object store operations.
type storeMetrics struct {
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
	errors  *prometheus.CounterVec
	bytes   prometheus.Counter

	registry *metric.MetricsRegistry
	service  string
}

var storeMetricNames = []string{
	"operations_total", "operation_duration_seconds", "errors_total", "appended_bytes_total",
}

// newStoreMetrics creates and registers the bucket's metrics. A nil registry
// disables them.
func newStoreMetrics(registry *metric.MetricsRegistry, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "operations_total",
			Help:        "Object store operations",
			ConstLabels: labels,
		}, []string{"operation"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "operation_duration_seconds",
			Help:        "Object store operation latency",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "errors_total",
			Help:        "Failed object store operations",
			ConstLabels: labels,
		}, []string{"operation"}),

		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "appended_bytes_total",
			Help:        "Region bytes written to the bucket",
			ConstLabels: labels,
		}),
	}

	service := "objectstore_" + bucket
	m.registry, m.service = registry, service
	if err := registry.RegisterCounterVec(service, "operations_total", m.ops); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(service, "operation_duration_seconds", m.latency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "errors_total", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(service, "appended_bytes_total", m.bytes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *storeMetrics) observe(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(seconds)
	if err != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

func (m *storeMetrics) appended(n int) {
	if m == nil {
		return
	}
	m.bytes.Add(float64(n))
}

// release unregisters the bucket's series so a later Store on the same bucket
// can register them again.
func (m *storeMetrics) release() {
	if m == nil {
		return
	}
	for _, name := range storeMetricNames {
		m.registry.Unregister(m.service, name)
	}
}
