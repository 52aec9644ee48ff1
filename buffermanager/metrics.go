package buffermanager

import (
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/bufferlink/metric"
)

// managerMetrics holds the buffer manager's Prometheus metrics. A nil
// *managerMetrics records nothing.
type managerMetrics struct {
	messagesSent      prometheus.Counter
	retransmissions   prometheus.Counter
	staleNotices      prometheus.Counter
	stopRequests      prometheus.Counter
	readRequests      prometheus.Counter
	duplicateRequests prometheus.Counter
	bytesRecovered    *prometheus.CounterVec
	drainDuration     prometheus.Histogram
	windowOccupancy   prometheus.Gauge
}

// newMetrics creates and registers the metrics, or returns nil without a
// registry. Metrics the registry refuses still count but are not exported.
func newMetrics(registry *metric.MetricsRegistry, logger *slog.Logger) *managerMetrics {
	if registry == nil {
		return nil
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffers",
			Name:      name,
			Help:      help,
		})
	}
	m := &managerMetrics{
		messagesSent:      counter("messages_sent_total", "Sequenced data messages sent to cores, first transmissions only"),
		retransmissions:   counter("retransmissions_total", "Sequenced data messages sent again because they were not yet acknowledged"),
		staleNotices:      counter("stale_space_available_total", "Space available notifications ignored for an unknown sequence number"),
		stopRequests:      counter("stop_requests_total", "Stop requests sent to cores with nothing left to send"),
		readRequests:      counter("read_requests_total", "Read requests received from recording cores"),
		duplicateRequests: counter("duplicate_read_requests_total", "Read requests answered by resending the last ack"),
		bytesRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffers",
			Name:      "bytes_recovered_total",
			Help:      "Recorded bytes stored, by phase (run, drain)",
		}, []string{"phase"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffers",
			Name:      "drain_duration_seconds",
			Help:      "Time to drain one recorded region after the run",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		windowOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "buffers",
			Name:      "window_occupancy",
			Help:      "Messages in flight in the most recently refilled send window",
		}),
	}

	const service = "buffermanager"
	var result *multierror.Error
	for _, err := range []error{
		registry.RegisterCounter(service, "messages_sent", m.messagesSent),
		registry.RegisterCounter(service, "retransmissions", m.retransmissions),
		registry.RegisterCounter(service, "stale_space_available", m.staleNotices),
		registry.RegisterCounter(service, "stop_requests", m.stopRequests),
		registry.RegisterCounter(service, "read_requests", m.readRequests),
		registry.RegisterCounter(service, "duplicate_read_requests", m.duplicateRequests),
		registry.RegisterCounterVec(service, "bytes_recovered", m.bytesRecovered),
		registry.RegisterHistogram(service, "drain_duration", m.drainDuration),
		registry.RegisterGauge(service, "window_occupancy", m.windowOccupancy),
	} {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.Warn("Buffer manager metrics not registered", "error", err)
	}
	return m
}

func (m *managerMetrics) sent(fresh, resent int, inFlight int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(float64(fresh))
	m.retransmissions.Add(float64(resent))
	m.windowOccupancy.Set(float64(inFlight))
}

func (m *managerMetrics) stale() {
	if m != nil {
		m.staleNotices.Inc()
	}
}

func (m *managerMetrics) stopRequest() {
	if m != nil {
		m.stopRequests.Inc()
	}
}

func (m *managerMetrics) readRequest(duplicate bool) {
	if m == nil {
		return
	}
	m.readRequests.Inc()
	if duplicate {
		m.duplicateRequests.Inc()
	}
}

func (m *managerMetrics) recovered(phase string, n int) {
	if m != nil {
		m.bytesRecovered.WithLabelValues(phase).Add(float64(n))
	}
}

func (m *managerMetrics) drained(seconds float64) {
	if m != nil {
		m.drainDuration.Observe(seconds)
	}
}
