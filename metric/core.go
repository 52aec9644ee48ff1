package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-level metrics shared by transport and storage.
// Buffering protocol metrics are registered by the buffer manager itself.
type Metrics struct {
	ServiceStatus     *prometheus.GaugeVec
	DatagramsSent     *prometheus.CounterVec
	DatagramsReceived *prometheus.CounterVec
	TransferBytes     *prometheus.CounterVec
	TransferDuration  *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	StorageOps        *prometheus.CounterVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the process-level metrics. They are not registered until
// handed to a MetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"service"}),

		DatagramsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "datagrams_sent_total",
			Help:      "Datagrams sent to the board",
		}, []string{"kind"}),

		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "datagrams_received_total",
			Help:      "Datagrams received from the board",
		}, []string{"listener"}),

		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "memory_bytes_total",
			Help:      "Bytes moved by memory reads and writes",
		}, []string{"direction"}),

		TransferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "memory_duration_seconds",
			Help:      "Duration of one memory read or write",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),

		StorageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Storage backend operations",
		}, []string{"backend", "op"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "NATS reconnections",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ServiceStatus,
		c.DatagramsSent,
		c.DatagramsReceived,
		c.TransferBytes,
		c.TransferDuration,
		c.ErrorsTotal,
		c.StorageOps,
		c.NATSConnected,
		c.NATSReconnects,
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordDatagramSent counts one outgoing datagram of the given kind (sdp, scp).
func (c *Metrics) RecordDatagramSent(kind string) {
	c.DatagramsSent.WithLabelValues(kind).Inc()
}

// RecordDatagramReceived counts one datagram delivered by a listener.
func (c *Metrics) RecordDatagramReceived(listener string) {
	c.DatagramsReceived.WithLabelValues(listener).Inc()
}

// RecordTransfer records a memory read or write.
func (c *Metrics) RecordTransfer(direction string, bytes int, duration time.Duration) {
	c.TransferBytes.WithLabelValues(direction).Add(float64(bytes))
	c.TransferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordStorageOp counts one backend operation.
func (c *Metrics) RecordStorageOp(backend, op string) {
	c.StorageOps.WithLabelValues(backend, op).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
