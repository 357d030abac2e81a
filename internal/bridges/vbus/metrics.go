package vbus

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vbusbridge"

// Metrics holds the bridge's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	HeadersReceived  prometheus.Counter
	HeadersTracked   *prometheus.GaugeVec
	HeadersEvicted   *prometheus.CounterVec
	TickDuration     *prometheus.HistogramVec
	ListenerFailures *prometheus.CounterVec
	Published        *prometheus.CounterVec
	PublishFailures  prometheus.Counter
	BusAcquisitions  *prometheus.CounterVec
	LeaseDuration    prometheus.Histogram
	ValueRequests    *prometheus.CounterVec
	WritesRejected   *prometheus.CounterVec
	WritesApplied    prometheus.Counter
}

// NewMetrics creates the bridge collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		HeadersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "headers",
			Name:      "received_total",
			Help:      "Total number of bus headers received",
		}),
		HeadersTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "headers",
			Name:      "tracked",
			Help:      "Headers held by a consolidator at its last tick",
		}, []string{"consolidator"}),
		HeadersEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "headers",
			Name:      "evicted_total",
			Help:      "Headers evicted after exceeding the time-to-live",
		}, []string{"consolidator"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "consolidator",
			Name:      "tick_duration_seconds",
			Help:      "Time spent evicting and notifying listeners per tick",
			Buckets:   prometheus.DefBuckets,
		}, []string{"consolidator"}),
		ListenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "consolidator",
			Name:      "listener_failures_total",
			Help:      "Snapshot listeners that returned an error or panicked",
		}, []string{"consolidator"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mqtt",
			Name:      "published_total",
			Help:      "MQTT messages published by kind (root, field, value)",
		}, []string{"kind"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mqtt",
			Name:      "publish_failures_total",
			Help:      "MQTT publishes that failed",
		}),
		BusAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "bus",
			Name:      "acquisitions_total",
			Help:      "Bus arbitration attempts by result (acquired, busy, timeout, error)",
		}, []string{"result"}),
		LeaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "bus",
			Name:      "lease_duration_seconds",
			Help:      "How long the bus was held per lease",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ValueRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "bus",
			Name:      "value_requests_total",
			Help:      "Get/set exchanges by operation and result",
		}, []string{"op", "result"}),
		WritesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "writes",
			Name:      "rejected_total",
			Help:      "Inbound writes rejected before reaching the bus",
		}, []string{"reason"}),
		WritesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "writes",
			Name:      "applied_total",
			Help:      "Inbound writes confirmed by the controller",
		}),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HeadersReceived, m.HeadersTracked, m.HeadersEvicted, m.TickDuration,
		m.ListenerFailures, m.Published, m.PublishFailures, m.BusAcquisitions,
		m.LeaseDuration, m.ValueRequests, m.WritesRejected, m.WritesApplied,
	}
}

// Register registers every collector with reg. Collectors that are already
// registered are ignored.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) headerReceived() {
	if m == nil {
		return
	}
	m.HeadersReceived.Inc()
}

func (m *Metrics) observeTick(consolidator string, tracked, evicted int) {
	if m == nil {
		return
	}
	m.HeadersTracked.WithLabelValues(consolidator).Set(float64(tracked))
	if evicted > 0 {
		m.HeadersEvicted.WithLabelValues(consolidator).Add(float64(evicted))
	}
}

func (m *Metrics) observeTickDuration(consolidator string, d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.WithLabelValues(consolidator).Observe(d.Seconds())
}

func (m *Metrics) listenerFailed(consolidator string) {
	if m == nil {
		return
	}
	m.ListenerFailures.WithLabelValues(consolidator).Inc()
}

func (m *Metrics) published(kind string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(kind).Inc()
}

func (m *Metrics) publishFailed() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) busAcquisition(result string) {
	if m == nil {
		return
	}
	m.BusAcquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) observeLease(d time.Duration) {
	if m == nil {
		return
	}
	m.LeaseDuration.Observe(d.Seconds())
}

func (m *Metrics) valueRequest(op, result string) {
	if m == nil {
		return
	}
	m.ValueRequests.WithLabelValues(op, result).Inc()
}

func (m *Metrics) writeRejected(reason string) {
	if m == nil {
		return
	}
	m.WritesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) writeApplied() {
	if m == nil {
		return
	}
	m.WritesApplied.Inc()
}
