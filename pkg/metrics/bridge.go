package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "mqtt2coap"

// BridgeMetrics holds the collectors the dispatcher and sources update.
// A nil *BridgeMetrics is valid and records nothing.
type BridgeMetrics struct {
	EventsTotal        *prometheus.CounterVec
	ReadingsTotal      prometheus.Counter
	SkippedFieldsTotal prometheus.Counter
	EmptyPayloadsTotal prometheus.Counter
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryLatency    *prometheus.HistogramVec
	InFlight           prometheus.Gauge
}

// NewBridgeMetrics creates the collectors and registers them with reg.
func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Broker events seen by the dispatcher, by kind",
		}, []string{"kind"}),
		ReadingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Readings flattened out of published payloads",
		}),
		SkippedFieldsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_fields_total",
			Help:      "JSON fields that could not be coerced to a number",
		}),
		EmptyPayloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_payloads_total",
			Help:      "Published messages that produced no readings",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Deliveries attempted, by sink and result",
		}, []string{"sink", "result"}),
		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering one reading to a sink",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sink"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliveries_in_flight",
			Help:      "Deliveries currently in progress",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsTotal,
			m.ReadingsTotal,
			m.SkippedFieldsTotal,
			m.EmptyPayloadsTotal,
			m.DeliveriesTotal,
			m.DeliveryLatency,
			m.InFlight,
		)
	}
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors
// plus the bridge metrics.
func NewRegistry() (*prometheus.Registry, *BridgeMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, NewBridgeMetrics(reg)
}

func (m *BridgeMetrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

func (m *BridgeMetrics) ObserveReadings(n int) {
	if m == nil {
		return
	}
	if n == 0 {
		m.EmptyPayloadsTotal.Inc()
		return
	}
	m.ReadingsTotal.Add(float64(n))
}

func (m *BridgeMetrics) ObserveSkippedField() {
	if m == nil {
		return
	}
	m.SkippedFieldsTotal.Inc()
}

// DeliveryStarted marks a delivery as in flight and returns the function that
// records its completion.
func (m *BridgeMetrics) DeliveryStarted(sink string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.InFlight.Inc()
	return func(err error) {
		m.InFlight.Dec()
		m.DeliveryLatency.WithLabelValues(sink).Observe(time.Since(start).Seconds())
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.DeliveriesTotal.WithLabelValues(sink, result).Inc()
	}
}
