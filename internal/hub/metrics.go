package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 中继服务的 Prometheus 指标；registry 为 nil 时不采集
type Metrics struct {
	connections       *prometheus.GaugeVec
	framesReceived    *prometheus.CounterVec
	malformedFrames   prometheus.Counter
	broadcasts        prometheus.Counter
	deliveryFailures  prometheus.Counter
	broadcastDuration prometheus.Histogram
}

// NewMetrics 创建并注册指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "guardian",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Currently registered connections by role",
		}, []string{"role"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Total inbound frames by normalized kind",
		}, []string{"kind"}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "relay",
			Name:      "malformed_frames_total",
			Help:      "Total frames dropped as unparsable",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "relay",
			Name:      "broadcasts_total",
			Help:      "Total events fanned out to consumers",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "relay",
			Name:      "delivery_failures_total",
			Help:      "Total per-connection delivery failures during broadcast",
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guardian",
			Subsystem: "relay",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan one event out to all consumers",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}

	reg.MustRegister(
		m.connections,
		m.framesReceived,
		m.malformedFrames,
		m.broadcasts,
		m.deliveryFailures,
		m.broadcastDuration,
	)
	return m
}

func (m *Metrics) SetConnections(role Role, n int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(string(role)).Set(float64(n))
}

func (m *Metrics) IncFrames(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) IncBroadcasts() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) IncDeliveryFailures() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) ObserveBroadcast(seconds float64) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(seconds)
}
