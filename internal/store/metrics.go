package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ForwarderMetrics 持久化转发指标；registry 为 nil 时不采集
type ForwarderMetrics struct {
	submitted *prometheus.CounterVec
	failed    *prometheus.CounterVec
	dropped   prometheus.Counter
}

// NewForwarderMetrics 创建并注册指标
func NewForwarderMetrics(reg prometheus.Registerer) *ForwarderMetrics {
	if reg == nil {
		return nil
	}

	m := &ForwarderMetrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "persist",
			Name:      "submitted_total",
			Help:      "Total persistence submissions by event kind",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "persist",
			Name:      "failures_total",
			Help:      "Total failed persistence submissions by event kind",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "persist",
			Name:      "dropped_total",
			Help:      "Total submissions dropped because the queue was full",
		}),
	}

	reg.MustRegister(m.submitted, m.failed, m.dropped)
	return m
}

func (m *ForwarderMetrics) IncSubmitted(kind string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(kind).Inc()
}

func (m *ForwarderMetrics) IncFailed(kind string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(kind).Inc()
}

func (m *ForwarderMetrics) IncDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
