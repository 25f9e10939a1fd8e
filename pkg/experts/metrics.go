package experts

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	registeredTotal   prometheus.Counter
	offlineTotal      prometheus.Counter
	delegatedTotal    prometheus.Counter
	completedTotal    prometheus.Counter
	emitFailuresTotal prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		registeredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lighthouse_experts_registered_total",
			Help: "Total expert registrations completed.",
		}),
		offlineTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lighthouse_experts_offline_total",
			Help: "Total experts marked OFFLINE due to missed heartbeats.",
		}),
		delegatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lighthouse_experts_delegated_total",
			Help: "Total tasks delegated to an expert.",
		}),
		completedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lighthouse_experts_completed_total",
			Help: "Total tasks completed by an expert.",
		}),
		emitFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lighthouse_experts_emit_failures_total",
			Help: "Total event-log append failures encountered while emitting registry events.",
		}),
	}
}

func (m *metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.registeredTotal, m.offlineTotal, m.delegatedTotal, m.completedTotal, m.emitFailuresTotal}
}
