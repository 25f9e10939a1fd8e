package eventlog

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the log's prometheus instruments. Grouped per-Log instance
// (rather than package-level globals) so tests can construct a Log without
// colliding on the default registry; pkg/api's Server registers them,
// through Broker.Collectors, on a registry private to each server.
type metrics struct {
	appendLatency        prometheus.Histogram
	appendedTotal        prometheus.Counter
	subscriberDropsTotal prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lighthouse_eventlog_append_latency_seconds",
			Help:    "Latency of append/append_batch calls.",
			Buckets: prometheus.DefBuckets,
		}),
		appendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lighthouse_eventlog_appended_total",
			Help: "Total number of events durably appended.",
		}),
		subscriberDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lighthouse_eventlog_subscriber_drops_total",
			Help: "Total number of subscribers disconnected for exceeding their buffer.",
		}),
	}
}

// Collectors returns the instruments for registration with a prometheus
// registerer.
func (l *Log) Collectors() []prometheus.Collector {
	return []prometheus.Collector{l.metrics.appendLatency, l.metrics.appendedTotal, l.metrics.subscriberDropsTotal}
}
