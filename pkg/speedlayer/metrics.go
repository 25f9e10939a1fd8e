package speedlayer

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the dispatcher's per-tier prometheus instruments.
type metrics struct {
	requestsTotal *prometheus.CounterVec
	hitsTotal     *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	breakerOpen   *prometheus.GaugeVec
}

func newMetrics() *metrics {
	return &metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lighthouse_speedlayer_requests_total",
			Help: "Total dispatch requests seen by each tier.",
		}, []string{"tier"}),
		hitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lighthouse_speedlayer_hits_total",
			Help: "Total dispatch requests a tier resolved conclusively.",
		}, []string{"tier"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lighthouse_speedlayer_tier_latency_seconds",
			Help:    "Per-tier dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lighthouse_speedlayer_breaker_open",
			Help: "1 if a tier's circuit breaker is open, else 0.",
		}, []string{"tier"}),
	}
}

func (m *metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.requestsTotal, m.hitsTotal, m.latency, m.breakerOpen}
}
