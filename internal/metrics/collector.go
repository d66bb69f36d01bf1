package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	uptimeDesc = prometheus.NewDesc(
		"sockswatch_uptime_seconds",
		"Accumulated time the tunnel was judged healthy by the sampler.",
		nil, nil,
	)
	reconnectAttemptsDesc = prometheus.NewDesc(
		"sockswatch_reconnect_attempts_total",
		"Number of times the supervisor found the tunnel unhealthy and restarted it.",
		nil, nil,
	)
	successfulReconnectsDesc = prometheus.NewDesc(
		"sockswatch_successful_reconnects_total",
		"Number of tunnel starts that survived the settle delay.",
		nil, nil,
	)
	lastLatencyDesc = prometheus.NewDesc(
		"sockswatch_last_latency_seconds",
		"Round-trip time of the last successful reachability probe.",
		nil, nil,
	)
)

// Collector exposes a Store to Prometheus. Values are read from a fresh
// snapshot on every scrape.
type Collector struct {
	store *Store
}

// NewCollector returns a collector for store.
func NewCollector(store *Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- uptimeDesc
	ch <- reconnectAttemptsDesc
	ch <- successfulReconnectsDesc
	ch <- lastLatencyDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.store.Snapshot()

	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.CounterValue, snap.Uptime.Seconds())
	ch <- prometheus.MustNewConstMetric(reconnectAttemptsDesc, prometheus.CounterValue, float64(snap.ReconnectAttempts))
	ch <- prometheus.MustNewConstMetric(successfulReconnectsDesc, prometheus.CounterValue, float64(snap.SuccessfulReconnects))

	// No sample while the host is unreachable
	if snap.LastLatency != nil {
		ch <- prometheus.MustNewConstMetric(lastLatencyDesc, prometheus.GaugeValue, snap.LastLatency.Seconds())
	}
}
