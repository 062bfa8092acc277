package tcpproxy

//
// Metrics definitions
//

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricConnectionsCount counts the downstream connections we accepted.
	metricConnectionsCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sockdelay_connections_count",
		Help: "Total number of accepted downstream connections",
	})

	// metricConnectionsOpen gauges the connections currently being forwarded.
	metricConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockdelay_connections_open_gauge",
		Help: "The number of connections currently being forwarded",
	})

	// metricBytesForwarded counts forwarded bytes by direction, where "up"
	// is downstream-to-upstream and "down" is the reverse.
	metricBytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockdelay_bytes_forwarded_count",
		Help: "Total number of forwarded bytes",
	}, []string{"direction"})
)
