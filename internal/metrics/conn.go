package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Metrics

var (
	// ActiveConnections tracks currently served client connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_active_connections",
			Help: "Number of active client connections",
		},
	)

	// ConnectionsTotal counts accepted connections.
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_connections_total",
			Help: "Total number of accepted connections",
		},
	)
)
