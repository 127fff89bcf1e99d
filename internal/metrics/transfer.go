package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transfer Metrics
//
// These metrics track chunk payload volume through the session layer.

var (
	// ChunkBytesReceived counts bytes written by upload chunks.
	ChunkBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_chunk_bytes_received_total",
			Help: "Total bytes received via upload chunks",
		},
	)

	// ChunkBytesSent counts bytes served by download chunks.
	ChunkBytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_chunk_bytes_sent_total",
			Help: "Total bytes served via download chunks",
		},
	)

	// ChunkWriteDuration tracks how long a single chunk write takes.
	ChunkWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferry_chunk_write_duration_seconds",
			Help:    "Upload chunk write duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
		},
	)
)
