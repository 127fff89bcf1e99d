package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame Metrics
//
// These metrics track the wire framing layer: complete frames decoded,
// framing defects (resyncs, oversized payloads, CRC mismatches), and the
// raw frame volume moving through connections.

var (
	// FramesTotal counts frames by direction (in, out).
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_frames_total",
			Help: "Total number of protocol frames processed",
		},
		[]string{"direction"},
	)

	// FrameErrorsTotal counts framing defects by reason
	// (oversized, bad_trailer, crc_mismatch, bad_format, resync).
	FrameErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_frame_errors_total",
			Help: "Total number of framing defects",
		},
		[]string{"reason"},
	)

	// FrameBytes tracks the size distribution of frame payloads.
	FrameBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_frame_payload_bytes",
			Help:    "Frame payload size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10), // 64B to ~16MB
		},
		[]string{"direction"},
	)
)
