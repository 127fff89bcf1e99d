package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Metrics
//
// These metrics track chunked transfer sessions. A session spans many
// frames on one connection; watch the gauges for leaks and the reap
// counter for clients that drop mid-transfer.

var (
	// ActiveUploadSessions tracks open upload sessions.
	ActiveUploadSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_active_upload_sessions",
			Help: "Number of open upload sessions",
		},
	)

	// ActiveDownloadSessions tracks open download sessions.
	ActiveDownloadSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_active_download_sessions",
			Help: "Number of open download sessions",
		},
	)

	// SessionsOpenedTotal counts session creation by kind (upload, download).
	SessionsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_sessions_opened_total",
			Help: "Total number of sessions opened",
		},
		[]string{"kind"},
	)

	// SessionsClosedTotal counts session teardown by kind and reason
	// (finished, aborted, replaced, client_gone, idle, error).
	SessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_sessions_closed_total",
			Help: "Total number of sessions closed",
		},
		[]string{"kind", "reason"},
	)
)
