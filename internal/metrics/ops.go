package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation Metrics
//
// These metrics track dispatched protocol operations. Use them to see
// which operations a client exercises, how long handlers take, and the
// error kinds handlers produce.

var (
	// OperationsTotal counts dispatched operations.
	// Labels: op (e.g. "LIST_FILES"), status (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_operations_total",
			Help: "Total number of dispatched operations",
		},
		[]string{"op", "status"},
	)

	// OperationDuration tracks handler wall-clock time per operation.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_operation_duration_seconds",
			Help:    "Handler duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		},
		[]string{"op"},
	)

	// OperationErrorsTotal counts handler failures by error kind.
	OperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_operation_errors_total",
			Help: "Total number of handler errors by kind",
		},
		[]string{"kind"},
	)
)
