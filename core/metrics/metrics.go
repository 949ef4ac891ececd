package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jasonchiu/dvirmail/feature/recipients"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dvirmail_repository_operations_total",
			Help: "Recipient repository operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dvirmail_repository_operation_duration_seconds",
			Help:    "Duration of recipient repository operations",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)
)

// Observe records one repository operation.
func Observe(operation string, started time.Time, err error) {
	operationsTotal.WithLabelValues(operation, Outcome(err)).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Outcome collapses an error into a bounded label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, recipients.ErrDuplicateRecipient):
		return "duplicate"
	case errors.Is(err, recipients.ErrInvalidEmail), errors.Is(err, recipients.ErrInvalidDefectFilter):
		return "invalid"
	case errors.Is(err, recipients.ErrReadOnlyTenant):
		return "read_only"
	case errors.Is(err, recipients.ErrConfigurationMissing):
		return "missing"
	case errors.Is(err, recipients.ErrRemoteUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
