package metrics

import (
	"strconv"

	"github.com/centerfuze/opentext-service/internal/observability"
)

// Metric names
const (
	ErrorsTotalName     = "errors_total"
	PanicsTotalName     = "panics_total"
	ErrorsBySubjectName = "errors_by_subject"
)

// RecordError records an error with code and status
func RecordError(errorCode string, httpStatus int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ErrorsTotalName,
			1,
			map[string]string{
				"error_code":  errorCode,
				"http_status": strconv.Itoa(httpStatus),
			},
		)
	}
}

// RecordPanic records a panic recovery
func RecordPanic() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			PanicsTotalName,
			1,
			nil,
		)
	}
}

// RecordErrorBySubject records an error against the bus subject or
// HTTP endpoint that produced it.
func RecordErrorBySubject(subject string, errorCode string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ErrorsBySubjectName,
			1,
			map[string]string{
				"subject":    subject,
				"error_code": errorCode,
			},
		)
	}
}
