package metrics

import (
	"time"

	"github.com/centerfuze/opentext-service/internal/observability"
)

// Application-level metrics following Prometheus conventions
var (
	// Bus request metrics
	BusRequestsTotal   = "app_bus_requests_total"
	BusRequestDuration = "app_bus_request_duration_ms"

	// Upstream API metrics
	UpstreamRequestsTotal   = "app_upstream_requests_total"
	UpstreamRequestDuration = "app_upstream_request_duration_ms"

	// Cache metrics
	CacheRequestsTotal = "app_cache_requests_total"
	CacheSize          = "app_cache_size"

	// Rate limiter metrics
	RateLimiterRate = "app_rate_limiter_rate"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordBusRequest records one handled bus request with its outcome.
func RecordBusRequest(subject string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			BusRequestsTotal,
			1,
			map[string]string{
				"subject": subject,
				"status":  status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			BusRequestDuration,
			duration,
			map[string]string{
				"subject": subject,
			},
		)
	}
}

// RecordUpstreamRequest records one upstream API call by error kind
// ("" for success).
func RecordUpstreamRequest(metric string, errKind string, duration time.Duration) {
	status := errKind
	if status == "" {
		status = "success"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			UpstreamRequestsTotal,
			1,
			map[string]string{
				"metric": metric,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			UpstreamRequestDuration,
			duration,
			map[string]string{
				"metric": metric,
			},
		)
	}
}

// RecordCacheRequest records a cache lookup result.
func RecordCacheRequest(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CacheRequestsTotal,
			1,
			map[string]string{
				"result": result,
			},
		)
	}
}

// SetCacheSize sets the current number of cached entries.
func SetCacheSize(count int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			CacheSize,
			float64(count),
			nil,
		)
	}
}

// SetRateLimiterRate sets the current sustained request rate.
func SetRateLimiterRate(rate float64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			RateLimiterRate,
			rate,
			nil,
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerUptime,
			float64(seconds),
			nil,
		)
	}
}
