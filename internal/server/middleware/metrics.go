package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/centerfuze/opentext-service/internal/observability"
)

// responseWriter wraps http.ResponseWriter to capture status code and response size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// getEndpointPattern extracts chi route pattern to avoid high-cardinality paths
func getEndpointPattern(r *http.Request) string {
	routePattern := chi.RouteContext(r.Context()).RoutePattern()
	if routePattern != "" {
		return routePattern
	}

	switch r.URL.Path {
	case "/health", "/health/live", "/health/ready", "/health/startup":
		return "/health/*"
	case "/version":
		return "/version"
	case "/":
		return "/"
	default:
		// Generic pattern for unknown paths to avoid cardinality issues
		return "/unknown"
	}
}

// RequestMetrics middleware captures HTTP request metrics following Prometheus standards
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := getEndpointPattern(r)

		commonLabels := map[string]string{
			"method":   r.Method,
			"endpoint": endpoint,
			"status":   strconv.Itoa(wrapped.statusCode),
		}

		_ = observability.TelemetrySystem.Counter(
			"http_requests_total",
			1,
			commonLabels,
		)

		_ = observability.TelemetrySystem.Histogram(
			"http_request_duration_ms",
			duration,
			commonLabels,
		)

		if wrapped.statusCode >= 400 {
			errorType := "client_error"
			if wrapped.statusCode >= 500 {
				errorType = "server_error"
			}

			_ = observability.TelemetrySystem.Counter(
				"http_errors_total",
				1,
				map[string]string{
					"method":     r.Method,
					"endpoint":   endpoint,
					"status":     strconv.Itoa(wrapped.statusCode),
					"error_type": errorType,
				},
			)
		}

		// Request ID stays in logs, not metrics, to keep cardinality down.
		if observability.ServerLogger != nil {
			observability.ServerLogger.Info("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", duration),
				zap.Int64("response_size", wrapped.bytesWritten),
				zap.String("requestID", GetRequestID(r.Context())),
			)
		}
	})
}
