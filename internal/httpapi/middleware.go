package httpapi

import (
	"net/http"

	"github.com/felixge/httpsnoop"

	"github.com/agentworkforce/tasksync/internal/logging"
)

// withRequestLogging logs one line per request with status and latency.
func withRequestLogging(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		level := logger.Debug
		if m.Code >= http.StatusInternalServerError {
			level = logger.Warn
		}
		level("handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
			"correlation_id", getCorrelationID(r),
		)
	})
}
