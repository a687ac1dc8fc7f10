package middleware

import (
	"net/http"

	"github.com/oinkognito/wavy/internal/metrics"
)

// metricsResponseWriter captures the status and byte count metrics needs,
// independent of the logging middleware's own wrapper.
type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytesOut    int64
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesOut += int64(n)
	return n, err
}

// Metrics wraps every request with registry.BeginRequest, per the router
// design's per-request timer contract (increments total_requests/
// active_connections on entry, records status/response-time on exit).
func Metrics(registry *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			complete := registry.BeginRequest()
			wrapped := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			complete(wrapped.status, wrapped.bytesOut)
		})
	}
}
