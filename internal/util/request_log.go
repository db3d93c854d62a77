package util

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// responseMeter records what a handler wrote so the access log can report
// status and response size.
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *responseMeter) WriteHeader(code int) {
	m.status = code
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(p []byte) (int, error) {
	n, err := m.ResponseWriter.Write(p)
	m.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying connection, so
// websocket upgrades work behind this middleware.
func (m *responseMeter) Unwrap() http.ResponseWriter {
	return m.ResponseWriter
}

// WithRequestLog emits one structured access line per request. Websocket
// connections appear once, at upgrade time; per-frame traffic is the hub's
// concern, not the access log's.
func WithRequestLog(service string, next http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meter := &responseMeter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(meter, r)
		slog.Info("http_request",
			"service", service,
			"method", r.Method,
			"path", r.URL.Path,
			"status", meter.status,
			"bytes", meter.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromRequest(r),
		)
	})
}
