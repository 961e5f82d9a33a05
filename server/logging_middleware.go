package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"refgen_worker/logging"
)

// HTTPRecorder receives one observation per served request.
// *metrics.Collector implements it.
type HTTPRecorder interface {
	RecordHTTPRequest(method, route string, status int, elapsed time.Duration)
}

// LoggingMiddleware logs every request with its status and duration and
// feeds the HTTP metrics. Paths in skipPaths are recorded but not logged.
type LoggingMiddleware struct {
	logger    *logging.Logger
	recorder  HTTPRecorder
	skipPaths map[string]bool
}

// NewLoggingMiddleware creates the middleware. recorder may be nil.
func NewLoggingMiddleware(logger *logging.Logger, recorder HTTPRecorder, skipPaths ...string) *LoggingMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &LoggingMiddleware{
		logger:    logger.Named("http"),
		recorder:  recorder,
		skipPaths: skip,
	}
}

func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)
		elapsed := time.Since(start)

		// ServeMux fills in Pattern on the way through.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if m.recorder != nil {
			m.recorder.RecordHTTPRequest(r.Method, route, wrapped.statusCode, elapsed)
		}
		if m.skipPaths[r.URL.Path] {
			return
		}

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", elapsed),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.String("remote", clientIP(r)),
		}
		switch {
		case wrapped.statusCode >= 500:
			m.logger.Error("HTTP request", fields...)
		case wrapped.statusCode >= 400:
			m.logger.Warn("HTTP request", fields...)
		default:
			m.logger.Info("HTTP request", fields...)
		}
	})
}

// statusRecorder captures the status code and body size.
type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address without its port.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
