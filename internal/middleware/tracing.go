package middleware

import (
	"net/http"
	"time"

	"github.com/R3E-Network/microcredit_relay/internal/httputil"
	"github.com/R3E-Network/microcredit_relay/internal/logging"
)

// TracingMiddleware adds a trace ID to all requests and logs them
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse the caller's trace ID or mint one
		traceID := r.Header.Get(httputil.TraceIDHeader)
		if traceID == "" {
			traceID = logging.NewTraceID()
		}

		// Carry it in the context and echo it back
		ctx := logging.WithTraceID(r.Context(), traceID)
		w.Header().Set(httputil.TraceIDHeader, traceID)

		// Wrap the writer to capture the status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		start := time.Now()

		// Process request
		next.ServeHTTP(rw, r.WithContext(ctx))

		// Log request
		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
