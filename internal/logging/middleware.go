package logging

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type agentKey struct{}

// agentHolder carries the authenticated agent id from the handler
// back to the middleware, which logs it after the handler returns.
type agentHolder struct {
	id string
}

// SetAgent records the authenticated agent id for the current request
// so the request log line can attribute it. A no-op when r did not
// pass through HTTPMiddleware.
func SetAgent(r *http.Request, agentID string) {
	if h, ok := r.Context().Value(agentKey{}).(*agentHolder); ok {
		h.id = agentID
	}
}

// HTTPMiddleware returns an http.Handler that logs every request with
// method, path, status code, duration, and the authenticated agent id
// when one resolved.
func HTTPMiddleware(next http.Handler) http.Handler {
	logger := slog.With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		holder := &agentHolder{}
		r = r.WithContext(context.WithValue(r.Context(), agentKey{}, holder))
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start),
		}
		if holder.id != "" {
			attrs = append(attrs, "agent_id", holder.id)
		}
		logger.Debug("request", attrs...)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that need
// the underlying ResponseWriter (e.g. for Flush, Hijack).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
