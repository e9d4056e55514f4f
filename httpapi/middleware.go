// Package httpapi is the HTTP adapter for the request pipeline: a
// chi-routed server that turns inbound requests into pipeline.Request
// values and pipeline.Response values back into wire responses, plus the
// structured request logging middleware adapted from
// pkg/middleware/logging.go in the teacher repo.
//
// The logging middleware is adapted, not ported: the teacher's version
// only ever sees an http.Request/http.ResponseWriter pair and has no way
// to know which origin or circuit-breaker state a request resolved to.
// Here dispatch (router.go) fills in a *requestMeta carried through the
// request context, so one log line covers not just the HTTP outcome but
// the cache/origin decision that produced it — the two things an
// operator actually wants to correlate when chasing a latency spike or a
// tripped breaker.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request-id"
	metaKey      contextKey = "request-meta"
)

// requestMeta carries fields that are only known once routing/dispatch has
// resolved the request, but that RequestLogger wants in its one log line
// once the handler chain completes. RequestLogger allocates it and stores
// a pointer in the request context before calling next; dispatch mutates
// the fields it knows about in place, so no second context write (and no
// risk of it being lost to a r = r.WithContext shadow further down the
// chain) is needed.
type requestMeta struct {
	Origin       string
	BreakerState string
}

// withRequestMeta attaches a fresh, zero-valued *requestMeta to ctx and
// returns both the new context and the meta for the caller to read back
// from after the handler chain runs.
func withRequestMeta(ctx context.Context) (context.Context, *requestMeta) {
	m := &requestMeta{}
	return context.WithValue(ctx, metaKey, m), m
}

// MetaFromContext returns the *requestMeta stashed by RequestLogger, or
// nil if none is present (e.g. in a unit test that calls a handler
// directly without the middleware). Handlers further down the chain use
// this to report which origin and breaker state a request resolved to.
func MetaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(metaKey).(*requestMeta)
	return m
}

// RequestLogger logs every request as a single structured JSON line,
// carrying the same fields as the teacher's logging middleware plus the
// cache outcome (X-Cache) and the resolved origin/breaker state this
// domain cares about.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		ctx, meta := withRequestMeta(ctx)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		logRequest(requestID, r, wrapped.statusCode, wrapped.bytesWritten, wrapped.Header().Get("X-Cache"), meta, time.Since(start))
	})
}

// RequestIDFromContext retrieves the request ID stashed by RequestLogger.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func logRequest(requestID string, r *http.Request, status, bytesWritten int, cacheStatus string, meta *requestMeta, duration time.Duration) {
	entry := map[string]interface{}{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"request_id":  requestID,
		"method":      r.Method,
		"path":        r.URL.Path,
		"query":       r.URL.RawQuery,
		"status":      status,
		"x_cache":     cacheStatus,
		"duration_ms": duration.Milliseconds(),
		"bytes":       bytesWritten,
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	}
	if meta != nil {
		if meta.Origin != "" {
			entry["origin"] = meta.Origin
		}
		if meta.BreakerState != "" {
			entry["breaker_state"] = meta.BreakerState
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] failed to marshal log entry: %v", err)
		log.Printf("[%s] %s %s - %d (%dms)", requestID, r.Method, r.URL.Path, status, duration.Milliseconds())
		return
	}

	switch {
	case status >= 500:
		log.Printf("[ERROR] %s", data)
	case status >= 400:
		log.Printf("[WARN] %s", data)
	default:
		log.Printf("[INFO] %s", data)
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
