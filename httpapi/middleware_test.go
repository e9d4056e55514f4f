package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMetaFromContextNilOutsideMiddleware(t *testing.T) {
	if MetaFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()) != nil {
		t.Fatal("expected nil meta outside RequestLogger")
	}
}

func TestRequestLoggerPopulatesRequestIDAndMeta(t *testing.T) {
	var sawMeta *requestMeta
	var sawRequestID string

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRequestID = RequestIDFromContext(r.Context())
		sawMeta = MetaFromContext(r.Context())
		if sawMeta != nil {
			sawMeta.Origin = "o1"
			sawMeta.BreakerState = "closed"
		}
		w.Header().Set("X-Cache", "HIT")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec := httptest.NewRecorder()
	RequestLogger(inner).ServeHTTP(rec, req)

	if sawRequestID == "" {
		t.Error("expected RequestLogger to populate a request ID")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header to be set")
	}
	if sawMeta == nil {
		t.Fatal("expected RequestLogger to attach a *requestMeta to the context")
	}
	// sawMeta was mutated by inner; since it's the same pointer RequestLogger
	// reads after next.ServeHTTP returns, the mutation must be visible there
	// too — that's the whole point of passing a pointer through context
	// rather than a value.
	if sawMeta.Origin != "o1" || sawMeta.BreakerState != "closed" {
		t.Fatalf("meta = %+v", sawMeta)
	}
}

func TestRequestLoggerPreservesExistingRequestID(t *testing.T) {
	var got string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rec := httptest.NewRecorder()
	RequestLogger(inner).ServeHTTP(rec, req)

	if got != "client-supplied-id" {
		t.Fatalf("requestID = %q, want propagated client value", got)
	}
}
