// Package upstream implements C6, the upstream fetcher: outbound HTTP with
// timeout/retry, a strict request/response header whitelist, and an error
// taxonomy that lets the pipeline tell connection failures apart from
// "the origin answered 5xx" (§4.6).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cdnedge-io/edgecache/config"
)

// ErrorKind distinguishes connection-class failures (§4.6's Unreachable)
// from other failures (Upstream). A 5xx status is NOT an error — it comes
// back as a normal Result so the pipeline can still consider
// stale-if-error.
type ErrorKind int

const (
	Unreachable ErrorKind = iota
	UpstreamErr
)

// Error is the error type Fetch returns for connection-class and other
// non-status failures.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("upstream %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Result is a successful fetch, including a 5xx response from the origin.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// requestForwardWhitelist is the only request headers C6 forwards (§4.6).
var requestForwardWhitelist = []string{
	"Accept", "Accept-Encoding", "Accept-Language", "If-None-Match", "If-Modified-Since",
}

// responseWhitelist is the only response headers C6 keeps — the boundary
// against accidentally caching hop-by-hop headers (§4.6).
var responseWhitelist = []string{
	"Content-Type", "Content-Language", "Content-Encoding", "Cache-Control",
	"ETag", "Last-Modified", "Vary", "Content-Disposition",
	"Access-Control-Allow-Origin", "Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers", "Access-Control-Expose-Headers",
	"Access-Control-Allow-Credentials",
}

// HTTPDoer is the outgoing HTTP client pool's contract — an external
// collaborator per spec §1. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher issues outbound requests on behalf of C7, enforcing per-attempt
// timeouts, exponential backoff retries and the header whitelists.
type Fetcher struct {
	client HTTPDoer

	// BackoffBase/BackoffFactor parameterise the retry backoff (§4.6:
	// base 100ms, factor 2). Exposed for tests.
	BackoffBase   time.Duration
	BackoffFactor float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher builds a Fetcher around client (from the external HTTP client
// pool).
func NewFetcher(client HTTPDoer) *Fetcher {
	return &Fetcher{
		client:        client,
		BackoffBase:   100 * time.Millisecond,
		BackoffFactor: 2,
		limiters:      make(map[string]*rate.Limiter),
	}
}

func (f *Fetcher) limiterFor(origin config.Origin) *rate.Limiter {
	if origin.MaxRPS <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[origin.Name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(origin.MaxRPS), int(origin.MaxRPS)+1)
		f.limiters[origin.Name] = l
	}
	return l
}

// Fetch implements fetch(origin, path, query, forwardable_headers) of
// §4.6. Idempotent for GET/HEAD: it issues at most MaxRetries+1 attempts
// with exponential backoff (base 100ms, factor 2 by default).
func (f *Fetcher) Fetch(ctx context.Context, origin config.Origin, method, path, query string, clientHeaders http.Header) (*Result, error) {
	url := origin.URL + path
	if query != "" {
		url += "?" + query
	}

	limiter := f.limiterFor(origin)
	attempts := origin.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(f.BackoffBase) * pow(f.BackoffFactor, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &Error{Kind: Unreachable, Op: "backoff", Err: ctx.Err()}
			}
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, &Error{Kind: Unreachable, Op: "ratelimit", Err: err}
			}
		}

		res, err := f.attempt(ctx, origin, method, url, clientHeaders)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, origin config.Origin, method, url string, clientHeaders http.Header) (*Result, error) {
	timeout := origin.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, url, nil)
	if err != nil {
		return nil, &Error{Kind: UpstreamErr, Op: "build-request", Err: err}
	}

	for _, h := range requestForwardWhitelist {
		if v := clientHeaders.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	for k, v := range origin.Headers {
		req.Header.Set(k, v)
	}
	if origin.HostHeader != "" {
		req.Host = origin.HostHeader
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if isConnClassError(err) {
			return nil, &Error{Kind: Unreachable, Op: "do", Err: err}
		}
		return nil, &Error{Kind: UpstreamErr, Op: "do", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: UpstreamErr, Op: "read-body", Err: err}
	}

	return &Result{
		Status: resp.StatusCode,
		Header: filterResponseHeader(resp.Header),
		Body:   body,
	}, nil
}

func filterResponseHeader(h http.Header) http.Header {
	out := make(http.Header, len(responseWhitelist))
	for _, name := range responseWhitelist {
		if v := h.Values(name); len(v) > 0 {
			for _, vv := range v {
				out.Add(name, vv)
			}
		}
	}
	return out
}

// isConnClassError reports whether err looks like a connect/timeout
// failure (§4.6 Unreachable) as opposed to a TLS/decode-class failure
// (Upstream).
func isConnClassError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// isRetryable reports whether Fetch should retry after err. Only
// connection-class failures are retried: idempotent GET/HEAD semantics
// assume the origin never saw the request.
func isRetryable(err error) bool {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Kind == Unreachable
	}
	return false
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
