package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cdnedge-io/edgecache/config"
	"github.com/cdnedge-io/edgecache/errorpages"
	"github.com/cdnedge-io/edgecache/pipeline"
)

// Handler adapts the request pipeline to net/http, implementing the
// inbound HTTP contract of §6: GET/HEAD /{origin}/{path} plus the
// default single-origin form GET /{path}.
type Handler struct {
	Pipeline       *pipeline.Pipeline
	Origins        config.OriginRegistry
	TrustedProxies []string
	ErrorPages     *errorpages.Registry
	UseHTMLErrors  bool
}

// NewRouter builds the chi router serving Handler's routes. Both forms of
// §6's inbound contract — "GET /{origin}/{path}" and the default
// single-origin form "GET /{path}" — share one wildcard route because
// they are ambiguous to a generic path router: only the origin registry
// can tell whether the first path segment names a configured origin.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger)

	r.Get("/*", h.dispatch)
	r.Head("/*", h.dispatch)

	return r
}

// dispatch implements the disambiguation: if the first path segment
// names a configured origin, it is the named-origin form; otherwise, if
// exactly one origin is configured, the whole path is routed to it as
// the default form (§6).
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	full := strings.TrimPrefix(chi.URLParam(r, "*"), "/")

	first, rest, _ := strings.Cut(full, "/")
	if first != "" {
		if _, ok := h.Origins.Lookup(first); ok {
			h.serve(w, r, first, "/"+rest)
			return
		}
	}

	if sole, ok := h.Origins.Sole(); ok {
		h.serve(w, r, sole.Name, "/"+full)
		return
	}

	h.writeError(w, r, 404, "no such origin: "+first)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, origin, path string) {
	if meta := MetaFromContext(r.Context()); meta != nil {
		meta.Origin = origin
		if h.Pipeline.Breakers != nil {
			meta.BreakerState = h.Pipeline.Breakers.Get(origin).Snapshot().State.String()
		}
	}

	req := pipeline.Request{
		Method:     r.Method,
		OriginName: origin,
		Path:       path,
		Query:      r.URL.RawQuery,
		Header:     r.Header,
		RemoteAddr: ClientIP(r, h.TrustedProxies),
	}

	resp, err := h.Pipeline.Handle(r.Context(), req)
	if err != nil {
		h.writeErrorFromPipeline(w, r, err)
		return
	}

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

func (h *Handler) writeErrorFromPipeline(w http.ResponseWriter, r *http.Request, err error) {
	status := 500
	message := err.Error()
	if pErr, ok := err.(*pipeline.Error); ok {
		status = pErr.Kind.Status()
		message = pErr.Message
	}
	h.writeError(w, r, status, message)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("X-Cache", "ERROR")
	if h.UseHTMLErrors && h.ErrorPages != nil {
		contentType, body := h.ErrorPages.Render(status, message)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		if r.Method != http.MethodHead {
			w.Write(body)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(errorpages.JSONBody(status, message))
	}
}
