// Package errorpages implements the optional HTML error-page rendering
// of §7: a registry of per-status templates, set once at startup and
// read-only thereafter (§9 "Global mutable state"), recovered from
// original_source/error_pages.rs — the distilled spec names the
// placeholders but not the registry shape (SPEC_FULL.md §3).
package errorpages

import (
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// Page is a single status code's error page template. Body must contain
// the literal placeholders {{status_code}}, {{status_text}} and
// {{message}} — {{message}} is always HTML-escaped before substitution
// since it may echo an upstream error string (§7 "HTML escaping is
// mandatory on {{message}} to prevent XSS").
type Page struct {
	ContentType string
	Body        string
}

// DefaultPage is served for any status with no registered Page.
var DefaultPage = Page{
	ContentType: "text/html; charset=utf-8",
	Body:        "<html><body><h1>{{status_code}} {{status_text}}</h1><p>{{message}}</p></body></html>",
}

// Registry holds one Page per HTTP status, built once at startup and
// never mutated afterward.
type Registry struct {
	mu    sync.RWMutex
	pages map[int]Page
}

// NewRegistry builds an empty registry; callers populate it via Set
// before serving traffic.
func NewRegistry() *Registry {
	return &Registry{pages: make(map[int]Page)}
}

// Set registers the page for status. Intended to be called only during
// startup wiring.
func (r *Registry) Set(status int, page Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[status] = page
}

// Render produces the HTML body for status with message substituted, or
// DefaultPage if no specific page was registered.
func (r *Registry) Render(status int, message string) (contentType string, body []byte) {
	r.mu.RLock()
	page, ok := r.pages[status]
	r.mu.RUnlock()
	if !ok {
		page = DefaultPage
	}

	rendered := page.Body
	rendered = strings.ReplaceAll(rendered, "{{status_code}}", strconv.Itoa(status))
	rendered = strings.ReplaceAll(rendered, "{{status_text}}", http.StatusText(status))
	rendered = strings.ReplaceAll(rendered, "{{message}}", html.EscapeString(message))
	return page.ContentType, []byte(rendered)
}

// JSONBody renders the non-HTML error body of §7:
// {"error": msg, "status": N}. Used when no HTML registry is configured.
func JSONBody(status int, message string) []byte {
	var b strings.Builder
	b.WriteString(`{"error":"`)
	b.WriteString(jsonEscape(message))
	b.WriteString(`","status":`)
	b.WriteString(strconv.Itoa(status))
	b.WriteString(`}`)
	return []byte(b.String())
}

func jsonEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
