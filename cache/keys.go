package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CacheKey is the canonical string derived from (origin, path, sorted
// query, sorted selected Vary request headers). Two requests with the same
// key must be answerable by the same artifact — see §3.
type CacheKey string

// BuildKey implements §4.3. varyHeader is the response's Vary header value
// (empty on the initial probe, where the caller passes the default
// "accept-encoding" selection instead via selectedVary). reqHeaders
// supplies the values for whichever header names end up selected.
//
// Vary: * deliberately produces a key with a per-call unique suffix,
// making the entry impossible to hit a second time.
func BuildKey(origin, path, query, varyHeader string, selectedVary []string, reqHeaders http.Header) CacheKey {
	var b strings.Builder
	b.WriteString(origin)
	if !strings.HasPrefix(path, "/") {
		b.WriteByte('/')
	}
	b.WriteString(path)

	if q := canonicalQuery(query); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}

	names := selectedVary
	if strings.TrimSpace(varyHeader) != "" {
		if strings.TrimSpace(varyHeader) == "*" {
			b.WriteString("|vary:*=")
			b.WriteString(strconv.FormatInt(time.Now().UnixNano(), 10))
			return CacheKey(b.String())
		}
		names = splitVary(varyHeader)
	}

	if len(names) == 0 {
		return CacheKey(b.String())
	}

	sorted := make([]string, len(names))
	copy(sorted, names)
	for i := range sorted {
		sorted[i] = strings.ToLower(strings.TrimSpace(sorted[i]))
	}
	sort.Strings(sorted)

	b.WriteString("|vary:")
	for i, name := range sorted {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(reqHeaders.Get(name))
	}

	return CacheKey(b.String())
}

// DefaultVary is the Vary selection used on the initial store probe,
// before the origin's actual Vary header (if any) is known.
var DefaultVary = []string{"accept-encoding"}

func splitVary(header string) []string {
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// canonicalQuery sorts query parameters by key (and by value within a key)
// so that two semantically identical query strings with different
// parameter ordering produce the same key.
func canonicalQuery(query string) string {
	query = strings.TrimPrefix(query, "?")
	if query == "" {
		return ""
	}
	values, err := url.ParseQuery(query)
	if err != nil || len(values) == 0 {
		return query
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// String implements Stringer for readable logging.
func (k CacheKey) String() string { return string(k) }

// HasPrefix reports whether the key starts with prefix, used by
// invalidate_prefix.
func (k CacheKey) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(k), prefix)
}
