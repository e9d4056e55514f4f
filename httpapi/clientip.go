package httpapi

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client's address, trusting X-Forwarded-For and
// X-Real-IP only when remoteAddr belongs to a configured trusted proxy —
// recovered from original_source/security.rs, which the distilled spec
// mentions only in passing ("X-Forwarded-For/X-Real-IP, trusted only when
// configured", §6) without specifying the trust check itself
// (SPEC_FULL.md §3).
func ClientIP(r *http.Request, trustedProxies []string) string {
	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}

	if !isTrustedProxy(remoteHost, trustedProxies) {
		return remoteHost
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		first := strings.TrimSpace(parts[0])
		if first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return remoteHost
}

func isTrustedProxy(host string, trusted []string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, t := range trusted {
		if _, cidr, err := net.ParseCIDR(t); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if t == host {
			return true
		}
	}
	return false
}
