package httpx

import (
	"net/http"
	"strings"
)

// strippedHeaders are transport- or proxy-scoped headers that must not reach
// the local target verbatim: hop-by-hop fields, the public Host, and headers
// injected by CDNs in front of the gateway.
var strippedHeaders = map[string]struct{}{
	"connection":        {},
	"upgrade":           {},
	"host":              {},
	"cf-ray":            {},
	"cf-connecting-ip":  {},
	"cf-ipcountry":      {},
	"cf-visitor":        {},
	"cdn-loop":          {},
	"x-forwarded-for":   {},
	"x-forwarded-proto": {},
	"x-real-ip":         {},
}

// SanitizeForward returns a copy of h without the stripped header set.
// The input is never mutated.
func SanitizeForward(h map[string][]string) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if _, drop := strippedHeaders[strings.ToLower(name)]; drop {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}

// Subdomain extracts the first label from a Host header value, ignoring any
// port. "meat.knrog.online:443" yields "meat"; a bare or empty host yields "".
func Subdomain(host string) string {
	if host == "" {
		return ""
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	label, rest, found := strings.Cut(host, ".")
	if !found || rest == "" {
		return ""
	}
	return label
}

// ClientIP returns the original caller's IP: the first X-Forwarded-For entry
// when present, otherwise the connection's remote address without the port.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}
