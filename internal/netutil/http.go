// Package netutil provides shared HTTP/hostname normalization helpers used
// by the tunnel listener to route and clean up forwarded requests.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

var hopByHopHeaderNames = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NormalizeHost lower-cases a Host header value and strips its port and any
// trailing dot, per spec.md §4.5's "comparison is ASCII case-insensitive,
// hostname routing strips the port" rule.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// SplitSubdomain reports whether host has the shape "<label>.<root>" for
// the given root host, returning the leading label. ok is false if host
// equals root outright (a root-host connection, not a tunneled one) or
// does not end in "."+root.
func SplitSubdomain(host, root string) (label string, ok bool) {
	if host == root {
		return "", false
	}
	suffix := "." + root
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label = strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// IsUpgradeRequest reports whether r carries a case-insensitive websocket
// Upgrade request, per spec.md §4.5.
func IsUpgradeRequest(r *http.Request) bool {
	return ShouldPreserveUpgradeHeaders(r.Header)
}

// RemoveHopByHopHeadersPreserveUpgrade strips hop-by-hop headers while
// preserving the Connection/Upgrade pair when the request is itself an
// upgrade handshake, resolving spec.md §9's hop-by-hop Open Question.
func RemoveHopByHopHeadersPreserveUpgrade(h http.Header) {
	removeHopByHopHeaders(h, ShouldPreserveUpgradeHeaders(h))
}

// ShouldPreserveUpgradeHeaders reports whether h carries an Upgrade
// handshake (Connection: Upgrade plus a non-empty Upgrade value).
func ShouldPreserveUpgradeHeaders(h http.Header) bool {
	if len(h) == 0 || strings.TrimSpace(h.Get("Upgrade")) == "" {
		return false
	}
	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func removeHopByHopHeaders(h http.Header, preserveUpgrade bool) {
	if len(h) == 0 {
		return
	}
	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token))
			if key == "" {
				continue
			}
			if preserveUpgrade && strings.EqualFold(key, "Upgrade") {
				continue
			}
			h.Del(key)
		}
	}
	for _, key := range hopByHopHeaderNames {
		if preserveUpgrade && (key == "Connection" || key == "Upgrade") {
			continue
		}
		h.Del(key)
	}
	if preserveUpgrade {
		h.Set("Connection", "Upgrade")
	}
}

// HeaderMapToWire flattens an http.Header into the wire's single-valued
// header map, joining duplicate values with ", " and lowercasing keys per
// spec.md §3's WireRequest.headers definition.
func HeaderMapToWire(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// WireHeadersToHeaderMap expands a wire header map back into an
// http.Header, one value per key.
func WireHeadersToHeaderMap(wire map[string]string) http.Header {
	h := make(http.Header, len(wire))
	for k, v := range wire {
		h.Set(k, v)
	}
	return h
}
