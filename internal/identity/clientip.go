package identity

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr — the same
// precedence used by the audit log writer.
func ClientIP(r *http.Request) (netip.Addr, bool) {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr, true
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr, true
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	return addr, err == nil
}

// IPAllowed reports whether addr matches at least one CIDR in allowlist. An
// empty allowlist permits everything.
func IPAllowed(addr netip.Addr, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, cidr := range allowlist {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			// A bare IP with no mask.
			if ip, err := netip.ParseAddr(cidr); err == nil && ip == addr {
				return true
			}
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
