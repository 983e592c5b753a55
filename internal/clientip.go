package internal

import (
	"net"
	"strings"
)

// FirstForwardedIP extracts the first hop of an X-Forwarded-For chain.
// Returns "" when the header is empty or the first entry is not an IP,
// so callers fall back to the direct connection address.
func FirstForwardedIP(forwardedFor string) string {
	if forwardedFor == "" {
		return ""
	}

	first := forwardedFor
	if idx := strings.IndexByte(forwardedFor, ','); idx >= 0 {
		first = forwardedFor[:idx]
	}
	first = strings.TrimSpace(first)

	if net.ParseIP(first) == nil {
		return ""
	}
	return first
}

// ClientIP resolves the effective client address: forwarded-for first hop
// when present and valid, otherwise the direct remote address with any
// port stripped.
func ClientIP(forwardedFor, remoteAddr string) string {
	if ip := FirstForwardedIP(forwardedFor); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ClientKey derives the rate-limit key for a request. Authenticated
// requests fold in the user ID so clients behind a shared NAT do not
// starve each other.
func ClientKey(ip, userID string) string {
	if userID == "" {
		return ip
	}
	return ip + "|" + userID
}
