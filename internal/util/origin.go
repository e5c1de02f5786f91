package util

import (
	"net"
	"net/http"
	"strings"

	"github.com/crnwallet/guard/internal/reputation"
)

// ResolveOrigin returns the canonical network origin of r. When
// trustForwarded is set the first X-Forwarded-For hop wins if it parses;
// otherwise the socket peer address is used. ok is false when neither
// yields a valid IP literal.
func ResolveOrigin(r *http.Request, trustForwarded bool) (string, bool) {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if origin, ok := reputation.Normalize(first); ok {
				return origin, true
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = r.RemoteAddr
	}
	return reputation.Normalize(host)
}
