package middleware

import (
	"net/http"
	"strings"

	"github.com/crnwallet/guard/internal/util"
)

const maxLoggedValue = 200

// sensitiveHeaders are redacted before request metadata is logged.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
	"x-admin-key":         {},
	"x-api-key":           {},
	"x-access-token":      {},
	"x-auth-token":        {},
	"x-refresh-token":     {},
	"x-forwarded-for":     {},
}

// SanitizeHeaders returns header values safe for logging: credentials and
// forwarding chains are redacted, everything else is stripped of control
// characters and truncated.
func SanitizeHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = []string{"<redacted>"}
			continue
		}
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			clean = append(clean, util.Truncate(util.SanitizeForLog(v), maxLoggedValue))
		}
		out[k] = clean
	}
	return out
}

// SanitizePath prepares a request path for logging. Query strings are dropped.
func SanitizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i != -1 {
		p = p[:i]
	}
	return util.Truncate(util.SanitizeForLog(p), maxLoggedValue)
}
