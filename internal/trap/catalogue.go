package trap

import "strings"

// Catalogue lists decoy paths that never exist in the real route table.
// Entries ending in "/" also match everything beneath them.
var Catalogue = []string{
	"/wp-login.php",
	"/wp-admin",
	"/admin",
	"/administrator",
	"/phpmyadmin",
	"/manager/html",
	"/.env",
	"/config.php",
	"/login.php",
	"/shell.php",
	"/c99.php",
	"/r57.php",
	"/webshell.php",
	"/cmd.php",
	"/db.php",
	"/db/phpmyadmin",
	"/dbadmin",
	"/mysql",
	"/myadmin",
	"/php-my-admin",
	"/sqlmanager",
	"/installed",
	"/xmlrpc.php",
	"/portal",
	"/community",
	"/_ignition/execute-solution",
	"/api/jsonws/invoke",
	"/solr/",
	"/vendor/phpunit/phpunit/src/Util/PHP/eval-stdin.php",
	"/vendor/",
	"/actuator/health",
	"/console/",
	"/jenkins/",
	"/wp-content/plugins/",
	"/cgi-bin/",
	"/debug/pprof/",
	"/owa/",
	"/boaform/",
	"/hudson",
	"/style/",
	"/stalker_portal/",
	"/streams/live.php",
	"/vmware/csp/poc/thirdparty/jquery/",
}

const (
	// FakeAdminPath serves a decoy admin login form that captures credentials.
	FakeAdminPath = "/fake-admin"
	// FakeAPIPath mimics an unauthenticated admin REST endpoint.
	FakeAPIPath = "/api/v1/admin/users"
)

// Matcher decides whether a request path is a decoy.
type Matcher struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewMatcher builds a Matcher over paths.
func NewMatcher(paths []string) *Matcher {
	m := &Matcher{exact: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") {
			m.prefixes = append(m.prefixes, p)
			m.exact[strings.TrimSuffix(p, "/")] = struct{}{}
			continue
		}
		m.exact[p] = struct{}{}
	}
	return m
}

// Match reports whether path is a decoy. A single trailing slash is
// ignored for exact entries.
func (m *Matcher) Match(path string) bool {
	if _, ok := m.exact[path]; ok {
		return true
	}
	if trimmed := strings.TrimSuffix(path, "/"); trimmed != path {
		if _, ok := m.exact[trimmed]; ok {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
