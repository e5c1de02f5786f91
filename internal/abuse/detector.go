package abuse

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/reputation"
)

// DefaultDenylist is the built-in list of abusive terms matched against
// request bodies. Matching is by substring, so short terms such as "كس"
// also hit ordinary words that contain them ("كسب").
var DefaultDenylist = []string{
	"احا", "كسم", "نيك", "طيز", "عير", "زبي", "كس", "متناك", "خول",
}

// Detector flags abusive request content and request velocity. It reads
// the per-origin window recorded by the rate limiter and never appends to it.
type Detector struct {
	store    *reputation.Store
	velocity int
	ceiling  int
	window   time.Duration
	log      *logrus.Entry

	mu       sync.RWMutex
	denylist []string
}

// New returns a Detector using the configured thresholds and the default denylist.
func New(store *reputation.Store, cfg config.SecurityConfig) *Detector {
	d := &Detector{
		store:    store,
		velocity: cfg.VelocityThreshold,
		ceiling:  cfg.SuspicionCeiling,
		window:   time.Second,
		log:      logger.Component("abuse"),
	}
	if d.velocity <= 0 {
		d.velocity = 10
	}
	if d.ceiling <= 0 {
		d.ceiling = 100
	}
	d.SetDenylist(DefaultDenylist)
	return d
}

// SetDenylist replaces the denylist. Terms are matched case-insensitively.
func (d *Detector) SetDenylist(terms []string) {
	list := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			list = append(list, t)
		}
	}
	d.mu.Lock()
	d.denylist = list
	d.mu.Unlock()
}

// Match returns the first denylisted term contained in text.
func (d *Detector) Match(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, term := range d.denylist {
		if strings.Contains(lower, term) {
			return term, true
		}
	}
	return "", false
}

// Inspect evaluates a request and reports whether the origin was blocked
// as a result. Bodies are only inspected for methods that carry one.
func (d *Detector) Inspect(origin, path, method, body string) bool {
	if d.store.IsAllowed(origin) {
		return false
	}

	if carriesBody(method) {
		if term, ok := d.Match(body); ok {
			d.store.AddSuspicion(origin, d.ceiling)
			reason := fmt.Sprintf("abusive content detected: %s", term)
			d.store.BlockPermanent(reputation.SourceAbuse, origin, reason)
			d.log.WithFields(logrus.Fields{
				"origin": origin,
				"path":   path,
				"method": method,
				"term":   term,
			}).Warn("abusive content detected")
			return true
		}
	}

	n := d.store.CountSince(origin, d.window)
	if n <= d.velocity {
		d.store.ResetStreak(origin)
		return false
	}

	score := d.store.AddSuspicion(origin, n)
	if score < d.ceiling {
		return false
	}
	reason := fmt.Sprintf("extreme rate abuse: %d/sec", n)
	d.store.BlockPermanent(reputation.SourceAbuse, origin, reason)
	d.log.WithFields(logrus.Fields{
		"origin":    origin,
		"path":      path,
		"rate":      n,
		"suspicion": score,
	}).Warn("velocity threshold exceeded")
	return true
}

func carriesBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
