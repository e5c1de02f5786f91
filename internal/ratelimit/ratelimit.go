package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/metrics"
	"github.com/crnwallet/guard/internal/reputation"
)

// Category is the rate-limit class of a request path.
type Category string

const (
	CategoryDefault   Category = "default"
	CategoryLogin     Category = "login"
	CategorySensitive Category = "sensitive"
)

const (
	// blockMultiplier is how far past its ceiling an origin may go before it is blocked.
	blockMultiplier = 2
	maxBlock        = time.Hour
	floodWindow     = time.Second
)

// Result describes one rate-limit decision.
type Result struct {
	Allowed  bool
	Category Category
	Count    int
	Ceiling  int
	// Backoff is the block duration applied when Allowed is false.
	Backoff time.Duration
}

// FloodHandler is called when the global request rate crosses the flood
// threshold, with the origins that were escalated as a result.
type FloodHandler func(rate int, escalated []string)

// Limiter enforces per-origin sliding-window ceilings by path category and
// watches the global request rate for floods. It is the only writer of
// the per-origin request window.
type Limiter struct {
	store          *reputation.Store
	ceilings       map[Category]int
	loginPaths     []string
	sensitivePaths []string
	floodThreshold int
	emergency      int
	onFlood        FloodHandler

	mu         sync.Mutex
	lastFlood  time.Time
	floodUntil time.Time
	now        func() time.Time
	log       *logrus.Entry
}

// New builds a Limiter over store using the configured ceilings and paths.
func New(store *reputation.Store, cfg config.SecurityConfig) *Limiter {
	l := &Limiter{
		store: store,
		ceilings: map[Category]int{
			CategoryDefault:   positive(cfg.DefaultCeiling, 30),
			CategoryLogin:     positive(cfg.LoginCeiling, 3),
			CategorySensitive: positive(cfg.SensitiveCeiling, 10),
		},
		loginPaths:     cfg.LoginPaths,
		sensitivePaths: cfg.SensitivePaths,
		floodThreshold: positive(cfg.GlobalFloodThreshold, 100),
		emergency:      positive(cfg.EmergencySuspicion, 10),
		now:            time.Now,
		log:            logger.Component("ratelimit"),
	}
	return l
}

// OnFlood registers a handler for flood detection.
func (l *Limiter) OnFlood(h FloodHandler) {
	l.onFlood = h
}

// Classify returns the category for path. Login prefixes are checked
// before sensitive ones.
func (l *Limiter) Classify(path string) Category {
	if matchPrefix(path, l.loginPaths) {
		return CategoryLogin
	}
	if matchPrefix(path, l.sensitivePaths) {
		return CategorySensitive
	}
	return CategoryDefault
}

// Ceiling returns the per-minute ceiling for a category.
func (l *Limiter) Ceiling(c Category) int {
	return l.ceilings[c]
}

// CheckAndRecord records a request and reports whether it is allowed.
func (l *Limiter) CheckAndRecord(origin, path string) bool {
	return l.Check(origin, path).Allowed
}

// Check records a request from origin to path and evaluates it against the
// category ceiling. Exceeding twice the ceiling within the window blocks
// the origin for min(1h, 300s × count/ceiling).
func (l *Limiter) Check(origin, path string) Result {
	cat := l.Classify(path)
	res := Result{Allowed: true, Category: cat, Ceiling: l.ceilings[cat]}

	res.Count = l.store.RecordRequest(origin, path)
	l.checkFlood()

	if l.store.IsAllowed(origin) {
		return res
	}
	if res.Count <= blockMultiplier*res.Ceiling {
		return res
	}

	res.Allowed = false
	res.Backoff = Backoff(res.Count, res.Ceiling)
	reason := fmt.Sprintf("rate limit exceeded: %d requests/min on %s paths (limit %d)", res.Count, cat, res.Ceiling)
	l.store.BlockTemporary(reputation.SourceRateLimit, origin, res.Backoff, reason)
	if cat == CategoryLogin {
		l.store.RecordFailure(origin)
	}

	l.log.WithFields(logrus.Fields{
		"origin":   origin,
		"path":     path,
		"category": cat,
		"count":    res.Count,
		"backoff":  res.Backoff.String(),
	}).Warn("rate limit exceeded")
	return res
}

// Backoff returns the block duration for count requests against ceiling.
func Backoff(count, ceiling int) time.Duration {
	if ceiling <= 0 {
		return maxBlock
	}
	d := time.Duration(float64(5*time.Minute) * float64(count) / float64(ceiling))
	if d > maxBlock {
		return maxBlock
	}
	return d
}

// FloodActive reports whether the global rate crossed the flood threshold
// within the last flood window.
func (l *Limiter) FloodActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.floodUntil)
}

// checkFlood escalates suspicious origins when the global rate is above the
// flood threshold. Escalation runs at most once per flood window.
func (l *Limiter) checkFlood() {
	rate := l.store.GlobalCountSince(floodWindow)
	if rate <= l.floodThreshold {
		return
	}

	l.mu.Lock()
	now := l.now()
	l.floodUntil = now.Add(floodWindow)
	if now.Sub(l.lastFlood) < floodWindow {
		l.mu.Unlock()
		return
	}
	l.lastFlood = now
	l.mu.Unlock()
	metrics.IncFlood()

	escalated := l.store.EscalateSuspicious(reputation.SourceFlood, l.emergency,
		fmt.Sprintf("flood detected: %d requests/sec", rate))
	l.log.WithFields(logrus.Fields{
		"rate":      rate,
		"escalated": len(escalated),
	}).Error("global flood detected")
	if l.onFlood != nil {
		l.onFlood(rate, escalated)
	}
}

func matchPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
