package trap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/metrics"
	"github.com/crnwallet/guard/internal/reputation"
)

const (
	logCapacity  = 1000
	recentReport = 20
	sinkTimeout  = 5 * time.Second

	defaultWorkers   = 4
	defaultQueueSize = 256
	// maxLocations bounds the per-origin location cache.
	maxLocations = logCapacity
)

// Hit is one request to a decoy path.
type Hit struct {
	At        time.Time `json:"timestamp"`
	Origin    string    `json:"ip"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	UserAgent string    `json:"user_agent"`
	Location  string    `json:"location,omitempty"`
}

// Credential is a username/password pair submitted to the decoy login form.
type Credential struct {
	At        time.Time
	Origin    string
	Username  string
	Password  string
	UserAgent string
	Path      string
}

// Attempt is the per-origin hit counter. The window is anchored at First.
type Attempt struct {
	Count int       `json:"attempts"`
	First time.Time `json:"first_attempt"`
	Last  time.Time `json:"last_attempt"`
}

// Report summarizes trap activity for administrators.
type Report struct {
	TotalAccesses  int                `json:"total_accesses"`
	BlockedOrigins []string           `json:"blocked_ips"`
	RecentAccesses []Hit              `json:"recent_accesses"`
	Attempts       map[string]Attempt `json:"ip_attempts"`
	DroppedJobs    int64              `json:"dropped_jobs"`
}

// Sink persists trap hits and captured credentials.
type Sink interface {
	SaveTrapHit(ctx context.Context, h Hit) error
	SaveCredential(ctx context.Context, c Credential) error
}

// Locator resolves an origin to a human readable location.
type Locator interface {
	Locate(ctx context.Context, origin string) string
}

// Collector records decoy hits and blocks origins that keep probing.
type Collector struct {
	store   *reputation.Store
	sink    Sink
	locator Locator
	limit   int
	window  time.Duration
	now     func() time.Time
	log     *logrus.Entry

	mu        sync.Mutex
	ring      []Hit
	head      int
	size      int
	attempts  map[string]*Attempt
	blocked   map[string]struct{}
	locations map[string]string
	locating  map[string]struct{}

	workers   int
	jobs      chan func(context.Context)
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	dropped   atomic.Int64
	pending   sync.WaitGroup
}

// NewCollector returns a Collector that escalates to store. sink and
// locator may be nil.
func NewCollector(store *reputation.Store, cfg config.SecurityConfig, sink Sink, locator Locator) *Collector {
	c := &Collector{
		store:    store,
		sink:     sink,
		locator:  locator,
		limit:    cfg.TrapHitLimit,
		window:   cfg.TrapWindow,
		now:      time.Now,
		log:      logger.Component("trap"),
		ring:      make([]Hit, logCapacity),
		attempts:  make(map[string]*Attempt),
		blocked:   make(map[string]struct{}),
		locations: make(map[string]string),
		locating:  make(map[string]struct{}),
		workers:   cfg.TrapWorkers,
		done:      make(chan struct{}),
	}
	if c.workers <= 0 {
		c.workers = defaultWorkers
	}
	queue := cfg.TrapQueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	c.jobs = make(chan func(context.Context), queue)
	if c.limit <= 0 {
		c.limit = 3
	}
	if c.window <= 0 {
		c.window = 24 * time.Hour
	}
	return c
}

// OnTrapHit logs a decoy hit and permanently blocks origin once it reaches
// the hit limit within the window. It returns true when origin is blocked
// by this call.
func (c *Collector) OnTrapHit(origin, path, method, userAgent string) bool {
	now := c.now()
	hit := Hit{At: now, Origin: origin, Path: path, Method: method, UserAgent: userAgent}

	c.mu.Lock()
	c.ring[c.head] = hit
	c.head = (c.head + 1) % len(c.ring)
	if c.size < len(c.ring) {
		c.size++
	}

	a, ok := c.attempts[origin]
	if !ok || now.Sub(a.First) > c.window {
		a = &Attempt{First: now}
		c.attempts[origin] = a
	}
	a.Count++
	a.Last = now
	count := a.Count
	c.mu.Unlock()
	metrics.IncTrapHit()

	c.log.WithFields(logrus.Fields{
		"origin":     origin,
		"path":       path,
		"method":     method,
		"user_agent": userAgent,
		"attempts":   count,
	}).Warn("trap path accessed")

	c.persist(hit)

	if count < c.limit {
		return false
	}
	reason := fmt.Sprintf("accessed trap paths %d times (last: %s)", count, path)
	if !c.store.BlockPermanent(reputation.SourceTrap, origin, reason) {
		return false
	}
	c.mu.Lock()
	c.blocked[origin] = struct{}{}
	c.mu.Unlock()
	return true
}

// CaptureCredential records credentials submitted to the decoy login form.
func (c *Collector) CaptureCredential(cred Credential) {
	if cred.At.IsZero() {
		cred.At = c.now()
	}
	c.log.WithFields(logrus.Fields{
		"origin":   cred.Origin,
		"username": cred.Username,
		"path":     cred.Path,
	}).Warn("credentials captured by decoy login")

	if c.sink == nil {
		return
	}
	c.enqueue(func(ctx context.Context) {
		if err := c.sink.SaveCredential(ctx, cred); err != nil {
			c.log.WithError(err).Error("failed to store captured credentials")
		}
	})
}

// persist enriches hit with a location and stores it off the request path.
func (c *Collector) persist(hit Hit) {
	if c.sink == nil && c.locator == nil {
		return
	}
	c.enqueue(func(ctx context.Context) {
		if c.locator != nil {
			hit.Location = c.locate(ctx, hit.Origin)
		}
		if c.sink == nil {
			return
		}
		if err := c.sink.SaveTrapHit(ctx, hit); err != nil {
			c.log.WithError(err).WithField("origin", hit.Origin).Error("failed to store trap hit")
		}
	})
}

// locate returns the cached location of origin or looks it up. Concurrent
// lookups for the same origin are not repeated; the losers get "".
func (c *Collector) locate(ctx context.Context, origin string) string {
	c.mu.Lock()
	if loc, ok := c.locations[origin]; ok {
		c.mu.Unlock()
		return loc
	}
	if _, busy := c.locating[origin]; busy {
		c.mu.Unlock()
		return ""
	}
	c.locating[origin] = struct{}{}
	c.mu.Unlock()

	loc := c.locator.Locate(ctx, origin)

	c.mu.Lock()
	delete(c.locating, origin)
	if len(c.locations) < maxLocations {
		c.locations[origin] = loc
	}
	c.mu.Unlock()
	return loc
}

// enqueue hands job to the worker pool. Jobs are dropped when the queue is
// full or the collector is closed.
func (c *Collector) enqueue(job func(context.Context)) {
	c.startOnce.Do(c.startWorkers)
	select {
	case <-c.done:
		c.drop()
		return
	default:
	}
	c.pending.Add(1)
	select {
	case c.jobs <- job:
	default:
		c.pending.Done()
		c.drop()
	}
}

func (c *Collector) drop() {
	if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
		c.log.WithField("dropped", n).Warn("trap persistence queue full, dropping jobs")
	}
	metrics.IncTrapJobDropped()
}

func (c *Collector) startWorkers() {
	for i := 0; i < c.workers; i++ {
		go c.work()
	}
}

func (c *Collector) work() {
	for {
		select {
		case job := <-c.jobs:
			c.run(job)
		case <-c.done:
			for {
				select {
				case job := <-c.jobs:
					c.run(job)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) run(job func(context.Context)) {
	defer c.pending.Done()
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	job(ctx)
}

// Wait blocks until queued persistence jobs have finished.
func (c *Collector) Wait() {
	c.pending.Wait()
}

// Close stops the workers after the queue drains. Later jobs are dropped.
func (c *Collector) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Dropped returns the number of persistence jobs dropped so far.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Recent returns up to n of the newest hits, oldest first.
func (c *Collector) Recent(n int) []Hit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recentLocked(n)
}

func (c *Collector) recentLocked(n int) []Hit {
	if n <= 0 || n > c.size {
		n = c.size
	}
	out := make([]Hit, 0, n)
	start := (c.head - n + len(c.ring)) % len(c.ring)
	for i := 0; i < n; i++ {
		out = append(out, c.ring[(start+i)%len(c.ring)])
	}
	return out
}

// Report summarizes the access log and per-origin attempts.
func (c *Collector) Report() Report {
	c.mu.Lock()
	r := Report{
		TotalAccesses:  c.size,
		RecentAccesses: c.recentLocked(recentReport),
		Attempts:       make(map[string]Attempt, len(c.attempts)),
		DroppedJobs:    c.dropped.Load(),
	}
	for o, a := range c.attempts {
		r.Attempts[o] = *a
	}
	candidates := make([]string, 0, len(c.blocked))
	for o := range c.blocked {
		candidates = append(candidates, o)
	}
	c.mu.Unlock()

	r.BlockedOrigins = []string{}
	for _, o := range candidates {
		if c.store.IsBlocked(o) {
			r.BlockedOrigins = append(r.BlockedOrigins, o)
		}
	}
	sort.Strings(r.BlockedOrigins)
	return r
}

// Sweep drops attempt counters whose window has elapsed, along with their
// cached locations, and forgets origins that are no longer blocked. It returns the number of counters dropped.
func (c *Collector) Sweep(now time.Time) int {
	c.mu.Lock()
	dropped := 0
	for o, a := range c.attempts {
		if now.Sub(a.First) > c.window {
			delete(c.attempts, o)
			dropped++
		}
	}
	for o := range c.locations {
		if _, ok := c.attempts[o]; !ok {
			delete(c.locations, o)
		}
	}
	candidates := make([]string, 0, len(c.blocked))
	for o := range c.blocked {
		candidates = append(candidates, o)
	}
	c.mu.Unlock()

	var released []string
	for _, o := range candidates {
		if !c.store.IsBlocked(o) {
			released = append(released, o)
		}
	}
	if len(released) > 0 {
		c.mu.Lock()
		for _, o := range released {
			delete(c.blocked, o)
		}
		c.mu.Unlock()
	}
	return dropped
}
