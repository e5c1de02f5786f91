package reputation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crnwallet/guard/internal/logger"
)

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	Window            time.Duration
	IdleTTL           time.Duration
	MaxTemporaryBlock time.Duration
	GlobalCapacity    int
	MaxFailedLogins   int
	FailedLoginBlock  time.Duration
	// BlockSuspicion is added to an origin's score on each temporary block.
	BlockSuspicion int
	// EscalateRepeatOffenders doubles a temporary block per prior block.
	EscalateRepeatOffenders bool
	MirrorTimeout           time.Duration

	Persister Persister
	Mirror    Mirror
	Listeners []Listener
	Now       func() time.Time
}

func (o *Options) setDefaults() {
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 24 * time.Hour
	}
	if o.MaxTemporaryBlock <= 0 {
		o.MaxTemporaryBlock = time.Hour
	}
	if o.GlobalCapacity <= 0 {
		o.GlobalCapacity = 10000
	}
	if o.MaxFailedLogins <= 0 {
		o.MaxFailedLogins = 5
	}
	if o.FailedLoginBlock <= 0 {
		o.FailedLoginBlock = 15 * time.Minute
	}
	if o.BlockSuspicion == 0 {
		o.BlockSuspicion = 5
	}
	if o.MirrorTimeout <= 0 {
		o.MirrorTimeout = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type record struct {
	window    []time.Time
	lastSeen  time.Time
	failures  int
	suspicion int
	streak    int
}

type hit struct {
	at   time.Time
	path string
}

// Store holds per-origin reputation, the shared blocklist and the
// allow-list. All state sits behind one mutex; persistence, mirroring and
// listeners run after it is released.
type Store struct {
	mu        sync.Mutex
	opts      Options
	records   map[string]*record
	blocks    map[string]Block
	offenses  map[string]int
	allowed   map[string]struct{}
	global    []hit
	lastSweep time.Time
	log       *logrus.Entry
}

// New returns an empty Store.
func New(opts Options) *Store {
	opts.setDefaults()
	return &Store{
		opts:     opts,
		records:  make(map[string]*record),
		blocks:   make(map[string]Block),
		offenses: make(map[string]int),
		allowed:  make(map[string]struct{}),
		log:      logger.Component("reputation"),
	}
}

// effects is a batch of side effects collected under the lock.
type effects struct {
	s      *Store
	events []Event
	calls  []func()
}

func (e *effects) emit(ev Event) { e.events = append(e.events, ev) }
func (e *effects) do(f func())   { e.calls = append(e.calls, f) }

// run executes collected effects. It must be called without s.mu held.
func (e *effects) run() {
	for _, f := range e.calls {
		f()
	}
	for _, ev := range e.events {
		for _, l := range e.s.opts.Listeners {
			l(ev)
		}
	}
}

func (s *Store) now() time.Time { return s.opts.Now() }

func (s *Store) rec(origin string) *record {
	r, ok := s.records[origin]
	if !ok {
		r = &record{}
		s.records[origin] = r
	}
	return r
}

// mirror runs fn against the shared cache in the background with a
// bounded context. Failures are logged and otherwise ignored.
func (s *Store) mirror(fx *effects, origin string, fn func(ctx context.Context, m Mirror) error) {
	m := s.opts.Mirror
	if m == nil {
		return
	}
	timeout := s.opts.MirrorTimeout
	fx.do(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := fn(ctx, m); err != nil {
				s.log.WithError(err).WithField("origin", origin).Warn("shared cache update failed")
			}
		}()
	})
}

func (s *Store) persist(fx *effects, origin string, fn func(p Persister) error) {
	p := s.opts.Persister
	if p == nil {
		return
	}
	fx.do(func() {
		if err := fn(p); err != nil {
			s.log.WithError(err).WithField("origin", origin).Error("persist reputation state failed")
		}
	})
}

// IsAllowed reports whether origin is on the allow-list.
func (s *Store) IsAllowed(origin string) bool {
	origin, ok := Normalize(origin)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, allowed := s.allowed[origin]
	return allowed
}

// IsBlocked reports whether origin is permanently blocked or has an
// unexpired temporary block. Allow-listed origins are never blocked.
func (s *Store) IsBlocked(origin string) bool {
	origin, ok := Normalize(origin)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBlockedLocked(origin, s.now())
}

func (s *Store) isBlockedLocked(origin string, now time.Time) bool {
	if _, ok := s.allowed[origin]; ok {
		return false
	}
	b, ok := s.blocks[origin]
	return ok && b.Active(now)
}

// BlockTemporary blocks origin for d. It is a no-op for allow-listed,
// permanently blocked or already blocked origins. It returns true when a
// new block was applied.
func (s *Store) BlockTemporary(src Source, origin string, d time.Duration, reason string) bool {
	origin, ok := Normalize(origin)
	if !ok || d <= 0 {
		return false
	}
	fx := &effects{s: s}
	s.mu.Lock()
	applied := s.blockTemporaryLocked(fx, src, origin, d, reason, s.now())
	s.mu.Unlock()
	fx.run()
	return applied
}

func (s *Store) blockTemporaryLocked(fx *effects, src Source, origin string, d time.Duration, reason string, now time.Time) bool {
	if _, ok := s.allowed[origin]; ok {
		return false
	}
	if b, ok := s.blocks[origin]; ok && b.Active(now) {
		return false
	}

	prior := s.offenses[origin]
	if s.opts.EscalateRepeatOffenders && prior > 0 {
		for i := 0; i < prior && d < s.opts.MaxTemporaryBlock; i++ {
			d *= 2
		}
	}
	if d > s.opts.MaxTemporaryBlock {
		d = s.opts.MaxTemporaryBlock
	}

	b := Block{Kind: KindTemporary, Reason: reason, ExpiresAt: now.Add(d), Count: prior + 1}
	s.blocks[origin] = b
	s.offenses[origin] = b.Count
	r := s.rec(origin)
	r.suspicion += s.opts.BlockSuspicion
	if r.lastSeen.IsZero() {
		r.lastSeen = now
	}

	s.persist(fx, origin, func(p Persister) error { return p.SaveBlock(origin, b) })
	s.mirror(fx, origin, func(ctx context.Context, m Mirror) error { return m.SetTemporary(ctx, origin, d) })
	fx.emit(Event{Origin: origin, Action: ActionBlock, Kind: KindTemporary, Source: src, Reason: reason, Duration: d, At: now})

	s.log.WithFields(logrus.Fields{
		"origin":   origin,
		"source":   src,
		"reason":   reason,
		"duration": d.String(),
		"count":    b.Count,
	}).Warn("origin temporarily blocked")
	return true
}

// BlockPermanent blocks origin until an explicit admin action clears it.
// Any temporary block is replaced. Allow-listed origins are skipped.
func (s *Store) BlockPermanent(src Source, origin, reason string) bool {
	origin, ok := Normalize(origin)
	if !ok {
		return false
	}
	fx := &effects{s: s}
	s.mu.Lock()
	applied := s.blockPermanentLocked(fx, src, origin, reason, s.now())
	s.mu.Unlock()
	fx.run()
	return applied
}

func (s *Store) blockPermanentLocked(fx *effects, src Source, origin, reason string, now time.Time) bool {
	if _, ok := s.allowed[origin]; ok {
		return false
	}
	if b, ok := s.blocks[origin]; ok && b.Kind == KindPermanent {
		return false
	}

	b := Block{Kind: KindPermanent, Reason: reason, Count: s.offenses[origin] + 1}
	s.blocks[origin] = b
	s.offenses[origin] = b.Count

	s.persist(fx, origin, func(p Persister) error { return p.SaveBlock(origin, b) })
	s.mirror(fx, origin, func(ctx context.Context, m Mirror) error { return m.SetPermanent(ctx, origin, reason) })
	fx.emit(Event{Origin: origin, Action: ActionBlock, Kind: KindPermanent, Source: src, Reason: reason, At: now})

	s.log.WithFields(logrus.Fields{
		"origin": origin,
		"source": src,
		"reason": reason,
	}).Warn("origin permanently blocked")
	return true
}

// Unblock clears any block for origin. It returns false if none existed.
func (s *Store) Unblock(origin string) bool {
	origin, ok := Normalize(origin)
	if !ok {
		return false
	}
	fx := &effects{s: s}
	s.mu.Lock()
	b, existed := s.blocks[origin]
	if existed {
		delete(s.blocks, origin)
		if r, ok := s.records[origin]; ok {
			r.suspicion = 0
			r.streak = 0
		}
		s.persist(fx, origin, func(p Persister) error { return p.DeleteBlock(origin) })
		s.mirror(fx, origin, func(ctx context.Context, m Mirror) error { return m.Clear(ctx, origin) })
		fx.emit(Event{Origin: origin, Action: ActionUnblock, Kind: b.Kind, Source: SourceManual, At: s.now()})
	}
	s.mu.Unlock()
	fx.run()
	return existed
}

// Allow adds origin to the allow-list and clears any block it had.
func (s *Store) Allow(origin string) bool {
	origin, ok := Normalize(origin)
	if !ok {
		return false
	}
	fx := &effects{s: s}
	s.mu.Lock()
	s.allowed[origin] = struct{}{}
	if _, blocked := s.blocks[origin]; blocked {
		delete(s.blocks, origin)
		s.persist(fx, origin, func(p Persister) error { return p.DeleteBlock(origin) })
		s.mirror(fx, origin, func(ctx context.Context, m Mirror) error { return m.Clear(ctx, origin) })
	}
	s.persist(fx, origin, func(p Persister) error { return p.SaveAllowed(origin) })
	fx.emit(Event{Origin: origin, Action: ActionAllow, Source: SourceManual, At: s.now()})
	s.mu.Unlock()
	fx.run()
	return true
}

// Disallow removes origin from the allow-list.
func (s *Store) Disallow(origin string) bool {
	origin, ok := Normalize(origin)
	if !ok {
		return false
	}
	fx := &effects{s: s}
	s.mu.Lock()
	_, existed := s.allowed[origin]
	if existed {
		delete(s.allowed, origin)
		s.persist(fx, origin, func(p Persister) error { return p.DeleteAllowed(origin) })
		fx.emit(Event{Origin: origin, Action: ActionDisallow, Source: SourceManual, At: s.now()})
	}
	s.mu.Unlock()
	fx.run()
	return existed
}

// RecordFailure counts a failed authentication attempt. Reaching the
// configured limit resets the counter and applies a temporary block.
// It returns true when that block was applied.
func (s *Store) RecordFailure(origin string) bool {
	origin, ok := Normalize(origin)
	if !ok {
		return false
	}
	fx := &effects{s: s}
	s.mu.Lock()
	blocked := false
	if _, allowed := s.allowed[origin]; !allowed {
		now := s.now()
		r := s.rec(origin)
		r.failures++
		r.lastSeen = now
		if r.failures >= s.opts.MaxFailedLogins {
			r.failures = 0
			blocked = s.blockTemporaryLocked(fx, SourceAuth, origin, s.opts.FailedLoginBlock, "too many failed login attempts", now)
		}
	}
	s.mu.Unlock()
	fx.run()
	return blocked
}

// RecordSuccess clears the failed authentication counter.
func (s *Store) RecordSuccess(origin string) {
	origin, ok := Normalize(origin)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[origin]; ok {
		r.failures = 0
	}
}

// ResetFailures clears the failed authentication counter and returns its
// previous value. ok is false when the origin had no failures.
func (s *Store) ResetFailures(origin string) (previous int, ok bool) {
	origin, valid := Normalize(origin)
	if !valid {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists := s.records[origin]
	if !exists || r.failures == 0 {
		return 0, false
	}
	previous = r.failures
	r.failures = 0
	return previous, true
}

// RecordRequest appends a request to origin's sliding window and the
// global request ring, and returns the number of requests in the window.
func (s *Store) RecordRequest(origin, path string) int {
	origin, ok := Normalize(origin)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r := s.rec(origin)
	r.window = append(prune(r.window, now.Add(-s.opts.Window)), now)
	r.lastSeen = now

	if len(s.global) >= s.opts.GlobalCapacity {
		// trim in batches so a saturated ring is not shifted on every request
		drop := len(s.global) - s.opts.GlobalCapacity + 1 + s.opts.GlobalCapacity/10
		if drop > len(s.global) {
			drop = len(s.global)
		}
		s.global = append(s.global[:0], s.global[drop:]...)
	}
	s.global = append(s.global, hit{at: now, path: path})
	return len(r.window)
}

// CountSince returns how many of origin's recorded requests fall within
// the trailing duration d.
func (s *Store) CountSince(origin string, d time.Duration) int {
	origin, ok := Normalize(origin)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[origin]
	if !ok {
		return 0
	}
	cutoff := s.now().Add(-d)
	return len(r.window) - sort.Search(len(r.window), func(i int) bool {
		return r.window[i].After(cutoff)
	})
}

// GlobalCountSince returns the number of requests from all origins within
// the trailing duration d.
func (s *Store) GlobalCountSince(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalCountLocked(s.now().Add(-d))
}

func (s *Store) globalCountLocked(cutoff time.Time) int {
	return len(s.global) - sort.Search(len(s.global), func(i int) bool {
		return s.global[i].at.After(cutoff)
	})
}

// AddSuspicion raises origin's suspicion score and rapid-request streak
// and returns the new score.
func (s *Store) AddSuspicion(origin string, n int) int {
	origin, ok := Normalize(origin)
	if !ok || n <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rec(origin)
	r.suspicion += n
	r.streak++
	if r.lastSeen.IsZero() {
		r.lastSeen = s.now()
	}
	return r.suspicion
}

// ResetStreak clears origin's rapid-request streak.
func (s *Store) ResetStreak(origin string) {
	origin, ok := Normalize(origin)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[origin]; ok {
		r.streak = 0
	}
}

// EscalateSuspicious permanently blocks every origin whose suspicion score
// exceeds threshold and returns the origins that were newly blocked.
func (s *Store) EscalateSuspicious(src Source, threshold int, reason string) []string {
	fx := &effects{s: s}
	var escalated []string
	s.mu.Lock()
	now := s.now()
	for origin, r := range s.records {
		if r.suspicion <= threshold {
			continue
		}
		if s.blockPermanentLocked(fx, src, origin, reason, now) {
			escalated = append(escalated, origin)
		}
	}
	s.mu.Unlock()
	fx.run()
	sort.Strings(escalated)
	return escalated
}

// Status returns a point-in-time view of origin.
func (s *Store) Status(origin string) (OriginStatus, bool) {
	origin, ok := Normalize(origin)
	if !ok {
		return OriginStatus{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st := OriginStatus{Origin: origin, BlockCount: s.offenses[origin]}
	_, st.Allowed = s.allowed[origin]
	if b, ok := s.blocks[origin]; ok && b.Active(now) && !st.Allowed {
		st.Blocked = true
		st.Reason = b.Reason
		st.Permanent = b.Kind == KindPermanent
		st.Temporary = b.Kind == KindTemporary
		if st.Temporary {
			st.Remaining = b.ExpiresAt.Sub(now).Seconds()
		}
	}
	if r, ok := s.records[origin]; ok {
		cutoff := now.Add(-s.opts.Window)
		for _, t := range r.window {
			if t.After(cutoff) {
				st.RecentRequests++
			}
		}
		st.FailedLogins = r.failures
		st.Suspicion = r.suspicion
		st.Streak = r.streak
		st.LastActivity = r.lastSeen
	}
	return st, true
}

// Snapshot lists active blocks and the allow-list, sorted by origin.
func (s *Store) Snapshot() Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l := Listing{Permanent: []BlockView{}, Temporary: []BlockView{}, Allowed: []string{}}
	for origin, b := range s.blocks {
		if !b.Active(now) {
			continue
		}
		v := BlockView{Origin: origin, Reason: b.Reason, Count: b.Count}
		if b.Kind == KindPermanent {
			l.Permanent = append(l.Permanent, v)
			continue
		}
		v.ExpiresAt = b.ExpiresAt
		v.Remaining = b.ExpiresAt.Sub(now).Seconds()
		l.Temporary = append(l.Temporary, v)
	}
	for origin := range s.allowed {
		l.Allowed = append(l.Allowed, origin)
	}
	sort.Slice(l.Permanent, func(i, j int) bool { return l.Permanent[i].Origin < l.Permanent[j].Origin })
	sort.Slice(l.Temporary, func(i, j int) bool { return l.Temporary[i].Origin < l.Temporary[j].Origin })
	sort.Strings(l.Allowed)
	return l
}

// Stats summarizes the trailing minute of traffic and the block state.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-s.opts.Window)

	st := Stats{FailedLogins: map[string]int{}, TopPaths: []PathCount{}}
	paths := map[string]int{}
	start := sort.Search(len(s.global), func(i int) bool { return s.global[i].at.After(cutoff) })
	for _, h := range s.global[start:] {
		paths[h.path]++
	}
	st.RequestsLastMinute = len(s.global) - start
	st.RatePerSecond = float64(st.RequestsLastMinute) / s.opts.Window.Seconds()

	for origin, r := range s.records {
		if len(r.window) > 0 && r.window[len(r.window)-1].After(cutoff) {
			st.ActiveOrigins++
		}
		if r.failures > 0 {
			st.FailedLogins[origin] = r.failures
		}
	}
	for _, b := range s.blocks {
		if !b.Active(now) {
			continue
		}
		if b.Kind == KindPermanent {
			st.Permanent++
		} else {
			st.Temporary++
		}
	}
	st.Allowed = len(s.allowed)

	for p, c := range paths {
		st.TopPaths = append(st.TopPaths, PathCount{Path: p, Count: c})
	}
	sort.Slice(st.TopPaths, func(i, j int) bool {
		if st.TopPaths[i].Count != st.TopPaths[j].Count {
			return st.TopPaths[i].Count > st.TopPaths[j].Count
		}
		return st.TopPaths[i].Path < st.TopPaths[j].Path
	})
	if len(st.TopPaths) > 10 {
		st.TopPaths = st.TopPaths[:10]
	}
	return st
}

// Sweep removes expired temporary blocks, prunes sliding windows and
// purges records idle longer than the idle TTL. A clock earlier than the
// previous sweep is ignored.
func (s *Store) Sweep(now time.Time) SweepResult {
	fx := &effects{s: s}
	var res SweepResult
	s.mu.Lock()
	if now.Before(s.lastSweep) {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"now":        now,
			"last_sweep": s.lastSweep,
		}).Warn("sweep clock moved backwards; skipping")
		return SweepResult{Skipped: true}
	}
	s.lastSweep = now

	for origin, b := range s.blocks {
		if b.Active(now) {
			continue
		}
		delete(s.blocks, origin)
		res.Expired++
		o := origin
		s.persist(fx, o, func(p Persister) error { return p.DeleteBlock(o) })
		fx.emit(Event{Origin: o, Action: ActionExpire, Kind: b.Kind, Source: SourceSweep, Reason: b.Reason, At: now})
	}

	windowCutoff := now.Add(-s.opts.Window)
	idleCutoff := now.Add(-s.opts.IdleTTL)
	for origin, r := range s.records {
		if r.lastSeen.Before(idleCutoff) {
			delete(s.records, origin)
			if _, blocked := s.blocks[origin]; !blocked {
				delete(s.offenses, origin)
			}
			res.Purged++
			continue
		}
		r.window = prune(r.window, windowCutoff)
		if len(r.window) == 0 {
			r.window = nil
		}
	}

	start := sort.Search(len(s.global), func(i int) bool { return s.global[i].at.After(windowCutoff) })
	if start > 0 {
		s.global = append(s.global[:0], s.global[start:]...)
	}
	s.mu.Unlock()
	fx.run()

	if res.Expired > 0 || res.Purged > 0 {
		s.log.WithFields(logrus.Fields{
			"expired": res.Expired,
			"purged":  res.Purged,
		}).Debug("reputation sweep")
	}
	return res
}

// Restore loads persisted blocks and allow-list entries. Expired
// temporary blocks are discarded.
func (s *Store) Restore(ctx context.Context) error {
	p := s.opts.Persister
	if p == nil {
		return nil
	}
	blocks, err := p.LoadBlocks()
	if err != nil {
		return err
	}
	allowed, err := p.LoadAllowed()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, origin := range allowed {
		if o, ok := Normalize(origin); ok {
			s.allowed[o] = struct{}{}
		}
	}
	for origin, b := range blocks {
		o, ok := Normalize(origin)
		if !ok || !b.Active(now) {
			continue
		}
		if _, allowed := s.allowed[o]; allowed {
			continue
		}
		s.blocks[o] = b
		s.offenses[o] = b.Count
	}
	s.log.WithFields(logrus.Fields{
		"blocks":  len(s.blocks),
		"allowed": len(s.allowed),
	}).Info("restored reputation state")
	return nil
}

// SyncFromMirror adopts blocks published to the shared cache by other
// processes. Local state is never downgraded.
func (s *Store) SyncFromMirror(ctx context.Context) (int, error) {
	m := s.opts.Mirror
	if m == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.MirrorTimeout)
	defer cancel()
	temporary, permanent, err := m.Blocked(ctx)
	if err != nil {
		return 0, err
	}

	fx := &effects{s: s}
	adopted := 0
	s.mu.Lock()
	now := s.now()
	for origin, reason := range permanent {
		o, ok := Normalize(origin)
		if !ok {
			continue
		}
		if _, allowed := s.allowed[o]; allowed {
			continue
		}
		if b, ok := s.blocks[o]; ok && b.Kind == KindPermanent {
			continue
		}
		b := Block{Kind: KindPermanent, Reason: reason, Count: s.offenses[o] + 1}
		s.blocks[o] = b
		s.offenses[o] = b.Count
		fx.emit(Event{Origin: o, Action: ActionBlock, Kind: KindPermanent, Source: SourceMirror, Reason: reason, At: now})
		adopted++
	}
	for origin, ttl := range temporary {
		o, ok := Normalize(origin)
		if !ok || ttl <= 0 {
			continue
		}
		if s.isBlockedLocked(o, now) {
			continue
		}
		if _, allowed := s.allowed[o]; allowed {
			continue
		}
		b := Block{Kind: KindTemporary, Reason: "shared block", ExpiresAt: now.Add(ttl), Count: s.offenses[o] + 1}
		s.blocks[o] = b
		s.offenses[o] = b.Count
		fx.emit(Event{Origin: o, Action: ActionBlock, Kind: KindTemporary, Source: SourceMirror, Reason: b.Reason, Duration: ttl, At: now})
		adopted++
	}
	s.mu.Unlock()
	fx.run()
	return adopted, nil
}

// prune drops timestamps at or before cutoff from an ascending slice.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(cutoff) })
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
