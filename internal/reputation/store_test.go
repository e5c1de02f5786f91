package reputation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memPersister struct {
	mu      sync.Mutex
	blocks  map[string]Block
	allowed map[string]bool
	fail    bool
}

func newMemPersister() *memPersister {
	return &memPersister{blocks: map[string]Block{}, allowed: map[string]bool{}}
}

func (p *memPersister) SaveBlock(origin string, b Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("disk full")
	}
	p.blocks[origin] = b
	return nil
}

func (p *memPersister) DeleteBlock(origin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blocks, origin)
	return nil
}

func (p *memPersister) SaveAllowed(origin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed[origin] = true
	return nil
}

func (p *memPersister) DeleteAllowed(origin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allowed, origin)
	return nil
}

func (p *memPersister) LoadBlocks() (map[string]Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Block, len(p.blocks))
	for k, v := range p.blocks {
		out[k] = v
	}
	return out, nil
}

func (p *memPersister) LoadAllowed() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for k := range p.allowed {
		out = append(out, k)
	}
	return out, nil
}

func newTestStore(t *testing.T, opts Options) (*Store, *fakeClock) {
	t.Helper()
	clk := newClock()
	if opts.Now == nil {
		opts.Now = clk.Now
	}
	return New(opts), clk
}

func TestNormalize(t *testing.T) {
	o, ok := Normalize(" 10.0.0.1 ")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", o)

	o, ok = Normalize("::ffff:10.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", o)

	o, ok = Normalize("2001:DB8::1")
	assert.True(t, ok)
	assert.Equal(t, "2001:db8::1", o)

	for _, bad := range []string{"", "localhost", "999.1.1.1", "1.2.3.4:80", "10.0.0.0/8"} {
		_, ok := Normalize(bad)
		assert.False(t, ok, bad)
	}
}

func TestStore_TemporaryBlockExpires(t *testing.T) {
	s, clk := newTestStore(t, Options{})

	require.True(t, s.BlockTemporary(SourceRateLimit, "1.2.3.4", 5*time.Minute, "rate limit"))
	assert.True(t, s.IsBlocked("1.2.3.4"))

	clk.Advance(5*time.Minute + time.Second)
	assert.False(t, s.IsBlocked("1.2.3.4"), "expired block must not apply before sweep")

	res := s.Sweep(clk.Now())
	assert.Equal(t, 1, res.Expired)
	assert.False(t, s.IsBlocked("1.2.3.4"))
	assert.Empty(t, s.Snapshot().Temporary)
}

func TestStore_TemporaryBlockIsNoOpWhenAlreadyBlocked(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	require.True(t, s.BlockTemporary(SourceRateLimit, "1.2.3.4", time.Minute, "first"))
	assert.False(t, s.BlockTemporary(SourceRateLimit, "1.2.3.4", time.Hour, "second"))

	st, ok := s.Status("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, "first", st.Reason)
	assert.InDelta(t, 60, st.Remaining, 0.001)
	assert.Equal(t, 5, st.Suspicion)
}

func TestStore_TemporaryBlockCappedAtOneHour(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	require.True(t, s.BlockTemporary(SourceManual, "1.2.3.4", 5*time.Hour, "long"))

	st, _ := s.Status("1.2.3.4")
	assert.InDelta(t, 3600, st.Remaining, 0.001)
}

func TestStore_PermanentReplacesTemporary(t *testing.T) {
	s, clk := newTestStore(t, Options{})

	require.True(t, s.BlockTemporary(SourceRateLimit, "1.2.3.4", time.Minute, "rate"))
	require.True(t, s.BlockPermanent(SourceAbuse, "1.2.3.4", "abusive content detected: x"))
	assert.False(t, s.BlockTemporary(SourceRateLimit, "1.2.3.4", time.Minute, "rate"))

	clk.Advance(48 * time.Hour)
	s.Sweep(clk.Now())
	assert.True(t, s.IsBlocked("1.2.3.4"), "permanent blocks survive sweeps")

	l := s.Snapshot()
	require.Len(t, l.Permanent, 1)
	assert.Empty(t, l.Temporary)
	assert.Equal(t, "abusive content detected: x", l.Permanent[0].Reason)
	assert.Equal(t, 2, l.Permanent[0].Count)
}

func TestStore_AllowListWins(t *testing.T) {
	p := newMemPersister()
	s, _ := newTestStore(t, Options{Persister: p})

	require.True(t, s.BlockPermanent(SourceTrap, "5.6.7.8", "trap"))
	require.True(t, s.Allow("5.6.7.8"))

	assert.True(t, s.IsAllowed("5.6.7.8"))
	assert.False(t, s.IsBlocked("5.6.7.8"))
	assert.False(t, s.BlockPermanent(SourceTrap, "5.6.7.8", "again"))
	assert.False(t, s.BlockTemporary(SourceRateLimit, "5.6.7.8", time.Minute, "rate"))
	assert.False(t, s.RecordFailure("5.6.7.8"))

	assert.Empty(t, p.blocks)
	assert.True(t, p.allowed["5.6.7.8"])

	require.True(t, s.Disallow("5.6.7.8"))
	assert.False(t, s.IsAllowed("5.6.7.8"))
	assert.False(t, s.IsBlocked("5.6.7.8"), "allowing cleared the old block")
	assert.False(t, p.allowed["5.6.7.8"])
}

func TestStore_InvalidOriginsAreRejected(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	assert.False(t, s.BlockPermanent(SourceManual, "not-an-ip", "x"))
	assert.False(t, s.BlockTemporary(SourceManual, "", time.Minute, "x"))
	assert.False(t, s.Allow("localhost"))
	assert.False(t, s.IsBlocked("not-an-ip"))
	assert.Equal(t, 0, s.RecordRequest("bogus", "/"))
	_, ok := s.Status("bogus")
	assert.False(t, ok)
}

func TestStore_FailedLoginsTriggerBlock(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	for i := 0; i < 4; i++ {
		assert.False(t, s.RecordFailure("9.9.9.9"))
	}
	st, _ := s.Status("9.9.9.9")
	assert.Equal(t, 4, st.FailedLogins)

	assert.True(t, s.RecordFailure("9.9.9.9"))
	st, _ = s.Status("9.9.9.9")
	assert.True(t, st.Temporary)
	assert.Equal(t, 0, st.FailedLogins, "counter resets once the block is applied")
	assert.InDelta(t, 900, st.Remaining, 0.001)
}

func TestStore_RecordSuccessAndResetFailures(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	s.RecordFailure("9.9.9.9")
	s.RecordFailure("9.9.9.9")
	s.RecordSuccess("9.9.9.9")
	_, ok := s.ResetFailures("9.9.9.9")
	assert.False(t, ok)

	s.RecordFailure("9.9.9.9")
	prev, ok := s.ResetFailures("9.9.9.9")
	assert.True(t, ok)
	assert.Equal(t, 1, prev)
}

func TestStore_RecordRequestWindow(t *testing.T) {
	s, clk := newTestStore(t, Options{})

	for i := 0; i < 5; i++ {
		s.RecordRequest("1.1.1.1", "/api/a")
		clk.Advance(10 * time.Second)
	}
	// requests at t=0,10,20,30,40; now t=50
	assert.Equal(t, 5, s.CountSince("1.1.1.1", time.Minute))
	assert.Equal(t, 2, s.CountSince("1.1.1.1", 25*time.Second))

	clk.Advance(25 * time.Second)
	assert.Equal(t, 4, s.RecordRequest("1.1.1.1", "/api/a"), "window drops entries older than a minute")
}

func TestStore_GlobalRingIsBounded(t *testing.T) {
	s, _ := newTestStore(t, Options{GlobalCapacity: 100})

	for i := 0; i < 1000; i++ {
		s.RecordRequest(fmt.Sprintf("10.0.%d.%d", i/250, i%250), "/")
	}
	assert.LessOrEqual(t, s.GlobalCountSince(time.Second), 100)
	assert.Greater(t, s.GlobalCountSince(time.Second), 0)
}

func TestStore_EscalateSuspicious(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	s.AddSuspicion("1.1.1.1", 11)
	s.AddSuspicion("2.2.2.2", 10)
	s.AddSuspicion("3.3.3.3", 50)
	s.Allow("3.3.3.3")

	got := s.EscalateSuspicious(SourceFlood, 10, "flood")
	assert.Equal(t, []string{"1.1.1.1"}, got)
	assert.True(t, s.IsBlocked("1.1.1.1"))
	assert.False(t, s.IsBlocked("2.2.2.2"))
	assert.False(t, s.IsBlocked("3.3.3.3"))

	assert.Empty(t, s.EscalateSuspicious(SourceFlood, 10, "flood"), "already blocked origins are not reported twice")
}

func TestStore_SweepPurgesIdleRecords(t *testing.T) {
	s, clk := newTestStore(t, Options{})

	s.RecordRequest("1.1.1.1", "/")
	clk.Advance(12 * time.Hour)
	s.RecordRequest("2.2.2.2", "/")
	clk.Advance(12*time.Hour + time.Second)

	res := s.Sweep(clk.Now())
	assert.Equal(t, 1, res.Purged)

	_, ok := s.records["1.1.1.1"]
	assert.False(t, ok)
	r, ok := s.records["2.2.2.2"]
	require.True(t, ok)
	assert.Nil(t, r.window, "empty windows are dropped")
}

func TestStore_SweepIgnoresBackwardsClock(t *testing.T) {
	s, clk := newTestStore(t, Options{})
	require.True(t, s.BlockTemporary(SourceManual, "1.2.3.4", time.Minute, "x"))

	later := clk.Now().Add(time.Hour)
	s.Sweep(later)
	require.True(t, s.BlockTemporary(SourceManual, "5.6.7.8", time.Minute, "y"))

	res := s.Sweep(clk.Now())
	assert.True(t, res.Skipped)
	assert.True(t, s.IsBlocked("5.6.7.8"))
}

func TestStore_EscalateRepeatOffenders(t *testing.T) {
	s, clk := newTestStore(t, Options{EscalateRepeatOffenders: true})

	require.True(t, s.BlockTemporary(SourceRateLimit, "1.2.3.4", 5*time.Minute, "rate"))
	clk.Advance(6 * time.Minute)
	s.Sweep(clk.Now())

	require.True(t, s.BlockTemporary(SourceRateLimit, "1.2.3.4", 5*time.Minute, "rate"))
	st, _ := s.Status("1.2.3.4")
	assert.InDelta(t, 600, st.Remaining, 0.001)
	assert.Equal(t, 2, st.BlockCount)
}

func TestStore_ListenersRunAfterUnlock(t *testing.T) {
	var s *Store
	var events []Event
	s, _ = newTestStore(t, Options{Listeners: []Listener{func(ev Event) {
		// would deadlock if called under the store lock
		_ = s.IsBlocked(ev.Origin)
		events = append(events, ev)
	}}})

	s.BlockPermanent(SourceTrap, "1.2.3.4", "trap")
	s.Unblock("1.2.3.4")

	require.Len(t, events, 2)
	assert.Equal(t, ActionBlock, events[0].Action)
	assert.Equal(t, SourceTrap, events[0].Source)
	assert.Equal(t, ActionUnblock, events[1].Action)
}

func TestStore_PersistFailureKeepsMemory(t *testing.T) {
	p := newMemPersister()
	p.fail = true
	s, _ := newTestStore(t, Options{Persister: p})

	require.True(t, s.BlockPermanent(SourceManual, "1.2.3.4", "x"))
	assert.True(t, s.IsBlocked("1.2.3.4"))
}

func TestStore_Restore(t *testing.T) {
	clk := newClock()
	p := newMemPersister()
	p.blocks["1.1.1.1"] = Block{Kind: KindPermanent, Reason: "trap", Count: 1}
	p.blocks["2.2.2.2"] = Block{Kind: KindTemporary, Reason: "rate", ExpiresAt: clk.Now().Add(time.Minute), Count: 1}
	p.blocks["3.3.3.3"] = Block{Kind: KindTemporary, Reason: "old", ExpiresAt: clk.Now().Add(-time.Minute), Count: 1}
	p.allowed["4.4.4.4"] = true

	s := New(Options{Persister: p, Now: clk.Now})
	require.NoError(t, s.Restore(context.Background()))

	assert.True(t, s.IsBlocked("1.1.1.1"))
	assert.True(t, s.IsBlocked("2.2.2.2"))
	assert.False(t, s.IsBlocked("3.3.3.3"))
	assert.True(t, s.IsAllowed("4.4.4.4"))
}

func TestStore_Stats(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	for i := 0; i < 3; i++ {
		s.RecordRequest("1.1.1.1", "/api/hot")
	}
	s.RecordRequest("2.2.2.2", "/api/cold")
	s.RecordFailure("2.2.2.2")
	s.BlockPermanent(SourceManual, "3.3.3.3", "x")
	s.Allow("127.0.0.1")

	st := s.Stats()
	assert.Equal(t, 4, st.RequestsLastMinute)
	assert.Equal(t, 2, st.ActiveOrigins)
	assert.Equal(t, 1, st.Permanent)
	assert.Equal(t, 1, st.Allowed)
	require.Len(t, st.TopPaths, 2)
	assert.Equal(t, PathCount{Path: "/api/hot", Count: 3}, st.TopPaths[0])
	assert.Equal(t, map[string]int{"2.2.2.2": 1}, st.FailedLogins)
}

func TestStore_ConcurrentMutations(t *testing.T) {
	s := New(Options{})
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			origin := fmt.Sprintf("10.1.0.%d", g%4)
			for i := 0; i < 200; i++ {
				s.RecordRequest(origin, "/")
				s.AddSuspicion(origin, 1)
				if i%50 == 0 {
					s.BlockTemporary(SourceRateLimit, origin, time.Minute, "rate")
				}
				s.IsBlocked(origin)
			}
		}(g)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		origin := fmt.Sprintf("10.1.0.%d", i)
		st, _ := s.Status(origin)
		// 4 goroutines * 200 increments, plus 5 per applied temporary block (exactly one)
		assert.Equal(t, 800+5, st.Suspicion, origin)
		assert.Equal(t, 1, st.BlockCount, origin)
	}
}
