package abuse

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/reputation"
)

func newDetector(t *testing.T) (*Detector, *reputation.Store) {
	t.Helper()
	store := reputation.New(reputation.Options{})
	return New(store, config.SecurityConfig{VelocityThreshold: 10, SuspicionCeiling: 100}), store
}

func TestMatch_CaseInsensitive(t *testing.T) {
	d, _ := newDetector(t)
	d.SetDenylist([]string{"BadWord", " "})

	term, ok := d.Match(`{"comment":"this has a BADWORD inside"}`)
	assert.True(t, ok)
	assert.Equal(t, "badword", term)

	_, ok = d.Match("perfectly fine")
	assert.False(t, ok)
	_, ok = d.Match("")
	assert.False(t, ok)
}

func TestInspect_ContentTriggersPermanentBlock(t *testing.T) {
	d, store := newDetector(t)

	blocked := d.Inspect("8.8.4.4", "/api/comments", "POST", `{"text":"يا متناك"}`)
	require.True(t, blocked)

	st, _ := store.Status("8.8.4.4")
	assert.True(t, st.Permanent)
	assert.Contains(t, st.Reason, "متناك")
	assert.Contains(t, st.Reason, "abusive content detected")
}

func TestInspect_ContentIgnoredOnGet(t *testing.T) {
	d, store := newDetector(t)
	d.SetDenylist([]string{"badword"})

	assert.False(t, d.Inspect("8.8.4.4", "/search", "GET", "badword"))
	assert.False(t, store.IsBlocked("8.8.4.4"))
}

func TestInspect_AllowListedSkipped(t *testing.T) {
	d, store := newDetector(t)
	d.SetDenylist([]string{"badword"})
	store.Allow("127.0.0.1")

	assert.False(t, d.Inspect("127.0.0.1", "/x", "POST", "badword"))
	assert.False(t, store.IsBlocked("127.0.0.1"))
}

func TestInspect_VelocityAccumulatesToBlock(t *testing.T) {
	d, store := newDetector(t)

	// 11 requests inside the trailing second: each inspect adds 11
	for i := 0; i < 11; i++ {
		store.RecordRequest("4.4.4.4", "/")
	}
	for i := 0; i < 9; i++ {
		require.False(t, d.Inspect("4.4.4.4", "/", "GET", ""), "inspect %d", i)
	}
	st, _ := store.Status("4.4.4.4")
	assert.Equal(t, 99, st.Suspicion)
	assert.Equal(t, 9, st.Streak)

	assert.True(t, d.Inspect("4.4.4.4", "/", "GET", ""))
	st, _ = store.Status("4.4.4.4")
	assert.True(t, st.Permanent)
	assert.Equal(t, "extreme rate abuse: 11/sec", st.Reason)
}

func TestInspect_SlowTrafficIsClean(t *testing.T) {
	d, store := newDetector(t)
	for i := 0; i < 10; i++ {
		store.RecordRequest("4.4.4.4", "/")
	}
	assert.False(t, d.Inspect("4.4.4.4", "/", "GET", ""))

	st, _ := store.Status("4.4.4.4")
	assert.Equal(t, 0, st.Suspicion)
}

func TestSetDenylistConcurrentWithMatch(t *testing.T) {
	d, _ := newDetector(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			d.SetDenylist([]string{fmt.Sprintf("term%d", i), "spam"})
		}(i)
		go func() {
			defer wg.Done()
			_, _ = d.Match("buy spam now")
		}()
	}
	wg.Wait()

	term, ok := d.Match("buy spam now")
	assert.True(t, ok)
	assert.Equal(t, "spam", term)
}

func TestMatch_ShortTermsMatchInsideWords(t *testing.T) {
	d, _ := newDetector(t)

	// substring matching flags "كسب" (earn) because it contains "كس"
	term, ok := d.Match("اريد كسب المال")
	assert.True(t, ok)
	assert.Equal(t, "كس", term)
}
