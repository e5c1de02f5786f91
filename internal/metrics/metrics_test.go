package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crnwallet/guard/internal/reputation"
)

func TestRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	IncGateRequest("blocked")
	IncBlock("permanent", "trap")
	IncTrapHit()
	IncFlood()
	IncTrapJobDropped()
	IncTokenVerification("valid")

	assert.Equal(t, float64(1), testutil.ToFloat64(gateRequestsTotal.WithLabelValues("blocked")))
	assert.Equal(t, float64(1), testutil.ToFloat64(blocksTotal.WithLabelValues("permanent", "trap")))
	assert.Equal(t, float64(1), testutil.ToFloat64(trapHitsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["guard_blocks_total"])
	assert.True(t, names["guard_token_verifications_total"])
	assert.True(t, names["guard_trap_jobs_dropped_total"])
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	IncFlood()

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "guard_floods_total")
	assert.Contains(t, body, "go_goroutines")
}

func TestBlockListener(t *testing.T) {
	store := reputation.New(reputation.Options{Listeners: []reputation.Listener{BlockListener()}})
	before := testutil.ToFloat64(blocksTotal.WithLabelValues("temporary", "abuse"))

	store.BlockTemporary(reputation.SourceAbuse, "192.0.2.77", time.Minute, "test")
	store.Unblock("192.0.2.77")

	assert.Equal(t, before+1, testutil.ToFloat64(blocksTotal.WithLabelValues("temporary", "abuse")))
}
