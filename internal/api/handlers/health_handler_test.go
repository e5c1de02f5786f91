package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crnwallet/guard/internal/cache"
)

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

func getHealth(t *testing.T, h gin.HandlerFunc) healthResponse {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/health", h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthHandler(t *testing.T) {
	db := OpenTestDB(t)
	resp := getHealth(t, HealthHandler(db, nil))

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "Guard", resp.Service)
	assert.NotEmpty(t, resp.Version)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.Equal(t, "disabled", resp.Checks["cache"])
}

func TestHealthHandler_Cache(t *testing.T) {
	db := OpenTestDB(t)
	mr := miniredis.RunT(t)
	rc := cache.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })

	resp := getHealth(t, HealthHandler(db, rc))
	assert.Equal(t, "ok", resp.Checks["cache"])

	mr.Close()
	resp = getHealth(t, HealthHandler(db, rc))
	assert.Equal(t, "unreachable", resp.Checks["cache"])
	assert.Equal(t, "ok", resp.Status)
}

func TestHealthHandler_DatabaseDown(t *testing.T) {
	db := OpenTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	resp := getHealth(t, HealthHandler(db, nil))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unreachable", resp.Checks["database"])
}
