package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crnwallet/guard/internal/config"
)

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewClient(context.Background(), config.CacheConfig{Addr: mr.Addr(), Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestNewClient_NoAddr(t *testing.T) {
	r, err := NewClient(context.Background(), config.CacheConfig{})
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = r.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, r.Close())
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(context.Background(), config.CacheConfig{Addr: addr, Timeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

func TestGetSet(t *testing.T) {
	r, mr := setupRedis(t)
	ctx := context.Background()

	v, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, r.Set(ctx, "geolocation:simple:8.8.8.8", "Mountain View, California, United States", time.Hour))
	v, err = r.Get(ctx, "geolocation:simple:8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "Mountain View, California, United States", v)
	assert.Equal(t, time.Hour, mr.TTL("geolocation:simple:8.8.8.8"))
}

func TestBlockFlags(t *testing.T) {
	r, mr := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SetTemporary(ctx, "203.0.113.5", 10*time.Minute))
	require.NoError(t, r.SetPermanent(ctx, "198.51.100.7", "accessed trap paths 3 times"))
	require.NoError(t, r.SetTemporary(ctx, "198.51.100.8", 0))

	assert.True(t, mr.Exists("blocked_ip:203.0.113.5"))
	assert.False(t, mr.Exists("blocked_ip:198.51.100.8"))

	temp, perm, err := r.Blocked(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Duration{"203.0.113.5": 10 * time.Minute}, temp)
	assert.Equal(t, map[string]string{"198.51.100.7": "accessed trap paths 3 times"}, perm)

	mr.FastForward(11 * time.Minute)
	temp, _, err = r.Blocked(ctx)
	require.NoError(t, err)
	assert.Empty(t, temp)

	require.NoError(t, r.Clear(ctx, "198.51.100.7"))
	_, perm, err = r.Blocked(ctx)
	require.NoError(t, err)
	assert.Empty(t, perm)
}

func TestSetPermanent_ReplacesTemporary(t *testing.T) {
	r, mr := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SetTemporary(ctx, "203.0.113.5", time.Minute))
	require.NoError(t, r.SetPermanent(ctx, "203.0.113.5", "manual"))
	assert.False(t, mr.Exists("blocked_ip:203.0.113.5"))

	got, err := mr.Get("permanent_blocked_ip:203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "manual", got)
}
