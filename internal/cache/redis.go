package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crnwallet/guard/internal/config"
)

const (
	temporaryPrefix = "blocked_ip:"
	permanentPrefix = "permanent_blocked_ip:"
	scanBatch       = 100
)

var ErrNotConfigured = errors.New("redis client not initialized")

// Redis wraps a go-redis client. A nil *Redis or one without a client
// reports ErrNotConfigured from every call, so callers can treat the
// cache as optional.
type Redis struct {
	client *redis.Client
}

// NewClient connects to the configured Redis server. It returns nil and
// no error when no address is configured.
func NewClient(ctx context.Context, cfg config.CacheConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Wrap returns a Redis around an existing client.
func Wrap(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) ready() error {
	if r == nil || r.client == nil {
		return ErrNotConfigured
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	if err := r.ready(); err != nil {
		return nil
	}
	return r.client.Close()
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Get returns the value for key, or "" when it does not exist.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if err := r.ready(); err != nil {
		return "", err
	}
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// Set stores value under key. A zero ttl keeps the key until deleted.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

// SetTemporary flags origin as blocked for ttl.
func (r *Redis) SetTemporary(ctx context.Context, origin string, ttl time.Duration) error {
	if err := r.ready(); err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, temporaryPrefix+origin, "1", ttl).Err()
}

// SetPermanent flags origin as blocked until cleared.
func (r *Redis) SetPermanent(ctx context.Context, origin, reason string) error {
	if err := r.ready(); err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, permanentPrefix+origin, reason, 0)
	pipe.Del(ctx, temporaryPrefix+origin)
	_, err := pipe.Exec(ctx)
	return err
}

// Clear removes both block flags for origin.
func (r *Redis) Clear(ctx context.Context, origin string) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.client.Del(ctx, temporaryPrefix+origin, permanentPrefix+origin).Err()
}

// Blocked lists every flagged origin: temporary ones with their remaining
// TTL and permanent ones with their reason.
func (r *Redis) Blocked(ctx context.Context) (map[string]time.Duration, map[string]string, error) {
	if err := r.ready(); err != nil {
		return nil, nil, err
	}
	temporary := make(map[string]time.Duration)
	permanent := make(map[string]string)

	tempKeys, err := r.scan(ctx, temporaryPrefix+"*")
	if err != nil {
		return nil, nil, err
	}
	for _, key := range tempKeys {
		ttl, err := r.client.TTL(ctx, key).Result()
		if err != nil {
			return nil, nil, err
		}
		// -2 is a key that expired between SCAN and TTL; -1 has no expiry
		if ttl <= 0 {
			continue
		}
		temporary[strings.TrimPrefix(key, temporaryPrefix)] = ttl
	}

	permKeys, err := r.scan(ctx, permanentPrefix+"*")
	if err != nil {
		return nil, nil, err
	}
	for _, key := range permKeys {
		reason, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		permanent[strings.TrimPrefix(key, permanentPrefix)] = reason
	}
	return temporary, permanent, nil
}

func (r *Redis) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
