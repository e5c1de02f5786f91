package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/metrics"
)

// Token types.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

const maxCacheEntries = 10000

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNotRefresh   = errors.New("not a refresh token")
)

// Claims are the signed contents of a bearer token.
type Claims struct {
	Name         string `json:"username"`
	Role         string `json:"role"`
	Type         string `json:"type"`
	RefreshCount int    `json:"refresh_count,omitempty"`
	jwt.RegisteredClaims
}

// Pair is an access token with its matching refresh token.
type Pair struct {
	AccessToken      string    `json:"token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Claims           *Claims   `json:"-"`
}

// RevocationStore persists revoked token digests across restarts.
type RevocationStore interface {
	SaveRevocation(digest string, expiresAt time.Time) error
	LoadRevocations(now time.Time) (map[string]time.Time, error)
	PurgeRevocations(now time.Time) error
}

type cacheEntry struct {
	claims  Claims
	expires time.Time
}

// Manager issues, verifies and revokes HS256 bearer tokens. Verified
// claims are cached briefly; revocation always wins over the cache.
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	cacheTTL   time.Duration
	nearExpiry time.Duration
	limit      int
	store      RevocationStore
	parser     *jwt.Parser
	signed     *jwt.Parser
	now        func() time.Time
	log        *logrus.Entry

	mu      sync.Mutex
	cache   map[string]cacheEntry
	revoked map[string]time.Time
}

// NewManager returns a Manager for cfg. store may be nil.
func NewManager(cfg config.TokenConfig, store RevocationStore) *Manager {
	m := &Manager{
		secret:     []byte(cfg.Secret),
		accessTTL:  orDefault(cfg.AccessTTL, 24*time.Hour),
		refreshTTL: orDefault(cfg.RefreshTTL, 7*24*time.Hour),
		cacheTTL:   orDefault(cfg.CacheTTL, 5*time.Minute),
		nearExpiry: orDefault(cfg.NearExpiry, 15*time.Minute),
		limit:      cfg.RevocationLimit,
		store:      store,
		now:        time.Now,
		log:        logger.Component("token"),
		cache:      make(map[string]cacheEntry),
		revoked:    make(map[string]time.Time),
	}
	if m.limit <= 0 {
		m.limit = 1000
	}
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	m.signed = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	return m
}

// Issue signs an access token for subject.
func (m *Manager) Issue(subject, name, role string) (string, *Claims, error) {
	return m.sign(subject, name, role, TypeAccess, 0)
}

// IssueRefresh signs a refresh token for subject.
func (m *Manager) IssueRefresh(subject, name, role string) (string, *Claims, error) {
	return m.sign(subject, name, role, TypeRefresh, 0)
}

// IssuePair signs an access and a refresh token carrying refreshCount.
func (m *Manager) IssuePair(subject, name, role string, refreshCount int) (Pair, error) {
	access, claims, err := m.sign(subject, name, role, TypeAccess, refreshCount)
	if err != nil {
		return Pair{}, err
	}
	refresh, rclaims, err := m.sign(subject, name, role, TypeRefresh, refreshCount)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        claims.ExpiresAt.Time,
		RefreshExpiresAt: rclaims.ExpiresAt.Time,
		Claims:           claims,
	}, nil
}

func (m *Manager) sign(subject, name, role, typ string, refreshCount int) (string, *Claims, error) {
	if subject == "" {
		return "", nil, fmt.Errorf("sign token: empty subject")
	}
	now := m.now()
	ttl := m.accessTTL
	jti := fmt.Sprintf("%s-%d-%s", subject, now.Unix(), uuid.NewString()[:8])
	if typ == TypeRefresh {
		ttl = m.refreshTTL
		jti = "refresh-" + jti
	}
	claims := &Claims{
		Name:         name,
		Role:         role,
		Type:         typ,
		RefreshCount: refreshCount,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify returns the claims of a valid token. Revoked, expired, malformed
// or badly signed tokens all yield false.
func (m *Manager) Verify(raw string) (*Claims, bool) {
	if raw == "" {
		metrics.IncTokenVerification("invalid")
		return nil, false
	}
	key := digest(raw)
	now := m.now()

	m.mu.Lock()
	if _, ok := m.revoked[key]; ok {
		m.mu.Unlock()
		metrics.IncTokenVerification("revoked")
		return nil, false
	}
	if e, ok := m.cache[key]; ok {
		if now.Before(e.expires) {
			m.mu.Unlock()
			metrics.IncTokenVerification("cached")
			c := e.claims
			return &c, true
		}
		delete(m.cache, key)
	}
	m.mu.Unlock()

	claims := &Claims{}
	tok, err := m.parser.ParseWithClaims(raw, claims, m.key)
	if err != nil || !tok.Valid {
		metrics.IncTokenVerification("invalid")
		m.log.WithError(err).Debug("token verification failed")
		return nil, false
	}

	expires := now.Add(m.cacheTTL)
	if exp := claims.ExpiresAt.Time; exp.Before(expires) {
		expires = exp
	}

	m.mu.Lock()
	if _, ok := m.revoked[key]; ok {
		m.mu.Unlock()
		metrics.IncTokenVerification("revoked")
		return nil, false
	}
	if len(m.cache) < maxCacheEntries {
		m.cache[key] = cacheEntry{claims: *claims, expires: expires}
	}
	m.mu.Unlock()

	metrics.IncTokenVerification("valid")
	return claims, true
}

// Revoke invalidates raw for the rest of its lifetime and evicts it from
// the decode cache. Only unexpired tokens signed by this manager are
// recorded; it reports whether raw was newly revoked.
func (m *Manager) Revoke(raw string) bool {
	claims, ok := m.parseSigned(raw)
	if !ok {
		m.log.Debug("ignoring revocation of unsigned or malformed token")
		return false
	}
	return m.revoke(digest(raw), claims.ExpiresAt.Time)
}

// parseSigned checks the signature of raw without validating its claims.
func (m *Manager) parseSigned(raw string) (*Claims, bool) {
	if raw == "" {
		return nil, false
	}
	claims := &Claims{}
	tok, err := m.signed.ParseWithClaims(raw, claims, m.key)
	if err != nil || !tok.Valid || claims.ExpiresAt == nil {
		return nil, false
	}
	return claims, true
}

// revoke records key until expires. It reports false when the token has
// already expired or was revoked before.
func (m *Manager) revoke(key string, expires time.Time) bool {
	now := m.now()

	m.mu.Lock()
	delete(m.cache, key)
	if !now.Before(expires) {
		m.mu.Unlock()
		return false
	}
	if _, dup := m.revoked[key]; dup {
		m.mu.Unlock()
		return false
	}
	m.revoked[key] = expires
	if len(m.revoked) > m.limit {
		m.compactLocked(now)
	}
	size := len(m.revoked)
	m.mu.Unlock()

	if size > m.limit {
		m.log.WithField("size", size).Warn("revocation set above limit with unexpired entries")
	}
	if m.store != nil {
		if err := m.store.SaveRevocation(key, expires); err != nil {
			m.log.WithError(err).Error("failed to persist token revocation")
		}
	}
	return true
}

func (m *Manager) key(*jwt.Token) (interface{}, error) {
	return m.secret, nil
}

// compactLocked drops revocations whose token has expired.
func (m *Manager) compactLocked(now time.Time) int {
	dropped := 0
	for k, exp := range m.revoked {
		if !now.Before(exp) {
			delete(m.revoked, k)
			dropped++
		}
	}
	return dropped
}

// Refresh exchanges a valid refresh token for a new pair and revokes it.
// Of concurrent calls with the same token only the one that revokes it
// gets a pair.
func (m *Manager) Refresh(refreshToken string) (Pair, error) {
	claims, ok := m.Verify(refreshToken)
	if !ok {
		return Pair{}, ErrInvalidToken
	}
	if claims.Type != TypeRefresh {
		return Pair{}, ErrNotRefresh
	}
	if !m.revoke(digest(refreshToken), claims.ExpiresAt.Time) {
		return Pair{}, ErrInvalidToken
	}
	return m.IssuePair(claims.Subject, claims.Name, claims.Role, claims.RefreshCount+1)
}

// IsNearExpiry reports whether claims expire within threshold. Missing
// claims are treated as already expiring. A zero threshold uses the
// configured default.
func (m *Manager) IsNearExpiry(claims *Claims, threshold time.Duration) bool {
	if claims == nil || claims.ExpiresAt == nil {
		return true
	}
	if threshold <= 0 {
		threshold = m.nearExpiry
	}
	return claims.ExpiresAt.Time.Sub(m.now()) < threshold
}

// Restore loads persisted revocations.
func (m *Manager) Restore() error {
	if m.store == nil {
		return nil
	}
	revs, err := m.store.LoadRevocations(m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	for k, exp := range revs {
		m.revoked[k] = exp
	}
	m.mu.Unlock()
	return nil
}

// Sweep evicts expired cache entries and revocations of expired tokens.
func (m *Manager) Sweep(now time.Time) (evicted, compacted int) {
	m.mu.Lock()
	for k, e := range m.cache {
		if !now.Before(e.expires) {
			delete(m.cache, k)
			evicted++
		}
	}
	compacted = m.compactLocked(now)
	m.mu.Unlock()

	if m.store != nil && compacted > 0 {
		if err := m.store.PurgeRevocations(now); err != nil {
			m.log.WithError(err).Error("failed to purge expired revocations")
		}
	}
	return evicted, compacted
}

// Stats reports the cache and revocation set sizes.
func (m *Manager) Stats() (cached, revoked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache), len(m.revoked)
}

func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
