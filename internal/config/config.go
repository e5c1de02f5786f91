package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	LogDir       string
	Debug        bool
	Security     SecurityConfig
	Token        TokenConfig
	Cache        CacheConfig
	Geo          GeoConfig
	Notify       NotifyConfig
}

// SecurityConfig configures the request gate and its detectors.
type SecurityConfig struct {
	AdminAPIKey string

	RateLimitEnabled      bool
	AbuseDetectionEnabled bool
	TrapsEnabled          bool
	// EscalateRepeatOffenders doubles a temporary block per prior expired block.
	EscalateRepeatOffenders bool

	DefaultCeiling   int
	LoginCeiling     int
	SensitiveCeiling int
	LoginPaths       []string
	SensitivePaths   []string

	GlobalFloodThreshold int
	EmergencySuspicion   int
	VelocityThreshold    int
	SuspicionCeiling     int
	MaxFailedLogins      int
	FailedLoginBlock     time.Duration
	TrapHitLimit         int
	TrapWindow           time.Duration
	// TrapWorkers and TrapQueueSize bound background trap persistence.
	TrapWorkers   int
	TrapQueueSize int
	// FloodShedRatio is the share of requests rejected while a flood is active.
	FloodShedRatio float64

	AllowList      []string
	SweepSchedule  string
	TrustForwarded bool
}

// TokenConfig configures bearer token issuance.
type TokenConfig struct {
	Secret          string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	CacheTTL        time.Duration
	NearExpiry      time.Duration
	RevocationLimit int
}

// CacheConfig configures the optional shared Redis cache. An empty Addr
// disables it.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// GeoConfig configures best-effort origin geolocation.
type GeoConfig struct {
	Enabled  bool
	APIURL   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// NotifyConfig lists shoutrrr URLs that receive block alerts.
type NotifyConfig struct {
	URLs []string
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:  getEnv("GUARD_ENV", "development"),
		HTTPPort:     getEnv("GUARD_HTTP_PORT", "8080"),
		DatabasePath: getEnv("GUARD_DB_PATH", filepath.Join("data", "guard.db")),
		LogDir:       getEnv("GUARD_LOG_DIR", filepath.Join("data", "logs")),
		Debug:        getEnvBool("GUARD_DEBUG", false),
		Security: SecurityConfig{
			AdminAPIKey:             getEnv("GUARD_ADMIN_API_KEY", ""),
			RateLimitEnabled:        getEnvBool("GUARD_RATE_LIMIT_ENABLED", true),
			AbuseDetectionEnabled:   getEnvBool("GUARD_ABUSE_DETECTION_ENABLED", true),
			TrapsEnabled:            getEnvBool("GUARD_TRAPS_ENABLED", true),
			EscalateRepeatOffenders: getEnvBool("GUARD_ESCALATE_REPEAT_OFFENDERS", false),
			DefaultCeiling:          getEnvInt("GUARD_DEFAULT_CEILING", 30),
			LoginCeiling:            getEnvInt("GUARD_LOGIN_CEILING", 3),
			SensitiveCeiling:        getEnvInt("GUARD_SENSITIVE_CEILING", 10),
			LoginPaths:              getEnvList("GUARD_LOGIN_PATHS", []string{"/api/staff/login", "/api/auth/login"}),
			SensitivePaths:          getEnvList("GUARD_SENSITIVE_PATHS", []string{"/api/wallet/transfer", "/api/user/update", "/api/user/delete"}),
			GlobalFloodThreshold:    getEnvInt("GUARD_GLOBAL_FLOOD_THRESHOLD", 100),
			EmergencySuspicion:      getEnvInt("GUARD_EMERGENCY_SUSPICION", 10),
			VelocityThreshold:       getEnvInt("GUARD_VELOCITY_THRESHOLD", 10),
			SuspicionCeiling:        getEnvInt("GUARD_SUSPICION_CEILING", 100),
			MaxFailedLogins:         getEnvInt("GUARD_MAX_FAILED_LOGINS", 5),
			FailedLoginBlock:        getEnvDuration("GUARD_FAILED_LOGIN_BLOCK", 15*time.Minute),
			TrapHitLimit:            getEnvInt("GUARD_TRAP_HIT_LIMIT", 3),
			TrapWindow:              getEnvDuration("GUARD_TRAP_WINDOW", 24*time.Hour),
			TrapWorkers:             getEnvInt("GUARD_TRAP_WORKERS", 4),
			TrapQueueSize:           getEnvInt("GUARD_TRAP_QUEUE_SIZE", 256),
			FloodShedRatio:          getEnvRatio("GUARD_FLOOD_SHED_RATIO", 0.5),
			AllowList:               getEnvList("GUARD_ALLOW_LIST", []string{"127.0.0.1", "::1"}),
			SweepSchedule:           getEnv("GUARD_SWEEP_SCHEDULE", "@every 1m"),
			TrustForwarded:          getEnvBool("GUARD_TRUST_FORWARDED", true),
		},
		Token: TokenConfig{
			Secret:          getEnv("GUARD_JWT_SECRET", ""),
			AccessTTL:       getEnvDuration("GUARD_ACCESS_TTL", 24*time.Hour),
			RefreshTTL:      getEnvDuration("GUARD_REFRESH_TTL", 7*24*time.Hour),
			CacheTTL:        getEnvDuration("GUARD_TOKEN_CACHE_TTL", 5*time.Minute),
			NearExpiry:      getEnvDuration("GUARD_TOKEN_NEAR_EXPIRY", 15*time.Minute),
			RevocationLimit: getEnvInt("GUARD_REVOCATION_LIMIT", 1000),
		},
		Cache: CacheConfig{
			Addr:     getEnv("GUARD_REDIS_ADDR", ""),
			Password: getEnv("GUARD_REDIS_PASSWORD", ""),
			DB:       getEnvInt("GUARD_REDIS_DB", 0),
			Timeout:  getEnvDuration("GUARD_REDIS_TIMEOUT", 2*time.Second),
		},
		Geo: GeoConfig{
			Enabled:  getEnvBool("GUARD_GEO_ENABLED", false),
			APIURL:   getEnv("GUARD_GEO_API_URL", "http://ip-api.com/json"),
			Timeout:  getEnvDuration("GUARD_GEO_TIMEOUT", 2*time.Second),
			CacheTTL: getEnvDuration("GUARD_GEO_CACHE_TTL", 24*time.Hour),
		},
		Notify: NotifyConfig{
			URLs: getEnvList("GUARD_NOTIFY_URLS", nil),
		},
	}

	if cfg.Token.Secret == "" {
		if cfg.Environment == "production" {
			return Config{}, fmt.Errorf("GUARD_JWT_SECRET must be set in production")
		}
		cfg.Token.Secret = "change-me-in-production"
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// getEnvRatio parses a value in [0, 1].
func getEnvRatio(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f < 0 || f > 1 {
		return fallback
	}
	return f
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(val, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
