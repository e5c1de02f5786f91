package reputation

import (
	"context"
	"net/netip"
	"strings"
	"time"
)

// Kind distinguishes temporary from permanent blocks.
type Kind string

const (
	KindTemporary Kind = "temporary"
	KindPermanent Kind = "permanent"
)

// Source names the component responsible for a state change.
type Source string

const (
	SourceRateLimit Source = "ratelimit"
	SourceFlood     Source = "flood"
	SourceAbuse     Source = "abuse"
	SourceTrap      Source = "trap"
	SourceAuth      Source = "auth"
	SourceManual    Source = "manual"
	SourceMirror    Source = "mirror"
	SourceSweep     Source = "sweep"
)

// Action is the state change carried by an Event.
type Action string

const (
	ActionBlock    Action = "block"
	ActionUnblock  Action = "unblock"
	ActionExpire   Action = "expire"
	ActionAllow    Action = "allow"
	ActionDisallow Action = "disallow"
)

// Block is an active block entry. ExpiresAt is zero for permanent blocks.
type Block struct {
	Kind      Kind
	Reason    string
	ExpiresAt time.Time
	// Count is the number of times the origin has been blocked, this one included.
	Count int
}

// Active reports whether the block still applies at now.
func (b Block) Active(now time.Time) bool {
	if b.Kind == KindPermanent {
		return true
	}
	return now.Before(b.ExpiresAt)
}

// Event describes a block or allow-list change. Listeners receive events
// after the store lock has been released.
type Event struct {
	Origin   string
	Action   Action
	Kind     Kind
	Source   Source
	Reason   string
	Duration time.Duration
	At       time.Time
}

// Listener observes store events. Listeners must not call back into the
// store synchronously with blocking I/O.
type Listener func(Event)

// Persister stores blocks and the allow-list so they survive a restart.
// Errors are logged by the store and never roll back memory.
type Persister interface {
	SaveBlock(origin string, b Block) error
	DeleteBlock(origin string) error
	SaveAllowed(origin string) error
	DeleteAllowed(origin string) error
	LoadBlocks() (map[string]Block, error)
	LoadAllowed() ([]string, error)
}

// Mirror publishes block flags to a cache shared with other processes.
type Mirror interface {
	SetTemporary(ctx context.Context, origin string, ttl time.Duration) error
	SetPermanent(ctx context.Context, origin, reason string) error
	Clear(ctx context.Context, origin string) error
	Blocked(ctx context.Context) (temporary map[string]time.Duration, permanent map[string]string, err error)
}

// OriginStatus is a point-in-time view of one origin.
type OriginStatus struct {
	Origin         string    `json:"origin"`
	Allowed        bool      `json:"whitelisted"`
	Blocked        bool      `json:"blocked"`
	Permanent      bool      `json:"blacklisted"`
	Temporary      bool      `json:"temporarily_blocked"`
	Reason         string    `json:"reason,omitempty"`
	Remaining      float64   `json:"remaining_block_time"`
	BlockCount     int       `json:"block_count"`
	RecentRequests int       `json:"recent_requests"`
	FailedLogins   int       `json:"failed_logins"`
	Suspicion      int       `json:"suspicion_score"`
	Streak         int       `json:"rapid_streak"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
}

// BlockView is a listing row for an active block.
type BlockView struct {
	Origin    string    `json:"ip"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Remaining float64   `json:"remaining_seconds,omitempty"`
	Count     int       `json:"block_count"`
}

// Listing groups active blocks and the allow-list.
type Listing struct {
	Permanent []BlockView `json:"permanent"`
	Temporary []BlockView `json:"temporary"`
	Allowed   []string    `json:"whitelist"`
}

// PathCount is a request path with its recent hit count.
type PathCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// Stats summarizes recent traffic and block state.
type Stats struct {
	RequestsLastMinute int            `json:"requests_last_minute"`
	RatePerSecond      float64        `json:"rate_per_second"`
	ActiveOrigins      int            `json:"active_ips"`
	Permanent          int            `json:"blacklisted_ips"`
	Temporary          int            `json:"temporarily_blocked"`
	Allowed            int            `json:"whitelisted_ips"`
	TopPaths           []PathCount    `json:"top_paths"`
	FailedLogins       map[string]int `json:"failed_logins"`
}

// SweepResult reports what a sweep removed.
type SweepResult struct {
	Expired int
	Purged  int
	Skipped bool
}

// Normalize validates an origin as an IPv4 or IPv6 literal and returns
// its canonical form.
func Normalize(origin string) (string, bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(origin)
	if err != nil {
		return "", false
	}
	return addr.Unmap().WithZone("").String(), true
}
