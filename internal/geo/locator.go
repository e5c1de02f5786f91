package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/version"
)

const (
	Local   = "Local"
	Unknown = "Unknown"
)

// Cache is the string cache used for lookups. *cache.Redis satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Locator resolves origins to "City, Region, Country" using an ip-api.com
// compatible endpoint. Failures never surface as errors; they yield Unknown.
type Locator struct {
	client   *http.Client
	apiURL   string
	cache    Cache
	cacheTTL time.Duration
	log      *logrus.Entry
}

// NewLocator returns a Locator for cfg. cache may be nil.
func NewLocator(cfg config.GeoConfig, cache Cache) *Locator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "http://ip-api.com/json"
	}
	return &Locator{
		client:   &http.Client{Timeout: timeout},
		apiURL:   strings.TrimRight(apiURL, "/"),
		cache:    cache,
		cacheTTL: ttl,
		log:      logger.Component("geo"),
	}
}

func cacheKey(origin string) string {
	return fmt.Sprintf("geolocation:simple:%s", origin)
}

// Locate returns a location label for origin.
func (l *Locator) Locate(ctx context.Context, origin string) string {
	addr, err := netip.ParseAddr(origin)
	if err != nil {
		return Unknown
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return Local
	}

	key := cacheKey(origin)
	if l.cache != nil {
		if cached, err := l.cache.Get(ctx, key); err == nil && cached != "" {
			l.log.WithField("origin", origin).Debug("geolocation cache hit")
			return cached
		}
	}

	location, ok := l.fetch(ctx, origin)
	if !ok {
		return Unknown
	}
	if l.cache != nil {
		if err := l.cache.Set(ctx, key, location, l.cacheTTL); err != nil {
			l.log.WithError(err).WithField("origin", origin).Warn("failed to cache geolocation result")
		}
	}
	return location
}

func (l *Locator) fetch(ctx context.Context, origin string) (string, bool) {
	url := fmt.Sprintf("%s/%s?fields=status,country,regionName,city", l.apiURL, origin)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := l.client.Do(req)
	if err != nil {
		l.log.WithError(err).WithField("origin", origin).Warn("geolocation lookup failed")
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		l.log.WithFields(logrus.Fields{"origin": origin, "status": resp.StatusCode}).Warn("geolocation API returned non-200 status")
		return "", false
	}

	var result struct {
		Status     string `json:"status"`
		Country    string `json:"country"`
		RegionName string `json:"regionName"`
		City       string `json:"city"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		l.log.WithError(err).WithField("origin", origin).Warn("failed to decode geolocation response")
		return "", false
	}
	if result.Status != "success" {
		return "", false
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{result.City, result.RegionName, result.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, ", "), true
}
