package cerberus

import (
	"bytes"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/crnwallet/guard/internal/abuse"
	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/metrics"
	"github.com/crnwallet/guard/internal/ratelimit"
	"github.com/crnwallet/guard/internal/reputation"
	"github.com/crnwallet/guard/internal/util"
)

// OriginKey is the gin context key holding the resolved origin.
const OriginKey = "origin"

// maxInspectBody bounds how much of a request body the abuse detector sees.
const maxInspectBody = 64 << 10

// Error codes returned in rejection bodies.
const (
	CodeInvalidOrigin = "INVALID_ORIGIN"
	CodeBlocked       = "IP_BLOCKED"
	CodeRateLimited   = "RATE_LIMITED"
	CodeServerBusy    = "SERVER_BUSY"
	CodeSuspicious    = "SUSPICIOUS_ACTIVITY"
)

// Cerberus is the inbound gate: it resolves the request origin and runs the
// allow-list, block, rate-limit, flood shedding and abuse checks in that
// order.
type Cerberus struct {
	cfg      config.SecurityConfig
	store    *reputation.Store
	limiter  *ratelimit.Limiter
	detector *abuse.Detector
}

// New creates a new Cerberus instance. limiter and detector may be nil,
// which disables their checks.
func New(cfg config.SecurityConfig, store *reputation.Store, limiter *ratelimit.Limiter, detector *abuse.Detector) *Cerberus {
	return &Cerberus{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		detector: detector,
	}
}

func (c *Cerberus) rateLimitEnabled() bool {
	return c.cfg.RateLimitEnabled && c.limiter != nil
}

func (c *Cerberus) abuseEnabled() bool {
	return c.cfg.AbuseDetectionEnabled && c.detector != nil
}

// Origin returns the origin resolved by the gate for this request.
func Origin(ctx *gin.Context) string {
	if v, ok := ctx.Get(OriginKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if o, ok := util.ResolveOrigin(ctx.Request, false); ok {
		return o
	}
	return ""
}

func reject(ctx *gin.Context, status int, code, message string) {
	ctx.AbortWithStatusJSON(status, gin.H{
		"success":    false,
		"error_code": code,
		"message":    message,
	})
}

// Middleware returns a Gin middleware that enforces the gate.
func (c *Cerberus) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		origin, ok := util.ResolveOrigin(ctx.Request, c.cfg.TrustForwarded)
		if !ok {
			metrics.IncGateRequest("invalid_origin")
			reject(ctx, http.StatusBadRequest, CodeInvalidOrigin, "Unable to determine client address")
			return
		}
		ctx.Set(OriginKey, origin)
		path := ctx.Request.URL.Path

		if c.store.IsAllowed(origin) {
			metrics.IncGateRequest("allowed")
			ctx.Next()
			return
		}

		if c.store.IsBlocked(origin) {
			metrics.IncGateRequest("blocked")
			logger.Log().WithFields(logrus.Fields{
				"source": "gate",
				"origin": origin,
				"path":   util.SanitizeForLog(path),
			}).Debug("blocked origin rejected")
			reject(ctx, http.StatusForbidden, CodeBlocked, "Access denied")
			return
		}

		if c.rateLimitEnabled() {
			if res := c.limiter.Check(origin, path); !res.Allowed {
				metrics.IncGateRequest("rate_limited")
				ctx.Header("Retry-After", retryAfter(res))
				reject(ctx, http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
				return
			}
			if c.shed() {
				metrics.IncGateRequest("shed")
				ctx.Header("Retry-After", "1")
				reject(ctx, http.StatusTooManyRequests, CodeServerBusy, "Server is temporarily under high load")
				return
			}
		} else {
			// keep the window populated for velocity checks
			c.store.RecordRequest(origin, path)
		}

		if c.abuseEnabled() {
			body := readBody(ctx.Request)
			if c.detector.Inspect(origin, path, ctx.Request.Method, body) {
				metrics.IncGateRequest("suspicious")
				reject(ctx, http.StatusForbidden, CodeSuspicious, "Suspicious activity detected")
				return
			}
		}

		metrics.IncGateRequest("allowed")
		ctx.Next()
	}
}

// shed reports whether this request is dropped to relieve a global flood.
func (c *Cerberus) shed() bool {
	ratio := c.cfg.FloodShedRatio
	if ratio <= 0 || !c.limiter.FloodActive() {
		return false
	}
	return rand.Float64() < ratio
}

func retryAfter(res ratelimit.Result) string {
	secs := int(res.Backoff.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// readBody returns up to maxInspectBody bytes of the request body and puts
// them back so downstream handlers can still read the full body.
func readBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxInspectBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil {
		return ""
	}
	return string(buf)
}
