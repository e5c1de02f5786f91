package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crnwallet/guard/internal/api/middleware"
	"github.com/crnwallet/guard/internal/cerberus"
	"github.com/crnwallet/guard/internal/models"
	"github.com/crnwallet/guard/internal/reputation"
	"github.com/crnwallet/guard/internal/services"
	"github.com/crnwallet/guard/internal/trap"
)

const (
	defaultDecisionLimit = 100
	maxDecisionLimit     = 1000
	reportHitLimit       = 50
)

// SecurityHandler serves the administrative security endpoints.
type SecurityHandler struct {
	store *reputation.Store
	traps *trap.Collector
	svc   *services.SecurityService
}

// NewSecurityHandler creates a new SecurityHandler. traps and svc may be nil.
func NewSecurityHandler(store *reputation.Store, traps *trap.Collector, svc *services.SecurityService) *SecurityHandler {
	return &SecurityHandler{store: store, traps: traps, svc: svc}
}

func invalidIP(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success":    false,
		"error_code": "INVALID_IP",
		"message":    "Invalid IP address",
	})
}

// originParam returns the normalized :ip parameter, writing a 400 when it
// does not parse.
func originParam(c *gin.Context) (string, bool) {
	o, ok := reputation.Normalize(c.Param("ip"))
	if !ok {
		invalidIP(c)
		return "", false
	}
	return o, true
}

func (h *SecurityHandler) audit(c *gin.Context, action, details string) {
	if h.svc == nil {
		return
	}
	a := &models.SecurityAudit{
		Actor:   "admin@" + cerberus.Origin(c),
		Action:  action,
		Details: details,
	}
	if err := h.svc.LogAudit(a); err != nil {
		middleware.GetRequestLogger(c).WithError(err).Warn("failed to write security audit")
	}
}

// ListBlocked returns permanent and temporary blocks and the allow-list.
func (h *SecurityHandler) ListBlocked(c *gin.Context) {
	l := h.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"permanent": l.Permanent,
		"temporary": l.Temporary,
		"whitelist": l.Allowed,
	})
}

// BlockIP permanently blocks an origin. An optional JSON body may carry a reason.
func (h *SecurityHandler) BlockIP(c *gin.Context) {
	origin, ok := originParam(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "blocked by administrator"
	}

	if h.store.IsAllowed(origin) {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"message": fmt.Sprintf("IP %s is whitelisted; remove it from the whitelist first", origin),
		})
		return
	}
	changed := h.store.BlockPermanent(reputation.SourceManual, origin, req.Reason)
	h.audit(c, "block_ip", fmt.Sprintf("%s: %s", origin, req.Reason))
	msg := fmt.Sprintf("IP %s permanently blocked", origin)
	if !changed {
		msg = fmt.Sprintf("IP %s was already permanently blocked", origin)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

// UnblockIP lifts any block on an origin.
func (h *SecurityHandler) UnblockIP(c *gin.Context) {
	origin, ok := originParam(c)
	if !ok {
		return
	}
	existed := h.store.Unblock(origin)
	h.audit(c, "unblock_ip", origin)
	msg := fmt.Sprintf("IP %s unblocked", origin)
	if !existed {
		msg = fmt.Sprintf("IP %s was not blocked", origin)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

// AllowIP adds an origin to the allow-list.
func (h *SecurityHandler) AllowIP(c *gin.Context) {
	origin, ok := originParam(c)
	if !ok {
		return
	}
	h.store.Allow(origin)
	h.audit(c, "whitelist_ip", origin)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("IP %s added to whitelist", origin),
	})
}

// DisallowIP removes an origin from the allow-list.
func (h *SecurityHandler) DisallowIP(c *gin.Context) {
	origin, ok := originParam(c)
	if !ok {
		return
	}
	if !h.store.Disallow(origin) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": fmt.Sprintf("IP %s is not whitelisted", origin),
		})
		return
	}
	h.audit(c, "unwhitelist_ip", origin)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("IP %s removed from whitelist", origin),
	})
}

// CheckIP reports the full status of one origin.
func (h *SecurityHandler) CheckIP(c *gin.Context) {
	origin, ok := originParam(c)
	if !ok {
		return
	}
	st, _ := h.store.Status(origin)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"ip":      origin,
		"status":  st,
	})
}

// Stats returns aggregate traffic and block statistics.
func (h *SecurityHandler) Stats(c *gin.Context) {
	st := h.store.Stats()
	total := 0
	for _, n := range st.FailedLogins {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"requests": gin.H{
			"last_minute":     st.RequestsLastMinute,
			"rate_per_second": st.RatePerSecond,
		},
		"ips": gin.H{
			"active_last_minute":  st.ActiveOrigins,
			"blacklisted":         st.Permanent,
			"whitelisted":         st.Allowed,
			"temporarily_blocked": st.Temporary,
		},
		"top_paths":           st.TopPaths,
		"failed_logins":       total,
		"failed_logins_by_ip": st.FailedLogins,
	})
}

// ResetFailedLogins clears the failed login counter of an origin.
func (h *SecurityHandler) ResetFailedLogins(c *gin.Context) {
	origin, ok := originParam(c)
	if !ok {
		return
	}
	prev, had := h.store.ResetFailures(origin)
	if !had {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "No failed login attempts recorded for this IP",
		})
		return
	}
	h.audit(c, "reset_failed_logins", fmt.Sprintf("%s: %d", origin, prev))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Failed login counter reset from %d to 0", prev),
	})
}

// HoneypotReport summarizes decoy activity.
func (h *SecurityHandler) HoneypotReport(c *gin.Context) {
	if h.traps == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Traps are disabled"})
		return
	}
	resp := gin.H{"success": true, "report": h.traps.Report()}
	if h.svc != nil {
		hits, err := h.svc.ListTrapHits(reportHitLimit)
		if err != nil {
			middleware.GetRequestLogger(c).WithError(err).Warn("failed to load stored trap hits")
		} else {
			resp["stored_hits"] = hits
		}
	}
	c.JSON(http.StatusOK, resp)
}

// limitQuery parses ?limit=, defaulting to defaultDecisionLimit and capped
// at maxDecisionLimit. It writes a 400 for values that are not positive.
func limitQuery(c *gin.Context) (int, bool) {
	limit := defaultDecisionLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "limit must be a positive integer"})
			return 0, false
		}
		limit = n
	}
	if limit > maxDecisionLimit {
		limit = maxDecisionLimit
	}
	return limit, true
}

// ListDecisions returns recorded block decisions, newest first. Supports
// ?ip= and ?limit= query parameters.
func (h *SecurityHandler) ListDecisions(c *gin.Context) {
	if h.svc == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "decisions": []models.SecurityDecision{}})
		return
	}
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	origin := ""
	if v := c.Query("ip"); v != "" {
		o, ok := reputation.Normalize(v)
		if !ok {
			invalidIP(c)
			return
		}
		origin = o
	}

	decisions, err := h.svc.ListDecisions(origin, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to list decisions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "decisions": decisions})
}

// ListAudits returns recent administrative actions, newest first.
func (h *SecurityHandler) ListAudits(c *gin.Context) {
	if h.svc == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "audits": []models.SecurityAudit{}})
		return
	}
	audits, err := h.svc.ListAudits(defaultDecisionLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to list audits"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "audits": audits})
}

// GetDecision returns one recorded decision by UUID.
func (h *SecurityHandler) GetDecision(c *gin.Context) {
	if h.svc == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Decision not found"})
		return
	}
	d, err := h.svc.GetDecision(c.Param("uuid"))
	if err != nil {
		if errors.Is(err, services.ErrDecisionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Decision not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to load decision"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "decision": d})
}

// ListCapturedCredentials returns credentials submitted to the decoy login
// form, newest first. Supports ?limit=.
func (h *SecurityHandler) ListCapturedCredentials(c *gin.Context) {
	if h.svc == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "credentials": []models.CapturedCredential{}})
		return
	}
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	creds, err := h.svc.ListCredentials(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to list captured credentials"})
		return
	}
	h.audit(c, "view_captured_credentials", fmt.Sprintf("%d entries", len(creds)))
	c.JSON(http.StatusOK, gin.H{"success": true, "credentials": creds})
}
