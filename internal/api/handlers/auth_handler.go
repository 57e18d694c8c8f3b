package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wardgate/sentinel/backend/internal/api/middleware"
	"github.com/wardgate/sentinel/backend/internal/audit"
	"github.com/wardgate/sentinel/backend/internal/correlation"
	"github.com/wardgate/sentinel/backend/internal/identity"
	"github.com/wardgate/sentinel/backend/internal/metrics"
	"github.com/wardgate/sentinel/backend/internal/models"
	"github.com/wardgate/sentinel/backend/internal/monitoring"
	"github.com/wardgate/sentinel/backend/internal/ratelimit"
	"github.com/wardgate/sentinel/backend/internal/threatintel"
)

// AuthHandler runs the login pipeline: rate gate, threat check, credential
// verification, audit record, correlation, monitoring.
type AuthHandler struct {
	limiter    *ratelimit.Limiter
	threats    *threatintel.Aggregator
	provider   *identity.Provider
	tokens     *identity.TokenService
	trail      *audit.Trail
	correlator *correlation.Correlator
	dispatcher *correlation.Dispatcher
	monitor    *monitoring.Monitor
}

func NewAuthHandler(
	limiter *ratelimit.Limiter,
	threats *threatintel.Aggregator,
	provider *identity.Provider,
	tokens *identity.TokenService,
	trail *audit.Trail,
	correlator *correlation.Correlator,
	dispatcher *correlation.Dispatcher,
	monitor *monitoring.Monitor,
) *AuthHandler {
	return &AuthHandler{
		limiter:    limiter,
		threats:    threats,
		provider:   provider,
		tokens:     tokens,
		trail:      trail,
		correlator: correlator,
		dispatcher: dispatcher,
		monitor:    monitor,
	}
}

type LoginRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required"`
	CSRFToken  string `json:"csrfToken,omitempty"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

type TokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (h *AuthHandler) keys(c *gin.Context, email string) ratelimit.Keys {
	return ratelimit.Keys{
		Email:  email,
		IP:     c.ClientIP(),
		Client: c.GetHeader("X-Client-Id"),
	}
}

// record writes the audit event and feeds it to the correlator and monitor.
// Detection works on the in-flight copy; the trail is the source of truth.
func (h *AuthHandler) record(c *gin.Context, e audit.Entry) {
	e.IP = c.ClientIP()
	e.UserAgent = c.Request.UserAgent()
	eventID := h.trail.RecordEvent(e)

	rawDetails, _ := json.Marshal(e.Details)
	ev := models.AuditEvent{
		EventID:   eventID,
		Timestamp: time.Now().UTC(),
		EventType: e.EventType,
		Severity:  e.Severity,
		Actor:     e.Actor,
		Action:    e.Action,
		Resource:  e.Resource,
		Outcome:   e.Outcome,
		Details:   string(rawDetails),
		IP:        e.IP,
		UserAgent: e.UserAgent,
		SessionID: e.SessionID,
	}
	if h.correlator != nil {
		for _, result := range h.correlator.ProcessEvent(ev) {
			if h.dispatcher != nil {
				h.dispatcher.Execute(c.Request.Context(), result, &ev)
			}
		}
	}
	if h.monitor != nil {
		h.monitor.ProcessEvent(ev)
	}
}

func rateLimited(c *gin.Context, decision ratelimit.Decision) {
	metrics.IncRateLimited()
	if decision.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
	}
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":             "too many attempts",
		"message":           decision.Message,
		"retryAfterSeconds": decision.RetryAfterSeconds,
		"resetTime":         decision.ResetTime.UTC().Format(time.RFC3339),
	})
}

// Login handles POST /auth-login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	ctx := c.Request.Context()
	keys := h.keys(c, req.Email)

	decision := h.limiter.Check(ctx, keys, ratelimit.Probe)
	if !decision.Allowed {
		h.record(c, audit.Entry{
			EventType: "authentication",
			Severity:  models.SeverityMedium,
			Actor:     req.Email,
			Action:    "login",
			Resource:  "auth-login",
			Outcome:   models.OutcomeFailure,
			Details:   map[string]interface{}{"reason": "rate_limited", "message": decision.Message},
		})
		rateLimited(c, decision)
		return
	}

	assessment := h.threats.AnalyzeThreat(ctx, c.ClientIP())
	if assessment.IsThreat {
		metrics.IncThreatBlocked()
		h.record(c, audit.Entry{
			EventType: "authentication",
			Severity:  models.SeverityHigh,
			Actor:     req.Email,
			Action:    "login",
			Resource:  "auth-login",
			Outcome:   models.OutcomeFailure,
			Details: map[string]interface{}{
				"reason":       "threat_blocked",
				"threat_level": assessment.ThreatLevel,
				"sources":      assessment.Sources,
			},
		})
		c.JSON(http.StatusForbidden, gin.H{"error": "request blocked"})
		return
	}

	user, err := h.provider.VerifyCredentials(ctx, req.Email, req.Password)
	if err != nil {
		h.loginFailure(c, req.Email, keys, err)
		return
	}

	h.limiter.Check(ctx, keys, ratelimit.RecordSuccess)
	pair, err := h.tokens.IssuePair(user)
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("issue token pair")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	metrics.IncLoginAttempt("success")
	h.record(c, audit.Entry{
		EventType: "authentication",
		Severity:  models.SeverityLow,
		Actor:     req.Email,
		Action:    "login",
		Resource:  "auth-login",
		Outcome:   models.OutcomeSuccess,
		Details:   map[string]interface{}{"remember_me": req.RememberMe},
	})

	c.JSON(http.StatusOK, gin.H{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
		"user":         user,
	})
}

func (h *AuthHandler) loginFailure(c *gin.Context, email string, keys ratelimit.Keys, err error) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		decision := h.limiter.Check(ctx, keys, ratelimit.RecordFailure)
		metrics.IncLoginAttempt("failure")
		h.record(c, audit.Entry{
			EventType: "authentication",
			Severity:  models.SeverityMedium,
			Actor:     email,
			Action:    "login",
			Resource:  "auth-login",
			Outcome:   models.OutcomeFailure,
			Details:   map[string]interface{}{"reason": "invalid_credentials"},
		})
		if !decision.Allowed {
			rateLimited(c, decision)
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, identity.ErrNotConfigured):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication is not configured"})
	default:
		metrics.IncLoginAttempt("error")
		middleware.GetRequestLogger(c).WithError(err).Error("identity provider verification")
		h.record(c, audit.Entry{
			EventType: "authentication",
			Severity:  models.SeverityMedium,
			Actor:     email,
			Action:    "login",
			Resource:  "auth-login",
			Outcome:   models.OutcomeError,
			Details:   map[string]interface{}{"reason": "provider_unavailable"},
		})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authentication temporarily unavailable"})
	}
}

// Logout handles POST /auth-logout: it revokes the presented token. Token
// endpoints share the login limiter so revocation cannot be used to probe
// token validity unthrottled.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	ctx := c.Request.Context()
	keys := h.keys(c, "")
	if decision := h.limiter.Check(ctx, keys, ratelimit.Probe); !decision.Allowed {
		rateLimited(c, decision)
		return
	}

	actor := h.tokenActor(c, req.Token)
	if err := h.tokens.Revoke(ctx, req.Token); err != nil {
		decision := h.limiter.Check(ctx, keys, ratelimit.RecordFailure)
		h.record(c, audit.Entry{
			EventType: "authentication",
			Severity:  models.SeverityMedium,
			Actor:     actor,
			Action:    "logout",
			Resource:  "auth-logout",
			Outcome:   models.OutcomeFailure,
			Details:   map[string]interface{}{"reason": "invalid_token"},
		})
		if !decision.Allowed {
			rateLimited(c, decision)
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	h.record(c, audit.Entry{
		EventType: "authentication",
		Severity:  models.SeverityLow,
		Actor:     actor,
		Action:    "logout",
		Resource:  "auth-logout",
		Outcome:   models.OutcomeSuccess,
	})
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /auth-refresh: single-use refresh token rotation.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refreshToken is required"})
		return
	}
	keys := h.keys(c, "")
	decision := h.limiter.Check(c.Request.Context(), keys, ratelimit.Probe)
	if !decision.Allowed {
		rateLimited(c, decision)
		return
	}

	actor := h.tokenActor(c, req.RefreshToken)
	pair, err := h.tokens.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		failDecision := h.limiter.Check(c.Request.Context(), keys, ratelimit.RecordFailure)
		h.record(c, audit.Entry{
			EventType: "authentication",
			Severity:  models.SeverityMedium,
			Actor:     actor,
			Action:    "refresh",
			Resource:  "auth-refresh",
			Outcome:   models.OutcomeFailure,
			Details:   map[string]interface{}{"reason": "invalid_refresh_token"},
		})
		if !failDecision.Allowed {
			rateLimited(c, failDecision)
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	h.record(c, audit.Entry{
		EventType: "authentication",
		Severity:  models.SeverityLow,
		Actor:     actor,
		Action:    "refresh",
		Resource:  "auth-refresh",
		Outcome:   models.OutcomeSuccess,
	})
	c.JSON(http.StatusOK, gin.H{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
	})
}

// Validate handles POST /auth-validate.
func (h *AuthHandler) Validate(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	ctx := c.Request.Context()
	keys := h.keys(c, "")
	if decision := h.limiter.Check(ctx, keys, ratelimit.Probe); !decision.Allowed {
		rateLimited(c, decision)
		return
	}

	claims, err := h.tokens.ValidateAccess(ctx, req.Token)
	if err != nil {
		decision := h.limiter.Check(ctx, keys, ratelimit.RecordFailure)
		h.record(c, audit.Entry{
			EventType: "authentication",
			Severity:  models.SeverityMedium,
			Actor:     h.tokenActor(c, req.Token),
			Action:    "validate",
			Resource:  "auth-validate",
			Outcome:   models.OutcomeFailure,
			Details:   map[string]interface{}{"reason": "invalid_token"},
		})
		if !decision.Allowed {
			rateLimited(c, decision)
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false, "error": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"subject":   claims.Subject,
		"email":     claims.Email,
		"expiresAt": claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// tokenActor extracts a best-effort actor for audit events from a token that
// may be invalid; failures fall back to the client IP.
func (h *AuthHandler) tokenActor(c *gin.Context, token string) string {
	if claims, err := h.tokens.ValidateAccess(c.Request.Context(), token); err == nil {
		return claims.Email
	}
	return c.ClientIP()
}
