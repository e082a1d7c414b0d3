package httpapi

import (
	"net/http"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/auth"
	"consult-platform/internal/billing"
	"consult-platform/internal/calls"
	"consult-platform/internal/notify"
	"consult-platform/internal/pricing"
	"consult-platform/internal/rbac"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   *calls.Engine
	Store   calls.Store
	Queue   *calls.QueueManager
	Billing *billing.Engine
	Wallet  wallet.Ledger
	Pricing *pricing.Service
	Reports *reporting.Service
	Audit   *audit.Service
	Bus     *notify.Bus

	// Webhook holds the media service credentials used to verify webhooks.
	Webhook WebhookConfig

	// Currency is reported for users who have no wallet yet.
	Currency string
	// AllowLogin enables the development token endpoint.
	AllowLogin bool
	// Ping reports dependency health for /healthz. Optional.
	Ping func(c *gin.Context) error
}

type WebhookConfig struct {
	APIKey    string
	APISecret string
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: Development-only endpoint. It does not validate credentials and is not
// routed when AllowLogin is false.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.AllowLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.IsValidRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh trades a refresh token for a new pair.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me echoes the caller's identity.
func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	if h.Ping != nil {
		if err := h.Ping(c); err != nil {
			logger.FromGin(c).Warn("health check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// identity returns the authenticated caller or writes 401.
func identity(c *gin.Context) (userID, role string, ok bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", "", false
	}
	role, _ = auth.Role(c.Request.Context())
	return uid, role, true
}
