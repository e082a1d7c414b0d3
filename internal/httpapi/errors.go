package httpapi

import (
	"errors"
	"net/http"

	"consult-platform/internal/billing"
	"consult-platform/internal/calls"
	"consult-platform/internal/pricing"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps service errors to HTTP responses. Unknown errors are logged and
// reported as 500 without detail.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrInFlight):
		c.AbortWithStatusJSON(http.StatusAccepted, gin.H{"status": "in_progress"})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, calls.ErrStaleState):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": calls.ErrStaleState.Error()})
	case errors.Is(err, calls.ErrProvision):
		logger.FromGin(c).Warn("media provisioning failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": calls.ErrProvision.Error()})
	case errors.Is(err, billing.ErrInvalidState):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
	case errors.Is(err, wallet.ErrNotFound), errors.Is(err, pricing.ErrPricingNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, wallet.ErrInvalidArgument),
		errors.Is(err, pricing.ErrInvalidPricingReq),
		errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
