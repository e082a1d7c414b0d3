package wallet

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"consult-platform/internal/auth"
	"consult-platform/internal/rbac"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ConsultantParam is the path parameter naming the consultant being called.
const ConsultantParam = "consultant_id"

// BalanceService is the minimal wallet service interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, ownerID string) (Balance, error)
}

// HoldEstimator prices the minimum balance a call to a consultant requires.
type HoldEstimator interface {
	EstimateHold(ctx context.Context, consultantID string, minutes int64) (int64, string, error)
}

// RequireSufficientBalance blocks a call request when the caller's wallet cannot cover
// minMinutes of the consultant's rate.
//
// The consultant comes from the :consultant_id path param and the caller from the
// auth context. Admins bypass the check. A caller with no wallet has a zero balance.
func RequireSufficientBalance(svc BalanceService, est HoldEstimator, minMinutes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		role, _ := auth.Role(ctx)
		if rbac.IsAdmin(role) {
			c.Next()
			return
		}

		userID, err := auth.UserID(ctx)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}
		consultantID := strings.TrimSpace(c.Param(ConsultantParam))
		if consultantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "consultant id required"})
			return
		}

		need, currency, err := est.EstimateHold(ctx, consultantID, minMinutes)
		if err != nil {
			logger.From(ctx).Error("hold estimate failed", "consultant_id", consultantID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "price lookup failed"})
			return
		}

		bal, err := svc.GetBalance(ctx, userID)
		switch {
		case errors.Is(err, ErrNotFound):
			bal = Balance{OwnerID: userID, Currency: currency}
		case err != nil:
			logger.From(ctx).Error("balance lookup failed", "user_id", userID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if bal.Currency != currency {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "currency mismatch"})
			return
		}
		if bal.BalanceMinor < need {
			// 402 Payment Required is semantically appropriate.
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":          "insufficient balance",
				"required_minor": need,
				"balance_minor":  bal.BalanceMinor,
				"currency":       currency,
			})
			return
		}

		c.Next()
	}
}
