package httpapi

import (
	"errors"
	"net/http"

	"consult-platform/internal/wallet"

	"github.com/gin-gonic/gin"
)

type adminManualCreditRequest struct {
	OwnerID string `json:"owner_id"`

	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

// GetMyBalance returns the caller's wallet balance. Users without a wallet see a
// zero balance in the platform currency.
func (h Handlers) GetMyBalance(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), userID)
	if errors.Is(err, wallet.ErrNotFound) {
		c.JSON(http.StatusOK, wallet.Balance{OwnerID: userID, Currency: h.Currency})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// AdminManualCredit performs an admin-only wallet credit.
// RBAC: admin.
func (h Handlers) AdminManualCredit(c *gin.Context) {
	adminUserID, adminRole, ok := identity(c)
	if !ok {
		return
	}

	var req adminManualCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OwnerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "owner_id required"})
		return
	}

	act, entry, bal, err := h.Wallet.AdminManualCredit(c.Request.Context(), adminUserID, adminRole, wallet.AdminCreditRequest{
		OwnerID:        req.OwnerID,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.auditAdmin(c, "wallet manual credit: "+req.Reason, entry.WalletID, act.ID)
	c.JSON(http.StatusOK, gin.H{"action": act, "entry": entry, "balance": bal})
}
