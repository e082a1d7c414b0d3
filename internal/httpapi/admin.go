package httpapi

import (
	"errors"
	"net/http"

	"consult-platform/internal/audit"
	"consult-platform/internal/billing"
	"consult-platform/internal/calls"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SettleCall forces settlement of a completed call. Settling twice is not an error:
// the response carries already_settled instead.
func (h Handlers) SettleCall(c *gin.Context) {
	adminUserID, adminRole, ok := identity(c)
	if !ok {
		return
	}
	callID := c.Param("call_id")
	res, err := h.Billing.Settle(c.Request.Context(), callID)
	ledgerPending := err != nil && res.Call.Settlement == calls.SettlementSettled
	if err != nil && !errors.Is(err, billing.ErrAlreadySettled) && !ledgerPending {
		writeError(c, err)
		return
	}
	if h.Audit != nil && !res.AlreadySettled {
		if aerr := h.Audit.Append(c.Request.Context(), audit.Event{
			Type:        audit.EventTypeManualSettle,
			ActorUserID: adminUserID,
			ActorRole:   adminRole,
			IPAddress:   c.ClientIP(),
			CallID:      callID,
			Message:     "settlement forced by admin",
		}); aerr != nil {
			logger.FromGin(c).Warn("audit append failed", "call_id", callID, "err", aerr)
		}
	}
	if ledgerPending && !res.AlreadySettled {
		// Committed, but the wallet side failed; reconcile picks it up.
		logger.FromGin(c).Warn("settled with ledger failure", "call_id", callID, "err", err)
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ReconcileCall re-drives ledger posting for a settled call, including calls that
// were flagged for insufficient funds.
func (h Handlers) ReconcileCall(c *gin.Context) {
	if _, _, ok := identity(c); !ok {
		return
	}
	callID := c.Param("call_id")
	res, err := h.Billing.Reconcile(c.Request.Context(), callID)
	if err != nil && (res.Call.ID == "" || errors.Is(err, billing.ErrInvalidState)) {
		writeError(c, err)
		return
	}
	h.auditAdmin(c, "ledger reconcile: "+string(res.LedgerStatus), "", callID)
	if err != nil {
		// Settled, but the ledger is still failing: report where it stands.
		logger.FromGin(c).Warn("reconcile incomplete", "call_id", callID, "err", err)
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type setRateRequest struct {
	RatePerMinuteMinor int64  `json:"rate_per_minute_minor"`
	Currency           string `json:"currency"`
}

// SetConsultantRate changes the per-minute price used for future settlements.
func (h Handlers) SetConsultantRate(c *gin.Context) {
	if _, _, ok := identity(c); !ok {
		return
	}
	var req setRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	consultantID := c.Param(wallet.ConsultantParam)
	rate, err := h.Pricing.SetRate(c.Request.Context(), consultantID, req.RatePerMinuteMinor, req.Currency)
	if err != nil {
		writeError(c, err)
		return
	}
	h.auditAdmin(c, "consultant rate set for "+consultantID, "", "")
	c.JSON(http.StatusOK, rate)
}

// auditAdmin records a privileged action; failures are logged only.
func (h Handlers) auditAdmin(c *gin.Context, msg, walletID, ref string) {
	if h.Audit == nil {
		return
	}
	uid, role, _ := identity(c)
	metadata := ""
	if ref != "" {
		metadata = `{"ref":"` + ref + `"}`
	}
	if err := h.Audit.LogAdminAction(c.Request.Context(), uid, role, c.ClientIP(), msg, walletID, metadata); err != nil {
		logger.FromGin(c).Warn("audit append failed", "err", err)
	}
}
