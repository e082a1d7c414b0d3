package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/rbac"
	"consult-platform/internal/reporting"
	"consult-platform/internal/wallet"

	"github.com/gin-gonic/gin"
)

const defaultReportWindow = 30 * 24 * time.Hour

type requestCallRequest struct {
	Kind calls.Kind `json:"kind"`
}

// RequestCall creates a call from the caller to the consultant in the path.
// The balance preflight runs as middleware ahead of this handler.
func (h Handlers) RequestCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	var req requestCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	rec, err := h.Calls.RequestCall(c.Request.Context(), userID, c.Param(wallet.ConsultantParam), req.Kind)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// GetCall returns one call to a participant (or an admin).
func (h Handlers) GetCall(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	rec, err := h.Store.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !rec.IsParticipant(userID) && !rbac.IsAdmin(role) {
		// Same answer as a missing call, so IDs cannot be enumerated.
		writeError(c, calls.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	sess, err := h.Calls.Accept(c.Request.Context(), c.Param("call_id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h Handlers) RejectCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	rec, err := h.Calls.Reject(c.Request.Context(), c.Param("call_id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) CancelCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	rec, err := h.Calls.Cancel(c.Request.Context(), c.Param("call_id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// EndCall ends an active call. Any request body is ignored: the duration is
// measured on the server.
func (h Handlers) EndCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	rec, err := h.Calls.EndCall(c.Request.Context(), c.Param("call_id"), userID, calls.EndReasonEnded)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// JoinCall re-issues a media credential for a participant reconnecting.
func (h Handlers) JoinCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	cred, err := h.Calls.Join(c.Request.Context(), c.Param("call_id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}

// CallQueue lists the calling consultant's waiting requests in service order.
func (h Handlers) CallQueue(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	entries, err := h.Queue.Queue(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": entries})
}

func (h Handlers) CallHistory(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit invalid"})
			return
		}
		limit = n
	}
	out, err := h.Reports.History(c.Request.Context(), reporting.HistoryRequest{UserID: userID, Range: rng, Limit: limit})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) ConsultantSummary(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.ConsultantSummary(c.Request.Context(), reporting.ConsultantSummaryRequest{ConsultantID: userID, Range: rng})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// parseRange reads RFC 3339 ?from= and ?to=, defaulting to the last 30 days.
func parseRange(c *gin.Context) (reporting.TimeRange, bool) {
	now := time.Now().UTC()
	rng := reporting.TimeRange{From: now.Add(-defaultReportWindow), To: now.Add(time.Second)}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		v := c.Query(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": p.key + " must be RFC 3339"})
			return reporting.TimeRange{}, false
		}
		*p.dst = t
	}
	return rng, true
}
