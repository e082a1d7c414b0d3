package httpapi

import (
	"errors"
	"io"
	"net/http"

	"consult-platform/internal/calls"
	"consult-platform/internal/media"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// MediaWebhook receives room events from the media service. A participant leaving
// or the room closing ends the call with reason disconnect.
//
// Always answers 200 once the signature checks out: the sender retries on anything
// else, and a call that already moved on has nothing left to do.
func (h Handlers) MediaWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := media.VerifyWebhook(h.Webhook.APIKey, h.Webhook.APISecret, c.GetHeader("Authorization"), body); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	ev, err := media.ParseWebhookEvent(body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}

	log := logger.FromGin(c).With("webhook_event", ev.Event, "room", ev.Room.Name)
	switch ev.Event {
	case media.EventParticipantLeft, media.EventRoomFinished:
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	callID, ok := calls.CallIDFromRoom(ev.Room.Name)
	if !ok {
		log.Info("webhook for unknown room")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	rec, err := h.Calls.EndBySystem(c.Request.Context(), callID, calls.EndReasonDisconnect)
	switch {
	case err == nil:
		log.Info("call ended by media disconnect", "call_id", rec.ID)
		c.JSON(http.StatusOK, gin.H{"status": "ended"})
	case errors.Is(err, calls.ErrStaleState), errors.Is(err, calls.ErrNotFound), errors.Is(err, calls.ErrInFlight):
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	default:
		log.Error("webhook end failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
