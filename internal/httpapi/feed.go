package httpapi

import (
	"context"
	"net/http"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/notify"
	"consult-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = (feedPongWait * 9) / 10
	feedReadLimit  = 512
)

var openStates = []calls.State{calls.StatePending, calls.StateQueued, calls.StateActive}

// CallFeed streams call snapshots (and the caller's own join grants) over a
// websocket. ?side=target or ?side=requester narrows the feed; the default is both.
//
// The feed opens with the caller's open calls so a reconnecting client does not
// depend on having seen earlier events. Every frame is a calls.Event.
func (h Handlers) CallFeed(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	filter := notify.ForActor(userID)
	switch c.Query("side") {
	case "", "any":
	case "target":
		filter = notify.ForTarget(userID)
	case "requester":
		filter = notify.ForRequester(userID)
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "side must be target or requester"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := logger.FromGin(c).With("feed_user_id", userID)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before reading snapshots; Dedup absorbs the overlap.
	sub := h.Bus.Subscribe(ctx, filter)
	defer sub.Close()
	seen := notify.NewDedup()

	go readPump(conn, cancel)

	initial, err := h.openCalls(ctx, userID, filter.Side)
	if err != nil {
		log.Error("feed snapshot failed", "err", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "snapshot failed"), time.Now().Add(feedWriteWait))
		return
	}
	for _, rec := range initial {
		ev := calls.Event{Record: rec}
		if !seen.Accept(ev) {
			continue
		}
		if err := writeFrame(conn, ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if !seen.Accept(ev) {
				continue
			}
			if err := writeFrame(conn, ev); err != nil {
				log.Debug("feed write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h Handlers) openCalls(ctx context.Context, userID string, side notify.Side) ([]calls.CallRecord, error) {
	var out []calls.CallRecord
	if side != notify.SideRequester {
		recs, err := h.Store.List(ctx, calls.Query{TargetID: userID, States: openStates})
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	if side != notify.SideTarget {
		recs, err := h.Store.List(ctx, calls.Query{RequesterID: userID, States: openStates})
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func writeFrame(conn *websocket.Conn, ev calls.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	return conn.WriteJSON(ev)
}

// readPump discards client frames and keeps the read deadline fresh on pongs. The
// feed is torn down as soon as the client goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(feedReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
