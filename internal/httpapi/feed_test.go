package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"consult-platform/internal/auth"
	"consult-platform/internal/calls"
	"consult-platform/internal/media"
	"consult-platform/internal/notify"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedFixture struct {
	srv    *httptest.Server
	engine *calls.Engine
	bus    *notify.Bus
}

func newFeedFixture(t *testing.T) *feedFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := notify.NewBus(16, nil)
	store := calls.WithNotifications(calls.NewMemoryStore(), bus)
	prov, err := media.NewLiveKitProvisioner(media.LiveKitConfig{APIKey: "k", APISecret: "s", WSURL: "ws://lk.test"})
	require.NoError(t, err)
	engine := calls.NewEngine(store, calls.NewQueueManager(store, nil), prov)
	engine.Publisher = bus

	h := Handlers{Calls: engine, Store: store, Bus: bus}
	r := gin.New()
	r.GET("/feed", func(c *gin.Context) {
		// Stand-in for the JWT middleware.
		uid := c.Query("as")
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), uid, "consultant"))
		c.Next()
	}, h.CallFeed)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &feedFixture{srv: srv, engine: engine, bus: bus}
}

func (f *feedFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/feed?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) calls.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev calls.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestCallFeed_SnapshotThenLiveEvents(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()

	first, err := f.engine.RequestCall(ctx, "u1", "c1", calls.KindAudio)
	require.NoError(t, err)

	conn := f.dial(t, "as=c1&side=target")
	ev := readEvent(t, conn)
	assert.Equal(t, first.ID, ev.Record.ID)
	assert.Equal(t, calls.StatePending, ev.Record.State)

	require.Eventually(t, func() bool { return f.bus.Len() == 1 }, time.Second, 5*time.Millisecond)

	sess, err := f.engine.Accept(ctx, first.ID, "c1")
	require.NoError(t, err)
	ev = readEvent(t, conn)
	assert.Equal(t, first.ID, ev.Record.ID)
	assert.Equal(t, calls.StateActive, ev.Record.State)
	assert.Equal(t, sess.Call.Version, ev.Record.Version)
	assert.Nil(t, ev.Grant, "the consultant's credential comes back on accept, not the feed")
}

func TestCallFeed_RequesterReceivesGrant(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()

	conn := f.dial(t, "as=u1")
	require.Eventually(t, func() bool { return f.bus.Len() == 1 }, time.Second, 5*time.Millisecond)

	rec, err := f.engine.RequestCall(ctx, "u1", "c1", calls.KindVideo)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, readEvent(t, conn).Record.ID)

	_, err = f.engine.Accept(ctx, rec.ID, "c1")
	require.NoError(t, err)

	var sawGrant, sawActive bool
	for i := 0; i < 2; i++ {
		ev := readEvent(t, conn)
		if ev.Grant != nil {
			sawGrant = true
			assert.Equal(t, "u1", ev.Grant.ParticipantID)
			assert.NotEmpty(t, ev.Grant.Token)
		} else if ev.Record.State == calls.StateActive {
			sawActive = true
		}
	}
	assert.True(t, sawGrant)
	assert.True(t, sawActive)
}

func TestCallFeed_RejectsUnknownSide(t *testing.T) {
	f := newFeedFixture(t)
	resp, err := http.Get(f.srv.URL + "/feed?as=c1&side=both")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallFeed_ClosingClientReleasesSubscription(t *testing.T) {
	f := newFeedFixture(t)
	conn := f.dial(t, "as=c1")
	require.Eventually(t, func() bool { return f.bus.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.bus.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
