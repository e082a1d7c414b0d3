package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"consult-platform/internal/auth"
	"consult-platform/internal/config"
	"consult-platform/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
	svc    *services
	clock  *manualClock
}

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.App.Env = "test"
	cfg.LiveKit.APIKey = "devkey"
	cfg.LiveKit.APISecret = "devsecret-devsecret-devsecret-00"
	cfg.LiveKit.WSURL = "ws://livekit.test"
	cfg.Billing.Currency = "INR"
	cfg.Billing.DefaultRateMinor = 5000
	cfg.Billing.ConsultantSharePercent = 100
	cfg.Billing.MinBalanceMinutes = 5
	cfg.Calls.PendingTimeout = 2 * time.Minute
	cfg.Calls.QueuedTimeout = 30 * time.Minute
	cfg.Calls.MaxDuration = 4 * time.Hour
	cfg.Notify.Buffer = 16
	return cfg
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	m := metrics.New()
	svc, err := newApp(cfg, memoryStores(), nil, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc.handlers.Calls.Now = clock.Now

	mgr, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	require.NoError(t, err)
	svc.handlers.Auth = mgr

	r := gin.New()
	registerRoutes(r, svc.handlers, auth.RequireAccessToken(mgr), routeOptions{
		MinBalanceMinutes: int64(cfg.Billing.MinBalanceMinutes),
		Metrics:           m,
	})
	return &testServer{t: t, router: r, svc: svc, clock: clock}
}

func (s *testServer) do(method, path, token string, body any) (int, map[string]any) {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func (s *testServer) login(userID, role string) string {
	s.t.Helper()
	code, out := s.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"user_id": userID, "role": role})
	require.Equal(s.t, http.StatusOK, code, out)
	tok, _ := out["access_token"].(string)
	require.NotEmpty(s.t, tok)
	return tok
}

func (s *testServer) balance(token string) float64 {
	s.t.Helper()
	code, out := s.do(http.MethodGet, "/v1/wallets/me/balance", token, nil)
	require.Equal(s.t, http.StatusOK, code, out)
	return out["balance_minor"].(float64)
}

func TestRoutes_CallLifecycleSettlesOnce(t *testing.T) {
	s := newTestServer(t)
	seeker := s.login("seeker-1", "seeker")
	consultant := s.login("consultant-1", "consultant")
	admin := s.login("admin-1", "admin")

	// Below the five-minute hold.
	code, _ := s.do(http.MethodPost, "/v1/consultants/consultant-1/calls", seeker, map[string]string{"kind": "video"})
	require.Equal(t, http.StatusPaymentRequired, code)

	code, out := s.do(http.MethodPost, "/v1/admin/wallets/manual-credit", admin, map[string]any{
		"owner_id":        "seeker-1",
		"amount_minor":    30000,
		"currency":        "INR",
		"reason":          "top-up",
		"idempotency_key": "topup-1",
	})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, float64(30000), s.balance(seeker))

	code, out = s.do(http.MethodPost, "/v1/consultants/consultant-1/calls", seeker, map[string]string{"kind": "video"})
	require.Equal(t, http.StatusCreated, code, out)
	callID := out["id"].(string)
	assert.Equal(t, "pending", out["state"])

	code, _ = s.do(http.MethodPost, "/v1/calls/"+callID+"/accept", seeker, nil)
	assert.Equal(t, http.StatusForbidden, code, "seekers cannot accept")

	code, out = s.do(http.MethodGet, "/v1/calls/queue", consultant, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, out["queue"], "pending calls are not queued")

	code, out = s.do(http.MethodPost, "/v1/calls/"+callID+"/accept", consultant, nil)
	require.Equal(t, http.StatusOK, code, out)
	call := out["call"].(map[string]any)
	assert.Equal(t, "active", call["state"])

	code, _ = s.do(http.MethodGet, "/v1/calls/"+callID+"/join", seeker, nil)
	assert.Equal(t, http.StatusOK, code)

	s.clock.Advance(90 * time.Second)
	code, out = s.do(http.MethodPost, "/v1/calls/"+callID+"/end", seeker, map[string]any{"duration_seconds": 1})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "completed", out["state"])
	s.svc.billing.Wait()

	// 90s rounds up to two minutes at 5000 a minute.
	assert.Equal(t, float64(20000), s.balance(seeker))
	assert.Equal(t, float64(10000), s.balance(consultant))

	code, out = s.do(http.MethodPost, "/v1/admin/calls/"+callID+"/settle", admin, nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, true, out["already_settled"])
	assert.Equal(t, float64(20000), s.balance(seeker))

	// Ending again is a no-op.
	code, out = s.do(http.MethodPost, "/v1/calls/"+callID+"/end", consultant, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "seeker-1", out["ended_by"])
	s.svc.billing.Wait()
	assert.Equal(t, float64(20000), s.balance(seeker))

	code, out = s.do(http.MethodGet, "/v1/calls/history", seeker, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["calls"], 1)

	code, out = s.do(http.MethodGet, "/v1/consultants/me/summary", consultant, nil)
	require.Equal(t, http.StatusOK, code, out)
}

func TestRoutes_OtherUsersCallsAreHidden(t *testing.T) {
	s := newTestServer(t)
	seeker := s.login("seeker-1", "seeker")
	stranger := s.login("seeker-2", "seeker")
	admin := s.login("admin-1", "admin")

	code, _ := s.do(http.MethodPost, "/v1/admin/wallets/manual-credit", admin, map[string]any{
		"owner_id": "seeker-1", "amount_minor": 30000, "currency": "INR", "reason": "top-up", "idempotency_key": "k",
	})
	require.Equal(t, http.StatusOK, code)
	code, out := s.do(http.MethodPost, "/v1/consultants/consultant-1/calls", seeker, map[string]string{"kind": "audio"})
	require.Equal(t, http.StatusCreated, code, out)
	callID := out["id"].(string)

	code, _ = s.do(http.MethodGet, "/v1/calls/"+callID, stranger, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(http.MethodGet, "/v1/calls/"+callID, admin, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(http.MethodGet, "/v1/calls/"+callID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = s.do(http.MethodPost, "/v1/admin/calls/"+callID+"/settle", seeker, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func signWebhook(t *testing.T, key, secret string, body []byte) string {
	t.Helper()
	sum := sha256.Sum256(body)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":    key,
		"sha256": base64.StdEncoding.EncodeToString(sum[:]),
		"exp":    time.Now().Add(time.Minute).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestRoutes_MediaWebhookEndsCall(t *testing.T) {
	s := newTestServer(t)
	seeker := s.login("seeker-1", "seeker")
	consultant := s.login("consultant-1", "consultant")
	admin := s.login("admin-1", "admin")

	code, _ := s.do(http.MethodPost, "/v1/admin/wallets/manual-credit", admin, map[string]any{
		"owner_id": "seeker-1", "amount_minor": 30000, "currency": "INR", "reason": "top-up", "idempotency_key": "k",
	})
	require.Equal(t, http.StatusOK, code)
	_, out := s.do(http.MethodPost, "/v1/consultants/consultant-1/calls", seeker, map[string]string{"kind": "audio"})
	callID := out["id"].(string)
	code, out = s.do(http.MethodPost, "/v1/calls/"+callID+"/accept", consultant, nil)
	require.Equal(t, http.StatusOK, code, out)
	room := out["call"].(map[string]any)["room_token"].(string)

	body := []byte(`{"id":"EV_1","event":"participant_left","room":{"name":"` + room + `"}}`)
	cfg := testConfig()

	post := func(authorization string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/media", bytes.NewReader(body))
		req.Header.Set("Authorization", authorization)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, post(signWebhook(t, cfg.LiveKit.APIKey, "wrong-secret", body)))
	assert.Equal(t, http.StatusOK, post(signWebhook(t, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, body)))
	// Redelivery is acknowledged.
	assert.Equal(t, http.StatusOK, post(signWebhook(t, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, body)))

	code, out = s.do(http.MethodGet, "/v1/calls/"+callID, seeker, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", out["state"])
	assert.Equal(t, "disconnect", out["end_reason"])
	s.svc.billing.Wait()
}

func TestRoutes_RefreshKeepsRole(t *testing.T) {
	s := newTestServer(t)
	code, out := s.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"user_id": "consultant-1", "role": "consultant"})
	require.Equal(t, http.StatusOK, code)

	code, out = s.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": out["refresh_token"].(string)})
	require.Equal(t, http.StatusOK, code, out)

	code, me := s.do(http.MethodGet, "/v1/me", out["access_token"].(string), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "consultant", me["role"])

	code, _ = s.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	code, out := s.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
