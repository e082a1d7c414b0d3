package media

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrWebhookUnauthorized = errors.New("media: webhook signature invalid")

// Webhook event names we act on. Others are acknowledged and ignored.
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventRoomFinished      = "room_finished"
	EventTrackPublished    = "track_published"
)

// WebhookEvent is the subset of a LiveKit webhook payload we read.
type WebhookEvent struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	CreatedAt int64  `json:"createdAt"`

	Room struct {
		SID  string `json:"sid"`
		Name string `json:"name"`
	} `json:"room"`

	Participant struct {
		SID      string `json:"sid"`
		Identity string `json:"identity"`
	} `json:"participant"`
}

type webhookClaims struct {
	jwt.RegisteredClaims
	SHA256 string `json:"sha256"`
}

// VerifyWebhook checks the Authorization header LiveKit attaches to webhook requests:
// an HS256 JWT issued by apiKey whose sha256 claim is the base64 digest of body.
func VerifyWebhook(apiKey, apiSecret, authHeader string, body []byte) error {
	tok := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(authHeader), "Bearer "))
	if tok == "" {
		return ErrWebhookUnauthorized
	}

	var claims webhookClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(apiKey),
	)
	if _, err := parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return []byte(apiSecret), nil
	}); err != nil {
		return ErrWebhookUnauthorized
	}

	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(claims.SHA256)) != 1 {
		return ErrWebhookUnauthorized
	}
	return nil
}

func ParseWebhookEvent(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, err
	}
	if ev.Event == "" {
		return WebhookEvent{}, errors.New("media: webhook event missing")
	}
	return ev, nil
}
