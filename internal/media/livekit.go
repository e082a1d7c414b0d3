package media

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LiveKitConfig holds the API credentials of a LiveKit project.
// The secret must not be logged.
type LiveKitConfig struct {
	APIKey    string
	APISecret string
	WSURL     string
	TokenTTL  time.Duration
}

// VideoGrant is the "video" claim LiveKit reads from an access token.
type VideoGrant struct {
	Room                 string `json:"room,omitempty"`
	RoomJoin             bool   `json:"roomJoin,omitempty"`
	CanPublish           *bool  `json:"canPublish,omitempty"`
	CanSubscribe         *bool  `json:"canSubscribe,omitempty"`
	CanPublishData       *bool  `json:"canPublishData,omitempty"`
	CanUpdateOwnMetadata *bool  `json:"canUpdateOwnMetadata,omitempty"`
}

// AccessClaims is the LiveKit access token shape.
type AccessClaims struct {
	jwt.RegisteredClaims

	Name     string      `json:"name,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	Video    *VideoGrant `json:"video,omitempty"`
}

// LiveKitProvisioner mints LiveKit access tokens locally. LiveKit creates the room
// on first join, so no network call is made here.
type LiveKitProvisioner struct {
	cfg LiveKitConfig
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewLiveKitProvisioner(cfg LiveKitConfig) (*LiveKitProvisioner, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required")
	}
	if cfg.WSURL == "" {
		return nil, errors.New("LIVEKIT_WS_URL is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 2 * time.Hour
	}
	return &LiveKitProvisioner{cfg: cfg, clock: time.Now}, nil
}

func (p *LiveKitProvisioner) Provision(ctx context.Context, roomToken, participantID string, role Role) (Credential, error) {
	fail := func(err error) (Credential, error) {
		return Credential{}, &ProvisionError{Room: roomToken, ParticipantID: participantID, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if roomToken == "" || participantID == "" {
		return fail(errors.New("room and participant are required"))
	}
	if !role.Valid() {
		return fail(errors.New("unknown role"))
	}

	now := p.clock().UTC()
	exp := now.Add(p.cfg.TokenTTL)
	identity := Identity(role, participantID)
	yes := true

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.cfg.APIKey,
			Subject:   identity,
			ID:        identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name: identity,
		Video: &VideoGrant{
			Room:                 roomToken,
			RoomJoin:             true,
			CanPublish:           &yes,
			CanSubscribe:         &yes,
			CanPublishData:       &yes,
			CanUpdateOwnMetadata: &yes,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.cfg.APISecret))
	if err != nil {
		return fail(err)
	}
	return Credential{
		JoinAddress: p.cfg.WSURL,
		Token:       signed,
		Identity:    identity,
		Room:        roomToken,
		ExpiresAt:   exp,
	}, nil
}
