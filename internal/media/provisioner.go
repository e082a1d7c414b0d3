package media

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provisioner issues join credentials for a media room.
//
// Rules:
//   - No media SDK calls outside this package.
//   - Implementations do not retry; the caller decides what a failure means for the call.
//   - Failures are returned as *ProvisionError.
type Provisioner interface {
	Provision(ctx context.Context, roomToken, participantID string, role Role) (Credential, error)
}

type Role string

const (
	RoleSeeker     Role = "seeker"
	RoleConsultant Role = "consultant"
)

func (r Role) Valid() bool { return r == RoleSeeker || r == RoleConsultant }

// Credential is everything a client needs to join a room.
type Credential struct {
	JoinAddress string    `json:"join_address"`
	Token       string    `json:"token"`
	Identity    string    `json:"identity"`
	Room        string    `json:"room"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ProvisionError wraps any failure to issue a credential.
type ProvisionError struct {
	Room          string
	ParticipantID string
	Err           error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("media: provision room=%s participant=%s: %v", e.Room, e.ParticipantID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Identity is the media-side name of a participant: "<role>-<participantID>".
func Identity(role Role, participantID string) string {
	return string(role) + "-" + participantID
}

// ParseIdentity splits an identity produced by Identity.
func ParseIdentity(identity string) (Role, string, bool) {
	for _, r := range []Role{RoleSeeker, RoleConsultant} {
		prefix := string(r) + "-"
		if strings.HasPrefix(identity, prefix) && len(identity) > len(prefix) {
			return r, strings.TrimPrefix(identity, prefix), true
		}
	}
	return "", "", false
}
