package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to seekers or consultants.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.CallID == "" && e.WalletID == "" && e.ActorUserID == "" {
		// An event nobody can be traced back to is useless.
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogAdminAction records a privileged action such as a manual wallet credit or a
// forced settlement.
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, actorRole, ip, message, walletID, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		WalletID:    walletID,
		Message:     message,
		Metadata:    metadata,
	})
}

// LogCall records a call lifecycle or settlement anomaly.
func (s *Service) LogCall(ctx context.Context, typ EventType, callID, actorUserID, message string) error {
	return s.Append(ctx, Event{
		Type:        typ,
		ActorUserID: actorUserID,
		CallID:      callID,
		Message:     message,
	})
}
