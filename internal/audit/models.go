package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted (the Postgres table has a trigger enforcing it).
// - actor and ip capture are best-effort; do not block call or billing flows on audit failures.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the user causing the event, or "system" for background sweeps.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP when the event comes from an HTTP request.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	CallID   string `json:"call_id,omitempty" db:"call_id"`
	WalletID string `json:"wallet_id,omitempty" db:"wallet_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminAction EventType = "admin_action"

	EventTypeCallTimeout     EventType = "call_timeout"
	EventTypeProvisionFailed EventType = "provision_failed"

	EventTypeAlreadySettled    EventType = "settlement_already_settled"
	EventTypeInsufficientFunds EventType = "settlement_insufficient_funds"
	EventTypeLedgerFailed      EventType = "settlement_ledger_failed"
	EventTypeManualSettle      EventType = "settlement_manual"
)
