package calls

import "time"

// CallRecord is one consultation attempt between a requester and a consultant.
//
// Identity fields (ID, RequesterID, TargetID, Kind, CreatedAt) never change after
// creation. State only moves through the transitions enforced by Engine, and every
// write goes through Store.UpdateIfState.
//
// Write-once fields: RoomToken, AcceptedAt, TerminatedAt, BilledMinutes,
// BilledAmountMinor. Stores refuse to overwrite them.
//
// Money invariant reminder: the wallet ledger references the call by ID
// (idempotency key) rather than storing balances here.
type CallRecord struct {
	ID          string `json:"id" db:"id"`
	RequesterID string `json:"requester_id" db:"requester_id"`
	TargetID    string `json:"target_id" db:"target_id"`
	Kind        Kind   `json:"kind" db:"kind"`

	State State `json:"state" db:"state"`

	// RoomToken is the media room identity, set on entry to active.
	RoomToken string `json:"room_token,omitempty" db:"room_token"`

	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty" db:"terminated_at"`

	// EndReason records why the record reached a terminal state.
	EndReason EndReason `json:"end_reason,omitempty" db:"end_reason"`
	// EndedBy is the actor that caused the terminal transition ("system" for sweeps).
	EndedBy string `json:"ended_by,omitempty" db:"ended_by"`

	// Billing, set exactly once by settlement.
	Settlement         SettlementStatus `json:"settlement_status" db:"settlement_status"`
	BilledMinutes      *int64           `json:"billed_minutes,omitempty" db:"billed_minutes"`
	BilledAmountMinor  *int64           `json:"billed_amount_minor,omitempty" db:"billed_amount_minor"`
	RatePerMinuteMinor int64            `json:"rate_per_minute_minor,omitempty" db:"rate_per_minute_minor"`
	Currency           string           `json:"currency,omitempty" db:"currency"`
	LedgerStatus       LedgerStatus     `json:"ledger_status" db:"ledger_status"`

	// Version increases by one on every committed update.
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
	// StateFailed is terminal: the call was accepted but a join credential
	// could not be issued.
	StateFailed State = "failed"
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateQueued, StateActive, StateCompleted, StateRejected, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

type SettlementStatus string

const (
	SettlementUnsettled SettlementStatus = "unsettled"
	SettlementSettled   SettlementStatus = "settled"
)

// LedgerStatus tracks the wallet side of a settlement. The record-level
// settlement is the source of truth; this only says whether money has moved.
type LedgerStatus string

const (
	LedgerNone              LedgerStatus = "none"
	LedgerPending           LedgerStatus = "pending"
	LedgerPosted            LedgerStatus = "posted"
	LedgerInsufficientFunds LedgerStatus = "insufficient_funds"
	LedgerFailed            LedgerStatus = "failed"
)

type EndReason string

const (
	EndReasonRejected        EndReason = "rejected"
	EndReasonCancelled       EndReason = "cancelled"
	EndReasonTimeout         EndReason = "timeout"
	EndReasonEnded           EndReason = "ended"
	EndReasonDisconnect      EndReason = "disconnect"
	EndReasonMaxDuration     EndReason = "max_duration"
	EndReasonProvisionFailed EndReason = "provision_failed"
)

// ActorSystem is recorded as EndedBy for transitions made by background sweeps.
const ActorSystem = "system"

// NewCall is the input to Store.Create.
type NewCall struct {
	RequesterID string
	TargetID    string
	Kind        Kind
	// State must be pending or queued; empty means pending.
	State State
}

// Patch lists the fields a conditional update sets. Zero values mean "leave as is".
type Patch struct {
	State        State
	RoomToken    string
	AcceptedAt   *time.Time
	TerminatedAt *time.Time
	EndReason    EndReason
	EndedBy      string

	Settlement         SettlementStatus
	BilledMinutes      *int64
	BilledAmountMinor  *int64
	RatePerMinuteMinor int64
	Currency           string
	LedgerStatus       LedgerStatus
}

// Query filters Store.List. Empty fields are ignored.
type Query struct {
	TargetID      string
	RequesterID   string
	States        []State
	CreatedBefore time.Time
	Settlement    SettlementStatus
	LedgerStates  []LedgerStatus
	Limit         int
}

// Event is what the notification bus delivers: a full record snapshot, plus a join
// grant when the event is addressed to one participant.
type Event struct {
	Record CallRecord `json:"record"`
	Grant  *Grant     `json:"grant,omitempty"`
}

// Grant hands a media join credential to exactly one participant.
type Grant struct {
	ParticipantID string    `json:"participant_id"`
	JoinAddress   string    `json:"join_address"`
	Token         string    `json:"token"`
	Identity      string    `json:"identity"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IsParticipant reports whether actorID is the requester or the target.
func (r CallRecord) IsParticipant(actorID string) bool {
	return actorID != "" && (actorID == r.RequesterID || actorID == r.TargetID)
}

// Duration is the server-observed connected time; zero unless both AcceptedAt and
// TerminatedAt are set.
func (r CallRecord) Duration() time.Duration {
	if r.AcceptedAt == nil || r.TerminatedAt == nil {
		return 0
	}
	d := r.TerminatedAt.Sub(*r.AcceptedAt)
	if d < 0 {
		return 0
	}
	return d
}
