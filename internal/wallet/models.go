package wallet

import "time"

// Wallet is the prepaid account of one user (seeker or consultant).
// Invariant: available balance must be derived from immutable ledger entries.
// No code should ever mutate a "balance" without writing a corresponding ledger entry.
type Wallet struct {
	ID       string `json:"id" db:"id"`
	OwnerID  string `json:"owner_id" db:"owner_id"`
	Currency string `json:"currency" db:"currency"`

	// Optional operational flags (do not encode money state here).
	Status WalletStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type WalletStatus string

const (
	WalletStatusActive   WalletStatus = "active"
	WalletStatusDisabled WalletStatus = "disabled"
)

// WalletLedger is an immutable append-only entry.
// Each row represents a credit/debit posted to the wallet.
//
// Money invariant: any balance change MUST have a corresponding ledger entry.
type WalletLedger struct {
	ID       string `json:"id" db:"id"`
	WalletID string `json:"wallet_id" db:"wallet_id"`

	Type LedgerEntryType `json:"type" db:"type"`

	// AmountMinor is the signed amount in minor units.
	// Credits are positive, debits are negative.
	AmountMinor int64  `json:"amount_minor" db:"amount_minor"`
	Currency    string `json:"currency" db:"currency"`

	// ExternalRef is optional: call_id, payment reference, admin action, etc.
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	// IdempotencyKey is required for safe retries of money-posting operations.
	// Call settlement uses "call-charge:<call_id>" and "call-earning:<call_id>".
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LedgerEntryType string

const (
	LedgerEntryTypeCredit LedgerEntryType = "credit" // top-up, earnings, adjustment
	LedgerEntryTypeDebit  LedgerEntryType = "debit"  // call charge
)

// AdminWalletAction tracks privileged/manual actions performed by admins.
//
// Note: This is not the ledger itself. Any admin mutation of money must also create
// a WalletLedger entry to preserve money invariants.
type AdminWalletAction struct {
	ID       string `json:"id" db:"id"`
	WalletID string `json:"wallet_id" db:"wallet_id"`

	AdminUserID string `json:"admin_user_id" db:"admin_user_id"`
	AdminRole   string `json:"admin_role" db:"admin_role"`

	Action AdminWalletActionType `json:"action" db:"action"`
	Reason string                `json:"reason,omitempty" db:"reason"`

	AmountMinor int64  `json:"amount_minor" db:"amount_minor"`
	Currency    string `json:"currency" db:"currency"`

	// RelatedLedgerID links to the ledger entry created by the action.
	RelatedLedgerID string `json:"related_ledger_id,omitempty" db:"related_ledger_id"`

	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type AdminWalletActionType string

const (
	AdminWalletActionTypeAdjustBalance AdminWalletActionType = "adjust_balance"
)
