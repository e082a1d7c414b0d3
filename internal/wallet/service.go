package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"consult-platform/pkg/utils"

	"github.com/google/uuid"
)

// Service provides wallet operations backed by Postgres.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - All money operations must be executed in a DB transaction
// - Every posting carries an idempotency key; replaying a key returns the original entry
//
// Balance strategy:
// - Balance is stored in a projection table (wallet_balances) updated atomically
//   alongside ledger inserts.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

type Balance struct {
	WalletID     string    `json:"wallet_id"`
	OwnerID      string    `json:"owner_id"`
	Currency     string    `json:"currency"`
	BalanceMinor int64     `json:"balance_minor"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type DebitRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type AdminCreditRequest struct {
	OwnerID        string `json:"owner_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidArgument   = errors.New("invalid argument")
)

func (s *Service) GetBalance(ctx context.Context, ownerID string) (Balance, error) {
	if ownerID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return getBalance(ctx, s.db, ownerID, false)
}

// Credit adds money to the owner's wallet, creating the wallet on first use.
func (s *Service) Credit(ctx context.Context, ownerID string, req CreditRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(ownerID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}

	now := s.clock().UTC()
	var outLedger WalletLedger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		w, err := ensureWallet(ctx, tx, ownerID, req.Currency, now)
		if err != nil {
			return err
		}
		if w.Currency != req.Currency {
			return ErrInvalidArgument
		}

		// Idempotency: if a ledger entry already exists for this wallet+key, return it and the balance.
		if existing, ok, err := findLedgerByIdempotency(ctx, tx, w.ID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outLedger = existing
			outBal, err = getBalance(ctx, tx, ownerID, false)
			return err
		}

		entry := newEntry(w, LedgerEntryTypeCredit, req.AmountMinor, req.ExternalRef, req.IdempotencyKey, req.Metadata, now)
		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}

		// Projection update.
		b, err := applyBalanceDelta(ctx, tx, w, req.AmountMinor, now)
		if err != nil {
			return err
		}
		outLedger = entry
		outBal = b
		return nil
	})

	return outLedger, outBal, err
}

// Debit charges the owner's wallet. A missing wallet or a balance below the amount
// is ErrInsufficientFunds; nothing is written in that case.
func (s *Service) Debit(ctx context.Context, ownerID string, req DebitRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(ownerID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}

	now := s.clock().UTC()
	var outLedger WalletLedger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, ownerID)
		if errors.Is(err, ErrNotFound) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return err
		}
		if w.Currency != req.Currency {
			return ErrInvalidArgument
		}

		if existing, ok, err := findLedgerByIdempotency(ctx, tx, w.ID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outLedger = existing
			outBal, err = getBalance(ctx, tx, ownerID, false)
			return err
		}

		// Ensure sufficient funds using the projection row and lock it.
		b, err := getBalance(ctx, tx, ownerID, true)
		if errors.Is(err, ErrNotFound) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return err
		}
		if b.BalanceMinor < req.AmountMinor {
			return ErrInsufficientFunds
		}

		entry := newEntry(w, LedgerEntryTypeDebit, -req.AmountMinor, req.ExternalRef, req.IdempotencyKey, req.Metadata, now)
		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}

		out, err := applyBalanceDelta(ctx, tx, w, -req.AmountMinor, now)
		if err != nil {
			return err
		}
		outLedger = entry
		outBal = out
		return nil
	})

	return outLedger, outBal, err
}

func (s *Service) AdminManualCredit(ctx context.Context, adminUserID, adminRole string, req AdminCreditRequest) (AdminWalletAction, WalletLedger, Balance, error) {
	if err := validateAdminCredit(adminUserID, adminRole, req); err != nil {
		return AdminWalletAction{}, WalletLedger{}, Balance{}, err
	}

	now := s.clock().UTC()
	var outAction AdminWalletAction
	var outLedger WalletLedger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		w, err := ensureWallet(ctx, tx, req.OwnerID, req.Currency, now)
		if err != nil {
			return err
		}
		if w.Currency != req.Currency {
			return ErrInvalidArgument
		}

		// Idempotency based on ledger idempotency key; admin action will be derived.
		if existing, ok, err := findLedgerByIdempotency(ctx, tx, w.ID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outLedger = existing
			act, ok, err := findAdminActionByLedger(ctx, tx, w.ID, existing.ID)
			if err != nil {
				return err
			}
			if ok {
				outAction = act
			}
			outBal, err = getBalance(ctx, tx, req.OwnerID, false)
			return err
		}

		entry := newEntry(w, LedgerEntryTypeCredit, req.AmountMinor, "admin_manual_credit", req.IdempotencyKey, req.Metadata, now)
		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}

		b, err := applyBalanceDelta(ctx, tx, w, req.AmountMinor, now)
		if err != nil {
			return err
		}

		action := newAdminAction(w, adminUserID, adminRole, req, entry.ID, now)
		if err := insertAdminAction(ctx, tx, action); err != nil {
			return err
		}

		outAction = action
		outLedger = entry
		outBal = b
		return nil
	})

	return outAction, outLedger, outBal, err
}

func newEntry(w Wallet, typ LedgerEntryType, signedMinor int64, ref, key, metadata string, now time.Time) WalletLedger {
	return WalletLedger{
		ID:             uuid.NewString(),
		WalletID:       w.ID,
		Type:           typ,
		AmountMinor:    signedMinor,
		Currency:       w.Currency,
		ExternalRef:    ref,
		IdempotencyKey: key,
		Metadata:       metadata,
		CreatedAt:      now,
	}
}

func newAdminAction(w Wallet, adminUserID, adminRole string, req AdminCreditRequest, ledgerID string, now time.Time) AdminWalletAction {
	return AdminWalletAction{
		ID:              uuid.NewString(),
		WalletID:        w.ID,
		AdminUserID:     adminUserID,
		AdminRole:       adminRole,
		Action:          AdminWalletActionTypeAdjustBalance,
		Reason:          req.Reason,
		AmountMinor:     req.AmountMinor,
		Currency:        req.Currency,
		RelatedLedgerID: ledgerID,
		Metadata:        req.Metadata,
		CreatedAt:       now,
	}
}

func validateMoneyReq(ownerID string, amountMinor int64, currency, idempotencyKey string) error {
	if ownerID == "" {
		return ErrInvalidArgument
	}
	if currency == "" {
		return ErrInvalidArgument
	}
	if idempotencyKey == "" {
		return ErrInvalidArgument
	}
	if amountMinor <= 0 {
		return ErrInvalidArgument
	}
	return nil
}

func validateAdminCredit(adminUserID, adminRole string, req AdminCreditRequest) error {
	if adminUserID == "" || adminRole == "" {
		return ErrInvalidArgument
	}
	if req.Reason == "" {
		return ErrInvalidArgument
	}
	return validateMoneyReq(req.OwnerID, req.AmountMinor, req.Currency, req.IdempotencyKey)
}
