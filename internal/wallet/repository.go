package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// NOTE: This repository assumes the wallet tables from pkg/utils/migrations:
// - wallets (one per owner)
// - wallet_ledger (immutable append-only, UNIQUE (wallet_id, idempotency_key))
// - wallet_balances (projection)
// - admin_wallet_actions

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ensureWallet creates the owner's wallet if missing and returns it locked.
func ensureWallet(ctx context.Context, tx *sql.Tx, ownerID, currency string, now time.Time) (Wallet, error) {
	const ins = `
INSERT INTO wallets (id, owner_id, currency, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (owner_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ins, uuid.NewString(), ownerID, currency, WalletStatusActive, now); err != nil {
		return Wallet{}, err
	}
	return lockWallet(ctx, tx, ownerID)
}

func lockWallet(ctx context.Context, tx *sql.Tx, ownerID string) (Wallet, error) {
	// Lock the wallet row to serialize concurrent money operations per wallet.
	const q = `
SELECT id, owner_id, currency, status, created_at, updated_at
FROM wallets
WHERE owner_id = $1
FOR UPDATE
`
	var w Wallet
	if err := tx.QueryRowContext(ctx, q, ownerID).Scan(
		&w.ID,
		&w.OwnerID,
		&w.Currency,
		&w.Status,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func getBalance(ctx context.Context, q querier, ownerID string, forUpdate bool) (Balance, error) {
	stmt := `
SELECT w.id, w.owner_id, b.currency, b.balance_minor, b.updated_at
FROM wallets w
JOIN wallet_balances b ON b.wallet_id = w.id
WHERE w.owner_id = $1
`
	if forUpdate {
		stmt += "FOR UPDATE OF b\n"
	}
	var b Balance
	if err := q.QueryRowContext(ctx, stmt, ownerID).Scan(
		&b.WalletID,
		&b.OwnerID,
		&b.Currency,
		&b.BalanceMinor,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func findLedgerByIdempotency(ctx context.Context, tx *sql.Tx, walletID, key string) (WalletLedger, bool, error) {
	const q = `
SELECT id, wallet_id, type, amount_minor, currency, external_ref, idempotency_key, metadata, created_at
FROM wallet_ledger
WHERE wallet_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var e WalletLedger
	err := tx.QueryRowContext(ctx, q, walletID, key).Scan(
		&e.ID,
		&e.WalletID,
		&e.Type,
		&e.AmountMinor,
		&e.Currency,
		&e.ExternalRef,
		&e.IdempotencyKey,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WalletLedger{}, false, nil
		}
		return WalletLedger{}, false, err
	}
	return e, true, nil
}

func insertLedger(ctx context.Context, tx *sql.Tx, e WalletLedger) error {
	const q = `
INSERT INTO wallet_ledger (
  id, wallet_id, type, amount_minor, currency, external_ref, idempotency_key, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.WalletID,
		e.Type,
		e.AmountMinor,
		e.Currency,
		e.ExternalRef,
		e.IdempotencyKey,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, w Wallet, deltaMinor int64, now time.Time) (Balance, error) {
	// Upsert the balance row. Currency is fixed by the wallet.
	const q = `
INSERT INTO wallet_balances (wallet_id, currency, balance_minor, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (wallet_id)
DO UPDATE SET balance_minor = wallet_balances.balance_minor + EXCLUDED.balance_minor,
              updated_at = EXCLUDED.updated_at
RETURNING wallet_id, currency, balance_minor, updated_at
`
	b := Balance{OwnerID: w.OwnerID}
	if err := tx.QueryRowContext(ctx, q, w.ID, w.Currency, deltaMinor, now).Scan(
		&b.WalletID,
		&b.Currency,
		&b.BalanceMinor,
		&b.UpdatedAt,
	); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func insertAdminAction(ctx context.Context, tx *sql.Tx, a AdminWalletAction) error {
	const q = `
INSERT INTO admin_wallet_actions (
  id, wallet_id, admin_user_id, admin_role, action, reason,
  amount_minor, currency, related_ledger_id, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	_, err := tx.ExecContext(ctx, q,
		a.ID,
		a.WalletID,
		a.AdminUserID,
		a.AdminRole,
		a.Action,
		a.Reason,
		a.AmountMinor,
		a.Currency,
		a.RelatedLedgerID,
		a.Metadata,
		a.CreatedAt,
	)
	return err
}

func findAdminActionByLedger(ctx context.Context, tx *sql.Tx, walletID, ledgerID string) (AdminWalletAction, bool, error) {
	const q = `
SELECT id, wallet_id, admin_user_id, admin_role, action, reason,
       amount_minor, currency, related_ledger_id, metadata, created_at
FROM admin_wallet_actions
WHERE wallet_id = $1 AND related_ledger_id = $2
LIMIT 1
`
	var a AdminWalletAction
	err := tx.QueryRowContext(ctx, q, walletID, ledgerID).Scan(
		&a.ID,
		&a.WalletID,
		&a.AdminUserID,
		&a.AdminRole,
		&a.Action,
		&a.Reason,
		&a.AmountMinor,
		&a.Currency,
		&a.RelatedLedgerID,
		&a.Metadata,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AdminWalletAction{}, false, nil
		}
		return AdminWalletAction{}, false, err
	}
	return a, true, nil
}
