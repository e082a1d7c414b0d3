package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ledger is the wallet surface used by billing and the HTTP layer.
// Service (Postgres) and MemoryService both implement it.
type Ledger interface {
	GetBalance(ctx context.Context, ownerID string) (Balance, error)
	Credit(ctx context.Context, ownerID string, req CreditRequest) (WalletLedger, Balance, error)
	Debit(ctx context.Context, ownerID string, req DebitRequest) (WalletLedger, Balance, error)
	AdminManualCredit(ctx context.Context, adminUserID, adminRole string, req AdminCreditRequest) (AdminWalletAction, WalletLedger, Balance, error)
}

var (
	_ Ledger = (*Service)(nil)
	_ Ledger = (*MemoryService)(nil)
)

// MemoryService keeps wallets in process memory with the same money invariants as
// Service: one mutex plays the role of the wallet row lock.
//
// NOTE: For tests and the memory store driver only.
type MemoryService struct {
	mu       sync.Mutex
	wallets  map[string]Wallet // by owner
	balances map[string]Balance
	entries  []WalletLedger
	byKey    map[string]WalletLedger // wallet_id + "\x00" + key
	actions  []AdminWalletAction

	clock func() time.Time
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		wallets:  make(map[string]Wallet),
		balances: make(map[string]Balance),
		byKey:    make(map[string]WalletLedger),
		clock:    time.Now,
	}
}

func (s *MemoryService) GetBalance(ctx context.Context, ownerID string) (Balance, error) {
	if ownerID == "" {
		return Balance{}, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[ownerID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryService) Credit(ctx context.Context, ownerID string, req CreditRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(ownerID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	w := s.ensureLocked(ownerID, req.Currency, now)
	if w.Currency != req.Currency {
		return WalletLedger{}, Balance{}, ErrInvalidArgument
	}
	if e, ok := s.byKey[w.ID+"\x00"+req.IdempotencyKey]; ok {
		return e, s.balances[ownerID], nil
	}
	e := newEntry(w, LedgerEntryTypeCredit, req.AmountMinor, req.ExternalRef, req.IdempotencyKey, req.Metadata, now)
	return e, s.postLocked(w, e, now), nil
}

func (s *MemoryService) Debit(ctx context.Context, ownerID string, req DebitRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(ownerID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[ownerID]
	if !ok {
		return WalletLedger{}, Balance{}, ErrInsufficientFunds
	}
	if w.Currency != req.Currency {
		return WalletLedger{}, Balance{}, ErrInvalidArgument
	}
	if e, ok := s.byKey[w.ID+"\x00"+req.IdempotencyKey]; ok {
		return e, s.balances[ownerID], nil
	}
	if s.balances[ownerID].BalanceMinor < req.AmountMinor {
		return WalletLedger{}, Balance{}, ErrInsufficientFunds
	}

	now := s.clock().UTC()
	e := newEntry(w, LedgerEntryTypeDebit, -req.AmountMinor, req.ExternalRef, req.IdempotencyKey, req.Metadata, now)
	return e, s.postLocked(w, e, now), nil
}

func (s *MemoryService) AdminManualCredit(ctx context.Context, adminUserID, adminRole string, req AdminCreditRequest) (AdminWalletAction, WalletLedger, Balance, error) {
	if err := validateAdminCredit(adminUserID, adminRole, req); err != nil {
		return AdminWalletAction{}, WalletLedger{}, Balance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	w := s.ensureLocked(req.OwnerID, req.Currency, now)
	if w.Currency != req.Currency {
		return AdminWalletAction{}, WalletLedger{}, Balance{}, ErrInvalidArgument
	}
	if e, ok := s.byKey[w.ID+"\x00"+req.IdempotencyKey]; ok {
		var act AdminWalletAction
		for _, a := range s.actions {
			if a.RelatedLedgerID == e.ID {
				act = a
				break
			}
		}
		return act, e, s.balances[req.OwnerID], nil
	}

	e := newEntry(w, LedgerEntryTypeCredit, req.AmountMinor, "admin_manual_credit", req.IdempotencyKey, req.Metadata, now)
	b := s.postLocked(w, e, now)
	act := newAdminAction(w, adminUserID, adminRole, req, e.ID, now)
	s.actions = append(s.actions, act)
	return act, e, b, nil
}

// Entries returns the ledger of one owner, oldest first.
func (s *MemoryService) Entries(ownerID string) []WalletLedger {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[ownerID]
	if !ok {
		return nil
	}
	var out []WalletLedger
	for _, e := range s.entries {
		if e.WalletID == w.ID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryService) ensureLocked(ownerID, currency string, now time.Time) Wallet {
	if w, ok := s.wallets[ownerID]; ok {
		return w
	}
	w := Wallet{ID: uuid.NewString(), OwnerID: ownerID, Currency: currency, Status: WalletStatusActive, CreatedAt: now, UpdatedAt: now}
	s.wallets[ownerID] = w
	return w
}

func (s *MemoryService) postLocked(w Wallet, e WalletLedger, now time.Time) Balance {
	s.entries = append(s.entries, e)
	s.byKey[w.ID+"\x00"+e.IdempotencyKey] = e

	b := s.balances[w.OwnerID]
	b.WalletID = w.ID
	b.OwnerID = w.OwnerID
	b.Currency = w.Currency
	b.BalanceMinor += e.AmountMinor
	b.UpdatedAt = now
	s.balances[w.OwnerID] = b
	return b
}
