package wallet

import (
	"context"
	"sync"
	"testing"
)

func TestValidateMoneyReq(t *testing.T) {
	if err := validateMoneyReq("u1", 1, "INR", "k"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := validateMoneyReq("", 1, "INR", "k"); err == nil {
		t.Fatalf("expected error")
	}
	if err := validateMoneyReq("u1", -1, "INR", "k"); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestMemoryService_CreditDebitAndIdempotency(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	if _, _, err := svc.Credit(ctx, "u1", CreditRequest{AmountMinor: 1000, Currency: "INR", IdempotencyKey: "topup-1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	// Replaying the same key must not move money twice.
	if _, b, err := svc.Credit(ctx, "u1", CreditRequest{AmountMinor: 1000, Currency: "INR", IdempotencyKey: "topup-1"}); err != nil || b.BalanceMinor != 1000 {
		t.Fatalf("expected idempotent credit, got balance=%d err=%v", b.BalanceMinor, err)
	}

	e, b, err := svc.Debit(ctx, "u1", DebitRequest{AmountMinor: 400, Currency: "INR", IdempotencyKey: "call-charge:x"})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if e.AmountMinor != -400 || b.BalanceMinor != 600 {
		t.Fatalf("unexpected debit result: entry=%d balance=%d", e.AmountMinor, b.BalanceMinor)
	}
	if _, b, _ := svc.Debit(ctx, "u1", DebitRequest{AmountMinor: 400, Currency: "INR", IdempotencyKey: "call-charge:x"}); b.BalanceMinor != 600 {
		t.Fatalf("expected idempotent debit, got balance=%d", b.BalanceMinor)
	}

	if got := len(svc.Entries("u1")); got != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", got)
	}
}

func TestMemoryService_InsufficientFunds(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()

	if _, _, err := svc.Debit(ctx, "nobody", DebitRequest{AmountMinor: 1, Currency: "INR", IdempotencyKey: "k"}); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds for missing wallet, got %v", err)
	}

	_, _, _ = svc.Credit(ctx, "u1", CreditRequest{AmountMinor: 100, Currency: "INR", IdempotencyKey: "t"})
	if _, _, err := svc.Debit(ctx, "u1", DebitRequest{AmountMinor: 101, Currency: "INR", IdempotencyKey: "k"}); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, _, err := svc.Debit(ctx, "u1", DebitRequest{AmountMinor: 10, Currency: "USD", IdempotencyKey: "k2"}); err != ErrInvalidArgument {
		t.Fatalf("expected currency mismatch to be invalid, got %v", err)
	}
	b, _ := svc.GetBalance(ctx, "u1")
	if b.BalanceMinor != 100 {
		t.Fatalf("expected untouched balance, got %d", b.BalanceMinor)
	}
}

func TestMemoryService_ConcurrentDebitsSameKeyChargeOnce(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()
	_, _, _ = svc.Credit(ctx, "u1", CreditRequest{AmountMinor: 1000, Currency: "INR", IdempotencyKey: "t"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = svc.Debit(ctx, "u1", DebitRequest{AmountMinor: 300, Currency: "INR", IdempotencyKey: "call-charge:c"})
		}()
	}
	wg.Wait()

	b, _ := svc.GetBalance(ctx, "u1")
	if b.BalanceMinor != 700 {
		t.Fatalf("expected one debit, balance=%d", b.BalanceMinor)
	}
}

func TestMemoryService_AdminManualCredit(t *testing.T) {
	svc := NewMemoryService()
	ctx := context.Background()
	req := AdminCreditRequest{OwnerID: "u1", AmountMinor: 500, Currency: "INR", Reason: "goodwill", IdempotencyKey: "adm-1"}

	act, e, b, err := svc.AdminManualCredit(ctx, "admin-1", "admin", req)
	if err != nil {
		t.Fatalf("admin credit: %v", err)
	}
	if act.RelatedLedgerID != e.ID || b.BalanceMinor != 500 {
		t.Fatalf("unexpected admin credit: %+v %+v %+v", act, e, b)
	}

	again, _, b, err := svc.AdminManualCredit(ctx, "admin-1", "admin", req)
	if err != nil || again.ID != act.ID || b.BalanceMinor != 500 {
		t.Fatalf("expected replay to return the original action, got %+v balance=%d err=%v", again, b.BalanceMinor, err)
	}
}
