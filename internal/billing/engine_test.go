package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/calls"
	"consult-platform/internal/pricing"
	"consult-platform/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *calls.MemoryStore
	rates  *pricing.Service
	ledger *wallet.MemoryService
	audits *audit.MemoryRepo
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  calls.NewMemoryStore(),
		rates:  pricing.NewService(pricing.NewMemoryRepo(), 50, "INR"),
		ledger: wallet.NewMemoryService(),
		audits: audit.NewMemoryRepo(),
	}
	f.engine = NewEngine(f.store, f.rates, f.ledger)
	f.engine.Audit = audit.NewService(f.audits)
	return f
}

func (f *fixture) fund(t *testing.T, owner string, amount int64) {
	t.Helper()
	_, _, err := f.ledger.Credit(context.Background(), owner, wallet.CreditRequest{AmountMinor: amount, Currency: "INR", IdempotencyKey: "topup-" + owner})
	require.NoError(t, err)
}

// completedCall drives a record through active to completed with a connected time of d.
func (f *fixture) completedCall(t *testing.T, d time.Duration) calls.CallRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := f.store.Create(ctx, calls.NewCall{RequesterID: "seeker", TargetID: "consultant", Kind: calls.KindAudio})
	require.NoError(t, err)

	accepted := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := accepted.Add(d)
	rec, err = f.store.UpdateIfState(ctx, rec.ID, calls.StatePending, calls.Patch{State: calls.StateActive, RoomToken: "room-" + rec.ID, AcceptedAt: &accepted})
	require.NoError(t, err)
	rec, err = f.store.UpdateIfState(ctx, rec.ID, calls.StateActive, calls.Patch{State: calls.StateCompleted, TerminatedAt: &ended, EndReason: calls.EndReasonEnded})
	require.NoError(t, err)
	return rec
}

func TestSettle_185SecondsBillsFourMinutesOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seeker", 1000)
	rec := f.completedCall(t, 185*time.Second)

	res, err := f.engine.Settle(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Minutes)
	assert.Equal(t, int64(200), res.AmountMinor)
	assert.Equal(t, calls.LedgerPosted, res.LedgerStatus)
	assert.Equal(t, calls.SettlementSettled, res.Call.Settlement)

	bal, err := f.ledger.GetBalance(context.Background(), "seeker")
	require.NoError(t, err)
	assert.Equal(t, int64(800), bal.BalanceMinor)

	earn, err := f.ledger.GetBalance(context.Background(), "consultant")
	require.NoError(t, err)
	assert.Equal(t, int64(200), earn.BalanceMinor)
}

func TestSettle_IsIdempotentUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seeker", 10_000)
	rec := f.completedCall(t, 61*time.Second)

	const n = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
		already int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Settle(context.Background(), rec.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				settled++
			case errors.Is(err, ErrAlreadySettled):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.Equal(t, n-1, already)

	var debits int
	for _, e := range f.ledger.Entries("seeker") {
		if e.IdempotencyKey == ChargeKey(rec.ID) {
			debits++
			assert.Equal(t, int64(-100), e.AmountMinor)
		}
	}
	assert.Equal(t, 1, debits)

	got, _ := f.store.Get(context.Background(), rec.ID)
	require.NotNil(t, got.BilledMinutes)
	assert.Equal(t, int64(2), *got.BilledMinutes)
	assert.NotEmpty(t, f.audits.ForCall(rec.ID), "already-settled attempts are audited")
}

func TestSettle_UsesConsultantRateAndShare(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seeker", 10_000)
	_, err := f.rates.SetRate(context.Background(), "consultant", 120, "INR")
	require.NoError(t, err)
	f.engine.SharePercent = 70

	rec := f.completedCall(t, 125*time.Second)
	res, err := f.engine.Settle(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Minutes)
	assert.Equal(t, int64(360), res.AmountMinor)
	assert.Equal(t, int64(252), res.PayoutMinor)
	assert.Equal(t, int64(120), res.Call.RatePerMinuteMinor)

	earn, _ := f.ledger.GetBalance(context.Background(), "consultant")
	assert.Equal(t, int64(252), earn.BalanceMinor)
}

func TestSettle_ZeroDurationPostsNothing(t *testing.T) {
	f := newFixture(t)
	rec := f.completedCall(t, 0)

	res, err := f.engine.Settle(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.AmountMinor)
	assert.Equal(t, calls.LedgerPosted, res.LedgerStatus)
	assert.Empty(t, f.ledger.Entries("seeker"))
}

func TestSettle_InsufficientFundsKeepsCallSettled(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seeker", 100)
	rec := f.completedCall(t, 10*time.Minute)

	res, err := f.engine.Settle(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.LedgerInsufficientFunds, res.LedgerStatus)
	assert.Equal(t, calls.StateCompleted, res.Call.State)
	assert.Equal(t, calls.SettlementSettled, res.Call.Settlement)

	bal, _ := f.ledger.GetBalance(context.Background(), "seeker")
	assert.Equal(t, int64(100), bal.BalanceMinor)

	var found bool
	for _, ev := range f.audits.ForCall(rec.ID) {
		found = found || ev.Type == audit.EventTypeInsufficientFunds
	}
	assert.True(t, found)

	// After a top-up an explicit reconcile collects the charge.
	_, _, err = f.ledger.Credit(context.Background(), "seeker", wallet.CreditRequest{AmountMinor: 1000, Currency: "INR", IdempotencyKey: "topup-2"})
	require.NoError(t, err)
	res, err = f.engine.Reconcile(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.LedgerPosted, res.LedgerStatus)
	bal, _ = f.ledger.GetBalance(context.Background(), "seeker")
	assert.Equal(t, int64(600), bal.BalanceMinor)
}

type flakyLedger struct {
	*wallet.MemoryService
	failCredits int
}

func (l *flakyLedger) Credit(ctx context.Context, ownerID string, req wallet.CreditRequest) (wallet.WalletLedger, wallet.Balance, error) {
	if l.failCredits > 0 {
		l.failCredits--
		return wallet.WalletLedger{}, wallet.Balance{}, errors.New("ledger unavailable")
	}
	return l.MemoryService.Credit(ctx, ownerID, req)
}

func TestReconcile_FinishesFailedPostingWithoutDoubleCharge(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seeker", 1000)
	flaky := &flakyLedger{MemoryService: f.ledger, failCredits: 1}
	f.engine.Ledger = flaky
	rec := f.completedCall(t, 90*time.Second)

	res, err := f.engine.Settle(context.Background(), rec.ID)
	require.Error(t, err)
	assert.Equal(t, calls.LedgerFailed, res.LedgerStatus)

	res, err = f.engine.Reconcile(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.LedgerPosted, res.LedgerStatus)

	bal, _ := f.ledger.GetBalance(context.Background(), "seeker")
	assert.Equal(t, int64(900), bal.BalanceMinor, "the debit is replayed, not repeated")
	earn, _ := f.ledger.GetBalance(context.Background(), "consultant")
	assert.Equal(t, int64(100), earn.BalanceMinor)

	// Posted calls are left alone.
	res, err = f.engine.Reconcile(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.LedgerPosted, res.LedgerStatus)
}

func TestSettle_RejectsCallsThatAreNotCompleted(t *testing.T) {
	f := newFixture(t)
	rec, err := f.store.Create(context.Background(), calls.NewCall{RequesterID: "seeker", TargetID: "consultant", Kind: calls.KindVideo})
	require.NoError(t, err)

	_, err = f.engine.Settle(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Reconcile(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Settle(context.Background(), "missing")
	assert.ErrorIs(t, err, calls.ErrNotFound)
}

func TestSettleAsync_SettlesInBackground(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seeker", 1000)
	rec := f.completedCall(t, 30*time.Second)

	for i := 0; i < 3; i++ {
		f.engine.SettleAsync(rec.ID)
	}
	f.engine.Wait()

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.SettlementSettled, got.Settlement)
	assert.Equal(t, calls.LedgerPosted, got.LedgerStatus)
	assert.Len(t, f.ledger.Entries("seeker"), 2, "top-up plus one charge")
}
