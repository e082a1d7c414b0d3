package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/calls"
	"consult-platform/internal/guard"
	"consult-platform/internal/metrics"
	"consult-platform/internal/pricing"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"
)

var (
	ErrAlreadySettled = errors.New("call already settled")
	ErrInvalidState   = errors.New("call cannot be settled in its current state")
)

// Ledger moves money for a settled call. Every posting carries an idempotency key,
// so replays return the original entry instead of moving money twice.
type Ledger interface {
	Debit(ctx context.Context, ownerID string, req wallet.DebitRequest) (wallet.WalletLedger, wallet.Balance, error)
	Credit(ctx context.Context, ownerID string, req wallet.CreditRequest) (wallet.WalletLedger, wallet.Balance, error)
}

// RateSource is read once per settlement.
type RateSource interface {
	RatePerMinute(ctx context.Context, consultantID string) (pricing.Rate, error)
}

// Result describes what one Settle or Reconcile call did.
type Result struct {
	Call calls.CallRecord `json:"call"`

	Minutes      int64              `json:"billed_minutes"`
	AmountMinor  int64              `json:"billed_amount_minor"`
	PayoutMinor  int64              `json:"payout_minor"`
	Currency     string             `json:"currency"`
	LedgerStatus calls.LedgerStatus `json:"ledger_status"`

	AlreadySettled bool `json:"already_settled"`
}

// Engine settles completed calls exactly once.
//
// The record-level commit (completed+unsettled -> completed+settled with the billed
// amount) is a conditional update; whoever loses the race sees ErrAlreadySettled.
// Money moves afterwards under deterministic idempotency keys, and the outcome is
// tracked in LedgerStatus so Reconcile can finish what a crash or a ledger outage
// left pending.
type Engine struct {
	Store  calls.Store
	Rates  RateSource
	Ledger Ledger
	Guard  *guard.ActorLock

	Audit   calls.Auditor
	Metrics *metrics.Metrics
	Log     *slog.Logger

	// SharePercent of the charge is credited to the consultant.
	SharePercent int64
	// AsyncTimeout bounds one background settlement.
	AsyncTimeout time.Duration

	wg sync.WaitGroup
}

func NewEngine(store calls.Store, rates RateSource, ledger Ledger) *Engine {
	return &Engine{
		Store:        store,
		Rates:        rates,
		Ledger:       ledger,
		Guard:        guard.NewActorLock(),
		Log:          slog.Default(),
		SharePercent: 100,
		AsyncTimeout: 30 * time.Second,
	}
}

// ChargeKey and EarningKey are the ledger idempotency keys for a call.
func ChargeKey(callID string) string  { return "call-charge:" + callID }
func EarningKey(callID string) string { return "call-earning:" + callID }

// Settle computes and commits the charge for a completed call.
//
// Errors: calls.ErrNotFound, ErrAlreadySettled (the returned Result still carries
// the settled record), ErrInvalidState for a call that is not completed.
func (e *Engine) Settle(ctx context.Context, callID string) (Result, error) {
	rec, err := e.Store.Get(ctx, callID)
	if err != nil {
		return Result{}, err
	}
	if rec.Settlement == calls.SettlementSettled {
		return e.alreadySettled(ctx, rec)
	}
	if rec.State != calls.StateCompleted {
		e.Metrics.RecordSettlement("invalid_state", 0)
		return Result{Call: rec}, fmt.Errorf("%w: state %s", ErrInvalidState, rec.State)
	}

	rate, err := e.Rates.RatePerMinute(ctx, rec.TargetID)
	if err != nil {
		e.Metrics.RecordSettlement("error", 0)
		return Result{}, fmt.Errorf("settle %s: rate: %w", callID, err)
	}
	minutes := pricing.BillableMinutes(rec.Duration())
	amount := minutes * rate.RatePerMinuteMinor

	ledger := calls.LedgerPending
	if amount == 0 {
		ledger = calls.LedgerPosted
	}

	settled, err := e.Store.UpdateIfState(ctx, callID, calls.StateCompleted, calls.Patch{
		Settlement:         calls.SettlementSettled,
		BilledMinutes:      &minutes,
		BilledAmountMinor:  &amount,
		RatePerMinuteMinor: rate.RatePerMinuteMinor,
		Currency:           rate.Currency,
		LedgerStatus:       ledger,
	})
	if errors.Is(err, calls.ErrConflict) {
		cur, gerr := e.Store.Get(ctx, callID)
		if gerr != nil {
			return Result{}, gerr
		}
		if cur.Settlement == calls.SettlementSettled {
			return e.alreadySettled(ctx, cur)
		}
		e.Metrics.RecordSettlement("invalid_state", 0)
		return Result{Call: cur}, fmt.Errorf("%w: state %s", ErrInvalidState, cur.State)
	}
	if err != nil {
		e.Metrics.RecordSettlement("error", 0)
		return Result{}, fmt.Errorf("settle %s: %w", callID, err)
	}

	e.Metrics.RecordSettlement("settled", minutes)
	logger.From(ctx).Info("call settled",
		"call_id", callID,
		"billed_minutes", minutes,
		"billed_amount_minor", amount,
		"currency", rate.Currency,
		"default_rate", rate.Default,
	)

	if amount == 0 {
		return e.result(settled), nil
	}
	return e.post(ctx, settled)
}

// Reconcile re-drives ledger posting for a settled call whose money has not moved.
// Calls already posted are returned unchanged.
func (e *Engine) Reconcile(ctx context.Context, callID string) (Result, error) {
	rec, err := e.Store.Get(ctx, callID)
	if err != nil {
		return Result{}, err
	}
	if rec.Settlement != calls.SettlementSettled {
		return Result{Call: rec}, fmt.Errorf("%w: not settled", ErrInvalidState)
	}
	if rec.LedgerStatus == calls.LedgerPosted {
		return e.result(rec), nil
	}
	return e.post(ctx, rec)
}

// SettleAsync settles callID in the background. Concurrent requests for the same
// call inside this process collapse into one.
func (e *Engine) SettleAsync(callID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(logger.With(context.Background(), e.log()), e.AsyncTimeout)
		defer cancel()
		ctx, log := logger.WithAttrs(ctx, "call_id", callID)

		ran, err := e.Guard.Do(callID, guard.ClassSettle, func() error {
			_, err := e.Settle(ctx, callID)
			return err
		})
		switch {
		case !ran:
			log.Debug("settlement already running")
		case errors.Is(err, ErrAlreadySettled):
		case err != nil:
			// The watchdog picks unsettled calls up again.
			log.Error("async settlement failed", "err", err)
		}
	}()
}

// Wait blocks until background settlements have finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) post(ctx context.Context, rec calls.CallRecord) (Result, error) {
	amount := derefInt(rec.BilledAmountMinor)
	status, postErr := e.postLedger(ctx, rec, amount)
	e.Metrics.RecordLedgerPost(string(status))

	updated, err := e.Store.UpdateIfState(ctx, rec.ID, calls.StateCompleted, calls.Patch{LedgerStatus: status})
	if err != nil {
		return e.result(rec), fmt.Errorf("record ledger status for %s: %w", rec.ID, err)
	}

	res := e.result(updated)
	switch status {
	case calls.LedgerInsufficientFunds:
		e.audit(ctx, audit.EventTypeInsufficientFunds, rec, fmt.Sprintf("requester balance below %d %s", amount, rec.Currency))
		logger.From(ctx).Warn("settlement charge refused: insufficient funds", "call_id", rec.ID, "amount_minor", amount)
	case calls.LedgerFailed:
		e.audit(ctx, audit.EventTypeLedgerFailed, rec, postErr.Error())
		logger.From(ctx).Error("settlement ledger posting failed", "call_id", rec.ID, "err", postErr)
		return res, fmt.Errorf("post ledger for %s: %w", rec.ID, postErr)
	}
	return res, nil
}

func (e *Engine) postLedger(ctx context.Context, rec calls.CallRecord, amount int64) (calls.LedgerStatus, error) {
	_, _, err := e.Ledger.Debit(ctx, rec.RequesterID, wallet.DebitRequest{
		AmountMinor:    amount,
		Currency:       rec.Currency,
		ExternalRef:    rec.ID,
		IdempotencyKey: ChargeKey(rec.ID),
	})
	if errors.Is(err, wallet.ErrInsufficientFunds) {
		return calls.LedgerInsufficientFunds, nil
	}
	if err != nil {
		return calls.LedgerFailed, fmt.Errorf("debit requester: %w", err)
	}

	if payout := e.payout(amount); payout > 0 {
		_, _, err = e.Ledger.Credit(ctx, rec.TargetID, wallet.CreditRequest{
			AmountMinor:    payout,
			Currency:       rec.Currency,
			ExternalRef:    rec.ID,
			IdempotencyKey: EarningKey(rec.ID),
		})
		if err != nil {
			return calls.LedgerFailed, fmt.Errorf("credit consultant: %w", err)
		}
	}
	return calls.LedgerPosted, nil
}

func (e *Engine) alreadySettled(ctx context.Context, rec calls.CallRecord) (Result, error) {
	e.Metrics.RecordSettlement("already_settled", 0)
	e.audit(ctx, audit.EventTypeAlreadySettled, rec, "settlement requested for a settled call")
	logger.From(ctx).Info("call already settled", "call_id", rec.ID)
	res := e.result(rec)
	res.AlreadySettled = true
	return res, ErrAlreadySettled
}

func (e *Engine) result(rec calls.CallRecord) Result {
	amount := derefInt(rec.BilledAmountMinor)
	return Result{
		Call:         rec,
		Minutes:      derefInt(rec.BilledMinutes),
		AmountMinor:  amount,
		PayoutMinor:  e.payout(amount),
		Currency:     rec.Currency,
		LedgerStatus: rec.LedgerStatus,
	}
}

func (e *Engine) payout(amount int64) int64 {
	return amount * e.SharePercent / 100
}

func (e *Engine) audit(ctx context.Context, typ audit.EventType, rec calls.CallRecord, msg string) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.Append(ctx, audit.Event{Type: typ, CallID: rec.ID, ActorUserID: calls.ActorSystem, Message: msg}); err != nil {
		logger.From(ctx).Warn("audit append failed", "call_id", rec.ID, "type", typ, "err", err)
	}
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func derefInt(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
