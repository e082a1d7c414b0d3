package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consult-platform/internal/billing"
	"consult-platform/internal/calls"
	"consult-platform/internal/metrics"
	"consult-platform/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Lifecycle is the part of calls.Engine the watchdog drives.
type Lifecycle interface {
	Timeout(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error)
	EndBySystem(ctx context.Context, callID string, reason calls.EndReason) (calls.CallRecord, error)
}

// Settlement is the part of billing.Engine the watchdog drives.
type Settlement interface {
	Settle(ctx context.Context, callID string) (billing.Result, error)
	Reconcile(ctx context.Context, callID string) (billing.Result, error)
}

// Locker makes one process run a sweep at a time. Nil means no cross-process lock.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Config struct {
	PendingTimeout time.Duration
	QueuedTimeout  time.Duration
	MaxDuration    time.Duration
	// SettleGrace leaves freshly completed calls to the async settler.
	SettleGrace time.Duration
	// BatchSize caps how many records each step handles per sweep.
	BatchSize int
	// SweepTimeout bounds one scheduled sweep.
	SweepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.PendingTimeout <= 0 {
		out.PendingTimeout = 2 * time.Minute
	}
	if out.QueuedTimeout <= 0 {
		out.QueuedTimeout = 30 * time.Minute
	}
	if out.MaxDuration <= 0 {
		out.MaxDuration = 4 * time.Hour
	}
	if out.SettleGrace <= 0 {
		out.SettleGrace = time.Minute
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 200
	}
	if out.SweepTimeout <= 0 {
		out.SweepTimeout = 25 * time.Second
	}
	return out
}

// Report counts what one sweep did.
type Report struct {
	TimedOut   int
	Ended      int
	Settled    int
	Reconciled int
	Failed     int
}

// Watchdog repairs calls no actor will move forward: unanswered requests, calls
// whose participants vanished, and completed calls whose settlement or ledger
// posting did not finish. Every repair goes through the same conditional updates
// as user actions, so a sweep racing a participant is harmless.
type Watchdog struct {
	Store   calls.Store
	Calls   Lifecycle
	Billing Settlement
	Lock    Locker
	Metrics *metrics.Metrics
	Log     *slog.Logger
	Now     func() time.Time

	cfg Config

	mu   sync.Mutex
	cron *cron.Cron
}

func New(store calls.Store, lifecycle Lifecycle, settlement Settlement, cfg Config) *Watchdog {
	return &Watchdog{
		Store:   store,
		Calls:   lifecycle,
		Billing: settlement,
		Log:     slog.Default(),
		Now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
}

// Start schedules Sweep on a cron spec (e.g. "@every 30s").
func (w *Watchdog) Start(schedule string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return errors.New("watchdog: already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, w.runScheduled); err != nil {
		return fmt.Errorf("watchdog: schedule %q: %w", schedule, err)
	}
	c.Start()
	w.cron = c
	w.log().Info("watchdog started", "schedule", schedule)
	return nil
}

// Stop prevents new sweeps and waits for a running one, or until ctx is done.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watchdog) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SweepTimeout)
	defer cancel()
	ctx, _ = logger.WithAttrs(logger.With(ctx, w.log()), "component", "watchdog")

	if w.Lock != nil {
		ok, err := w.Lock.Acquire(ctx)
		if err != nil {
			logger.From(ctx).Warn("watchdog lock failed", "err", err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := w.Lock.Release(context.Background()); err != nil {
				w.log().Warn("watchdog unlock failed", "err", err)
			}
		}()
	}

	if _, err := w.Sweep(ctx); err != nil {
		logger.From(ctx).Error("watchdog sweep failed", "err", err)
	}
}

// Sweep runs every repair step once. It returns an error only when records could not
// be listed; failures on individual records are counted and logged.
func (w *Watchdog) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { w.Metrics.RecordWatchdogRun(time.Since(start)) }()

	var rep Report
	now := w.now()
	steps := []func(context.Context, time.Time, *Report) error{
		w.timeoutPending,
		w.timeoutQueued,
		w.endOverlong,
		w.settleCompleted,
		w.reconcileLedger,
	}
	for _, step := range steps {
		if err := step(ctx, now, &rep); err != nil {
			return rep, err
		}
	}
	if rep != (Report{}) {
		logger.From(ctx).Info("watchdog sweep",
			"timed_out", rep.TimedOut,
			"ended", rep.Ended,
			"settled", rep.Settled,
			"reconciled", rep.Reconciled,
			"failed", rep.Failed,
		)
	}
	return rep, nil
}

// timeoutPending measures from UpdatedAt, so a call promoted out of the queue gets
// a fresh pending window.
func (w *Watchdog) timeoutPending(ctx context.Context, now time.Time, rep *Report) error {
	cutoff := now.Add(-w.cfg.PendingTimeout)
	recs, err := w.Store.List(ctx, calls.Query{States: []calls.State{calls.StatePending}, CreatedBefore: cutoff, Limit: w.cfg.BatchSize})
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, rec := range recs {
		if !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		w.timeout(ctx, rec, rep)
	}
	return nil
}

func (w *Watchdog) timeoutQueued(ctx context.Context, now time.Time, rep *Report) error {
	cutoff := now.Add(-w.cfg.QueuedTimeout)
	recs, err := w.Store.List(ctx, calls.Query{States: []calls.State{calls.StateQueued}, CreatedBefore: cutoff, Limit: w.cfg.BatchSize})
	if err != nil {
		return fmt.Errorf("list queued: %w", err)
	}
	for _, rec := range recs {
		w.timeout(ctx, rec, rep)
	}
	return nil
}

func (w *Watchdog) timeout(ctx context.Context, rec calls.CallRecord, rep *Report) {
	_, err := w.Calls.Timeout(ctx, rec)
	if w.outcome(ctx, "timeout", rec.ID, err, rep) {
		rep.TimedOut++
	}
}

func (w *Watchdog) endOverlong(ctx context.Context, now time.Time, rep *Report) error {
	cutoff := now.Add(-w.cfg.MaxDuration)
	recs, err := w.Store.List(ctx, calls.Query{States: []calls.State{calls.StateActive}, CreatedBefore: cutoff, Limit: w.cfg.BatchSize})
	if err != nil {
		return fmt.Errorf("list active: %w", err)
	}
	for _, rec := range recs {
		if rec.AcceptedAt == nil || !rec.AcceptedAt.Before(cutoff) {
			continue
		}
		_, err := w.Calls.EndBySystem(ctx, rec.ID, calls.EndReasonMaxDuration)
		if w.outcome(ctx, "end_max_duration", rec.ID, err, rep) {
			rep.Ended++
		}
	}
	return nil
}

func (w *Watchdog) settleCompleted(ctx context.Context, now time.Time, rep *Report) error {
	cutoff := now.Add(-w.cfg.SettleGrace)
	recs, err := w.Store.List(ctx, calls.Query{States: []calls.State{calls.StateCompleted}, Settlement: calls.SettlementUnsettled, Limit: w.cfg.BatchSize})
	if err != nil {
		return fmt.Errorf("list unsettled: %w", err)
	}
	for _, rec := range recs {
		if rec.TerminatedAt != nil && !rec.TerminatedAt.Before(cutoff) {
			continue
		}
		_, err := w.Billing.Settle(ctx, rec.ID)
		if errors.Is(err, billing.ErrAlreadySettled) {
			continue
		}
		if w.outcome(ctx, "settle", rec.ID, err, rep) {
			rep.Settled++
		}
	}
	return nil
}

// reconcileLedger leaves insufficient_funds alone; those need a top-up and an admin
// reconcile first.
func (w *Watchdog) reconcileLedger(ctx context.Context, now time.Time, rep *Report) error {
	cutoff := now.Add(-w.cfg.SettleGrace)
	recs, err := w.Store.List(ctx, calls.Query{
		States:       []calls.State{calls.StateCompleted},
		Settlement:   calls.SettlementSettled,
		LedgerStates: []calls.LedgerStatus{calls.LedgerPending, calls.LedgerFailed},
		Limit:        w.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list unposted: %w", err)
	}
	for _, rec := range recs {
		if rec.LedgerStatus == calls.LedgerPending && !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		_, err := w.Billing.Reconcile(ctx, rec.ID)
		if w.outcome(ctx, "reconcile", rec.ID, err, rep) {
			rep.Reconciled++
		}
	}
	return nil
}

// outcome records the result of one repair and reports whether it took effect.
// Losing a race to a participant is not a failure.
func (w *Watchdog) outcome(ctx context.Context, action, callID string, err error, rep *Report) bool {
	switch {
	case err == nil:
		w.Metrics.RecordWatchdogAction(action)
		return true
	case errors.Is(err, calls.ErrStaleState), errors.Is(err, calls.ErrInFlight):
		return false
	default:
		rep.Failed++
		w.Metrics.RecordWatchdogAction(action + "_failed")
		logger.From(ctx).Warn("watchdog action failed", "action", action, "call_id", callID, "err", err)
		return false
	}
}

func (w *Watchdog) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Watchdog) log() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}
