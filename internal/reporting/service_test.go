package reporting

import (
	"context"
	"testing"
	"time"

	"consult-platform/internal/calls"
)

type fakeRepo struct {
	rows []calls.CallRecord
}

func (f fakeRepo) List(ctx context.Context, q calls.Query) ([]calls.CallRecord, error) {
	var out []calls.CallRecord
	for _, r := range f.rows {
		if q.TargetID != "" && r.TargetID != q.TargetID {
			continue
		}
		if q.RequesterID != "" && r.RequesterID != q.RequesterID {
			continue
		}
		if !q.CreatedBefore.IsZero() && !r.CreatedAt.Before(q.CreatedBefore) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func i64(v int64) *int64 { return &v }

func settledCall(id, requester, target string, created time.Time, d time.Duration, minutes, amount int64, ledger calls.LedgerStatus) calls.CallRecord {
	accepted := created.Add(10 * time.Second)
	ended := accepted.Add(d)
	return calls.CallRecord{
		ID: id, RequesterID: requester, TargetID: target, State: calls.StateCompleted,
		CreatedAt: created, AcceptedAt: &accepted, TerminatedAt: &ended,
		Settlement: calls.SettlementSettled, BilledMinutes: i64(minutes), BilledAmountMinor: i64(amount),
		Currency: "INR", LedgerStatus: ledger,
	}
}

func TestReporting_ConsultantSummary(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	repo := fakeRepo{rows: []calls.CallRecord{
		settledCall("a", "s1", "c1", now, 185*time.Second, 4, 200, calls.LedgerPosted),
		settledCall("b", "s2", "c1", now, 55*time.Second, 1, 50, calls.LedgerInsufficientFunds),
		{ID: "c", RequesterID: "s3", TargetID: "c1", State: calls.StateCancelled, EndReason: calls.EndReasonTimeout, CreatedAt: now},
		{ID: "d", RequesterID: "s3", TargetID: "c1", State: calls.StateRejected, CreatedAt: now},
		{ID: "e", RequesterID: "s3", TargetID: "c1", State: calls.StateQueued, CreatedAt: now},
		// Other consultant and out of range.
		settledCall("f", "s1", "c2", now, time.Minute, 1, 50, calls.LedgerPosted),
		settledCall("g", "s1", "c1", now.Add(-48*time.Hour), time.Minute, 1, 50, calls.LedgerPosted),
	}}
	svc := NewService(repo)

	out, err := svc.ConsultantSummary(context.Background(), ConsultantSummaryRequest{
		ConsultantID: "c1",
		Range:        TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 5 || out.CompletedCalls != 2 || out.MissedCalls != 1 || out.RejectedCalls != 1 || out.OpenCalls != 1 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.BilledMinutes != 5 || out.BilledAmountMinor != 250 || out.Currency != "INR" {
		t.Fatalf("unexpected billing totals: %+v", out)
	}
	if out.UnpostedCalls != 1 {
		t.Fatalf("expected 1 unposted call, got %d", out.UnpostedCalls)
	}
	if out.TotalDurationSeconds != 240 || out.AverageDurationSeconds != 120 {
		t.Fatalf("unexpected durations: %+v", out)
	}
}

func TestReporting_HistoryBothSidesNewestFirst(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	repo := fakeRepo{rows: []calls.CallRecord{
		{ID: "old", RequesterID: "u", TargetID: "c1", State: calls.StateCompleted, CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "mid", RequesterID: "c2", TargetID: "u", State: calls.StateRejected, CreatedAt: now.Add(-time.Minute)},
		{ID: "new", RequesterID: "u", TargetID: "c3", State: calls.StatePending, CreatedAt: now},
		{ID: "other", RequesterID: "x", TargetID: "c1", State: calls.StatePending, CreatedAt: now},
	}}
	svc := NewService(repo)
	rng := TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}

	h, err := svc.History(context.Background(), HistoryRequest{UserID: "u", Range: rng})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(h.Calls) != 3 || h.Calls[0].ID != "new" || h.Calls[1].ID != "mid" || h.Calls[2].ID != "old" {
		t.Fatalf("unexpected history: %+v", h.Calls)
	}

	h, _ = svc.History(context.Background(), HistoryRequest{UserID: "u", Range: rng, Limit: 1})
	if len(h.Calls) != 1 || h.Calls[0].ID != "new" {
		t.Fatalf("expected limit to keep newest, got %+v", h.Calls)
	}
}

func TestReporting_RejectsInvalidRequests(t *testing.T) {
	svc := NewService(fakeRepo{})
	now := time.Now()
	if _, err := svc.ConsultantSummary(context.Background(), ConsultantSummaryRequest{ConsultantID: "c1"}); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.History(context.Background(), HistoryRequest{Range: TimeRange{From: now, To: now.Add(time.Hour)}}); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.History(context.Background(), HistoryRequest{UserID: "u", Range: TimeRange{From: now, To: now}}); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest for empty range, got %v", err)
	}
}
