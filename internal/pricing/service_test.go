package pricing

import (
	"context"
	"testing"
	"time"
)

func TestBillableMinutes(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int64
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Second, 1},
		{60 * time.Second, 1},
		{61 * time.Second, 2},
		{125 * time.Second, 3},
		{185 * time.Second, 4},
		{time.Minute + time.Millisecond, 2},
	}
	for _, c := range cases {
		if got := BillableMinutes(c.d); got != c.want {
			t.Fatalf("BillableMinutes(%v): expected %d, got %d", c.d, c.want, got)
		}
	}
}

func TestService_RateFallsBackToDefault(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, 5000, "INR")
	ctx := context.Background()

	r, err := svc.RatePerMinute(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !r.Default || r.RatePerMinuteMinor != 5000 || r.Currency != "INR" {
		t.Fatalf("unexpected default rate: %+v", r)
	}

	if _, err := svc.SetRate(ctx, "c1", 1200, "INR"); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	r, _ = svc.RatePerMinute(ctx, "c1")
	if r.Default || r.RatePerMinuteMinor != 1200 {
		t.Fatalf("expected stored rate, got %+v", r)
	}

	if _, err := svc.RatePerMinute(ctx, ""); err != ErrInvalidPricingReq {
		t.Fatalf("expected ErrInvalidPricingReq, got %v", err)
	}
}

func TestService_NoDefaultConfigured(t *testing.T) {
	svc := NewService(NewMemoryRepo(), 0, "")
	if _, err := svc.RatePerMinute(context.Background(), "c1"); err != ErrPricingNotFound {
		t.Fatalf("expected ErrPricingNotFound, got %v", err)
	}
}

func TestService_CalculateCallCostAndHold(t *testing.T) {
	svc := NewService(NewMemoryRepo(), 100, "INR")
	ctx := context.Background()

	cost, err := svc.CalculateCallCost(ctx, "c1", 185*time.Second)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cost.BillableMinutes != 4 || cost.TotalMinor != 400 {
		t.Fatalf("unexpected cost: %+v", cost)
	}

	hold, cur, err := svc.EstimateHold(ctx, "c1", 5)
	if err != nil || hold != 500 || cur != "INR" {
		t.Fatalf("unexpected hold: %d %s %v", hold, cur, err)
	}
}
