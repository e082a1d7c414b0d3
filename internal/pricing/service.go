package pricing

import (
	"context"
	"errors"
	"time"
)

// Service resolves consultant rates and computes call costs.
//
// Contract:
//   - Rates are read at the moment of the computation; nothing is cached.
//   - A consultant without a stored rate is charged the configured default.
//   - Pure calculation + repository lookups.
type Service struct {
	repo RateRepository

	defaultRateMinor int64
	currency         string

	clock func() time.Time
}

// RateRepository abstracts pricing persistence.
type RateRepository interface {
	FindRate(ctx context.Context, consultantID string) (ConsultantRate, bool, error)
	UpsertRate(ctx context.Context, r ConsultantRate) error
}

func NewService(repo RateRepository, defaultRateMinor int64, currency string) *Service {
	return &Service{repo: repo, defaultRateMinor: defaultRateMinor, currency: currency, clock: time.Now}
}

var (
	ErrPricingNotFound   = errors.New("pricing not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
)

// RatePerMinute returns the consultant's current rate, or the default rate.
func (s *Service) RatePerMinute(ctx context.Context, consultantID string) (Rate, error) {
	if consultantID == "" {
		return Rate{}, ErrInvalidPricingReq
	}
	if s.repo != nil {
		r, ok, err := s.repo.FindRate(ctx, consultantID)
		if err != nil {
			return Rate{}, err
		}
		if ok {
			return Rate{RatePerMinuteMinor: r.RatePerMinuteMinor, Currency: r.Currency}, nil
		}
	}
	if s.defaultRateMinor <= 0 || s.currency == "" {
		return Rate{}, ErrPricingNotFound
	}
	return Rate{RatePerMinuteMinor: s.defaultRateMinor, Currency: s.currency, Default: true}, nil
}

// CalculateCallCost prices a call that lasted d.
func (s *Service) CalculateCallCost(ctx context.Context, consultantID string, d time.Duration) (CallCost, error) {
	if d < 0 {
		return CallCost{}, ErrInvalidPricingReq
	}
	rate, err := s.RatePerMinute(ctx, consultantID)
	if err != nil {
		return CallCost{}, err
	}
	minutes := BillableMinutes(d)
	return CallCost{
		ConsultantID:       consultantID,
		Currency:           rate.Currency,
		BillableMinutes:    minutes,
		RatePerMinuteMinor: rate.RatePerMinuteMinor,
		TotalMinor:         minutes * rate.RatePerMinuteMinor,
	}, nil
}

// EstimateHold is the balance a requester must hold to start a call: the given
// number of minutes at the consultant's current rate.
func (s *Service) EstimateHold(ctx context.Context, consultantID string, minutes int64) (int64, string, error) {
	if minutes <= 0 {
		return 0, "", ErrInvalidPricingReq
	}
	rate, err := s.RatePerMinute(ctx, consultantID)
	if err != nil {
		return 0, "", err
	}
	return rate.RatePerMinuteMinor * minutes, rate.Currency, nil
}

// SetRate stores a consultant's rate.
func (s *Service) SetRate(ctx context.Context, consultantID string, rateMinor int64, currency string) (ConsultantRate, error) {
	if consultantID == "" || rateMinor < 0 || currency == "" {
		return ConsultantRate{}, ErrInvalidPricingReq
	}
	if s.repo == nil {
		return ConsultantRate{}, errors.New("pricing: repository not configured")
	}
	r := ConsultantRate{
		ConsultantID:       consultantID,
		RatePerMinuteMinor: rateMinor,
		Currency:           currency,
		UpdatedAt:          s.clock().UTC(),
	}
	if err := s.repo.UpsertRate(ctx, r); err != nil {
		return ConsultantRate{}, err
	}
	return r, nil
}

// BillableMinutes rounds a duration up to whole started minutes.
// Zero bills zero; any partial minute bills a full one.
func BillableMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	m := int64(d / time.Minute)
	if d%time.Minute != 0 {
		m++
	}
	return m
}
