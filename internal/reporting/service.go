package reporting

import (
	"context"
	"errors"
	"sort"

	"consult-platform/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Repository abstracts data access for reporting. calls.Store satisfies it.
//
// IMPORTANT:
// - Reads only; reporting never mutates call records.
// - Callers scope requests to the authenticated user before they get here.
type Repository interface {
	List(ctx context.Context, q calls.Query) ([]calls.CallRecord, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) ConsultantSummary(ctx context.Context, req ConsultantSummaryRequest) (ConsultantSummary, error) {
	if req.ConsultantID == "" || !validRange(req.Range) {
		return ConsultantSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return ConsultantSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.List(ctx, calls.Query{TargetID: req.ConsultantID, CreatedBefore: req.Range.To})
	if err != nil {
		return ConsultantSummary{}, err
	}

	out := ConsultantSummary{ConsultantID: req.ConsultantID, Range: req.Range}
	var connected int64
	for _, c := range inRange(rows, req.Range) {
		out.TotalCalls++
		switch c.State {
		case calls.StateCompleted:
			out.CompletedCalls++
			connected++
			out.TotalDurationSeconds += int64(c.Duration().Seconds())
		case calls.StateRejected:
			out.RejectedCalls++
		case calls.StateCancelled:
			if c.EndReason == calls.EndReasonTimeout {
				out.MissedCalls++
			} else {
				out.CancelledCalls++
			}
		case calls.StateFailed:
			out.FailedCalls++
		case calls.StatePending, calls.StateQueued, calls.StateActive:
			out.OpenCalls++
		}

		if c.State != calls.StateCompleted {
			continue
		}
		if c.Settlement != calls.SettlementSettled {
			out.UnsettledCalls++
			continue
		}
		if c.BilledMinutes != nil {
			out.BilledMinutes += *c.BilledMinutes
		}
		if c.BilledAmountMinor != nil {
			out.BilledAmountMinor += *c.BilledAmountMinor
		}
		if out.Currency == "" {
			out.Currency = c.Currency
		}
		if c.LedgerStatus != calls.LedgerPosted {
			out.UnpostedCalls++
		}
	}
	if connected > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / connected
	}
	return out, nil
}

// History returns the user's calls newest first.
func (s *Service) History(ctx context.Context, req HistoryRequest) (History, error) {
	if req.UserID == "" || !validRange(req.Range) || req.Limit < 0 {
		return History{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return History{}, errors.New("reporting: repository not configured")
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	asRequester, err := s.repo.List(ctx, calls.Query{RequesterID: req.UserID, CreatedBefore: req.Range.To})
	if err != nil {
		return History{}, err
	}
	asTarget, err := s.repo.List(ctx, calls.Query{TargetID: req.UserID, CreatedBefore: req.Range.To})
	if err != nil {
		return History{}, err
	}

	rows := inRange(append(asRequester, asTarget...), req.Range)
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return History{UserID: req.UserID, Calls: rows}, nil
}

func validRange(r TimeRange) bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

func inRange(rows []calls.CallRecord, r TimeRange) []calls.CallRecord {
	out := make([]calls.CallRecord, 0, len(rows))
	for _, c := range rows {
		if c.CreatedAt.Before(r.From) || !c.CreatedAt.Before(r.To) {
			continue
		}
		out = append(out, c)
	}
	return out
}
