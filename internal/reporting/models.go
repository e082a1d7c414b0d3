package reporting

import (
	"time"

	"consult-platform/internal/calls"
)

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ConsultantSummaryRequest requests aggregated call and earnings metrics for one
// consultant. Calls are bucketed by CreatedAt.
type ConsultantSummaryRequest struct {
	ConsultantID string    `json:"consultant_id"`
	Range        TimeRange `json:"range"`
}

type ConsultantSummary struct {
	ConsultantID string    `json:"consultant_id"`
	Range        TimeRange `json:"range"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	CancelledCalls int `json:"cancelled_calls"`
	MissedCalls    int `json:"missed_calls"`
	FailedCalls    int `json:"failed_calls"`
	OpenCalls      int `json:"open_calls"`

	TotalDurationSeconds   int64 `json:"total_duration_seconds"`
	AverageDurationSeconds int64 `json:"average_duration_seconds"`

	// Billing totals cover settled calls only.
	BilledMinutes     int64  `json:"billed_minutes"`
	BilledAmountMinor int64  `json:"billed_amount_minor"`
	Currency          string `json:"currency,omitempty"`
	UnsettledCalls    int    `json:"unsettled_calls"`
	UnpostedCalls     int    `json:"unposted_calls"`
}

// HistoryRequest lists the calls a user took part in, on either side.
type HistoryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
	Limit  int       `json:"limit"`
}

type History struct {
	UserID string             `json:"user_id"`
	Calls  []calls.CallRecord `json:"calls"`
}
