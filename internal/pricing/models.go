package pricing

import "time"

// Amounts are expressed in minor units (e.g., paise) using int64.

// ConsultantRate is the per-minute price a consultant charges.
type ConsultantRate struct {
	ConsultantID string `json:"consultant_id" db:"consultant_id"`

	// RatePerMinuteMinor is the price per started minute.
	RatePerMinuteMinor int64  `json:"rate_per_minute_minor" db:"rate_per_minute_minor"`
	Currency           string `json:"currency" db:"currency"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Rate is the resolved price used for one computation.
type Rate struct {
	RatePerMinuteMinor int64  `json:"rate_per_minute_minor"`
	Currency           string `json:"currency"`

	// Default is true when the consultant has no rate of their own.
	Default bool `json:"default"`
}

// CallCost is the price of a call of a given duration.
type CallCost struct {
	ConsultantID string `json:"consultant_id"`
	Currency     string `json:"currency"`

	BillableMinutes    int64 `json:"billable_minutes"`
	RatePerMinuteMinor int64 `json:"rate_per_minute_minor"`
	TotalMinor         int64 `json:"total_minor"`
}
