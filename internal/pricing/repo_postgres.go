package pricing

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresRepo reads and writes the consultant_rates table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) FindRate(ctx context.Context, consultantID string) (ConsultantRate, bool, error) {
	const q = `
SELECT consultant_id, rate_per_minute_minor, currency, updated_at
FROM consultant_rates
WHERE consultant_id = $1
`
	var out ConsultantRate
	err := r.db.QueryRowContext(ctx, q, consultantID).Scan(
		&out.ConsultantID,
		&out.RatePerMinuteMinor,
		&out.Currency,
		&out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConsultantRate{}, false, nil
		}
		return ConsultantRate{}, false, err
	}
	return out, true, nil
}

func (r *PostgresRepo) UpsertRate(ctx context.Context, rate ConsultantRate) error {
	const q = `
INSERT INTO consultant_rates (consultant_id, rate_per_minute_minor, currency, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (consultant_id)
DO UPDATE SET rate_per_minute_minor = EXCLUDED.rate_per_minute_minor,
              currency = EXCLUDED.currency,
              updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q, rate.ConsultantID, rate.RatePerMinuteMinor, rate.Currency, rate.UpdatedAt)
	return err
}
