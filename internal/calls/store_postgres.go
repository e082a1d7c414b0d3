package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"consult-platform/pkg/utils"
)

// NOTE: PostgresStore assumes the calls table from pkg/utils/migrations exists.
// Text columns that are "unset" hold '' rather than NULL; timestamps and billed
// amounts are nullable.

const callColumns = `id, requester_id, target_id, kind, state, room_token, created_at, accepted_at,
terminated_at, end_reason, ended_by, settlement_status, billed_minutes, billed_amount_minor,
rate_per_minute_minor, currency, ledger_status, version, updated_at`

// PostgresStore is the durable Store. Conditional updates are a single
// UPDATE ... WHERE state = $expected statement, so the row lock taken by Postgres
// is the only serialization point.
type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) Create(ctx context.Context, in NewCall) (CallRecord, error) {
	if err := validateNewCall(&in); err != nil {
		return CallRecord{}, err
	}
	now := s.clock().UTC()
	q := `
INSERT INTO calls (id, requester_id, target_id, kind, state, created_at, settlement_status, ledger_status, version, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$6)
RETURNING ` + callColumns

	rec, err := scanCall(s.db.QueryRowContext(ctx, q,
		uuid.NewString(),
		in.RequesterID,
		in.TargetID,
		in.Kind,
		in.State,
		now,
		SettlementUnsettled,
		LedgerNone,
	))
	if err != nil {
		return CallRecord{}, fmt.Errorf("create call: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (CallRecord, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	rec, err := scanCall(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

// UpdateIfState applies patch only if the row is in state expected and none of the
// write-once columns the patch touches are already set.
func (s *PostgresStore) UpdateIfState(ctx context.Context, id string, expected State, patch Patch) (CallRecord, error) {
	q := `
UPDATE calls SET
  state                 = COALESCE($3::text, state),
  room_token            = COALESCE($4::text, room_token),
  accepted_at           = COALESCE($5::timestamptz, accepted_at),
  terminated_at         = COALESCE($6::timestamptz, terminated_at),
  end_reason            = COALESCE($7::text, end_reason),
  ended_by              = COALESCE($8::text, ended_by),
  settlement_status     = COALESCE($9::text, settlement_status),
  billed_minutes        = COALESCE($10::bigint, billed_minutes),
  billed_amount_minor   = COALESCE($11::bigint, billed_amount_minor),
  rate_per_minute_minor = COALESCE($12::bigint, rate_per_minute_minor),
  currency              = COALESCE($13::text, currency),
  ledger_status         = COALESCE($14::text, ledger_status),
  version               = version + 1,
  updated_at            = $15
WHERE id = $1 AND state = $2
  AND ($4::text IS NULL OR room_token = '')
  AND ($5::timestamptz IS NULL OR accepted_at IS NULL)
  AND ($6::timestamptz IS NULL OR terminated_at IS NULL)
  AND ($10::bigint IS NULL OR billed_minutes IS NULL)
  AND ($11::bigint IS NULL OR billed_amount_minor IS NULL)
  AND ($9::text IS DISTINCT FROM 'settled' OR settlement_status = 'unsettled')
RETURNING ` + callColumns

	rec, err := scanCall(s.db.QueryRowContext(ctx, q,
		id,
		expected,
		nullText(string(patch.State)),
		nullText(patch.RoomToken),
		nullTime(patch.AcceptedAt),
		nullTime(patch.TerminatedAt),
		nullText(string(patch.EndReason)),
		nullText(patch.EndedBy),
		nullText(string(patch.Settlement)),
		nullInt(patch.BilledMinutes),
		nullInt(patch.BilledAmountMinor),
		nullNonZero(patch.RatePerMinuteMinor),
		nullText(patch.Currency),
		nullText(string(patch.LedgerStatus)),
		s.clock().UTC(),
	))
	if err == nil {
		return rec, nil
	}
	if utils.IsUniqueViolation(err) {
		// calls_one_active_per_target: the consultant went active elsewhere.
		return CallRecord{}, ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("update call: %w", err)
	}

	// Zero rows: distinguish a missing record from a lost race.
	if _, gerr := s.Get(ctx, id); gerr != nil {
		return CallRecord{}, gerr
	}
	return CallRecord{}, ErrConflict
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]CallRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if q.TargetID != "" {
		add("target_id = ?", q.TargetID)
	}
	if q.RequesterID != "" {
		add("requester_id = ?", q.RequesterID)
	}
	if len(q.States) > 0 {
		states := make([]string, 0, len(q.States))
		for _, st := range q.States {
			states = append(states, string(st))
		}
		add("state = ANY(?::text[])", states)
	}
	if !q.CreatedBefore.IsZero() {
		add("created_at < ?", q.CreatedBefore.UTC())
	}
	if q.Settlement != "" {
		add("settlement_status = ?", string(q.Settlement))
	}
	if len(q.LedgerStates) > 0 {
		ls := make([]string, 0, len(q.LedgerStates))
		for _, st := range q.LedgerStates {
			ls = append(ls, string(st))
		}
		add("ledger_status = ANY(?::text[])", ls)
	}

	stmt := `SELECT ` + callColumns + ` FROM calls`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountActive(ctx context.Context, targetID string) (int, error) {
	const q = `SELECT COUNT(*) FROM calls WHERE target_id = $1 AND state = 'active'`
	var n int
	if err := s.db.QueryRowContext(ctx, q, targetID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var (
		rec                        CallRecord
		acceptedAt, terminatedAt   sql.NullTime
		billedMinutes, billedMinor sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.RequesterID,
		&rec.TargetID,
		&rec.Kind,
		&rec.State,
		&rec.RoomToken,
		&rec.CreatedAt,
		&acceptedAt,
		&terminatedAt,
		&rec.EndReason,
		&rec.EndedBy,
		&rec.Settlement,
		&billedMinutes,
		&billedMinor,
		&rec.RatePerMinuteMinor,
		&rec.Currency,
		&rec.LedgerStatus,
		&rec.Version,
		&rec.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if acceptedAt.Valid {
		t := acceptedAt.Time.UTC()
		rec.AcceptedAt = &t
	}
	if terminatedAt.Valid {
		t := terminatedAt.Time.UTC()
		rec.TerminatedAt = &t
	}
	if billedMinutes.Valid {
		v := billedMinutes.Int64
		rec.BilledMinutes = &v
	}
	if billedMinor.Valid {
		v := billedMinor.Int64
		rec.BilledAmountMinor = &v
	}
	return rec, nil
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullNonZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
