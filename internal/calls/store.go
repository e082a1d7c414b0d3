package calls

import (
	"context"
	"sort"
	"time"
)

// Store persists call records.
//
// UpdateIfState is the only concurrency primitive the rest of the system relies on:
// it must check State == expected and apply the patch as one atomic step, failing
// with ErrConflict otherwise. Implementations never apply a patch partially.
type Store interface {
	Create(ctx context.Context, in NewCall) (CallRecord, error)
	Get(ctx context.Context, id string) (CallRecord, error)
	UpdateIfState(ctx context.Context, id string, expected State, patch Patch) (CallRecord, error)

	// List returns records matching q ordered by (CreatedAt, ID) ascending.
	List(ctx context.Context, q Query) ([]CallRecord, error)
	CountActive(ctx context.Context, targetID string) (int, error)
}

// Publisher receives every committed change. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// WithNotifications wraps s so that each successful Create and UpdateIfState is
// published as a full snapshot.
func WithNotifications(s Store, pub Publisher) Store {
	if pub == nil {
		return s
	}
	return notifyingStore{Store: s, pub: pub}
}

type notifyingStore struct {
	Store
	pub Publisher
}

func (n notifyingStore) Create(ctx context.Context, in NewCall) (CallRecord, error) {
	rec, err := n.Store.Create(ctx, in)
	if err != nil {
		return CallRecord{}, err
	}
	n.pub.Publish(Event{Record: rec})
	return rec, nil
}

func (n notifyingStore) UpdateIfState(ctx context.Context, id string, expected State, patch Patch) (CallRecord, error) {
	rec, err := n.Store.UpdateIfState(ctx, id, expected, patch)
	if err != nil {
		return CallRecord{}, err
	}
	n.pub.Publish(Event{Record: rec})
	return rec, nil
}

// applyPatch returns rec with patch applied, or ErrConflict if the patch would
// overwrite a write-once field or settle an already settled record.
func applyPatch(rec CallRecord, patch Patch, now time.Time) (CallRecord, error) {
	if patch.RoomToken != "" && rec.RoomToken != "" {
		return CallRecord{}, ErrConflict
	}
	if patch.AcceptedAt != nil && rec.AcceptedAt != nil {
		return CallRecord{}, ErrConflict
	}
	if patch.TerminatedAt != nil && rec.TerminatedAt != nil {
		return CallRecord{}, ErrConflict
	}
	if (patch.BilledMinutes != nil && rec.BilledMinutes != nil) || (patch.BilledAmountMinor != nil && rec.BilledAmountMinor != nil) {
		return CallRecord{}, ErrConflict
	}
	if patch.Settlement == SettlementSettled && rec.Settlement != SettlementUnsettled {
		return CallRecord{}, ErrConflict
	}

	out := rec
	if patch.State != "" {
		out.State = patch.State
	}
	if patch.RoomToken != "" {
		out.RoomToken = patch.RoomToken
	}
	if patch.AcceptedAt != nil {
		t := patch.AcceptedAt.UTC()
		out.AcceptedAt = &t
	}
	if patch.TerminatedAt != nil {
		t := patch.TerminatedAt.UTC()
		out.TerminatedAt = &t
	}
	if patch.EndReason != "" {
		out.EndReason = patch.EndReason
	}
	if patch.EndedBy != "" {
		out.EndedBy = patch.EndedBy
	}
	if patch.Settlement != "" {
		out.Settlement = patch.Settlement
	}
	if patch.BilledMinutes != nil {
		v := *patch.BilledMinutes
		out.BilledMinutes = &v
	}
	if patch.BilledAmountMinor != nil {
		v := *patch.BilledAmountMinor
		out.BilledAmountMinor = &v
	}
	if patch.RatePerMinuteMinor != 0 {
		out.RatePerMinuteMinor = patch.RatePerMinuteMinor
	}
	if patch.Currency != "" {
		out.Currency = patch.Currency
	}
	if patch.LedgerStatus != "" {
		out.LedgerStatus = patch.LedgerStatus
	}
	out.Version++
	out.UpdatedAt = now.UTC()
	return out, nil
}

func (q Query) matches(rec CallRecord) bool {
	if q.TargetID != "" && rec.TargetID != q.TargetID {
		return false
	}
	if q.RequesterID != "" && rec.RequesterID != q.RequesterID {
		return false
	}
	if len(q.States) > 0 && !containsState(q.States, rec.State) {
		return false
	}
	if !q.CreatedBefore.IsZero() && !rec.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	if q.Settlement != "" && rec.Settlement != q.Settlement {
		return false
	}
	if len(q.LedgerStates) > 0 {
		found := false
		for _, s := range q.LedgerStates {
			if rec.LedgerStatus == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsState(states []State, s State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

// SortFIFO orders records by (CreatedAt, ID) ascending.
func SortFIFO(recs []CallRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
