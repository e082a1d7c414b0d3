package calls

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store useful for tests and local development.
// A single mutex makes UpdateIfState a true compare-and-swap.
//
// NOTE: records are lost on restart; use PostgresStore in production.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]CallRecord

	// clock is injectable for deterministic tests.
	clock func() time.Time
	newID func() string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]CallRecord), clock: time.Now, newID: uuid.NewString}
}

// WithClock replaces the store clock. Intended for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Create(ctx context.Context, in NewCall) (CallRecord, error) {
	if err := validateNewCall(&in); err != nil {
		return CallRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	rec := CallRecord{
		ID:           s.newID(),
		RequesterID:  in.RequesterID,
		TargetID:     in.TargetID,
		Kind:         in.Kind,
		State:        in.State,
		CreatedAt:    now,
		Settlement:   SettlementUnsettled,
		LedgerStatus: LedgerNone,
		Version:      1,
		UpdatedAt:    now,
	}
	s.items[rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) UpdateIfState(ctx context.Context, id string, expected State, patch Patch) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	if rec.State != expected {
		return CallRecord{}, ErrConflict
	}
	if patch.State == StateActive && rec.State != StateActive && s.countActiveLocked(rec.TargetID) > 0 {
		// A target holds at most one active call.
		return CallRecord{}, ErrConflict
	}
	out, err := applyPatch(rec, patch, s.clock())
	if err != nil {
		return CallRecord{}, err
	}
	s.items[id] = out
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, q Query) ([]CallRecord, error) {
	s.mu.Lock()
	out := make([]CallRecord, 0)
	for _, rec := range s.items {
		if q.matches(rec) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	SortFIFO(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountActive(ctx context.Context, targetID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveLocked(targetID), nil
}

func (s *MemoryStore) countActiveLocked(targetID string) int {
	n := 0
	for _, rec := range s.items {
		if rec.TargetID == targetID && rec.State == StateActive {
			n++
		}
	}
	return n
}

func validateNewCall(in *NewCall) error {
	if in.RequesterID == "" || in.TargetID == "" || in.RequesterID == in.TargetID {
		return ErrInvalidArgument
	}
	if !in.Kind.Valid() {
		return ErrInvalidArgument
	}
	if in.State == "" {
		in.State = StatePending
	}
	if in.State != StatePending && in.State != StateQueued {
		return ErrInvalidArgument
	}
	return nil
}
