package calls

import (
	"context"
	"errors"
	"fmt"

	"consult-platform/internal/metrics"
	"consult-platform/pkg/logger"
)

// QueueManager promotes queued calls to pending once a consultant is free.
//
// The queue is not a separate structure: it is the set of queued records for one
// target ordered by (CreatedAt, ID). Promotion is a conditional update, so two
// managers racing on the same target promote each record at most once.
type QueueManager struct {
	Store   Store
	Metrics *metrics.Metrics
}

func NewQueueManager(store Store, m *metrics.Metrics) *QueueManager {
	return &QueueManager{Store: store, Metrics: m}
}

// QueueEntry is a queued call with its 1-based position.
type QueueEntry struct {
	Position int        `json:"position"`
	Call     CallRecord `json:"call"`
}

// Queue returns the target's queued calls in promotion order.
func (q *QueueManager) Queue(ctx context.Context, targetID string) ([]QueueEntry, error) {
	if targetID == "" {
		return nil, ErrInvalidArgument
	}
	recs, err := q.Store.List(ctx, Query{TargetID: targetID, States: []State{StateQueued}})
	if err != nil {
		return nil, err
	}
	SortFIFO(recs)
	out := make([]QueueEntry, 0, len(recs))
	for i, r := range recs {
		out = append(out, QueueEntry{Position: i + 1, Call: r})
	}
	return out, nil
}

// PromoteNext moves the oldest queued call for targetID to pending, provided the
// target has no active call. It returns the promoted record and true, or false if
// nothing was promoted.
func (q *QueueManager) PromoteNext(ctx context.Context, targetID string) (CallRecord, bool, error) {
	active, err := q.Store.CountActive(ctx, targetID)
	if err != nil {
		return CallRecord{}, false, fmt.Errorf("promote: count active: %w", err)
	}
	if active > 0 {
		return CallRecord{}, false, nil
	}

	queued, err := q.Store.List(ctx, Query{TargetID: targetID, States: []State{StateQueued}})
	if err != nil {
		return CallRecord{}, false, fmt.Errorf("promote: list queued: %w", err)
	}
	SortFIFO(queued)

	for _, head := range queued {
		rec, err := q.Store.UpdateIfState(ctx, head.ID, StateQueued, Patch{State: StatePending})
		if err == nil {
			q.Metrics.RecordTransition(string(StateQueued), string(StatePending))
			q.Metrics.RecordPromotion()
			logger.From(ctx).Info("call promoted", "call_id", rec.ID, "target_id", targetID, "from", StateQueued, "to", StatePending)
			return rec, true, nil
		}
		if errors.Is(err, ErrConflict) {
			// Cancelled, timed out or promoted by someone else meanwhile.
			q.Metrics.RecordConflict("promote")
			continue
		}
		return CallRecord{}, false, fmt.Errorf("promote %s: %w", head.ID, err)
	}
	return CallRecord{}, false, nil
}
