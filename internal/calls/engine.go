package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/guard"
	"consult-platform/internal/media"
	"consult-platform/internal/metrics"
	"consult-platform/pkg/logger"
)

// Engine applies call lifecycle transitions.
//
// Every transition is a conditional update keyed on the state the engine just
// observed, so concurrent actors resolve to exactly one winner without any lock
// spanning processes. Guard only debounces duplicate requests inside this process.
type Engine struct {
	Store   Store
	Queue   *QueueManager
	Guard   *guard.ActorLock
	Media   media.Provisioner
	Settler Settler

	// Publisher delivers per-participant grant events. Record snapshots are
	// published by the store decorator, not here.
	Publisher Publisher
	Audit     Auditor
	Metrics   *metrics.Metrics

	Now func() time.Time
}

// Settler is handed every call that reaches completed. It must not block.
type Settler interface {
	SettleAsync(callID string)
}

// Auditor records lifecycle anomalies. Failures are logged and ignored.
type Auditor interface {
	Append(ctx context.Context, e audit.Event) error
}

// Session is what the accepting consultant receives.
type Session struct {
	Call       CallRecord       `json:"call"`
	Credential media.Credential `json:"credential"`
}

func NewEngine(store Store, queue *QueueManager, provisioner media.Provisioner) *Engine {
	return &Engine{
		Store: store,
		Queue: queue,
		Guard: guard.NewActorLock(),
		Media: provisioner,
		Now:   time.Now,
	}
}

// RequestCall creates a call from requesterID to targetID. The call is queued when
// the target is already in an active call and pending otherwise.
func (e *Engine) RequestCall(ctx context.Context, requesterID, targetID string, kind Kind) (CallRecord, error) {
	if requesterID == "" || targetID == "" || requesterID == targetID || !kind.Valid() {
		return CallRecord{}, ErrInvalidArgument
	}

	active, err := e.Store.CountActive(ctx, targetID)
	if err != nil {
		return CallRecord{}, fmt.Errorf("request call: %w", err)
	}
	state := StatePending
	if active > 0 {
		state = StateQueued
	}

	rec, err := e.Store.Create(ctx, NewCall{RequesterID: requesterID, TargetID: targetID, Kind: kind, State: state})
	if err != nil {
		return CallRecord{}, fmt.Errorf("request call: %w", err)
	}
	e.Metrics.RecordTransition("", string(rec.State))
	logger.From(ctx).Info("call requested", "call_id", rec.ID, "requester_id", requesterID, "target_id", targetID, "kind", kind, "to", rec.State)

	if rec.State == StateQueued {
		// The active call may have ended between the count and the create, in
		// which case nobody else is left to promote this one.
		if promoted, ok := e.promote(ctx, targetID); ok && promoted.ID == rec.ID {
			return promoted, nil
		}
		if cur, err := e.Store.Get(ctx, rec.ID); err == nil {
			rec = cur
		}
	}
	return rec, nil
}

// Accept moves a pending call to active and issues media credentials to both
// parties. The consultant's credential is returned; the requester's is published
// as a grant event addressed only to the requester. A consultant already in an
// active call gets ErrStaleState; the other pending call keeps waiting.
func (e *Engine) Accept(ctx context.Context, callID, actorID string) (Session, error) {
	var out Session
	err := e.guarded(actorID, guard.ClassAccept, func() error {
		rec, err := e.Store.Get(ctx, callID)
		if err != nil {
			return err
		}
		if rec.TargetID != actorID {
			return ErrForbidden
		}
		if rec.State != StatePending {
			return ErrStaleState
		}
		busy, err := e.Store.CountActive(ctx, rec.TargetID)
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		if busy > 0 {
			return ErrStaleState
		}

		now := e.now()
		active, err := e.Store.UpdateIfState(ctx, callID, StatePending, Patch{
			State:      StateActive,
			RoomToken:  roomToken(rec),
			AcceptedAt: &now,
		})
		if err != nil {
			return e.conflict("accept", err)
		}
		e.transitioned(ctx, active, StatePending)

		consultant, err := e.Media.Provision(ctx, active.RoomToken, active.TargetID, media.RoleConsultant)
		if err != nil {
			return e.failProvision(ctx, active, err)
		}
		seeker, err := e.Media.Provision(ctx, active.RoomToken, active.RequesterID, media.RoleSeeker)
		if err != nil {
			return e.failProvision(ctx, active, err)
		}

		if e.Publisher != nil {
			e.Publisher.Publish(Event{Record: active, Grant: grantFor(active.RequesterID, seeker)})
		}
		out = Session{Call: active, Credential: consultant}
		return nil
	})
	return out, err
}

// Reject moves a pending call to rejected. Only the target may reject.
func (e *Engine) Reject(ctx context.Context, callID, actorID string) (CallRecord, error) {
	var out CallRecord
	err := e.guarded(actorID, guard.ClassReject, func() error {
		rec, err := e.Store.Get(ctx, callID)
		if err != nil {
			return err
		}
		if rec.TargetID != actorID {
			return ErrForbidden
		}
		if rec.State != StatePending {
			return ErrStaleState
		}
		out, err = e.terminate(ctx, rec, StateRejected, EndReasonRejected, actorID)
		return err
	})
	return out, err
}

// Cancel withdraws a pending or queued call. Only the requester may cancel.
func (e *Engine) Cancel(ctx context.Context, callID, actorID string) (CallRecord, error) {
	var out CallRecord
	err := e.guarded(actorID, guard.ClassCancel, func() error {
		rec, err := e.Store.Get(ctx, callID)
		if err != nil {
			return err
		}
		if rec.RequesterID != actorID {
			return ErrForbidden
		}
		if rec.State != StatePending && rec.State != StateQueued {
			return ErrStaleState
		}
		out, err = e.terminate(ctx, rec, StateCancelled, EndReasonCancelled, actorID)
		return err
	})
	return out, err
}

// EndCall completes an active call on behalf of a participant. Ending a call that
// is already completed returns the completed record without error.
func (e *Engine) EndCall(ctx context.Context, callID, actorID string, reason EndReason) (CallRecord, error) {
	var out CallRecord
	err := e.guarded(actorID, guard.ClassEnd, func() error {
		rec, err := e.Store.Get(ctx, callID)
		if err != nil {
			return err
		}
		if !rec.IsParticipant(actorID) {
			return ErrForbidden
		}
		out, err = e.complete(ctx, rec, actorID, reason)
		return err
	})
	return out, err
}

// EndBySystem completes an active call without a participant check. Used by the
// media webhook (disconnect) and the watchdog (max duration).
func (e *Engine) EndBySystem(ctx context.Context, callID string, reason EndReason) (CallRecord, error) {
	rec, err := e.Store.Get(ctx, callID)
	if err != nil {
		return CallRecord{}, err
	}
	return e.complete(ctx, rec, ActorSystem, reason)
}

// Join re-issues a credential to a participant of an active call, for reconnects.
// A failure here does not change the call.
func (e *Engine) Join(ctx context.Context, callID, actorID string) (media.Credential, error) {
	rec, err := e.Store.Get(ctx, callID)
	if err != nil {
		return media.Credential{}, err
	}
	if !rec.IsParticipant(actorID) {
		return media.Credential{}, ErrForbidden
	}
	if rec.State != StateActive {
		return media.Credential{}, ErrStaleState
	}
	role := media.RoleSeeker
	if actorID == rec.TargetID {
		role = media.RoleConsultant
	}
	cred, err := e.Media.Provision(ctx, rec.RoomToken, actorID, role)
	if err != nil {
		e.Metrics.RecordProvisionFailure()
		logger.From(ctx).Warn("join provision failed", "call_id", rec.ID, "actor_id", actorID, "err", err)
		return media.Credential{}, fmt.Errorf("%w: %w", ErrProvision, err)
	}
	return cred, nil
}

// Timeout cancels a pending or queued call that nobody acted on in time.
func (e *Engine) Timeout(ctx context.Context, rec CallRecord) (CallRecord, error) {
	if rec.State != StatePending && rec.State != StateQueued {
		return CallRecord{}, ErrStaleState
	}
	out, err := e.terminate(ctx, rec, StateCancelled, EndReasonTimeout, ActorSystem)
	if err != nil {
		return CallRecord{}, err
	}
	e.audit(ctx, audit.EventTypeCallTimeout, out, "call timed out in state "+string(rec.State))
	return out, nil
}

func (e *Engine) complete(ctx context.Context, rec CallRecord, actorID string, reason EndReason) (CallRecord, error) {
	if rec.State == StateCompleted {
		return rec, nil
	}
	if rec.State != StateActive {
		return CallRecord{}, ErrStaleState
	}
	if reason == "" {
		reason = EndReasonEnded
	}

	now := e.now()
	out, err := e.Store.UpdateIfState(ctx, rec.ID, StateActive, Patch{
		State:        StateCompleted,
		TerminatedAt: &now,
		EndReason:    reason,
		EndedBy:      actorID,
	})
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			return CallRecord{}, err
		}
		// The other participant (or a sweep) may have ended it first.
		cur, gerr := e.Store.Get(ctx, rec.ID)
		if gerr == nil && cur.State == StateCompleted {
			return cur, nil
		}
		return CallRecord{}, e.conflict("end", err)
	}
	e.transitioned(ctx, out, StateActive)

	if e.Settler != nil {
		e.Settler.SettleAsync(out.ID)
	}
	e.promote(ctx, out.TargetID)
	return out, nil
}

// terminate moves rec from its observed pre-active state to a terminal one.
func (e *Engine) terminate(ctx context.Context, rec CallRecord, to State, reason EndReason, actorID string) (CallRecord, error) {
	now := e.now()
	out, err := e.Store.UpdateIfState(ctx, rec.ID, rec.State, Patch{
		State:        to,
		TerminatedAt: &now,
		EndReason:    reason,
		EndedBy:      actorID,
	})
	if err != nil {
		return CallRecord{}, e.conflict(string(to), err)
	}
	e.transitioned(ctx, out, rec.State)
	if rec.State == StatePending {
		e.promote(ctx, out.TargetID)
	}
	return out, nil
}

func (e *Engine) failProvision(ctx context.Context, active CallRecord, cause error) error {
	e.Metrics.RecordProvisionFailure()
	log := logger.From(ctx)

	now := e.now()
	failed, err := e.Store.UpdateIfState(ctx, active.ID, StateActive, Patch{
		State:        StateFailed,
		TerminatedAt: &now,
		EndReason:    EndReasonProvisionFailed,
		EndedBy:      ActorSystem,
	})
	if err != nil {
		log.Error("mark call failed", "call_id", active.ID, "err", err)
	} else {
		e.transitioned(ctx, failed, StateActive)
		e.audit(ctx, audit.EventTypeProvisionFailed, failed, cause.Error())
		e.promote(ctx, failed.TargetID)
	}
	log.Warn("media provision failed", "call_id", active.ID, "room", active.RoomToken, "err", cause)
	return fmt.Errorf("%w: %w", ErrProvision, cause)
}

func (e *Engine) promote(ctx context.Context, targetID string) (CallRecord, bool) {
	if e.Queue == nil {
		return CallRecord{}, false
	}
	rec, ok, err := e.Queue.PromoteNext(ctx, targetID)
	if err != nil {
		logger.From(ctx).Error("queue promotion failed", "target_id", targetID, "err", err)
		return CallRecord{}, false
	}
	return rec, ok
}

func (e *Engine) guarded(actorID string, class guard.Class, fn func() error) error {
	if e.Guard == nil {
		return fn()
	}
	ran, err := e.Guard.Do(actorID, class, fn)
	if !ran {
		e.Metrics.RecordInFlight(string(class))
		return ErrInFlight
	}
	return err
}

func (e *Engine) conflict(op string, err error) error {
	if errors.Is(err, ErrConflict) {
		e.Metrics.RecordConflict(op)
		return ErrStaleState
	}
	return err
}

func (e *Engine) transitioned(ctx context.Context, rec CallRecord, from State) {
	e.Metrics.RecordTransition(string(from), string(rec.State))
	logger.From(ctx).Info("call transition",
		"call_id", rec.ID,
		"from", from,
		"to", rec.State,
		"version", rec.Version,
	)
}

func (e *Engine) audit(ctx context.Context, typ audit.EventType, rec CallRecord, msg string) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.Append(ctx, audit.Event{
		Type:        typ,
		ActorUserID: rec.EndedBy,
		CallID:      rec.ID,
		Message:     msg,
	}); err != nil {
		logger.From(ctx).Warn("audit append failed", "call_id", rec.ID, "type", typ, "err", err)
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

const roomPrefix = "consult-"

func roomToken(rec CallRecord) string {
	return roomPrefix + rec.ID + "-" + string(rec.Kind)
}

// CallIDFromRoom recovers the call ID from a media room name.
func CallIDFromRoom(room string) (string, bool) {
	rest, ok := strings.CutPrefix(room, roomPrefix)
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 || !Kind(rest[i+1:]).Valid() {
		return "", false
	}
	return rest[:i], true
}

func grantFor(participantID string, c media.Credential) *Grant {
	return &Grant{
		ParticipantID: participantID,
		JoinAddress:   c.JoinAddress,
		Token:         c.Token,
		Identity:      c.Identity,
		ExpiresAt:     c.ExpiresAt,
	}
}
