package calls

import "errors"

var (
	// ErrNotFound means the call ID does not exist. Always surfaced to the caller.
	ErrNotFound = errors.New("call not found")

	// ErrConflict is returned by Store.UpdateIfState when the expected state did not
	// match, or when a write-once field is already set. Nothing was written.
	ErrConflict = errors.New("call state conflict")

	// ErrStaleState is the engine-level form of ErrConflict: the transition was
	// attempted against a state the record is no longer in.
	ErrStaleState = errors.New("call is no longer available")

	ErrForbidden       = errors.New("actor not allowed for this call")
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInFlight means the same actor already has this action running in this
	// process. The invocation was abandoned without side effects.
	ErrInFlight = errors.New("action already in progress")

	// ErrProvision means the media service could not issue a join credential. The
	// call has been moved to StateFailed.
	ErrProvision = errors.New("failed to join, please retry")
)
