package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrConflictNotFound is returned when a conflict ID is unknown.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrAlreadyResolved is returned when a terminal conflict is resolved
	// again with a different outcome.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrStrategyNotApplicable is returned when a strategy cannot be used for
	// a conflict type, e.g. last_writer_wins on a deleted_conflict.
	ErrStrategyNotApplicable = errors.New("strategy not applicable to conflict type")

	// ErrManualResolution means the strategy defers the decision to a human.
	ErrManualResolution = errors.New("conflict requires manual resolution")

	// ErrNotLoaded is returned by the queue when Enqueue is called before
	// the persisted operations were replayed.
	ErrNotLoaded = errors.New("queue not loaded")

	// ErrOperationNotFound is returned when an operation ID is not queued.
	ErrOperationNotFound = errors.New("operation not found")
)

// TransientNetworkError wraps a backing store failure that is worth retrying.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ResolutionFailure means a strategy could not produce a valid result.
// The conflict stays unresolved and the strategy is not retried.
type ResolutionFailure struct {
	ConflictID string
	Strategy   Strategy
	Reason     string
	Err        error
}

func (e *ResolutionFailure) Error() string {
	msg := fmt.Sprintf("resolution of conflict %s with %s failed: %s", e.ConflictID, e.Strategy, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionFailure) Unwrap() error { return e.Err }

// PersistenceFailure wraps a local storage error. It is fatal to the
// affected operation only.
type PersistenceFailure struct {
	Op  string
	Err error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientNetworkError.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// IsResolutionFailure reports whether err is, or wraps, a ResolutionFailure.
func IsResolutionFailure(err error) bool {
	var rf *ResolutionFailure
	return errors.As(err, &rf)
}

// IsPersistenceFailure reports whether err is, or wraps, a PersistenceFailure.
func IsPersistenceFailure(err error) bool {
	var pf *PersistenceFailure
	return errors.As(err, &pf)
}
