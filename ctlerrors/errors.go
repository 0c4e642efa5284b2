// Package ctlerrors defines the error taxonomy shared by every pool
// control-plane package: sentinel errors for comparison with errors.Is,
// and PoolError for attaching operation/reason context without losing
// the underlying cause.
package ctlerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Compare with errors.Is, never by string match.
var (
	// ErrNoAvailableCredential means selectKey's available set was empty
	// after exclusion but fallback also produced nothing selectable.
	ErrNoAvailableCredential = errors.New("no available credential")

	// ErrAllModelsCoolingDown means every candidate in every reachable
	// tier is in cooldown or at max concurrency.
	ErrAllModelsCoolingDown = errors.New("all candidate models cooling down")

	// ErrCircuitOpen is for callers of breaker.Breaker.IsAvailable that
	// choose to surface a refusal rather than silently skip the candidate.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidConfiguration means config.Validate rejected the config.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrMissingConfiguration means a required key was not supplied and
	// has no safe default.
	ErrMissingConfiguration = errors.New("missing required configuration")

	// ErrInvariantViolation marks a condition spec.md §3.2/§7 kind 5
	// calls fatal: continuing risks silent corruption of fairness or
	// concurrency accounting. Callers should fail fast, not retry.
	ErrInvariantViolation = errors.New("control plane invariant violation")

	// ErrUnknownReasonCode means a caller supplied a reason code outside
	// the closed enum in recorder.ReasonCode; it is coerced to
	// recorder.ReasonUnknown rather than rejected.
	ErrUnknownReasonCode = errors.New("reason code outside closed enum")

	// ErrSchemaVersionMismatch is returned by snapshot validators when a
	// snapshot's major version does not match the validator's.
	ErrSchemaVersionMismatch = errors.New("snapshot schema major version mismatch")
)

// PoolError provides structured context for an error: which operation
// failed, what kind of failure it was, and (optionally) which entity
// was involved. It wraps Err so errors.Is/As still sees through it.
type PoolError struct {
	Op      string // e.g. "scheduler.SelectKey"
	Kind    string // e.g. "credential", "model", "config"
	ID      string // credential id / model id, if applicable
	Reason  string // human-readable detail, never used for control flow
	Err     error
}

func (e *PoolError) Error() string {
	switch {
	case e.Op != "" && e.ID != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Reason != "":
		return e.Reason
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *PoolError) Unwrap() error { return e.Err }

// New builds a PoolError wrapping err for the given operation/kind.
func New(op, kind string, err error) *PoolError {
	return &PoolError{Op: op, Kind: kind, Err: err}
}

// WithID attaches an entity id and returns the same error for chaining.
func (e *PoolError) WithID(id string) *PoolError {
	e.ID = id
	return e
}

// WithReason attaches a human-readable detail and returns the same
// error for chaining.
func (e *PoolError) WithReason(reason string) *PoolError {
	e.Reason = reason
	return e
}

// IsRetryable reports whether err represents a transient condition a
// dispatcher may retry against a different credential/model.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoAvailableCredential) ||
		errors.Is(err, ErrAllModelsCoolingDown) ||
		errors.Is(err, ErrCircuitOpen)
}

// IsFatal reports whether err must fail the process fast rather than
// be absorbed locally (spec.md §7 kinds 4 and 5).
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration) ||
		errors.Is(err, ErrInvariantViolation)
}
