/*
errors.go - Centralized error taxonomy for the automation engines

PURPOSE:
  Every engine failure mode maps to exactly one sentinel here. Batch engines swallow per-item validation failures into their run
  result; transactional and authorization failures propagate to the caller.

ERROR CATEGORIES:
  1. Concurrency - optimistic-lock conflicts, overlapping job runs
  2. Validation  - malformed engine input (negative FTE, missing dates)
  3. Authority   - permission denials (one kind, no enumeration leak)
  4. Job control - timeouts and configuration faults

USAGE:
  Check categories with errors.Is:

    if errors.Is(err, ledger.ErrConcurrentModification) {
        // retry
    }
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConcurrentModification is returned when a versioned write loses an
	// optimistic-concurrency race. Retryable up to a bounded count.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a ledger posting with the
	// same idempotency key already exists. Expected behavior for reruns.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrValidation is the base of all per-item input failures. A batch
	// engine records these and keeps going; it never aborts the run.
	ErrValidation = errors.New("validation failed")

	// ErrPermissionDenied is returned for every authorization failure,
	// whether the caller was unauthenticated or merely under-privileged.
	// Both cases surface identically so callers cannot enumerate roles.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrJobTimeout is returned when a job run exceeds its configured
	// maximum duration. The run is marked failed and the lock released.
	ErrJobTimeout = errors.New("job run timed out")

	// ErrConfiguration is returned for a missing cadence, threshold, or
	// job binding. Fatal for that job's run only.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("record not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError carries which record and field failed input validation.
type ValidationError struct {
	Entity string // e.g. "leave_balance"
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: invalid %s: %s", e.Entity, e.ID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PermissionDeniedError names the missing permission. It still unwraps to
// the single ErrPermissionDenied kind.
type PermissionDeniedError struct {
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Permission)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrPermissionDenied)
}

// =============================================================================
// RETRY - Bounded optimistic-concurrency retry loop
// =============================================================================

// WithRetry runs fn up to attempts times, retrying only on
// ErrConcurrentModification. The final conflict is surfaced unchanged.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}
