package checktick

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/eatyourpeas-ltd/checktick/persist"
)

// Error taxonomy for key custody and recovery operations.
//
// ErrKeyNotFound and ErrAuthenticationFailed are deliberately distinct and
// must never be conflated: the first means no sealed material exists at the
// requested path, the second means material exists but did not open under
// the supplied hierarchy key. Callers use the distinction to decide between
// "try another hierarchy" and "wrong passphrase".
//
// Transient store faults surface as persist.IOError and are retried with
// backoff by withRetry at the boundary that issued the call; everything
// else propagates to the caller undisguised.
var (
	// ErrKeyNotFound reports that no key material exists at the requested
	// path. Not a security signal.
	ErrKeyNotFound = errors.New("key not found")

	// ErrAuthenticationFailed reports that sealed key material exists but
	// failed to open under the supplied hierarchy key. It may indicate a
	// wrong passphrase or an integrity violation.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrPreconditionViolation reports malformed input to derivation or
	// sealing. Caller error, not user-facing.
	ErrPreconditionViolation = errors.New("precondition violation")

	// ErrCriticalRetrieval reports that key retrieval failed after a fully
	// approved and time-delayed recovery. Escalated to operators, never
	// retried automatically.
	ErrCriticalRetrieval = errors.New("critical retrieval failure")
)

// WorkflowStateError reports a recovery state transition attempted from a
// state that does not permit it.
type WorkflowStateError struct {
	RequestID string
	State     RecoveryState
	Attempted string
}

func (e WorkflowStateError) Error() string {
	return fmt.Sprintf("request %s: cannot %s from state %s", e.RequestID, e.Attempted, e.State)
}

// IsWorkflowStateError reports whether err is a workflow state violation.
func IsWorkflowStateError(err error) bool {
	var wse WorkflowStateError
	return errors.As(err, &wse)
}

// RetryConfig configures retry behavior for concurrent operations
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
	}
}

// withRetry executes an operation with exponential backoff retry on
// concurrency conflicts and transient store I/O failures. Any other error
// returns immediately; a losing concurrent writer re-reads state inside fn
// on the next attempt.
func withRetry(operation string, config RetryConfig, fn func() error) error {
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isRetryable(err) {
			if attempt == config.MaxRetries {
				return fmt.Errorf("operation %s failed after %d attempts: %w",
					operation, config.MaxRetries+1, err)
			}

			delay := time.Duration(int64(config.BaseDelay) * (1 << attempt))
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}

			// Add jitter (25%)
			jitter := time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
			delay += jitter

			time.Sleep(delay)
			continue
		}

		return err
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

// isRetryable reports whether err may succeed on a repeat attempt: a lost
// compare-and-set race, or a transient backend fault such as a timeout.
func isRetryable(err error) bool {
	if concErr, ok := err.(interface{ IsConcurrencyError() bool }); ok && concErr.IsConcurrencyError() {
		return true
	}
	return persist.IsIOFailure(err)
}

// asNotFound translates a store-level not-found into the package taxonomy.
func asNotFound(err error, what string) error {
	if persist.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, what)
	}
	return err
}
