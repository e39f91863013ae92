package checktick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTimeDelaysCompletesReadyRequests(t *testing.T) {
	f := newRecoveryFixture(t)
	approved := f.advanceToApproved(t)

	// Delay still running: the sweep sees the request but does nothing.
	result, err := f.engine.ProcessTimeDelays(f.custodian, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 0, result.Ready)
	assert.Equal(t, 0, result.Completed)

	f.clock.Advance(f.engine.options.RecoveryDelay + time.Second)

	result, err = f.engine.ProcessTimeDelays(f.custodian, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Ready)
	assert.Equal(t, 1, result.Completed)

	// The requester hears that the delay has elapsed and then that the
	// recovery finished.
	assert.Contains(t, f.notifier.tags(), "recovery-ready")
	assert.Contains(t, f.notifier.tags(), "recovery-completed")

	after, err := f.engine.Get(approved.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, after.State)

	// Re-running against a completed request is a no-op.
	result, err = f.engine.ProcessTimeDelays(f.custodian, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 0, result.Ready)
	assert.Equal(t, 0, result.Completed)
}

func TestProcessTimeDelaysDryRun(t *testing.T) {
	f := newRecoveryFixture(t)
	approved := f.advanceToApproved(t)

	f.clock.Advance(f.engine.options.RecoveryDelay + time.Second)

	result, err := f.engine.ProcessTimeDelays(f.custodian, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Ready)
	assert.Equal(t, 0, result.Completed)

	after, err := f.engine.Get(approved.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, after.State, "dry run must not transition anything")
	assert.NotContains(t, f.notifier.tags(), "recovery-ready", "dry run must not notify")
}

func TestProcessTimeDelaysExpiresStaleVerifications(t *testing.T) {
	f := newRecoveryFixture(t)

	stale, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "stale")
	require.NoError(t, err)
	_, _, err = f.engine.RequestVerification(stale.ID)
	require.NoError(t, err)

	f.clock.Advance(f.engine.options.VerificationExpiry + time.Minute)

	// A second challenge issued after the advance is still within its
	// window and must be left alone.
	fresh, err := f.engine.Submit("user-1", "user@example.com", "survey-2", "fresh")
	require.NoError(t, err)
	_, _, err = f.engine.RequestVerification(fresh.ID)
	require.NoError(t, err)

	result, err := f.engine.ProcessTimeDelays(f.custodian, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Expired)

	cancelled, err := f.engine.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Equal(t, "verification expired", cancelled.CancelReason)

	kept, err := f.engine.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVerificationPending, kept.State)
}

func TestProcessTimeDelaysCountsRetrievalFailures(t *testing.T) {
	f := newRecoveryFixture(t)

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-without-escrow", "reason")
	require.NoError(t, err)
	_, code, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)
	_, err = f.engine.ConfirmIdentity(request.ID, code)
	require.NoError(t, err)
	_, err = f.engine.Approve(request.ID, "admin-1")
	require.NoError(t, err)
	_, err = f.engine.Approve(request.ID, "admin-2")
	require.NoError(t, err)

	f.clock.Advance(f.engine.options.RecoveryDelay + time.Second)

	result, err := f.engine.ProcessTimeDelays(f.custodian, false)
	require.NoError(t, err, "a critical retrieval failure is counted, not propagated")
	assert.Equal(t, 1, result.Ready)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Completed)

	after, err := f.engine.Get(request.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, after.State)
}
