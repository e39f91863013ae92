package checktick

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eatyourpeas-ltd/checktick/audit"
	"github.com/eatyourpeas-ltd/checktick/internal/misc"
	"github.com/eatyourpeas-ltd/checktick/notify"
	"github.com/eatyourpeas-ltd/checktick/persist"
)

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (rn *recordingNotifier) Send(ctx context.Context, n notify.Notification) error {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.sent = append(rn.sent, n)
	return nil
}

func (rn *recordingNotifier) tags() []string {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	var tags []string
	for _, n := range rn.sent {
		tags = append(tags, n.Tag)
	}
	return tags
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (tc *testClock) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.now
}

func (tc *testClock) Advance(d time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.now = tc.now.Add(d)
}

type recoveryFixture struct {
	engine    *RecoveryEngine
	hierarchy *KeyHierarchy
	store     persist.Store
	notifier  *recordingNotifier
	clock     *testClock
	custodian []byte
	kek       []byte
}

// newRecoveryFixture builds an engine over a filesystem store with a user
// escrow blob already in place, so recovery execution has something to
// retrieve.
func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()

	store, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	options := DefaultOptions()
	options.AdminRecipients = []string{"ops@example.com"}

	hierarchy, err := NewKeyHierarchy(store, nil, options)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	engine, err := NewRecoveryEngine(store, hierarchy, nil, notifier, options)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	engine.now = clock.Now

	vaultComp, custodianComp, err := GeneratePlatformComponents()
	require.NoError(t, err)
	_, err = store.SavePlatformComponent(vaultComp, "")
	require.NoError(t, err)

	platformKey, err := ReconstructPlatformKey(vaultComp, custodianComp)
	require.NoError(t, err)

	kek := randomKey(t, misc.DerivedKeySize)
	require.NoError(t, hierarchy.EscrowSurveyKey(platformKey, "user-1", "survey-1", kek))

	return &recoveryFixture{
		engine:    engine,
		hierarchy: hierarchy,
		store:     store,
		notifier:  notifier,
		clock:     clock,
		custodian: custodianComp,
		kek:       kek,
	}
}

// advanceToApproved walks a fresh request through verification and both
// approvals, returning it in the Approved state.
func (f *recoveryFixture) advanceToApproved(t *testing.T) *RecoveryRequest {
	t.Helper()

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "lost passphrase")
	require.NoError(t, err)

	_, code, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)

	_, err = f.engine.ConfirmIdentity(request.ID, code)
	require.NoError(t, err)

	_, err = f.engine.Approve(request.ID, "admin-1")
	require.NoError(t, err)
	approved, err := f.engine.Approve(request.ID, "admin-2")
	require.NoError(t, err)
	require.Equal(t, StateApproved, approved.State)
	return approved
}

func TestRecoveryHappyPath(t *testing.T) {
	f := newRecoveryFixture(t)

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "lost passphrase")
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, request.State)
	assert.NotEmpty(t, request.ID)
	assert.Contains(t, request.Code, "REQ-")

	// Administrators were asked to review.
	assert.Contains(t, f.notifier.tags(), "recovery-approval")

	pending, code, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVerificationPending, pending.State)
	require.Len(t, code, 6)
	assert.Contains(t, f.notifier.tags(), "recovery-verification")

	verified, err := f.engine.ConfirmIdentity(request.ID, code)
	require.NoError(t, err)
	assert.Equal(t, StatePendingApproval, verified.State)
	// The challenge checksum is cleared once used.
	assert.Empty(t, verified.ChallengeChecksum)

	first, err := f.engine.Approve(request.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatePendingApproval, first.State)
	assert.Len(t, first.Approvals, 1)

	second, err := f.engine.Approve(request.ID, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, StateApproved, second.State)
	require.Len(t, second.Approvals, 2)
	require.NotNil(t, second.AccessAvailableAt)

	expected := second.Approvals[1].ApprovedAt.Add(f.engine.options.RecoveryDelay)
	assert.True(t, second.AccessAvailableAt.Equal(expected))
	assert.Contains(t, f.notifier.tags(), "recovery-delay")
}

func TestApproveSameAdminTwiceIsNoOp(t *testing.T) {
	f := newRecoveryFixture(t)

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "reason")
	require.NoError(t, err)
	_, code, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)
	_, err = f.engine.ConfirmIdentity(request.ID, code)
	require.NoError(t, err)

	_, err = f.engine.Approve(request.ID, "admin-1")
	require.NoError(t, err)

	repeat, err := f.engine.Approve(request.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, StatePendingApproval, repeat.State)
	assert.Len(t, repeat.Approvals, 1, "same administrator must never count twice")
}

func TestCannotCompleteWithoutTwoApprovals(t *testing.T) {
	f := newRecoveryFixture(t)

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "reason")
	require.NoError(t, err)
	_, code, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)
	_, err = f.engine.ConfirmIdentity(request.ID, code)
	require.NoError(t, err)
	_, err = f.engine.Approve(request.ID, "admin-1")
	require.NoError(t, err)

	// One approval is not enough to reach the execution path.
	_, _, err = f.engine.ExecuteIfReady(request.ID, f.custodian)
	require.Error(t, err)
	assert.True(t, IsWorkflowStateError(err))
}

func TestTimeDelayBoundary(t *testing.T) {
	f := newRecoveryFixture(t)
	approved := f.advanceToApproved(t)

	delay := f.engine.options.RecoveryDelay

	// One second before the window opens: no-op, no key.
	f.clock.Advance(delay - time.Second)
	kek, request, err := f.engine.ExecuteIfReady(approved.ID, f.custodian)
	require.NoError(t, err)
	assert.Nil(t, kek)
	assert.Equal(t, StateApproved, request.State)

	// One second after: the escrowed KEK is released and the request
	// completes.
	f.clock.Advance(2 * time.Second)
	kek, request, err = f.engine.ExecuteIfReady(approved.ID, f.custodian)
	require.NoError(t, err)
	assert.Equal(t, f.kek, kek)
	assert.Equal(t, StateCompleted, request.State)
	require.NotNil(t, request.CompletedAt)
	assert.Contains(t, f.notifier.tags(), "recovery-completed")

	// Idempotent: running again neither fails nor releases again.
	kek, request, err = f.engine.ExecuteIfReady(approved.ID, f.custodian)
	require.NoError(t, err)
	assert.Nil(t, kek)
	assert.Equal(t, StateCompleted, request.State)
}

func TestCancelThenApproveIsStateViolation(t *testing.T) {
	f := newRecoveryFixture(t)

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "reason")
	require.NoError(t, err)
	_, _, err = f.engine.RequestVerification(request.ID)
	require.NoError(t, err)

	cancelled, err := f.engine.Cancel(request.ID, "user-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Equal(t, "user-1", cancelled.CancelledBy)

	_, err = f.engine.Approve(request.ID, "admin-1")
	require.Error(t, err)
	assert.True(t, IsWorkflowStateError(err))

	// Terminal states cannot be cancelled again either.
	_, err = f.engine.Cancel(request.ID, "user-1", "again")
	require.Error(t, err)
	assert.True(t, IsWorkflowStateError(err))
}

func TestVerificationExpiry(t *testing.T) {
	f := newRecoveryFixture(t)

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "reason")
	require.NoError(t, err)
	_, code, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)

	f.clock.Advance(f.engine.options.VerificationExpiry + time.Minute)

	confirmed, err := f.engine.ConfirmIdentity(request.ID, code)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, StateCancelled, confirmed.State)
	assert.Equal(t, "verification expired", confirmed.CancelReason)
	assert.Contains(t, f.notifier.tags(), "recovery-cancelled")
}

func TestVerificationAttemptLimit(t *testing.T) {
	f := newRecoveryFixture(t)

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "reason")
	require.NoError(t, err)
	_, _, err = f.engine.RequestVerification(request.ID)
	require.NoError(t, err)

	max := f.engine.options.MaxVerificationAttempts
	for i := 0; i < max; i++ {
		confirmed, err := f.engine.ConfirmIdentity(request.ID, "000000")
		assert.ErrorIs(t, err, ErrVerificationFailed)
		if i < max-1 {
			assert.Equal(t, StateVerificationPending, confirmed.State)
		} else {
			assert.Equal(t, StateCancelled, confirmed.State)
			assert.Equal(t, "verification attempts exhausted", confirmed.CancelReason)
		}
	}
}

func TestConcurrentApprovals(t *testing.T) {
	f := newRecoveryFixture(t)

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "reason")
	require.NoError(t, err)
	_, code, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)
	_, err = f.engine.ConfirmIdentity(request.ID, code)
	require.NoError(t, err)

	// Two administrators approve at the same instant. The compare-and-set
	// forces one of them to re-read and see the other's approval first.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, admin := range []string{"admin-1", "admin-2"} {
		wg.Add(1)
		go func(i int, admin string) {
			defer wg.Done()
			_, errs[i] = f.engine.Approve(request.ID, admin)
		}(i, admin)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	final, err := f.engine.Get(request.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, final.State)
	require.Len(t, final.Approvals, 2, "approvals must neither double-count nor get lost")
	assert.NotEqual(t, final.Approvals[0].AdminID, final.Approvals[1].AdminID)
	require.NotNil(t, final.AccessAvailableAt)
}

func TestRetrievalFailureEscalates(t *testing.T) {
	f := newRecoveryFixture(t)

	// A request for a survey with no escrow blob: execution must fail
	// critically, never complete.
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

	kek, after, err := f.engine.ExecuteIfReady(request.ID, f.custodian)
	assert.ErrorIs(t, err, ErrCriticalRetrieval)
	assert.Nil(t, kek)
	// The request stays Approved for manual operator intervention.
	assert.Equal(t, StateApproved, after.State)
	assert.Contains(t, f.notifier.tags(), "recovery-escalation")
}

func TestListFiltersByState(t *testing.T) {
	f := newRecoveryFixture(t)

	first, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "one")
	require.NoError(t, err)
	_, err = f.engine.Submit("user-1", "user@example.com", "survey-2", "two")
	require.NoError(t, err)

	_, err = f.engine.Cancel(first.ID, "user-1", "not needed")
	require.NoError(t, err)

	all, err := f.engine.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cancelled, err := f.engine.List(StateCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, first.ID, cancelled[0].ID)
}

// flakyStore injects transient save failures in front of a real backend.
type flakyStore struct {
	persist.Store
	mu       sync.Mutex
	failures int
}

func (fs *flakyStore) SaveRecoveryRequest(requestID string, data []byte, expectedVersion string) (string, error) {
	fs.mu.Lock()
	fail := fs.failures > 0
	if fail {
		fs.failures--
	}
	fs.mu.Unlock()
	if fail {
		return "", persist.IOError{Operation: "recovery/" + requestID, Err: errors.New("connection reset")}
	}
	return fs.Store.SaveRecoveryRequest(requestID, data, expectedVersion)
}

func TestTransientStoreFailuresAreRetried(t *testing.T) {
	base, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	store := &flakyStore{Store: base, failures: 2}
	options := DefaultOptions()
	hierarchy, err := NewKeyHierarchy(store, nil, options)
	require.NoError(t, err)
	engine, err := NewRecoveryEngine(store, hierarchy, nil, nil, options)
	require.NoError(t, err)

	// Two transient faults are absorbed by the backoff.
	request, err := engine.Submit("user-1", "", "survey-1", "reason")
	require.NoError(t, err)

	loaded, err := engine.Get(request.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, loaded.State)

	// A fault that outlasts the retry budget surfaces as an I/O failure.
	store.mu.Lock()
	store.failures = options.Retry.MaxRetries + 1
	store.mu.Unlock()
	_, err = engine.Submit("user-1", "", "survey-2", "reason")
	require.Error(t, err)
	assert.True(t, persist.IsIOFailure(err))
}

func TestDuplicateApprovalIsNotAudited(t *testing.T) {
	f := newRecoveryFixture(t)

	logPath := filepath.Join(t.TempDir(), "audit.log")
	logger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": logPath},
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	f.engine.audit = logger

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "reason")
	require.NoError(t, err)
	_, code, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)
	_, err = f.engine.ConfirmIdentity(request.ID, code)
	require.NoError(t, err)

	_, err = f.engine.Approve(request.ID, "admin-1")
	require.NoError(t, err)
	repeat, err := f.engine.Approve(request.ID, "admin-1")
	require.NoError(t, err)
	assert.Len(t, repeat.Approvals, 1)

	result, err := logger.Query(audit.QueryOptions{Action: audit.ActionPrimaryApproval})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1, "a repeated approval by the same administrator records nothing")
}

func TestReissuedChallengeResetsAttempts(t *testing.T) {
	f := newRecoveryFixture(t)

	request, err := f.engine.Submit("user-1", "user@example.com", "survey-1", "reason")
	require.NoError(t, err)
	_, first, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)

	wrong := "000000"
	if first == wrong {
		wrong = "111111"
	}
	_, err = f.engine.ConfirmIdentity(request.ID, wrong)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	afterMiss, err := f.engine.Get(request.ID)
	require.NoError(t, err)
	require.Equal(t, 1, afterMiss.VerificationAttempts)

	// A fresh challenge starts with a clean attempt count.
	reissued, code, err := f.engine.RequestVerification(request.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reissued.VerificationAttempts)

	confirmed, err := f.engine.ConfirmIdentity(request.ID, code)
	require.NoError(t, err)
	assert.Equal(t, StatePendingApproval, confirmed.State)
}
