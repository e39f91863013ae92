package checktick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eatyourpeas-ltd/checktick/audit"
	"github.com/eatyourpeas-ltd/checktick/internal/crypto"
	"github.com/eatyourpeas-ltd/checktick/notify"
	"github.com/eatyourpeas-ltd/checktick/persist"
)

// RecoveryState is the lifecycle state of a recovery request.
type RecoveryState string

const (
	StateSubmitted           RecoveryState = "submitted"
	StateVerificationPending RecoveryState = "identity_verification_pending"
	StatePendingApproval     RecoveryState = "pending_approval"
	StateApproved            RecoveryState = "approved"
	StateCompleted           RecoveryState = "completed"
	StateCancelled           RecoveryState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RecoveryState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

func (s RecoveryState) String() string { return string(s) }

// ErrVerificationFailed reports a wrong or expired identity challenge
// answer. Requesters see only this coarse signal, never which of the two it
// was beyond the message text.
var ErrVerificationFailed = errors.New("identity verification failed or expired")

// Approval records one administrator approval. Approvals are a set keyed by
// distinct administrator identity, never a bare counter.
type Approval struct {
	AdminID    string    `json:"admin_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

// RecoveryRequest is the unit of recovery workflow state. It is mutated
// only through the engine's transitions and retained indefinitely as an
// audit artifact after completion or cancellation.
type RecoveryRequest struct {
	ID        string        `json:"id"`
	Code      string        `json:"code"`
	UserID    string        `json:"user_id"`
	UserEmail string        `json:"user_email"`
	SurveyID  string        `json:"survey_id"`
	Reason    string        `json:"reason"`
	State     RecoveryState `json:"state"`
	CreatedAt time.Time     `json:"created_at"`

	// Identity verification. Only a checksum of the challenge code is
	// stored; the code itself goes to the requester via the notifier.
	ChallengeChecksum    string     `json:"challenge_checksum,omitempty"`
	ChallengeExpiresAt   *time.Time `json:"challenge_expires_at,omitempty"`
	VerificationAttempts int        `json:"verification_attempts"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty"`

	// Dual authorization. Two distinct administrators are required.
	Approvals []Approval `json:"approvals"`

	// Set on the second distinct approval: approval time plus the
	// configured delay.
	AccessAvailableAt *time.Time `json:"access_available_at,omitempty"`

	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	// storeVersion carries the optimistic-concurrency version of the blob
	// this request was loaded from. Never serialized.
	storeVersion string
}

// HasApproval reports whether the given administrator already approved.
func (r *RecoveryRequest) HasApproval(adminID string) bool {
	for _, a := range r.Approvals {
		if a.AdminID == adminID {
			return true
		}
	}
	return false
}

// RecoveryEngine drives the recovery request state machine: submission,
// identity verification, dual authorization, the mandatory time delay, and
// final key release through the key hierarchy's escrow path.
//
// All transitions are applied as compare-and-set writes against the version
// the request was read at. A losing concurrent writer re-reads fresh state
// and revalidates the transition instead of overwriting blindly.
type RecoveryEngine struct {
	store     persist.Store
	hierarchy *KeyHierarchy
	audit     audit.Logger
	notifier  notify.Notifier
	options   Options
	now       func() time.Time
}

// NewRecoveryEngine creates a recovery engine. A nil notifier disables
// notifications; a nil audit logger disables auditing.
func NewRecoveryEngine(store persist.Store, hierarchy *KeyHierarchy, auditLogger audit.Logger, notifier notify.Notifier, options Options) (*RecoveryEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if hierarchy == nil {
		return nil, fmt.Errorf("key hierarchy cannot be nil")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if auditLogger == nil {
		auditLogger = &audit.NoOpLogger{}
	}
	if notifier == nil {
		notifier = notify.NoOpNotifier{}
	}

	return &RecoveryEngine{
		store:     store,
		hierarchy: hierarchy,
		audit:     auditLogger,
		notifier:  notifier,
		options:   options,
		now:       time.Now,
	}, nil
}

// Submit creates a new recovery request and notifies administrators.
func (re *RecoveryEngine) Submit(userID, userEmail, surveyID, reason string) (*RecoveryRequest, error) {
	if userID == "" || surveyID == "" {
		return nil, fmt.Errorf("%w: user id and survey id are required", ErrPreconditionViolation)
	}

	request := &RecoveryRequest{
		ID:        newRequestID(),
		Code:      newRequestCode(),
		UserID:    userID,
		UserEmail: userEmail,
		SurveyID:  surveyID,
		Reason:    reason,
		State:     StateSubmitted,
		CreatedAt: re.now().UTC(),
	}

	err := withRetry("submit", re.options.Retry, func() error {
		return re.save(request, "")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save recovery request: %w", err)
	}

	re.logEvent(audit.Event{
		Action:      audit.ActionRecoveryRequested,
		Success:     true,
		RequestCode: request.Code,
		SurveyID:    surveyID,
		UserID:      userID,
		Actor:       userID,
	})

	for _, admin := range re.options.AdminRecipients {
		re.send(notify.ApprovalRequested(admin, request.Code, surveyID, userID))
	}

	return request, nil
}

// RequestVerification issues an identity challenge with an explicit expiry
// and moves the request to the verification-pending state. The challenge
// code is delivered to the requester through the notifier and also returned
// for transports handled by the caller.
func (re *RecoveryEngine) RequestVerification(requestID string) (*RecoveryRequest, string, error) {
	code, err := newChallengeCode()
	if err != nil {
		return nil, "", err
	}

	var request *RecoveryRequest
	err = re.transition("request_verification", requestID, func(r *RecoveryRequest) error {
		if r.State != StateSubmitted && r.State != StateVerificationPending {
			return WorkflowStateError{RequestID: r.ID, State: r.State, Attempted: "request verification"}
		}

		expires := re.now().UTC().Add(re.options.VerificationExpiry)
		r.State = StateVerificationPending
		r.ChallengeChecksum = crypto.Checksum([]byte(code))
		r.ChallengeExpiresAt = &expires
		// A fresh challenge starts with a clean slate; strikes against an
		// earlier code do not carry over.
		r.VerificationAttempts = 0
		request = r
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	re.logEvent(audit.Event{
		Action:      audit.ActionIdentityChallenged,
		Success:     true,
		RequestCode: request.Code,
		SurveyID:    request.SurveyID,
		UserID:      request.UserID,
	})

	if request.UserEmail != "" {
		re.send(notify.VerificationChallenge(request.UserEmail, request.Code, code, *request.ChallengeExpiresAt))
	}

	return request, code, nil
}

// ConfirmIdentity checks the challenge answer. Valid only from the
// verification-pending state and only before expiry. A wrong answer counts
// against the attempt limit; exhausting it, or answering after expiry,
// force-cancels the request.
func (re *RecoveryEngine) ConfirmIdentity(requestID, code string) (*RecoveryRequest, error) {
	var request *RecoveryRequest
	var verifyErr error

	err := re.transition("confirm_identity", requestID, func(r *RecoveryRequest) error {
		verifyErr = nil
		if r.State != StateVerificationPending {
			return WorkflowStateError{RequestID: r.ID, State: r.State, Attempted: "confirm identity"}
		}

		now := re.now().UTC()
		if r.ChallengeExpiresAt == nil || now.After(*r.ChallengeExpiresAt) {
			re.markCancelled(r, "system", "verification expired")
			verifyErr = fmt.Errorf("%w: challenge expired", ErrVerificationFailed)
			request = r
			return nil
		}

		if crypto.Checksum([]byte(code)) != r.ChallengeChecksum {
			r.VerificationAttempts++
			if r.VerificationAttempts >= re.options.MaxVerificationAttempts {
				re.markCancelled(r, "system", "verification attempts exhausted")
			}
			verifyErr = fmt.Errorf("%w: wrong code", ErrVerificationFailed)
			request = r
			return nil
		}

		r.State = StatePendingApproval
		r.VerifiedAt = &now
		r.ChallengeChecksum = ""
		request = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	re.logEvent(audit.Event{
		Action:      audit.ActionIdentityVerified,
		Success:     verifyErr == nil,
		RequestCode: request.Code,
		SurveyID:    request.SurveyID,
		UserID:      request.UserID,
		Error:       errString(verifyErr),
	})

	if verifyErr != nil {
		if request.State == StateCancelled {
			re.notifyCancelled(request)
		}
		return request, verifyErr
	}
	return request, nil
}

// Approve records one administrator approval. Two distinct administrator
// identities are required before the request moves to Approved; a repeat
// approval by the same administrator is a no-op, never counted twice. On
// the second distinct approval the mandatory delay starts and
// AccessAvailableAt is computed as approval time plus the configured delay.
//
// Concurrent approvals by two administrators are serialized by the store's
// compare-and-set: the losing writer re-reads and sees the first approval
// already recorded.
func (re *RecoveryEngine) Approve(requestID, adminID string) (*RecoveryRequest, error) {
	if adminID == "" {
		return nil, fmt.Errorf("%w: administrator id is required", ErrPreconditionViolation)
	}

	var request *RecoveryRequest
	var becameApproved bool
	var duplicate bool

	err := re.transition("approve", requestID, func(r *RecoveryRequest) error {
		becameApproved = false
		duplicate = false
		if r.State != StatePendingApproval {
			return WorkflowStateError{RequestID: r.ID, State: r.State, Attempted: "approve"}
		}
		if r.HasApproval(adminID) {
			// Same administrator twice: no-op, nothing counted.
			duplicate = true
			request = r
			return nil
		}

		now := re.now().UTC()
		r.Approvals = append(r.Approvals, Approval{AdminID: adminID, ApprovedAt: now})

		if len(r.Approvals) >= 2 {
			available := now.Add(re.options.RecoveryDelay)
			r.State = StateApproved
			r.AccessAvailableAt = &available
			becameApproved = true
		}
		request = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return request, nil
	}

	action := audit.ActionPrimaryApproval
	if len(request.Approvals) >= 2 {
		action = audit.ActionSecondaryApproval
	}
	re.logEvent(audit.Event{
		Action:      action,
		Success:     true,
		RequestCode: request.Code,
		SurveyID:    request.SurveyID,
		UserID:      request.UserID,
		Actor:       adminID,
	})

	if becameApproved && request.UserEmail != "" {
		re.send(notify.DelayStarted(request.UserEmail, request.Code, *request.AccessAvailableAt))
	}

	return request, nil
}

// Cancel moves a request to Cancelled from any non-terminal state. The
// requester, an approving administrator, or the system may invoke it.
// Cancellation before Approved never touches the platform key path.
func (re *RecoveryEngine) Cancel(requestID, actor, reason string) (*RecoveryRequest, error) {
	var request *RecoveryRequest

	err := re.transition("cancel", requestID, func(r *RecoveryRequest) error {
		if r.State.Terminal() {
			return WorkflowStateError{RequestID: r.ID, State: r.State, Attempted: "cancel"}
		}
		re.markCancelled(r, actor, reason)
		request = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	re.logEvent(audit.Event{
		Action:      audit.ActionRecoveryCancelled,
		Success:     true,
		RequestCode: request.Code,
		SurveyID:    request.SurveyID,
		UserID:      request.UserID,
		Actor:       actor,
		Metadata:    map[string]interface{}{"reason": reason},
	})

	re.notifyCancelled(request)
	return request, nil
}

// ExecuteIfReady performs the time-delay transition for one request. Before
// AccessAvailableAt it is a no-op returning no key. After, it retrieves the
// escrowed KEK through the hierarchy's recovery path and only then marks
// the request Completed; the compare-and-set on that final write is the
// idempotence guard against concurrent schedulers.
//
// A retrieval failure leaves the request Approved, is escalated to the
// audit log as critical, and is never silently retried.
func (re *RecoveryEngine) ExecuteIfReady(requestID string, custodianComponent []byte) ([]byte, *RecoveryRequest, error) {
	request, err := re.Get(requestID)
	if err != nil {
		return nil, nil, err
	}

	if request.State == StateCompleted {
		// Idempotent: already done, nothing to release again.
		return nil, request, nil
	}
	if request.State != StateApproved {
		return nil, nil, WorkflowStateError{RequestID: request.ID, State: request.State, Attempted: "execute"}
	}
	if request.AccessAvailableAt == nil || re.now().UTC().Before(*request.AccessAvailableAt) {
		// Delay still running: no-op.
		return nil, request, nil
	}

	re.logEvent(audit.Event{
		Action:      audit.ActionTimeDelayComplete,
		Success:     true,
		RequestCode: request.Code,
		SurveyID:    request.SurveyID,
		UserID:      request.UserID,
	})

	// Transient store faults retry here; a retrieval that still fails after
	// backoff is escalated, never silently retried again.
	var kek []byte
	err = withRetry("recover_escrowed_key", re.options.Retry, func() error {
		var recoverErr error
		kek, recoverErr = re.hierarchy.RecoverEscrowedKey(request.UserID, request.SurveyID, custodianComponent)
		return recoverErr
	})
	if err != nil {
		re.escalateRetrievalFailure(request, err)
		return nil, request, fmt.Errorf("%w: %v", ErrCriticalRetrieval, err)
	}

	var completed *RecoveryRequest
	err = re.transition("complete", requestID, func(r *RecoveryRequest) error {
		if r.State == StateCompleted {
			completed = r
			return nil
		}
		if r.State != StateApproved {
			return WorkflowStateError{RequestID: r.ID, State: r.State, Attempted: "complete"}
		}
		now := re.now().UTC()
		r.State = StateCompleted
		r.CompletedAt = &now
		completed = r
		return nil
	})
	if err != nil {
		wipe(kek)
		return nil, nil, err
	}

	re.logEvent(audit.Event{
		Action:      audit.ActionRecoveryExecuted,
		Success:     true,
		RequestCode: completed.Code,
		SurveyID:    completed.SurveyID,
		UserID:      completed.UserID,
	})

	if completed.UserEmail != "" {
		re.send(notify.Completed(completed.UserEmail, completed.Code, completed.SurveyID))
	}

	return kek, completed, nil
}

// Get loads a recovery request by id.
func (re *RecoveryEngine) Get(requestID string) (*RecoveryRequest, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrPreconditionViolation)
	}

	blob, err := re.store.LoadRecoveryRequest(requestID)
	if err != nil {
		return nil, asNotFound(err, "recovery request "+requestID)
	}

	var request RecoveryRequest
	if err = json.Unmarshal(blob.Data, &request); err != nil {
		return nil, fmt.Errorf("corrupt recovery request %s: %w", requestID, err)
	}
	request.storeVersion = blob.Version
	return &request, nil
}

// List returns all recovery requests, optionally filtered by state.
func (re *RecoveryEngine) List(state RecoveryState) ([]*RecoveryRequest, error) {
	ids, err := re.store.ListRecoveryRequests()
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery requests: %w", err)
	}

	var requests []*RecoveryRequest
	for _, id := range ids {
		request, err := re.Get(id)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		if state != "" && request.State != state {
			continue
		}
		requests = append(requests, request)
	}
	return requests, nil
}

// transition applies fn to a freshly loaded request and writes it back with
// compare-and-set, retrying on conflict. fn runs again against fresh state
// after every lost race, so its validation always sees the latest request.
func (re *RecoveryEngine) transition(operation, requestID string, fn func(*RecoveryRequest) error) error {
	return withRetry(operation, re.options.Retry, func() error {
		request, err := re.Get(requestID)
		if err != nil {
			return err
		}
		if err = fn(request); err != nil {
			return err
		}
		return re.save(request, request.storeVersion)
	})
}

func (re *RecoveryEngine) save(request *RecoveryRequest, expectedVersion string) error {
	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode recovery request: %w", err)
	}

	newVersion, err := re.store.SaveRecoveryRequest(request.ID, data, expectedVersion)
	if err != nil {
		return err
	}
	request.storeVersion = newVersion
	return nil
}

func (re *RecoveryEngine) markCancelled(r *RecoveryRequest, actor, reason string) {
	now := re.now().UTC()
	r.State = StateCancelled
	r.CancelledAt = &now
	r.CancelledBy = actor
	r.CancelReason = reason
}

func (re *RecoveryEngine) escalateRetrievalFailure(request *RecoveryRequest, cause error) {
	re.logEvent(audit.Event{
		Action:      audit.ActionRecoveryExecuted,
		Success:     false,
		RequestCode: request.Code,
		SurveyID:    request.SurveyID,
		UserID:      request.UserID,
		Error:       cause.Error(),
		Metadata:    map[string]interface{}{"severity": "critical", "requires_operator": true},
	})

	for _, admin := range re.options.AdminRecipients {
		re.send(notify.Escalation(admin, request.Code,
			"key retrieval failed after approval; manual operator intervention required"))
	}
}

func (re *RecoveryEngine) notifyCancelled(request *RecoveryRequest) {
	if request.UserEmail != "" {
		re.send(notify.Cancelled(request.UserEmail, request.Code, request.CancelReason))
	}
}

// send delivers a notification fire-and-forget: delivery failures never
// fail the workflow transition that triggered them.
func (re *RecoveryEngine) send(n notify.Notification) {
	_ = re.notifier.Send(context.Background(), n)
}

func (re *RecoveryEngine) logEvent(event audit.Event) {
	_ = re.audit.LogEvent(event)
}
