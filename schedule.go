package checktick

import (
	"errors"

	"github.com/eatyourpeas-ltd/checktick/audit"
	"github.com/eatyourpeas-ltd/checktick/notify"
)

// SweepResult summarizes one scheduler pass over the recovery requests.
type SweepResult struct {
	Scanned   int // requests examined
	Ready     int // approved requests whose delay has elapsed
	Completed int // requests transitioned to Completed this pass
	Expired   int // verification-pending requests auto-cancelled
	Failed    int // critical retrieval failures escalated
}

// ProcessTimeDelays is the periodic background check of the recovery
// workflow, safe to invoke from any scheduler at any cadence. It is keyed
// entirely off stored timestamps and is idempotent: re-running it against
// already terminal requests is a no-op, and the compare-and-set on the
// Completed transition prevents two scheduler instances from double
// releasing a key.
//
// Each pass auto-cancels verification challenges whose expiry has passed
// unconfirmed, and notifies the requester and executes approved requests
// whose delay has elapsed. In
// dry-run mode it reports what would happen without transitioning anything.
// Released key material is wiped immediately; requesters obtain their key
// through the completed request's normal unlock path, not from the sweep.
func (re *RecoveryEngine) ProcessTimeDelays(custodianComponent []byte, dryRun bool) (SweepResult, error) {
	var result SweepResult

	requests, err := re.List("")
	if err != nil {
		return result, err
	}

	var firstErr error
	now := re.now().UTC()

	for _, request := range requests {
		result.Scanned++

		switch request.State {
		case StateVerificationPending:
			if request.ChallengeExpiresAt == nil || now.Before(*request.ChallengeExpiresAt) {
				continue
			}
			result.Expired++
			if dryRun {
				continue
			}
			if _, err := re.expireVerification(request.ID); err != nil && firstErr == nil {
				firstErr = err
			}

		case StateApproved:
			if request.AccessAvailableAt == nil || now.Before(*request.AccessAvailableAt) {
				continue
			}
			result.Ready++
			if dryRun {
				continue
			}

			if request.UserEmail != "" {
				re.send(notify.ReadyForExecution(request.UserEmail, request.Code))
			}

			kek, completed, err := re.ExecuteIfReady(request.ID, custodianComponent)
			if err != nil {
				if errors.Is(err, ErrCriticalRetrieval) {
					// Escalated inside ExecuteIfReady; the request stays
					// Approved for manual intervention.
					result.Failed++
					continue
				}
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if kek != nil {
				wipe(kek)
			}
			if completed != nil && completed.State == StateCompleted {
				result.Completed++
			}
		}
	}

	return result, firstErr
}

// expireVerification cancels a request whose challenge expired unconfirmed.
// The transition revalidates state under compare-and-set, so a request the
// user confirmed in the meantime is left alone.
func (re *RecoveryEngine) expireVerification(requestID string) (*RecoveryRequest, error) {
	var request *RecoveryRequest

	err := re.transition("expire_verification", requestID, func(r *RecoveryRequest) error {
		if r.State != StateVerificationPending {
			request = r
			return nil
		}
		if r.ChallengeExpiresAt == nil || re.now().UTC().Before(*r.ChallengeExpiresAt) {
			request = r
			return nil
		}
		re.markCancelled(r, "system", "verification expired")
		request = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if request.State == StateCancelled && request.CancelReason == "verification expired" {
		re.logEvent(audit.Event{
			Action:      audit.ActionRecoveryCancelled,
			Success:     true,
			RequestCode: request.Code,
			SurveyID:    request.SurveyID,
			UserID:      request.UserID,
			Actor:       "system",
			Metadata:    map[string]interface{}{"reason": request.CancelReason},
		})
		re.notifyCancelled(request)
	}
	return request, nil
}
