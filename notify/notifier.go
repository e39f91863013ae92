// Package notify delivers recovery workflow notifications to requesters,
// approvers, and administrators. Message bodies carry request codes and
// deadlines only, never key material or verification secrets beyond the
// challenge code itself.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"
)

var (
	ErrFailedToSend  = errors.New("notify: failed to send notification")
	ErrInvalidConfig = errors.New("notify: invalid configuration")
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Notification is a single outbound message.
type Notification struct {
	SendTo   string `json:"send_to"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	Tag      string `json:"tag,omitempty"`
}

// Validate checks that the notification is deliverable.
func (n Notification) Validate() error {
	if n.SendTo == "" || !emailRegex.MatchString(n.SendTo) {
		return fmt.Errorf("%w: invalid recipient %q", ErrInvalidConfig, n.SendTo)
	}
	if n.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidConfig)
	}
	if n.BodyHTML == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidConfig)
	}
	return nil
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Message constructors for each stage of the recovery workflow.

// VerificationChallenge carries the identity challenge code to the
// requester. The code expires; the deadline is included so the recipient
// knows how long they have.
func VerificationChallenge(recipient, requestCode, challengeCode string, expiresAt time.Time) Notification {
	return Notification{
		SendTo:  recipient,
		Subject: fmt.Sprintf("Verify your identity for recovery request %s", requestCode),
		BodyHTML: fmt.Sprintf(
			"<p>A key recovery request <strong>%s</strong> was opened for your account.</p>"+
				"<p>Your verification code is <strong>%s</strong>. It expires at %s.</p>"+
				"<p>If you did not request this, contact your administrator immediately.</p>",
			requestCode, challengeCode, expiresAt.UTC().Format(time.RFC1123)),
		Tag: "recovery-verification",
	}
}

// ApprovalRequested asks an administrator to review a pending request.
func ApprovalRequested(approver, requestCode, surveyID, requester string) Notification {
	return Notification{
		SendTo:  approver,
		Subject: fmt.Sprintf("Recovery request %s awaits your approval", requestCode),
		BodyHTML: fmt.Sprintf(
			"<p>User <strong>%s</strong> requested recovery of the encryption key for survey <strong>%s</strong>.</p>"+
				"<p>Request code: <strong>%s</strong>. Review and approve or reject it in the admin console.</p>",
			requester, surveyID, requestCode),
		Tag: "recovery-approval",
	}
}

// DelayStarted informs the requester that both approvals are in and the
// mandatory waiting period has begun.
func DelayStarted(recipient, requestCode string, executableAt time.Time) Notification {
	return Notification{
		SendTo:  recipient,
		Subject: fmt.Sprintf("Recovery request %s approved", requestCode),
		BodyHTML: fmt.Sprintf(
			"<p>Both administrators approved recovery request <strong>%s</strong>.</p>"+
				"<p>The key becomes recoverable after the waiting period ends at %s.</p>"+
				"<p>You can cancel the request at any time before then.</p>",
			requestCode, executableAt.UTC().Format(time.RFC1123)),
		Tag: "recovery-delay",
	}
}

// ReadyForExecution tells the requester the waiting period is over.
func ReadyForExecution(recipient, requestCode string) Notification {
	return Notification{
		SendTo:  recipient,
		Subject: fmt.Sprintf("Recovery request %s is ready", requestCode),
		BodyHTML: fmt.Sprintf(
			"<p>The waiting period for recovery request <strong>%s</strong> has ended.</p>"+
				"<p>Sign in to complete the recovery and regain access to your survey data.</p>",
			requestCode),
		Tag: "recovery-ready",
	}
}

// Completed confirms the recovery finished.
func Completed(recipient, requestCode, surveyID string) Notification {
	return Notification{
		SendTo:  recipient,
		Subject: fmt.Sprintf("Recovery request %s completed", requestCode),
		BodyHTML: fmt.Sprintf(
			"<p>Recovery request <strong>%s</strong> for survey <strong>%s</strong> was executed.</p>"+
				"<p>Access to the survey key has been restored under your new credentials.</p>",
			requestCode, surveyID),
		Tag: "recovery-completed",
	}
}

// Escalation alerts an operator that a request needs manual intervention.
func Escalation(recipient, requestCode, detail string) Notification {
	return Notification{
		SendTo:  recipient,
		Subject: fmt.Sprintf("ACTION REQUIRED: recovery request %s", requestCode),
		BodyHTML: fmt.Sprintf(
			"<p>Recovery request <strong>%s</strong> needs operator attention.</p><p>%s</p>",
			requestCode, detail),
		Tag: "recovery-escalation",
	}
}

// Cancelled informs all parties that a request was cancelled or rejected.
func Cancelled(recipient, requestCode, reason string) Notification {
	return Notification{
		SendTo:  recipient,
		Subject: fmt.Sprintf("Recovery request %s cancelled", requestCode),
		BodyHTML: fmt.Sprintf(
			"<p>Recovery request <strong>%s</strong> was cancelled.</p><p>Reason: %s</p>",
			requestCode, reason),
		Tag: "recovery-cancelled",
	}
}

// LogNotifier writes notifications to an io.Writer instead of delivering
// them. Used in development and in the CLI dry-run path.
type LogNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

func NewLogNotifier(out io.Writer) *LogNotifier {
	return &LogNotifier{out: out}
}

func (l *LogNotifier) Send(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.out, "[notify] to=%s tag=%s subject=%q\n", n.SendTo, n.Tag, n.Subject)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToSend, err)
	}
	return nil
}

// NoOpNotifier discards notifications. Used when delivery is disabled.
type NoOpNotifier struct{}

func (NoOpNotifier) Send(ctx context.Context, n Notification) error {
	return nil
}
