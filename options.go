package checktick

import (
	"fmt"
	"time"

	"github.com/eatyourpeas-ltd/checktick/internal/misc"
)

// Options configures the key hierarchy manager and the recovery workflow
// engine. Zero values are replaced with defaults by Validate, so
// DefaultOptions().Validate() always passes.
//
// Nothing in Options is secret: passphrases and key components are passed
// to the individual operations that need them and are never held in
// configuration.
type Options struct {
	// PassphraseIterations is the PBKDF2 iteration count for derivations
	// whose parent material includes a human passphrase. Values below the
	// package floor are rejected, not silently raised.
	PassphraseIterations int `json:"passphrase_iterations"`

	// IdentifierIterations is the PBKDF2 iteration count for derivations
	// from full-entropy parents (team keys, escrow keys).
	IdentifierIterations int `json:"identifier_iterations"`

	// RecoveryDelay is the mandatory waiting period between the second
	// administrator approval and key release.
	RecoveryDelay time.Duration `json:"recovery_delay"`

	// VerificationExpiry bounds how long an identity challenge remains
	// confirmable before the request auto-cancels.
	VerificationExpiry time.Duration `json:"verification_expiry"`

	// MaxVerificationAttempts is the number of wrong challenge answers
	// allowed before the request is force-cancelled.
	MaxVerificationAttempts int `json:"max_verification_attempts"`

	// AdminRecipients are the email addresses notified when a recovery
	// request needs approval or escalation.
	AdminRecipients []string `json:"admin_recipients"`

	// EnableMemoryLock requests that process memory be locked against
	// swapping. Failure to lock degrades to a warning, not a hard error.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// Retry governs backoff on optimistic-concurrency conflicts.
	Retry RetryConfig `json:"-"`
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PassphraseIterations:    misc.PassphraseIterations,
		IdentifierIterations:    misc.IdentifierIterations,
		RecoveryDelay:           misc.DefaultRecoveryDelay,
		VerificationExpiry:      misc.DefaultVerificationExpiry,
		MaxVerificationAttempts: misc.MaxVerificationAttempts,
		Retry:                   DefaultRetryConfig(),
	}
}

// Validate fills zero values with defaults and rejects configurations that
// would weaken the security posture.
func (o *Options) Validate() error {
	if o.PassphraseIterations == 0 {
		o.PassphraseIterations = misc.PassphraseIterations
	}
	if o.PassphraseIterations < misc.PassphraseIterations {
		return fmt.Errorf("passphrase iterations %d below minimum %d",
			o.PassphraseIterations, misc.PassphraseIterations)
	}

	if o.IdentifierIterations == 0 {
		o.IdentifierIterations = misc.IdentifierIterations
	}
	if o.IdentifierIterations < 1 {
		return fmt.Errorf("identifier iterations must be positive")
	}

	if o.RecoveryDelay == 0 {
		o.RecoveryDelay = misc.DefaultRecoveryDelay
	}
	if o.RecoveryDelay < 0 {
		return fmt.Errorf("recovery delay cannot be negative")
	}

	if o.VerificationExpiry == 0 {
		o.VerificationExpiry = misc.DefaultVerificationExpiry
	}
	if o.VerificationExpiry < time.Minute {
		return fmt.Errorf("verification expiry %s too short", o.VerificationExpiry)
	}

	if o.MaxVerificationAttempts == 0 {
		o.MaxVerificationAttempts = misc.MaxVerificationAttempts
	}
	if o.MaxVerificationAttempts < 1 {
		return fmt.Errorf("max verification attempts must be positive")
	}

	if o.Retry == (RetryConfig{}) {
		o.Retry = DefaultRetryConfig()
	}

	return nil
}
