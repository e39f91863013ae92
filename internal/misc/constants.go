package misc

import "time"

const (
	// PlatformKeySize is the size in bytes of the platform master key and of
	// each of its two XOR components.
	PlatformKeySize = 64

	// DerivedKeySize is the size in bytes of every derived hierarchy key
	// (organization, team, escrow) and of survey KEKs.
	DerivedKeySize = 32

	// PassphraseIterations is the PBKDF2 iteration floor for any derivation
	// whose parent material includes a human passphrase.
	PassphraseIterations = 200_000

	// IdentifierIterations is the PBKDF2 iteration count for derivations from
	// full-entropy parent keys (team, escrow). Brute force against 32 bytes of
	// entropy does not need a work factor.
	IdentifierIterations = 10_000

	// Verifier tag parameters (argon2id). The verifier is stored beside the
	// organization enablement record; it must be slow to grind offline.
	ArgonTime        uint32 = 4
	ArgonMemory      uint32 = 128 * 1024
	ArgonThreads     uint8  = 4
	ArgonTagLen      uint32 = 32
	VerifierSaltSize        = 16

	// EscrowLabel is the fixed domain-separation label for the user escrow path.
	EscrowLabel = "user-escrow"

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)

const (
	// DefaultRecoveryDelay is the mandatory waiting period between the second
	// administrator approval and key release.
	DefaultRecoveryDelay = 24 * time.Hour

	// DefaultVerificationExpiry bounds how long an identity verification
	// challenge remains confirmable.
	DefaultVerificationExpiry = 30 * time.Minute

	// MaxVerificationAttempts is the number of wrong challenge answers allowed
	// before the request is force-cancelled.
	MaxVerificationAttempts = 3

	// Custodian component share defaults (Shamir split held by operators).
	DefaultShareCount     = 4
	DefaultShareThreshold = 3
)
