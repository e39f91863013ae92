package checktick

import (
	"fmt"

	"github.com/eatyourpeas-ltd/checktick/internal/crypto"
	"github.com/eatyourpeas-ltd/checktick/internal/misc"
)

// DeriveChildKey derives a 32-byte child key from parent material and a
// context using PBKDF2-SHA256. The context doubles as the salt and domain
// separator: the same parent produces unrelated children for different
// contexts, which is what prevents cross-context key confusion.
//
// Deterministic: identical inputs always reproduce identical output, so
// hierarchy keys are re-derived on demand rather than stored. Derivation
// itself cannot fail; malformed input is a precondition violation.
func DeriveChildKey(parent, context []byte, iterations int) ([]byte, error) {
	if len(parent) == 0 {
		return nil, fmt.Errorf("%w: parent material cannot be empty", ErrPreconditionViolation)
	}
	if len(context) == 0 {
		return nil, fmt.Errorf("%w: derivation context cannot be empty", ErrPreconditionViolation)
	}
	if iterations < 1 {
		return nil, fmt.Errorf("%w: iterations must be positive", ErrPreconditionViolation)
	}

	return crypto.DeriveChild(parent, context, iterations), nil
}

// Domain-separation context builders. Each entity class gets a distinct
// prefix so that, for example, an organization and a team sharing an id
// still derive unrelated keys.

func OrgContext(orgID string) []byte {
	return []byte("checktick/org/" + orgID)
}

func TeamContext(teamID string) []byte {
	return []byte("checktick/team/" + teamID)
}

func EscrowContext(userID string) []byte {
	return []byte("checktick/" + misc.EscrowLabel + "/" + userID)
}

// PassphraseVerifier computes a slow argon2id tag over derived key material
// and a fresh salt. The tag and salt are non-secret and stored beside the
// organization enablement record; a later enablement call recomputes the tag
// and compares to detect a passphrase mismatch, instead of silently
// orphaning everything sealed under the first passphrase.
func PassphraseVerifier(derivedKey []byte) (tag, salt []byte, err error) {
	if len(derivedKey) == 0 {
		return nil, nil, fmt.Errorf("%w: derived key cannot be empty", ErrPreconditionViolation)
	}

	salt, err = crypto.NewVerifierSalt()
	if err != nil {
		return nil, nil, err
	}
	return crypto.VerifierTag(derivedKey, salt), salt, nil
}

// VerifyPassphrase checks freshly derived key material against a stored
// verifier tag in constant time.
func VerifyPassphrase(derivedKey, salt, storedTag []byte) bool {
	if len(derivedKey) == 0 || len(salt) == 0 || len(storedTag) == 0 {
		return false
	}
	return crypto.VerifierMatches(derivedKey, salt, storedTag)
}
