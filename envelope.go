package checktick

import (
	"fmt"

	"github.com/eatyourpeas-ltd/checktick/internal/crypto"
	"github.com/eatyourpeas-ltd/checktick/internal/misc"
)

// SealKey encrypts key material under a 32-byte hierarchy key using
// ChaCha20-Poly1305. The nonce is generated internally per call and
// prepended to the returned blob, so nonce reuse under one key is
// structurally impossible through this API. The output is
// [12-byte nonce | ciphertext | 16-byte tag] and is safe to persist.
func SealKey(hierarchyKey, keyMaterial []byte) ([]byte, error) {
	if len(hierarchyKey) != misc.DerivedKeySize {
		return nil, fmt.Errorf("%w: hierarchy key must be %d bytes, got %d",
			ErrPreconditionViolation, misc.DerivedKeySize, len(hierarchyKey))
	}
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("%w: key material cannot be empty", ErrPreconditionViolation)
	}

	sealed, err := crypto.Seal(keyMaterial, hierarchyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal key material: %w", err)
	}
	return sealed, nil
}

// OpenKey decrypts a blob produced by SealKey. It fails closed: any tag
// mismatch, truncation, or bit flip returns ErrAuthenticationFailed and no
// partial plaintext. The caller owns the returned bytes and must wipe them
// when done.
func OpenKey(hierarchyKey, sealed []byte) ([]byte, error) {
	if len(hierarchyKey) != misc.DerivedKeySize {
		return nil, fmt.Errorf("%w: hierarchy key must be %d bytes, got %d",
			ErrPreconditionViolation, misc.DerivedKeySize, len(hierarchyKey))
	}

	plaintext, err := crypto.Open(sealed, hierarchyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}
