package checktick

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// wipe zeroes key material in place. Defer it in every stack frame that
// materializes a key, a component, or a KEK.
func wipe(b []byte) {
	memguard.WipeBytes(b)
}

// newRequestID returns a unique recovery request identifier.
func newRequestID() string {
	return uuid.New().String()
}

// newRequestCode returns a short human-readable code for a recovery
// request, used in notifications and audit queries.
func newRequestCode() string {
	return "REQ-" + strings.ToUpper(uuid.New().String()[:8])
}

// newChallengeCode returns a 6-digit verification challenge code.
func newChallengeCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate challenge code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
