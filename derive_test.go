package checktick

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eatyourpeas-ltd/checktick/internal/misc"
)

func TestDeriveChildKeyDeterministic(t *testing.T) {
	parent := []byte("parent-material-with-enough-entropy")
	context := OrgContext("org-1")

	first, err := DeriveChildKey(parent, context, 1000)
	require.NoError(t, err)
	second, err := DeriveChildKey(parent, context, 1000)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, misc.DerivedKeySize)
}

func TestDeriveChildKeyDomainSeparation(t *testing.T) {
	parent := []byte("parent-material-with-enough-entropy")

	orgKey, err := DeriveChildKey(parent, OrgContext("alpha"), 1000)
	require.NoError(t, err)
	otherOrgKey, err := DeriveChildKey(parent, OrgContext("beta"), 1000)
	require.NoError(t, err)
	teamKey, err := DeriveChildKey(parent, TeamContext("alpha"), 1000)
	require.NoError(t, err)
	escrowKey, err := DeriveChildKey(parent, EscrowContext("alpha"), 1000)
	require.NoError(t, err)

	assert.NotEqual(t, orgKey, otherOrgKey)
	// Same id, different entity class: still unrelated keys.
	assert.NotEqual(t, orgKey, teamKey)
	assert.NotEqual(t, orgKey, escrowKey)
	assert.NotEqual(t, teamKey, escrowKey)
}

func TestDeriveChildKeyIterationsMatter(t *testing.T) {
	parent := []byte("parent-material")
	context := OrgContext("org-1")

	low, err := DeriveChildKey(parent, context, 1000)
	require.NoError(t, err)
	high, err := DeriveChildKey(parent, context, 2000)
	require.NoError(t, err)

	assert.NotEqual(t, low, high)
}

func TestDeriveChildKeyPreconditions(t *testing.T) {
	_, err := DeriveChildKey(nil, OrgContext("org"), 1000)
	assert.ErrorIs(t, err, ErrPreconditionViolation)

	_, err = DeriveChildKey([]byte("parent"), nil, 1000)
	assert.ErrorIs(t, err, ErrPreconditionViolation)

	_, err = DeriveChildKey([]byte("parent"), OrgContext("org"), 0)
	assert.ErrorIs(t, err, ErrPreconditionViolation)
}

func TestPassphraseVerifierRoundTrip(t *testing.T) {
	derived, err := DeriveChildKey([]byte("platform-and-passphrase"), OrgContext("org-1"), 1000)
	require.NoError(t, err)

	tag, salt, err := PassphraseVerifier(derived)
	require.NoError(t, err)
	require.NotEmpty(t, tag)
	require.NotEmpty(t, salt)

	assert.True(t, VerifyPassphrase(derived, salt, tag))

	other, err := DeriveChildKey([]byte("different-passphrase"), OrgContext("org-1"), 1000)
	require.NoError(t, err)
	assert.False(t, VerifyPassphrase(other, salt, tag))

	assert.False(t, VerifyPassphrase(nil, salt, tag))
	assert.False(t, VerifyPassphrase(derived, nil, tag))
	assert.False(t, VerifyPassphrase(derived, salt, nil))
}
