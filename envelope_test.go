package checktick

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T, size int) []byte {
	t.Helper()
	key := make([]byte, size)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := randomKey(t, 32)
	kek := randomKey(t, 32)

	sealed, err := SealKey(key, kek)
	require.NoError(t, err)
	require.NotEqual(t, kek, sealed)

	opened, err := OpenKey(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, kek, opened)
}

func TestSealProducesFreshNonce(t *testing.T) {
	key := randomKey(t, 32)
	kek := randomKey(t, 32)

	first, err := SealKey(key, kek)
	require.NoError(t, err)
	second, err := SealKey(key, kek)
	require.NoError(t, err)

	// Same key and plaintext must still produce different blobs.
	assert.False(t, bytes.Equal(first, second))
}

func TestOpenFailsClosedOnBitFlip(t *testing.T) {
	key := randomKey(t, 32)
	kek := randomKey(t, 32)

	sealed, err := SealKey(key, kek)
	require.NoError(t, err)

	// Flip one bit at every position: nonce, ciphertext, and tag.
	for i := range sealed {
		corrupted := make([]byte, len(sealed))
		copy(corrupted, sealed)
		corrupted[i] ^= 0x01

		opened, err := OpenKey(key, corrupted)
		assert.Nil(t, opened, "bit flip at %d yielded plaintext", i)
		assert.ErrorIs(t, err, ErrAuthenticationFailed, "bit flip at %d", i)
	}
}

func TestOpenWrongKeyIsAuthenticationFailure(t *testing.T) {
	key := randomKey(t, 32)
	wrongKey := randomKey(t, 32)
	kek := randomKey(t, 32)

	sealed, err := SealKey(key, kek)
	require.NoError(t, err)

	opened, err := OpenKey(wrongKey, sealed)
	assert.Nil(t, opened)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.False(t, errors.Is(err, ErrKeyNotFound))
}

func TestOpenTruncatedBlob(t *testing.T) {
	key := randomKey(t, 32)

	_, err := OpenKey(key, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestSealPreconditions(t *testing.T) {
	_, err := SealKey(make([]byte, 16), []byte("material"))
	assert.ErrorIs(t, err, ErrPreconditionViolation)

	_, err = SealKey(randomKey(t, 32), nil)
	assert.ErrorIs(t, err, ErrPreconditionViolation)

	_, err = OpenKey(make([]byte, 16), []byte("blob"))
	assert.ErrorIs(t, err, ErrPreconditionViolation)
}
