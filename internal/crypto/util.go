package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/eatyourpeas-ltd/checktick/internal/misc"
)

// ErrAuthFailed is returned by Open when the authentication tag does not
// verify. Callers map it onto their own taxonomy; no plaintext is ever
// returned alongside it.
var ErrAuthFailed = errors.New("authentication failed")

// Seal encrypts value under key using ChaCha20-Poly1305. The nonce is
// generated internally and prepended to the output: [nonce|ciphertext+tag].
// Callers never supply a nonce, which makes nonce reuse under one key
// structurally impossible through this API.
func Seal(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	sealed := make([]byte, len(nonce)+len(ciphertext))
	copy(sealed[:len(nonce)], nonce)
	copy(sealed[len(nonce):], ciphertext)

	return sealed, nil
}

// Open decrypts a blob produced by Seal. Any tag mismatch, truncation, or
// bit flip yields ErrAuthFailed and no partial plaintext.
func Open(sealed, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrAuthFailed
	}

	nonce := sealed[:aead.NonceSize()]
	ciphertext := sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	return plaintext, nil
}

// DeriveChild derives a fixed-size child key from parent material and a
// context string using PBKDF2-SHA256. The context doubles as the salt, so
// the same parent yields unrelated children for different contexts.
// Deterministic: identical inputs always reproduce identical output.
func DeriveChild(parent, context []byte, iterations int) []byte {
	return pbkdf2.Key(parent, context, iterations, misc.DerivedKeySize, sha256.New)
}

// VerifierTag computes a slow argon2id tag over key material. The tag is
// safe to persist in the clear: recovering the key from it requires grinding
// the full argon2 work factor per guess.
func VerifierTag(material, salt []byte) []byte {
	return argon2.IDKey(material, salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonTagLen)
}

// VerifierMatches compares a freshly computed tag against a stored one in
// constant time.
func VerifierMatches(material, salt, storedTag []byte) bool {
	tag := VerifierTag(material, salt)
	defer memguard.WipeBytes(tag)
	return subtle.ConstantTimeCompare(tag, storedTag) == 1
}

// NewVerifierSalt returns a fresh random salt for VerifierTag.
func NewVerifierSalt() ([]byte, error) {
	salt := make([]byte, misc.VerifierSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Checksum calculates the SHA-256 checksum of data as a hex string.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey rejects key material with obviously degenerate structure: wrong
// length, constant bytes, or too few distinct byte values to plausibly be
// CSPRNG output.
func IsWeakKey(key []byte) bool {
	if len(key) < misc.DerivedKeySize {
		return true
	}

	first := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != first {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	distinct := make(map[byte]struct{})
	for _, b := range key {
		distinct[b] = struct{}{}
	}
	return len(distinct) < 16
}
