package persist

import (
	"errors"
	"fmt"
	"time"

	"github.com/eatyourpeas-ltd/checktick/internal/misc"
)

// ErrNotFound reports that no object exists at the requested path. It is a
// routine condition, not a security signal; the key hierarchy layer maps it
// onto its own taxonomy and must never conflate it with a failed decryption.
var ErrNotFound = errors.New("not found")

// VersionedData carries stored bytes together with the version the backend
// assigned to them (a hash, ETag, or KV version number). Every write takes
// the version the writer last observed, which is what makes the recovery
// workflow's compare-and-set transitions possible on top of plain storage.
type VersionedData struct {
	Data      []byte
	Version   string
	Timestamp time.Time
}

// Store is the secret-store boundary of the key custody core. All blob
// payloads crossing this interface are already sealed by the caller; the
// store never sees plaintext key material. Authentication against the
// backend happens at construction time (token, TLS material, or access
// keys depending on the backend); Ping verifies the session is live.
//
// Logical layout, common to every backend:
//
//	platform/master-key                     vault component (never the whole key)
//	organizations/{id}/record               enablement metadata + passphrase verifier
//	teams/{id}/record                       team metadata
//	surveys/{id}/kek                        sealed survey KEK (current owner path)
//	surveys/{id}/kek.superseded             previous sealed KEK, kept for rollback
//	users/{uid}/surveys/{sid}/recovery-kek  sealed escrow copy, distinct namespace
//	recovery/{id}                           recovery request state
//
// Writes take an expectedVersion; a mismatch returns ConcurrencyError and the
// stored object is left untouched. Pass the empty string when creating an
// object that must not already exist.
type Store interface {

	// Platform component

	SavePlatformComponent(data []byte, expectedVersion string) (newVersion string, err error)
	LoadPlatformComponent() (*VersionedData, error)
	PlatformComponentExists() (bool, error)

	// Organization and team records (metadata only, never keys)

	SaveOrgRecord(orgID string, data []byte, expectedVersion string) (newVersion string, err error)
	LoadOrgRecord(orgID string) (*VersionedData, error)
	OrgRecordExists(orgID string) (bool, error)

	SaveTeamRecord(teamID string, data []byte, expectedVersion string) (newVersion string, err error)
	LoadTeamRecord(teamID string) (*VersionedData, error)

	// Survey KEK sealed blobs. Overwriting an existing blob first preserves
	// the previous bytes at the superseded path, so a failed migration can
	// always fall back to the prior owner's sealed copy. If the write of the
	// new blob fails, the existing blob remains authoritative.

	SaveSurveyKEK(surveyID string, sealed []byte, expectedVersion string) (newVersion string, err error)
	LoadSurveyKEK(surveyID string) (*VersionedData, error)
	SurveyKEKExists(surveyID string) (bool, error)
	LoadSupersededSurveyKEK(surveyID string) (*VersionedData, error)

	// Escrow KEK sealed blobs, keyed by user and survey

	SaveEscrowKEK(userID, surveyID string, sealed []byte, expectedVersion string) (newVersion string, err error)
	LoadEscrowKEK(userID, surveyID string) (*VersionedData, error)

	// Recovery requests. SaveRecoveryRequest with a stale expectedVersion is
	// the mutual-exclusion primitive for workflow transitions: the losing
	// writer gets ConcurrencyError and must re-read before retrying.

	SaveRecoveryRequest(requestID string, data []byte, expectedVersion string) (newVersion string, err error)
	LoadRecoveryRequest(requestID string) (*VersionedData, error)
	ListRecoveryRequests() ([]string, error)

	// Health and utilities

	Ping() error
	Close() error
	GetType() string
}

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	// Type selects the backend. One of the StoreType constants.
	Type StoreType `json:"type"`

	// Config holds backend-specific settings, e.g. "base_path" for the
	// filesystem store or "address" and "token" for the Vault store.
	Config map[string]interface{} `json:"config"`
}

// StoreType identifies a storage backend implementation.
type StoreType string

const (
	// StoreTypeFileSystem persists to a local directory tree. Suitable for
	// development and single-node deployments.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeVault persists to a HashiCorp Vault KV v2 mount. This is the
	// production escrow backend.
	StoreTypeVault StoreType = "vault"

	// StoreTypeS3 persists to an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError reports an optimistic-locking conflict: the object's
// stored version no longer matches what the writer observed.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %q, but found %q",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConflict reports whether err is a version conflict from any backend.
func IsConflict(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}

// IOError reports a backend read or write that failed for infrastructure
// reasons: a timeout, an unreachable server, a filesystem fault. Unlike a
// version conflict it needs no re-read first; repeating the same call may
// succeed, so callers retry it with backoff.
type IOError struct {
	Operation string
	Err       error
}

func (e IOError) Error() string {
	return fmt.Sprintf("i/o failure in %s: %v", e.Operation, e.Err)
}

func (e IOError) Unwrap() error {
	return e.Err
}

func (e IOError) IsRetryable() bool {
	return true
}

// IsIOFailure reports whether err is a transient backend failure worth
// retrying.
func IsIOFailure(err error) bool {
	var ioe IOError
	return errors.As(err, &ioe)
}

// IsNotFound reports whether err means the requested object does not exist.
// Falls back to message matching for backend clients that return untyped
// not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || misc.IsNotFoundMessage(err)
}
