package checktick

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eatyourpeas-ltd/checktick/audit"
	"github.com/eatyourpeas-ltd/checktick/internal/mem"
	"github.com/eatyourpeas-ltd/checktick/internal/misc"
	"github.com/eatyourpeas-ltd/checktick/persist"
)

// KeyHierarchy orchestrates creation, migration, and lookup of
// organization, team, and survey keys. It exclusively owns the envelope
// cipher and the derivation engine: nothing else in the platform seals,
// opens, or derives key material.
//
// Every operation re-derives the keys it needs from the parent material the
// caller passes in and wipes them before returning. There is no cache of
// derived keys and no long-lived key state; the cost of re-derivation is
// the price of the invariant that no process memory holds a full key
// between calls.
type KeyHierarchy struct {
	store      persist.Store
	audit      audit.Logger
	options    Options
	protection mem.ProtectionLevel
}

// orgRecord marks that derivation is enabled for an organization. The
// verifier tag is an argon2id hash of the derived key: non-secret, stored
// so a later enablement with a different passphrase fails closed instead of
// silently orphaning every survey sealed under the first one.
type orgRecord struct {
	OrgID        string    `json:"org_id"`
	CreatedAt    time.Time `json:"created_at"`
	VerifierTag  []byte    `json:"verifier_tag"`
	VerifierSalt []byte    `json:"verifier_salt"`
}

type teamRecord struct {
	TeamID    string    `json:"team_id"`
	OrgID     string    `json:"org_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewKeyHierarchy creates a hierarchy manager over the given store and
// audit logger. A nil audit logger disables auditing (no-op).
func NewKeyHierarchy(store persist.Store, auditLogger audit.Logger, options Options) (*KeyHierarchy, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if auditLogger == nil {
		auditLogger = &audit.NoOpLogger{}
	}

	// Memory locking is best effort: failure to lock degrades the
	// protection level instead of refusing to start.
	protection := mem.ProtectionNone
	if options.EnableMemoryLock {
		protection, _ = mem.Lock()
	}

	return &KeyHierarchy{
		store:      store,
		audit:      auditLogger,
		options:    options,
		protection: protection,
	}, nil
}

// MemoryProtection reports the protection level achieved for key material
// held in process memory: "full", "partial", or "none".
func (kh *KeyHierarchy) MemoryProtection() string {
	return kh.protection.String()
}

// EnableOrganizationEncryption derives and returns the organization key
// from the platform key and the owner passphrase, recording enablement
// metadata (never the key) in the store.
//
// Idempotent for repeat calls with the same passphrase. A repeat call with
// a different passphrase is detected via the stored verifier tag and fails
// closed with ErrAuthenticationFailed; it does not silently produce a
// second, unrelated key.
func (kh *KeyHierarchy) EnableOrganizationEncryption(platformKey []byte, orgID, ownerPassphrase string) ([]byte, error) {
	if len(platformKey) != misc.PlatformKeySize {
		return nil, fmt.Errorf("%w: platform key must be %d bytes", ErrPreconditionViolation, misc.PlatformKeySize)
	}
	if orgID == "" || ownerPassphrase == "" {
		return nil, fmt.Errorf("%w: organization id and passphrase are required", ErrPreconditionViolation)
	}

	orgKey, err := kh.deriveOrgKey(platformKey, orgID, ownerPassphrase)
	if err != nil {
		return nil, err
	}

	existing, err := kh.store.LoadOrgRecord(orgID)
	switch {
	case err == nil:
		var record orgRecord
		if err = json.Unmarshal(existing.Data, &record); err != nil {
			wipe(orgKey)
			return nil, fmt.Errorf("corrupt organization record for %s: %w", orgID, err)
		}
		if !VerifyPassphrase(orgKey, record.VerifierSalt, record.VerifierTag) {
			wipe(orgKey)
			kh.logEvent(audit.Event{
				Action:  audit.ActionAuthFailure,
				Success: false,
				OrgID:   orgID,
				Error:   "enablement passphrase does not match stored verifier",
			})
			return nil, fmt.Errorf("%w: passphrase does not match the one used at enablement", ErrAuthenticationFailed)
		}
		return orgKey, nil

	case persist.IsNotFound(err):
		tag, salt, verr := PassphraseVerifier(orgKey)
		if verr != nil {
			wipe(orgKey)
			return nil, verr
		}
		record := orgRecord{
			OrgID:        orgID,
			CreatedAt:    time.Now().UTC(),
			VerifierTag:  tag,
			VerifierSalt: salt,
		}
		data, merr := json.Marshal(record)
		if merr != nil {
			wipe(orgKey)
			return nil, fmt.Errorf("failed to encode organization record: %w", merr)
		}
		if _, err = kh.store.SaveOrgRecord(orgID, data, ""); err != nil {
			wipe(orgKey)
			if persist.IsConflict(err) {
				// Another writer enabled first; re-run against its record.
				return kh.EnableOrganizationEncryption(platformKey, orgID, ownerPassphrase)
			}
			return nil, fmt.Errorf("failed to save organization record: %w", err)
		}
		kh.logEvent(audit.Event{
			Action:  audit.ActionOrgEncryptionEnable,
			Success: true,
			OrgID:   orgID,
		})
		return orgKey, nil

	default:
		wipe(orgKey)
		return nil, fmt.Errorf("failed to load organization record: %w", err)
	}
}

// DeriveOrganizationKey re-derives an organization key for an already
// enabled organization, checking the passphrase against the stored
// verifier. ErrKeyNotFound means encryption was never enabled;
// ErrAuthenticationFailed means wrong passphrase.
func (kh *KeyHierarchy) DeriveOrganizationKey(platformKey []byte, orgID, ownerPassphrase string) ([]byte, error) {
	if len(platformKey) != misc.PlatformKeySize {
		return nil, fmt.Errorf("%w: platform key must be %d bytes", ErrPreconditionViolation, misc.PlatformKeySize)
	}
	if orgID == "" || ownerPassphrase == "" {
		return nil, fmt.Errorf("%w: organization id and passphrase are required", ErrPreconditionViolation)
	}

	existing, err := kh.store.LoadOrgRecord(orgID)
	if err != nil {
		return nil, asNotFound(err, "organization "+orgID)
	}

	var record orgRecord
	if err = json.Unmarshal(existing.Data, &record); err != nil {
		return nil, fmt.Errorf("corrupt organization record for %s: %w", orgID, err)
	}

	orgKey, err := kh.deriveOrgKey(platformKey, orgID, ownerPassphrase)
	if err != nil {
		return nil, err
	}
	if !VerifyPassphrase(orgKey, record.VerifierSalt, record.VerifierTag) {
		wipe(orgKey)
		return nil, fmt.Errorf("%w: wrong organization passphrase", ErrAuthenticationFailed)
	}
	return orgKey, nil
}

func (kh *KeyHierarchy) deriveOrgKey(platformKey []byte, orgID, passphrase string) ([]byte, error) {
	parent := make([]byte, 0, len(platformKey)+len(passphrase))
	parent = append(parent, platformKey...)
	parent = append(parent, passphrase...)
	defer wipe(parent)

	return DeriveChildKey(parent, OrgContext(orgID), kh.options.PassphraseIterations)
}

// DeriveTeamKey derives a team key from its parent organization key. The
// team exists only while its parent key is derivable; nothing key-like is
// persisted, only an enablement record on first use.
func (kh *KeyHierarchy) DeriveTeamKey(orgKey []byte, orgID, teamID string) ([]byte, error) {
	if len(orgKey) != misc.DerivedKeySize {
		return nil, fmt.Errorf("%w: organization key must be %d bytes", ErrPreconditionViolation, misc.DerivedKeySize)
	}
	if teamID == "" {
		return nil, fmt.Errorf("%w: team id is required", ErrPreconditionViolation)
	}

	teamKey, err := DeriveChildKey(orgKey, TeamContext(teamID), kh.options.IdentifierIterations)
	if err != nil {
		return nil, err
	}

	if _, err = kh.store.LoadTeamRecord(teamID); persist.IsNotFound(err) {
		record := teamRecord{TeamID: teamID, OrgID: orgID, CreatedAt: time.Now().UTC()}
		if data, merr := json.Marshal(record); merr == nil {
			// Best effort; a conflict means another caller recorded it.
			_, _ = kh.store.SaveTeamRecord(teamID, data, "")
		}
	}

	return teamKey, nil
}

// CreateSurveyKey generates a fresh 32-byte survey KEK, seals it under the
// given hierarchy key, and persists the sealed blob. The plaintext KEK is
// returned for immediate use and is never itself persisted. Fails if a KEK
// already exists for the survey.
func (kh *KeyHierarchy) CreateSurveyKey(hierarchyKey []byte, surveyID string) ([]byte, error) {
	if surveyID == "" {
		return nil, fmt.Errorf("%w: survey id is required", ErrPreconditionViolation)
	}

	kek := make([]byte, misc.DerivedKeySize)
	if _, err := rand.Read(kek); err != nil {
		return nil, fmt.Errorf("failed to generate survey key: %w", err)
	}

	sealed, err := SealKey(hierarchyKey, kek)
	if err != nil {
		wipe(kek)
		return nil, err
	}

	if _, err = kh.store.SaveSurveyKEK(surveyID, sealed, ""); err != nil {
		wipe(kek)
		if persist.IsConflict(err) {
			return nil, fmt.Errorf("survey %s already has a key: %w", surveyID, err)
		}
		return nil, fmt.Errorf("failed to save survey key: %w", err)
	}

	kh.logEvent(audit.Event{
		Action:   audit.ActionSurveyKeyCreated,
		Success:  true,
		SurveyID: surveyID,
	})

	return kek, nil
}

// UnlockSurveyKey reads the sealed survey KEK and opens it under the given
// hierarchy key. The two failure modes are distinct by contract:
// ErrKeyNotFound means the survey was never encrypted this way;
// ErrAuthenticationFailed means the blob exists but the hierarchy key is
// wrong (typically a wrong passphrase upstream).
func (kh *KeyHierarchy) UnlockSurveyKey(hierarchyKey []byte, surveyID string) ([]byte, error) {
	if surveyID == "" {
		return nil, fmt.Errorf("%w: survey id is required", ErrPreconditionViolation)
	}

	blob, err := kh.store.LoadSurveyKEK(surveyID)
	if err != nil {
		return nil, asNotFound(err, "survey key "+surveyID)
	}

	kek, err := OpenKey(hierarchyKey, blob.Data)
	if err != nil {
		kh.logEvent(audit.Event{
			Action:   audit.ActionSurveyKeyUnlocked,
			Success:  false,
			SurveyID: surveyID,
			Error:    err.Error(),
		})
		return nil, err
	}

	kh.logEvent(audit.Event{
		Action:   audit.ActionSurveyKeyUnlocked,
		Success:  true,
		SurveyID: surveyID,
	})

	return kek, nil
}

// MigrateSurveyKey re-seals a survey KEK under a new hierarchy owner, for
// example when an individually owned survey moves into an organization.
// Atomic from the caller's perspective: the store keeps the old sealed blob
// authoritative until the new one is fully written, and preserves it as a
// superseded copy for rollback. A concurrent migration loses the
// compare-and-set and is retried against fresh state.
func (kh *KeyHierarchy) MigrateSurveyKey(surveyID string, oldHierarchyKey, newHierarchyKey []byte) error {
	if surveyID == "" {
		return fmt.Errorf("%w: survey id is required", ErrPreconditionViolation)
	}

	err := withRetry("migrateSurveyKey", kh.options.Retry, func() error {
		blob, err := kh.store.LoadSurveyKEK(surveyID)
		if err != nil {
			return asNotFound(err, "survey key "+surveyID)
		}

		kek, err := OpenKey(oldHierarchyKey, blob.Data)
		if err != nil {
			return err
		}
		defer wipe(kek)

		resealed, err := SealKey(newHierarchyKey, kek)
		if err != nil {
			return err
		}

		_, err = kh.store.SaveSurveyKEK(surveyID, resealed, blob.Version)
		return err
	})

	kh.logEvent(audit.Event{
		Action:   audit.ActionSurveyKeyMigrated,
		Success:  err == nil,
		SurveyID: surveyID,
		Error:    errString(err),
	})
	return err
}

// EscrowSurveyKey seals the survey KEK under the user's escrow key, derived
// from the platform key and the user id, and writes it to the user-scoped
// escrow path. The escrow path is cryptographically independent of the
// organization/team path protecting the same KEK.
func (kh *KeyHierarchy) EscrowSurveyKey(platformKey []byte, userID, surveyID string, surveyKEK []byte) error {
	if len(platformKey) != misc.PlatformKeySize {
		return fmt.Errorf("%w: platform key must be %d bytes", ErrPreconditionViolation, misc.PlatformKeySize)
	}
	if userID == "" || surveyID == "" {
		return fmt.Errorf("%w: user id and survey id are required", ErrPreconditionViolation)
	}

	escrowKey, err := DeriveChildKey(platformKey, EscrowContext(userID), kh.options.IdentifierIterations)
	if err != nil {
		return err
	}
	defer wipe(escrowKey)

	sealed, err := SealKey(escrowKey, surveyKEK)
	if err != nil {
		return err
	}

	if _, err = kh.store.SaveEscrowKEK(userID, surveyID, sealed, ""); err != nil {
		if !persist.IsConflict(err) {
			return fmt.Errorf("failed to save escrowed key: %w", err)
		}
		// A blob already exists. Re-escrowing the same KEK is a no-op;
		// different material means the caller is working from stale state
		// and the conflict surfaces.
		existing, loadErr := kh.store.LoadEscrowKEK(userID, surveyID)
		if loadErr != nil {
			return fmt.Errorf("failed to load existing escrowed key: %w", loadErr)
		}
		current, openErr := OpenKey(escrowKey, existing.Data)
		if openErr != nil {
			return fmt.Errorf("existing escrowed key for survey %s does not open: %w", surveyID, openErr)
		}
		same := subtle.ConstantTimeCompare(current, surveyKEK) == 1
		wipe(current)
		if !same {
			return fmt.Errorf("escrowed key for survey %s already exists with different material: %w", surveyID, err)
		}
	}

	kh.logEvent(audit.Event{
		Action:   audit.ActionKeyEscrowed,
		Success:  true,
		SurveyID: surveyID,
		UserID:   userID,
	})

	return nil
}

// RecoverEscrowedKey reconstructs the platform key from the stored vault
// component and the supplied custodian component, derives the user's escrow
// key, and opens the escrowed survey KEK.
//
// This is the only path that ever touches the custodian component. It is
// reachable only from the recovery engine's final, fully approved
// transition and never from a request handler.
func (kh *KeyHierarchy) RecoverEscrowedKey(userID, surveyID string, custodianComponent []byte) ([]byte, error) {
	if userID == "" || surveyID == "" {
		return nil, fmt.Errorf("%w: user id and survey id are required", ErrPreconditionViolation)
	}

	vaultComponent, err := kh.store.LoadPlatformComponent()
	if err != nil {
		return nil, asNotFound(err, "platform vault component")
	}

	platformKey, err := ReconstructPlatformKey(vaultComponent.Data, custodianComponent)
	if err != nil {
		return nil, err
	}
	defer wipe(platformKey)

	kh.logEvent(audit.Event{
		Action:   audit.ActionPlatformKeyAssembly,
		Success:  true,
		SurveyID: surveyID,
		UserID:   userID,
	})

	escrowKey, err := DeriveChildKey(platformKey, EscrowContext(userID), kh.options.IdentifierIterations)
	if err != nil {
		return nil, err
	}
	defer wipe(escrowKey)

	blob, err := kh.store.LoadEscrowKEK(userID, surveyID)
	if err != nil {
		return nil, asNotFound(err, fmt.Sprintf("escrowed key for user %s survey %s", userID, surveyID))
	}

	kek, err := OpenKey(escrowKey, blob.Data)
	if err != nil {
		kh.logEvent(audit.Event{
			Action:   audit.ActionAuthFailure,
			Success:  false,
			SurveyID: surveyID,
			UserID:   userID,
			Error:    err.Error(),
		})
		return nil, err
	}

	return kek, nil
}

func (kh *KeyHierarchy) logEvent(event audit.Event) {
	// Audit failures must not fail the operation being audited.
	_ = kh.audit.LogEvent(event)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
