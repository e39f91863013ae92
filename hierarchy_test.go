package checktick

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eatyourpeas-ltd/checktick/internal/misc"
	"github.com/eatyourpeas-ltd/checktick/persist"
)

func newTestHierarchy(t *testing.T) (*KeyHierarchy, persist.Store) {
	t.Helper()
	store, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hierarchy, err := NewKeyHierarchy(store, nil, DefaultOptions())
	require.NoError(t, err)
	return hierarchy, store
}

func testPlatformKey(t *testing.T) []byte {
	t.Helper()
	vaultComp, custodianComp, err := GeneratePlatformComponents()
	require.NoError(t, err)
	key, err := ReconstructPlatformKey(vaultComp, custodianComp)
	require.NoError(t, err)
	return key
}

func TestEnableOrganizationEncryption(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t)
	platformKey := testPlatformKey(t)

	orgKey, err := hierarchy.EnableOrganizationEncryption(platformKey, "org-1", "correct-horse-battery-staple")
	require.NoError(t, err)
	require.Len(t, orgKey, misc.DerivedKeySize)

	// Idempotent with the same passphrase.
	again, err := hierarchy.EnableOrganizationEncryption(platformKey, "org-1", "correct-horse-battery-staple")
	require.NoError(t, err)
	assert.Equal(t, orgKey, again)

	// A different passphrase fails closed instead of deriving a second,
	// unrelated key that would orphan existing surveys.
	_, err = hierarchy.EnableOrganizationEncryption(platformKey, "org-1", "wrong-words-here")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestOrganizationScenarioCorrectHorse(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t)
	platformKey := testPlatformKey(t)

	orgKey, err := hierarchy.EnableOrganizationEncryption(platformKey, "org-1", "correct-horse-battery-staple")
	require.NoError(t, err)

	kek, err := hierarchy.CreateSurveyKey(orgKey, "survey-1")
	require.NoError(t, err)
	require.Len(t, kek, misc.DerivedKeySize)

	// Unlocking with the same passphrase returns the identical KEK bytes.
	sameKey, err := hierarchy.DeriveOrganizationKey(platformKey, "org-1", "correct-horse-battery-staple")
	require.NoError(t, err)
	unlocked, err := hierarchy.UnlockSurveyKey(sameKey, "survey-1")
	require.NoError(t, err)
	assert.Equal(t, kek, unlocked)

	// Wrong passphrase is an authentication failure, never not-found.
	_, err = hierarchy.DeriveOrganizationKey(platformKey, "org-1", "wrong-words-here")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}

func TestUnlockSurveyKeyDistinguishesFailures(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t)
	hierarchyKey := randomKey(t, misc.DerivedKeySize)

	// Never created: not found, not an auth failure.
	_, err := hierarchy.UnlockSurveyKey(hierarchyKey, "no-such-survey")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NotErrorIs(t, err, ErrAuthenticationFailed)

	// Created under a different key: auth failure, not not-found.
	_, err = hierarchy.CreateSurveyKey(hierarchyKey, "survey-1")
	require.NoError(t, err)
	_, err = hierarchy.UnlockSurveyKey(randomKey(t, misc.DerivedKeySize), "survey-1")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}

func TestCreateSurveyKeyRejectsDuplicate(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t)
	hierarchyKey := randomKey(t, misc.DerivedKeySize)

	_, err := hierarchy.CreateSurveyKey(hierarchyKey, "survey-1")
	require.NoError(t, err)

	_, err = hierarchy.CreateSurveyKey(hierarchyKey, "survey-1")
	require.Error(t, err)
}

func TestDeriveTeamKey(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t)
	orgKey := randomKey(t, misc.DerivedKeySize)

	teamKey, err := hierarchy.DeriveTeamKey(orgKey, "org-1", "team-a")
	require.NoError(t, err)
	require.Len(t, teamKey, misc.DerivedKeySize)

	// Deterministic.
	again, err := hierarchy.DeriveTeamKey(orgKey, "org-1", "team-a")
	require.NoError(t, err)
	assert.Equal(t, teamKey, again)

	// Unrelated for a sibling team and for a different parent.
	sibling, err := hierarchy.DeriveTeamKey(orgKey, "org-1", "team-b")
	require.NoError(t, err)
	assert.NotEqual(t, teamKey, sibling)

	otherParent, err := hierarchy.DeriveTeamKey(randomKey(t, misc.DerivedKeySize), "org-2", "team-a")
	require.NoError(t, err)
	assert.NotEqual(t, teamKey, otherParent)
}

func TestMigrateSurveyKey(t *testing.T) {
	hierarchy, store := newTestHierarchy(t)
	oldKey := randomKey(t, misc.DerivedKeySize)
	newKey := randomKey(t, misc.DerivedKeySize)

	kek, err := hierarchy.CreateSurveyKey(oldKey, "survey-1")
	require.NoError(t, err)

	require.NoError(t, hierarchy.MigrateSurveyKey("survey-1", oldKey, newKey))

	// Current blob opens only under the new owner.
	unlocked, err := hierarchy.UnlockSurveyKey(newKey, "survey-1")
	require.NoError(t, err)
	assert.Equal(t, kek, unlocked)

	_, err = hierarchy.UnlockSurveyKey(oldKey, "survey-1")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// The superseded blob is preserved for rollback and still opens under
	// the old key.
	superseded, err := store.LoadSupersededSurveyKEK("survey-1")
	require.NoError(t, err)
	rolledBack, err := OpenKey(oldKey, superseded.Data)
	require.NoError(t, err)
	assert.Equal(t, kek, rolledBack)
}

func TestMigrateSurveyKeyWrongOldKey(t *testing.T) {
	hierarchy, _ := newTestHierarchy(t)
	oldKey := randomKey(t, misc.DerivedKeySize)

	_, err := hierarchy.CreateSurveyKey(oldKey, "survey-1")
	require.NoError(t, err)

	err = hierarchy.MigrateSurveyKey("survey-1", randomKey(t, misc.DerivedKeySize), randomKey(t, misc.DerivedKeySize))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// Old blob remains authoritative.
	unlocked, err := hierarchy.UnlockSurveyKey(oldKey, "survey-1")
	require.NoError(t, err)
	require.NotNil(t, unlocked)
}

// failingStore wraps a Store and fails survey KEK writes, to verify that a
// failed migration leaves the old blob authoritative.
type failingStore struct {
	persist.Store
}

func (fs *failingStore) SaveSurveyKEK(surveyID string, sealed []byte, expectedVersion string) (string, error) {
	if expectedVersion != "" {
		return "", fmt.Errorf("write failed: backend unavailable")
	}
	return fs.Store.SaveSurveyKEK(surveyID, sealed, expectedVersion)
}

func TestMigrateSurveyKeyAtomicOnWriteFailure(t *testing.T) {
	inner, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	hierarchy, err := NewKeyHierarchy(&failingStore{Store: inner}, nil, DefaultOptions())
	require.NoError(t, err)

	oldKey := randomKey(t, misc.DerivedKeySize)
	kek, err := hierarchy.CreateSurveyKey(oldKey, "survey-1")
	require.NoError(t, err)

	err = hierarchy.MigrateSurveyKey("survey-1", oldKey, randomKey(t, misc.DerivedKeySize))
	require.Error(t, err)

	// No partial migration state: the old blob still unlocks.
	unlocked, err := hierarchy.UnlockSurveyKey(oldKey, "survey-1")
	require.NoError(t, err)
	assert.Equal(t, kek, unlocked)
}

func TestEscrowAndRecover(t *testing.T) {
	hierarchy, store := newTestHierarchy(t)

	vaultComp, custodianComp, err := GeneratePlatformComponents()
	require.NoError(t, err)
	_, err = store.SavePlatformComponent(vaultComp, "")
	require.NoError(t, err)

	platformKey, err := ReconstructPlatformKey(vaultComp, custodianComp)
	require.NoError(t, err)

	kek := randomKey(t, misc.DerivedKeySize)
	require.NoError(t, hierarchy.EscrowSurveyKey(platformKey, "user-1", "survey-1", kek))

	recovered, err := hierarchy.RecoverEscrowedKey("user-1", "survey-1", custodianComponentCopy(custodianComp))
	require.NoError(t, err)
	assert.Equal(t, kek, recovered)

	// Wrong custodian component reconstructs a wrong platform key and the
	// escrowed blob refuses to open.
	wrongCustodian := randomKey(t, misc.PlatformKeySize)
	_, err = hierarchy.RecoverEscrowedKey("user-1", "survey-1", wrongCustodian)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// Unknown user: not found.
	_, err = hierarchy.RecoverEscrowedKey("user-2", "survey-1", custodianComp)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func custodianComponentCopy(c []byte) []byte {
	out := make([]byte, len(c))
	copy(out, c)
	return out
}

func TestEscrowSurveyKeyRepeat(t *testing.T) {
	hierarchy, store := newTestHierarchy(t)

	vaultComp, custodianComp, err := GeneratePlatformComponents()
	require.NoError(t, err)
	_, err = store.SavePlatformComponent(vaultComp, "")
	require.NoError(t, err)

	platformKey, err := ReconstructPlatformKey(vaultComp, custodianComp)
	require.NoError(t, err)

	kek := randomKey(t, misc.DerivedKeySize)
	require.NoError(t, hierarchy.EscrowSurveyKey(platformKey, "user-1", "survey-1", kek))

	// Escrowing the same KEK again is idempotent.
	require.NoError(t, hierarchy.EscrowSurveyKey(platformKey, "user-1", "survey-1", kek))

	// Different material for the same survey surfaces the conflict instead
	// of silently keeping the old blob.
	other := randomKey(t, misc.DerivedKeySize)
	err = hierarchy.EscrowSurveyKey(platformKey, "user-1", "survey-1", other)
	require.Error(t, err)
	assert.True(t, persist.IsConflict(err))

	// The original escrow is untouched.
	recovered, err := hierarchy.RecoverEscrowedKey("user-1", "survey-1", custodianComponentCopy(custodianComp))
	require.NoError(t, err)
	assert.Equal(t, kek, recovered)
}
