package persist

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func newTestStore(t *testing.T) *FileSystemStore {
	t.Helper()
	store, err := NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create FileSystemStore: %v", err)
	}
	return store
}

func TestFileSystemStorePlatformComponent(t *testing.T) {
	store := newTestStore(t)

	exists, err := store.PlatformComponentExists()
	if err != nil {
		t.Fatalf("PlatformComponentExists failed: %v", err)
	}
	if exists {
		t.Fatal("expected no platform component in a fresh store")
	}

	if _, err = store.LoadPlatformComponent(); !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}

	data := []byte("platform-component-bytes")
	version, err := store.SavePlatformComponent(data, "")
	if err != nil {
		t.Fatalf("SavePlatformComponent failed: %v", err)
	}
	if version == "" {
		t.Fatal("expected non-empty version after save")
	}

	loaded, err := store.LoadPlatformComponent()
	if err != nil {
		t.Fatalf("LoadPlatformComponent failed: %v", err)
	}
	if !bytes.Equal(loaded.Data, data) {
		t.Fatal("loaded data does not match saved data")
	}
	if loaded.Version != version {
		t.Fatalf("version mismatch: save returned %q, load returned %q", version, loaded.Version)
	}

	// Creating again without the current version must conflict.
	if _, err = store.SavePlatformComponent([]byte("other"), ""); !IsConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	// Updating with the current version must succeed.
	if _, err = store.SavePlatformComponent([]byte("rotated"), version); err != nil {
		t.Fatalf("versioned update failed: %v", err)
	}
}

func TestFileSystemStoreVersionConflict(t *testing.T) {
	store := newTestStore(t)

	v1, err := store.SaveOrgRecord("org-1", []byte("record-v1"), "")
	if err != nil {
		t.Fatalf("SaveOrgRecord failed: %v", err)
	}

	v2, err := store.SaveOrgRecord("org-1", []byte("record-v2"), v1)
	if err != nil {
		t.Fatalf("versioned update failed: %v", err)
	}
	if v2 == v1 {
		t.Fatal("expected version to change on update")
	}

	// A writer still holding v1 must be rejected.
	_, err = store.SaveOrgRecord("org-1", []byte("stale"), v1)
	if !IsConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	var ce ConcurrencyError
	if !errors.As(err, &ce) {
		t.Fatal("expected ConcurrencyError type")
	}
	if ce.ExpectedVersion != v1 || ce.ActualVersion != v2 {
		t.Fatalf("conflict detail mismatch: %+v", ce)
	}

	loaded, err := store.LoadOrgRecord("org-1")
	if err != nil {
		t.Fatalf("LoadOrgRecord failed: %v", err)
	}
	if string(loaded.Data) != "record-v2" {
		t.Fatal("stale write must not alter stored data")
	}
}

func TestFileSystemStoreSurveyKEKSupersede(t *testing.T) {
	store := newTestStore(t)

	original := []byte("sealed-kek-original")
	v1, err := store.SaveSurveyKEK("survey-1", original, "")
	if err != nil {
		t.Fatalf("SaveSurveyKEK failed: %v", err)
	}

	// First write has nothing to supersede.
	if _, err = store.LoadSupersededSurveyKEK("survey-1"); !IsNotFound(err) {
		t.Fatalf("expected no superseded blob yet, got %v", err)
	}

	migrated := []byte("sealed-kek-migrated")
	if _, err = store.SaveSurveyKEK("survey-1", migrated, v1); err != nil {
		t.Fatalf("migration save failed: %v", err)
	}

	current, err := store.LoadSurveyKEK("survey-1")
	if err != nil {
		t.Fatalf("LoadSurveyKEK failed: %v", err)
	}
	if !bytes.Equal(current.Data, migrated) {
		t.Fatal("current blob should hold the migrated bytes")
	}

	superseded, err := store.LoadSupersededSurveyKEK("survey-1")
	if err != nil {
		t.Fatalf("LoadSupersededSurveyKEK failed: %v", err)
	}
	if !bytes.Equal(superseded.Data, original) {
		t.Fatal("superseded blob should hold the original bytes")
	}
}

func TestFileSystemStoreEscrowKEK(t *testing.T) {
	store := newTestStore(t)

	sealed := []byte("escrowed-sealed-kek")
	version, err := store.SaveEscrowKEK("user-9", "survey-3", sealed, "")
	if err != nil {
		t.Fatalf("SaveEscrowKEK failed: %v", err)
	}

	loaded, err := store.LoadEscrowKEK("user-9", "survey-3")
	if err != nil {
		t.Fatalf("LoadEscrowKEK failed: %v", err)
	}
	if !bytes.Equal(loaded.Data, sealed) || loaded.Version != version {
		t.Fatal("escrow round trip mismatch")
	}

	if _, err = store.LoadEscrowKEK("user-9", "survey-other"); !IsNotFound(err) {
		t.Fatalf("expected not-found for unknown survey, got %v", err)
	}
}

func TestFileSystemStoreRecoveryRequests(t *testing.T) {
	store := newTestStore(t)

	ids, err := store.ListRecoveryRequests()
	if err != nil {
		t.Fatalf("ListRecoveryRequests failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty list, got %v", ids)
	}

	for _, id := range []string{"req-a", "req-b"} {
		if _, err = store.SaveRecoveryRequest(id, []byte("{}"), ""); err != nil {
			t.Fatalf("SaveRecoveryRequest(%s) failed: %v", id, err)
		}
	}

	ids, err = store.ListRecoveryRequests()
	if err != nil {
		t.Fatalf("ListRecoveryRequests failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 requests, got %v", ids)
	}
}

func TestFileSystemStoreFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not meaningful on windows")
	}

	dir := t.TempDir()
	store, err := NewFileSystemStore(dir)
	if err != nil {
		t.Fatalf("Failed to create FileSystemStore: %v", err)
	}

	if _, err = store.SavePlatformComponent([]byte("secret"), ""); err != nil {
		t.Fatalf("SavePlatformComponent failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "platform", "master-key"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestFileSystemStoreRejectsBadIdentifiers(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"", "../escape", "a/b", "a\\b", "has space"} {
		if _, err := store.SaveOrgRecord(id, []byte("x"), ""); err == nil {
			t.Fatalf("expected rejection for identifier %q", id)
		}
	}
}
