package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eatyourpeas-ltd/checktick/internal/misc"
)

// FileSystemStore persists all custody objects under a single base directory,
// mirroring the logical layout documented on Store. Writes are atomic
// (temp file + rename) and versions are content hashes, which gives the
// compare-and-set semantics the recovery workflow relies on within a single
// process; cross-process writers share the same guarantee through the
// version check but not through the mutex.
type FileSystemStore struct {
	basePath string
	mu       sync.Mutex
}

// NewFileSystemStore creates a store rooted at basePath, creating the
// directory skeleton if needed.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	for _, dir := range []string{"platform", "organizations", "teams", "surveys", "users", "recovery"} {
		if err := os.MkdirAll(filepath.Join(abs, dir), misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	return &FileSystemStore{basePath: abs}, nil
}

// NewFileSystemStoreFromConfig creates a filesystem store from a StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok || basePath == "" {
		return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
	}
	return NewFileSystemStore(basePath)
}

// Platform component

func (fs *FileSystemStore) SavePlatformComponent(data []byte, expectedVersion string) (string, error) {
	return fs.save(filepath.Join("platform", "master-key"), data, expectedVersion, false)
}

func (fs *FileSystemStore) LoadPlatformComponent() (*VersionedData, error) {
	return fs.load(filepath.Join("platform", "master-key"))
}

func (fs *FileSystemStore) PlatformComponentExists() (bool, error) {
	return fs.exists(filepath.Join("platform", "master-key"))
}

// Organization and team records

func (fs *FileSystemStore) SaveOrgRecord(orgID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(orgID); err != nil {
		return "", err
	}
	return fs.save(filepath.Join("organizations", orgID, "record"), data, expectedVersion, false)
}

func (fs *FileSystemStore) LoadOrgRecord(orgID string) (*VersionedData, error) {
	if err := validateID(orgID); err != nil {
		return nil, err
	}
	return fs.load(filepath.Join("organizations", orgID, "record"))
}

func (fs *FileSystemStore) OrgRecordExists(orgID string) (bool, error) {
	if err := validateID(orgID); err != nil {
		return false, err
	}
	return fs.exists(filepath.Join("organizations", orgID, "record"))
}

func (fs *FileSystemStore) SaveTeamRecord(teamID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(teamID); err != nil {
		return "", err
	}
	return fs.save(filepath.Join("teams", teamID, "record"), data, expectedVersion, false)
}

func (fs *FileSystemStore) LoadTeamRecord(teamID string) (*VersionedData, error) {
	if err := validateID(teamID); err != nil {
		return nil, err
	}
	return fs.load(filepath.Join("teams", teamID, "record"))
}

// Survey KEK sealed blobs

func (fs *FileSystemStore) SaveSurveyKEK(surveyID string, sealed []byte, expectedVersion string) (string, error) {
	if err := validateID(surveyID); err != nil {
		return "", err
	}
	return fs.save(filepath.Join("surveys", surveyID, "kek"), sealed, expectedVersion, true)
}

func (fs *FileSystemStore) LoadSurveyKEK(surveyID string) (*VersionedData, error) {
	if err := validateID(surveyID); err != nil {
		return nil, err
	}
	return fs.load(filepath.Join("surveys", surveyID, "kek"))
}

func (fs *FileSystemStore) SurveyKEKExists(surveyID string) (bool, error) {
	if err := validateID(surveyID); err != nil {
		return false, err
	}
	return fs.exists(filepath.Join("surveys", surveyID, "kek"))
}

func (fs *FileSystemStore) LoadSupersededSurveyKEK(surveyID string) (*VersionedData, error) {
	if err := validateID(surveyID); err != nil {
		return nil, err
	}
	return fs.load(filepath.Join("surveys", surveyID, "kek.superseded"))
}

// Escrow KEK sealed blobs

func (fs *FileSystemStore) SaveEscrowKEK(userID, surveyID string, sealed []byte, expectedVersion string) (string, error) {
	if err := validateID(userID); err != nil {
		return "", err
	}
	if err := validateID(surveyID); err != nil {
		return "", err
	}
	return fs.save(filepath.Join("users", userID, "surveys", surveyID, "recovery-kek"), sealed, expectedVersion, false)
}

func (fs *FileSystemStore) LoadEscrowKEK(userID, surveyID string) (*VersionedData, error) {
	if err := validateID(userID); err != nil {
		return nil, err
	}
	if err := validateID(surveyID); err != nil {
		return nil, err
	}
	return fs.load(filepath.Join("users", userID, "surveys", surveyID, "recovery-kek"))
}

// Recovery requests

func (fs *FileSystemStore) SaveRecoveryRequest(requestID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(requestID); err != nil {
		return "", err
	}
	return fs.save(filepath.Join("recovery", requestID), data, expectedVersion, false)
}

func (fs *FileSystemStore) LoadRecoveryRequest(requestID string) (*VersionedData, error) {
	if err := validateID(requestID); err != nil {
		return nil, err
	}
	return fs.load(filepath.Join("recovery", requestID))
}

func (fs *FileSystemStore) ListRecoveryRequests() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.basePath, "recovery"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list recovery requests: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" {
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, nil
}

// Health and utilities

func (fs *FileSystemStore) Ping() error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("store base path unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store base path %s is not a directory", fs.basePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// save performs a versioned write. With preserveOld, the previous file is
// copied aside to <path>.superseded before the new bytes are renamed into
// place; a failure at any step leaves the current file authoritative.
func (fs *FileSystemStore) save(relPath string, data []byte, expectedVersion string, preserveOld bool) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fullPath := filepath.Join(fs.basePath, relPath)

	currentVersion, err := fs.fileVersion(fullPath)
	if err != nil {
		return "", err
	}
	if currentVersion != expectedVersion {
		return "", ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
			Operation:       relPath,
		}
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), misc.DirPermissions); err != nil {
		return "", IOError{Operation: relPath, Err: err}
	}

	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, misc.FilePermissions); err != nil {
		return "", IOError{Operation: relPath, Err: err}
	}

	if preserveOld && currentVersion != "" {
		old, err := os.ReadFile(fullPath)
		if err != nil {
			os.Remove(tmpPath)
			return "", IOError{Operation: relPath, Err: fmt.Errorf("read current blob for supersede: %w", err)}
		}
		if err := os.WriteFile(fullPath+".superseded", old, misc.FilePermissions); err != nil {
			os.Remove(tmpPath)
			return "", IOError{Operation: relPath, Err: fmt.Errorf("preserve superseded blob: %w", err)}
		}
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", IOError{Operation: relPath, Err: err}
	}

	return contentVersion(data), nil
}

func (fs *FileSystemStore) load(relPath string) (*VersionedData, error) {
	fullPath := filepath.Join(fs.basePath, relPath)

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, IOError{Operation: relPath, Err: err}
	}

	info, err := os.Stat(fullPath)
	var ts time.Time
	if err == nil {
		ts = info.ModTime().UTC()
	}

	return &VersionedData{
		Data:      data,
		Version:   contentVersion(data),
		Timestamp: ts,
	}, nil
}

func (fs *FileSystemStore) exists(relPath string) (bool, error) {
	_, err := os.Stat(filepath.Join(fs.basePath, relPath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", relPath, err)
}

// fileVersion returns the content version of an existing file, or the empty
// string if the file does not exist yet.
func (fs *FileSystemStore) fileVersion(fullPath string) (string, error) {
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", IOError{Operation: fullPath, Err: err}
	}
	return contentVersion(data), nil
}

func contentVersion(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:16])
}
