package persist

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultStore persists custody objects in HashiCorp Vault's KV version 2
// secrets engine. Sealed blobs are stored base64-encoded under a "content"
// key, and the KV v2 secret version doubles as the optimistic concurrency
// version: every write sends a check-and-set option so that a stale
// expectedVersion is rejected by Vault itself.
type VaultStore struct {
	client    *api.Client
	mountPath string
	basePath  string
	timeout   time.Duration
}

const vaultRequestTimeout = 30 * time.Second

// NewVaultStore creates a store backed by the KV v2 engine mounted at
// mountPath, with all keys nested under basePath.
func NewVaultStore(address, token, mountPath, basePath string) (*VaultStore, error) {
	if address == "" {
		return nil, fmt.Errorf("vault address cannot be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("vault token cannot be empty")
	}

	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: vaultRequestTimeout}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.Trim(mountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	basePath = strings.Trim(basePath, "/")
	if basePath == "" {
		basePath = "checktick"
	}

	return &VaultStore{
		client:    client,
		mountPath: mountPath,
		basePath:  basePath,
		timeout:   vaultRequestTimeout,
	}, nil
}

// NewVaultStoreFromConfig creates a Vault store from a StoreConfig.
func NewVaultStoreFromConfig(config StoreConfig) (*VaultStore, error) {
	address, _ := config.Config["address"].(string)
	token, _ := config.Config["token"].(string)
	mountPath, _ := config.Config["mount_path"].(string)
	basePath, _ := config.Config["base_path"].(string)

	if address == "" {
		return nil, fmt.Errorf("vault storage requires 'address' in config")
	}
	if token == "" {
		return nil, fmt.Errorf("vault storage requires 'token' in config")
	}
	return NewVaultStore(address, token, mountPath, basePath)
}

// Platform component

func (vs *VaultStore) SavePlatformComponent(data []byte, expectedVersion string) (string, error) {
	return vs.save("platform/master-key", data, expectedVersion)
}

func (vs *VaultStore) LoadPlatformComponent() (*VersionedData, error) {
	return vs.load("platform/master-key")
}

func (vs *VaultStore) PlatformComponentExists() (bool, error) {
	return vs.exists("platform/master-key")
}

// Organization and team records

func (vs *VaultStore) SaveOrgRecord(orgID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(orgID); err != nil {
		return "", err
	}
	return vs.save(path.Join("organizations", orgID, "record"), data, expectedVersion)
}

func (vs *VaultStore) LoadOrgRecord(orgID string) (*VersionedData, error) {
	if err := validateID(orgID); err != nil {
		return nil, err
	}
	return vs.load(path.Join("organizations", orgID, "record"))
}

func (vs *VaultStore) OrgRecordExists(orgID string) (bool, error) {
	if err := validateID(orgID); err != nil {
		return false, err
	}
	return vs.exists(path.Join("organizations", orgID, "record"))
}

func (vs *VaultStore) SaveTeamRecord(teamID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(teamID); err != nil {
		return "", err
	}
	return vs.save(path.Join("teams", teamID, "record"), data, expectedVersion)
}

func (vs *VaultStore) LoadTeamRecord(teamID string) (*VersionedData, error) {
	if err := validateID(teamID); err != nil {
		return nil, err
	}
	return vs.load(path.Join("teams", teamID, "record"))
}

// Survey KEK sealed blobs

func (vs *VaultStore) SaveSurveyKEK(surveyID string, sealed []byte, expectedVersion string) (string, error) {
	if err := validateID(surveyID); err != nil {
		return "", err
	}

	// Preserve the current blob before overwriting so a failed migration
	// can fall back to the prior sealed key.
	if expectedVersion != "" {
		current, err := vs.load(path.Join("surveys", surveyID, "kek"))
		if err != nil {
			return "", fmt.Errorf("failed to read current blob for supersede: %w", err)
		}
		if current.Version != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current.Version,
				Operation:       path.Join("surveys", surveyID, "kek"),
			}
		}
		supersededPath := path.Join("surveys", surveyID, "kek.superseded")
		if _, err := vs.write(supersededPath, current.Data, -1); err != nil {
			return "", fmt.Errorf("failed to preserve superseded blob: %w", err)
		}
	}

	return vs.save(path.Join("surveys", surveyID, "kek"), sealed, expectedVersion)
}

func (vs *VaultStore) LoadSurveyKEK(surveyID string) (*VersionedData, error) {
	if err := validateID(surveyID); err != nil {
		return nil, err
	}
	return vs.load(path.Join("surveys", surveyID, "kek"))
}

func (vs *VaultStore) SurveyKEKExists(surveyID string) (bool, error) {
	if err := validateID(surveyID); err != nil {
		return false, err
	}
	return vs.exists(path.Join("surveys", surveyID, "kek"))
}

func (vs *VaultStore) LoadSupersededSurveyKEK(surveyID string) (*VersionedData, error) {
	if err := validateID(surveyID); err != nil {
		return nil, err
	}
	return vs.load(path.Join("surveys", surveyID, "kek.superseded"))
}

// Escrow KEK sealed blobs

func (vs *VaultStore) SaveEscrowKEK(userID, surveyID string, sealed []byte, expectedVersion string) (string, error) {
	if err := validateID(userID); err != nil {
		return "", err
	}
	if err := validateID(surveyID); err != nil {
		return "", err
	}
	return vs.save(path.Join("users", userID, "surveys", surveyID, "recovery-kek"), sealed, expectedVersion)
}

func (vs *VaultStore) LoadEscrowKEK(userID, surveyID string) (*VersionedData, error) {
	if err := validateID(userID); err != nil {
		return nil, err
	}
	if err := validateID(surveyID); err != nil {
		return nil, err
	}
	return vs.load(path.Join("users", userID, "surveys", surveyID, "recovery-kek"))
}

// Recovery requests

func (vs *VaultStore) SaveRecoveryRequest(requestID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(requestID); err != nil {
		return "", err
	}
	return vs.save(path.Join("recovery", requestID), data, expectedVersion)
}

func (vs *VaultStore) LoadRecoveryRequest(requestID string) (*VersionedData, error) {
	if err := validateID(requestID); err != nil {
		return nil, err
	}
	return vs.load(path.Join("recovery", requestID))
}

func (vs *VaultStore) ListRecoveryRequests() ([]string, error) {
	ctx, cancel := vs.requestContext()
	defer cancel()

	listPath := fmt.Sprintf("%s/metadata/%s/recovery", vs.mountPath, vs.basePath)
	secret, err := vs.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, IOError{Operation: "recovery list", Err: err}
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var ids []string
	for _, k := range keys {
		if name, ok := k.(string); ok && !strings.HasSuffix(name, "/") {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

// Health and utilities

func (vs *VaultStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := vs.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if !health.Initialized {
		return fmt.Errorf("vault is not initialized")
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (vs *VaultStore) Close() error {
	return nil
}

func (vs *VaultStore) GetType() string {
	return string(StoreTypeVault)
}

// save performs a check-and-set write. An empty expectedVersion requires
// that the key does not exist yet (cas=0); otherwise the write only
// succeeds against the exact current KV version.
func (vs *VaultStore) save(relPath string, data []byte, expectedVersion string) (string, error) {
	cas := 0
	if expectedVersion != "" {
		parsed, err := strconv.Atoi(expectedVersion)
		if err != nil {
			return "", fmt.Errorf("invalid version %q: %w", expectedVersion, err)
		}
		cas = parsed
	}

	newVersion, err := vs.write(relPath, data, cas)
	if err != nil {
		if isVaultCASFailure(err) {
			actual, verr := vs.currentVersion(relPath)
			if verr != nil {
				actual = "unknown"
			}
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   actual,
				Operation:       relPath,
			}
		}
		return "", IOError{Operation: relPath, Err: err}
	}
	return newVersion, nil
}

// write stores the payload at relPath. A cas value of -1 writes
// unconditionally; any other value is passed through as a KV v2
// check-and-set option.
func (vs *VaultStore) write(relPath string, data []byte, cas int) (string, error) {
	ctx, cancel := vs.requestContext()
	defer cancel()

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}
	if cas >= 0 {
		payload["options"] = map[string]interface{}{"cas": cas}
	}

	secret, err := vs.client.Logical().WriteWithContext(ctx, vs.dataPath(relPath), payload)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", relPath, err)
	}

	if secret != nil && secret.Data != nil {
		if v, ok := secret.Data["version"]; ok {
			return versionNumberToString(v), nil
		}
	}
	return vs.currentVersion(relPath)
}

func (vs *VaultStore) load(relPath string) (*VersionedData, error) {
	ctx, cancel := vs.requestContext()
	defer cancel()

	secret, err := vs.client.Logical().ReadWithContext(ctx, vs.dataPath(relPath))
	if err != nil {
		// Network faults and server timeouts, including a hit request
		// deadline. KV v2 reports a missing key with a nil secret, not here.
		return nil, IOError{Operation: relPath, Err: err}
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}

	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok || inner == nil {
		// KV v2 returns metadata with nil data for deleted versions.
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}

	encoded, ok := inner["content"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid payload format at %s", relPath)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload at %s: %w", relPath, err)
	}

	version := ""
	var ts time.Time
	if meta, ok := secret.Data["metadata"].(map[string]interface{}); ok {
		if v, ok := meta["version"]; ok {
			version = versionNumberToString(v)
		}
		if created, ok := meta["created_time"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339Nano, created); err == nil {
				ts = parsed.UTC()
			}
		}
	}

	return &VersionedData{Data: data, Version: version, Timestamp: ts}, nil
}

func (vs *VaultStore) exists(relPath string) (bool, error) {
	_, err := vs.load(relPath)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (vs *VaultStore) currentVersion(relPath string) (string, error) {
	ctx, cancel := vs.requestContext()
	defer cancel()

	metaPath := fmt.Sprintf("%s/metadata/%s/%s", vs.mountPath, vs.basePath, relPath)
	secret, err := vs.client.Logical().ReadWithContext(ctx, metaPath)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata for %s: %w", relPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", nil
	}
	if v, ok := secret.Data["current_version"]; ok {
		return versionNumberToString(v), nil
	}
	return "", nil
}

func (vs *VaultStore) dataPath(relPath string) string {
	return fmt.Sprintf("%s/data/%s/%s", vs.mountPath, vs.basePath, relPath)
}

func (vs *VaultStore) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), vs.timeout)
}

// isVaultCASFailure detects the error Vault returns when a check-and-set
// precondition is not met.
func isVaultCASFailure(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "check-and-set parameter")
}

func versionNumberToString(v interface{}) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatInt(int64(n), 10)
	default:
		if num, ok := v.(interface{ Int64() (int64, error) }); ok {
			if i, err := num.Int64(); err == nil {
				return strconv.FormatInt(i, 10)
			}
		}
		return fmt.Sprintf("%v", v)
	}
}
