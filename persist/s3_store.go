package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const s3RequestTimeout = 10 * time.Second

// S3Config holds the connection parameters for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// S3Store implements the Store interface against any S3-compatible object
// store via MinIO. Object keys mirror the logical layout documented on
// Store, nested under an optional key prefix. ETags serve as versions: a
// versioned write sets an If-Match condition, so a concurrent writer turns
// into a PreconditionFailed response which is surfaced as a
// ConcurrencyError.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// NewS3Store creates a store backed by the configured bucket, verifying
// that the bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", config.Bucket)
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3 store from a StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

// Platform component

func (s3s *S3Store) SavePlatformComponent(data []byte, expectedVersion string) (string, error) {
	return s3s.save("platform/master-key", data, expectedVersion)
}

func (s3s *S3Store) LoadPlatformComponent() (*VersionedData, error) {
	return s3s.load("platform/master-key")
}

func (s3s *S3Store) PlatformComponentExists() (bool, error) {
	return s3s.objectExists("platform/master-key")
}

// Organization and team records

func (s3s *S3Store) SaveOrgRecord(orgID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(orgID); err != nil {
		return "", err
	}
	return s3s.save(path.Join("organizations", orgID, "record"), data, expectedVersion)
}

func (s3s *S3Store) LoadOrgRecord(orgID string) (*VersionedData, error) {
	if err := validateID(orgID); err != nil {
		return nil, err
	}
	return s3s.load(path.Join("organizations", orgID, "record"))
}

func (s3s *S3Store) OrgRecordExists(orgID string) (bool, error) {
	if err := validateID(orgID); err != nil {
		return false, err
	}
	return s3s.objectExists(path.Join("organizations", orgID, "record"))
}

func (s3s *S3Store) SaveTeamRecord(teamID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(teamID); err != nil {
		return "", err
	}
	return s3s.save(path.Join("teams", teamID, "record"), data, expectedVersion)
}

func (s3s *S3Store) LoadTeamRecord(teamID string) (*VersionedData, error) {
	if err := validateID(teamID); err != nil {
		return nil, err
	}
	return s3s.load(path.Join("teams", teamID, "record"))
}

// Survey KEK sealed blobs

func (s3s *S3Store) SaveSurveyKEK(surveyID string, sealed []byte, expectedVersion string) (string, error) {
	if err := validateID(surveyID); err != nil {
		return "", err
	}

	// Copy the current blob aside before the conditional overwrite so a
	// failed migration can fall back to the prior sealed key.
	if expectedVersion != "" {
		current, err := s3s.load(path.Join("surveys", surveyID, "kek"))
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
		if _, err := s3s.put(path.Join("surveys", surveyID, "kek.superseded"), current.Data, "", false); err != nil {
			return "", fmt.Errorf("failed to preserve superseded blob: %w", err)
		}
	}

	return s3s.save(path.Join("surveys", surveyID, "kek"), sealed, expectedVersion)
}

func (s3s *S3Store) LoadSurveyKEK(surveyID string) (*VersionedData, error) {
	if err := validateID(surveyID); err != nil {
		return nil, err
	}
	return s3s.load(path.Join("surveys", surveyID, "kek"))
}

func (s3s *S3Store) SurveyKEKExists(surveyID string) (bool, error) {
	if err := validateID(surveyID); err != nil {
		return false, err
	}
	return s3s.objectExists(path.Join("surveys", surveyID, "kek"))
}

func (s3s *S3Store) LoadSupersededSurveyKEK(surveyID string) (*VersionedData, error) {
	if err := validateID(surveyID); err != nil {
		return nil, err
	}
	return s3s.load(path.Join("surveys", surveyID, "kek.superseded"))
}

// Escrow KEK sealed blobs

func (s3s *S3Store) SaveEscrowKEK(userID, surveyID string, sealed []byte, expectedVersion string) (string, error) {
	if err := validateID(userID); err != nil {
		return "", err
	}
	if err := validateID(surveyID); err != nil {
		return "", err
	}
	return s3s.save(path.Join("users", userID, "surveys", surveyID, "recovery-kek"), sealed, expectedVersion)
}

func (s3s *S3Store) LoadEscrowKEK(userID, surveyID string) (*VersionedData, error) {
	if err := validateID(userID); err != nil {
		return nil, err
	}
	if err := validateID(surveyID); err != nil {
		return nil, err
	}
	return s3s.load(path.Join("users", userID, "surveys", surveyID, "recovery-kek"))
}

// Recovery requests

func (s3s *S3Store) SaveRecoveryRequest(requestID string, data []byte, expectedVersion string) (string, error) {
	if err := validateID(requestID); err != nil {
		return "", err
	}
	return s3s.save(path.Join("recovery", requestID), data, expectedVersion)
}

func (s3s *S3Store) LoadRecoveryRequest(requestID string) (*VersionedData, error) {
	if err := validateID(requestID); err != nil {
		return nil, err
	}
	return s3s.load(path.Join("recovery", requestID))
}

func (s3s *S3Store) ListRecoveryRequests() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	prefix := s3s.objectName("recovery") + "/"
	var ids []string
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix: prefix,
	}) {
		if object.Err != nil {
			return nil, IOError{Operation: "recovery list", Err: object.Err}
		}
		ids = append(ids, strings.TrimPrefix(object.Key, prefix))
	}
	return ids, nil
}

// Health and utilities

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("bucket check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s no longer exists", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// save performs a versioned write. An empty expectedVersion requires that
// the object does not exist yet (If-None-Match); otherwise the current ETag
// is verified and the put carries an If-Match condition so concurrent
// modification fails the upload.
func (s3s *S3Store) save(relPath string, data []byte, expectedVersion string) (string, error) {
	if expectedVersion != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
		current, err := s3s.objectVersion(ctx, s3s.objectName(relPath))
		cancel()
		if err != nil {
			return "", IOError{Operation: relPath, Err: err}
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       relPath,
			}
		}
	}

	version, err := s3s.put(relPath, data, expectedVersion, expectedVersion == "")
	if err != nil {
		if isPreconditionFailed(err) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   "unknown",
				Operation:       relPath,
			}
		}
		return "", IOError{Operation: relPath, Err: err}
	}
	return version, nil
}

func (s3s *S3Store) put(relPath string, data []byte, matchETag string, createOnly bool) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	putOptions := minio.PutObjectOptions{
		UserMetadata: map[string]string{
			"Created-At": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if matchETag != "" {
		putOptions.SetMatchETag(matchETag)
	}
	if createOnly {
		putOptions.SetMatchETagExcept("*")
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, s3s.objectName(relPath),
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		return "", fmt.Errorf("failed to save %s: %w", relPath, err)
	}
	return cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) load(relPath string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	objectName := s3s.objectName(relPath)
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, IOError{Operation: relPath, Err: err}
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, IOError{Operation: relPath, Err: err}
	}

	objInfo, err := object.Stat()
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, IOError{Operation: relPath, Err: err}
	}

	return &VersionedData{
		Data:      data,
		Version:   cleanETag(objInfo.ETag),
		Timestamp: objInfo.LastModified.UTC(),
	}, nil
}

func (s3s *S3Store) objectExists(relPath string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3RequestTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.objectName(relPath), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", relPath, err)
}

func (s3s *S3Store) objectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if isS3NotFound(err) {
			return "", nil
		}
		return "", err
	}
	return cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) objectName(relPath string) string {
	if s3s.keyPrefix == "" {
		return relPath
	}
	return s3s.keyPrefix + "/" + relPath
}

func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isPreconditionFailed(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func isS3NotFound(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
