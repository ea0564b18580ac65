package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/crypto"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second

	checksumMetaKey = "Fv-Checksum"

	// throttleBackoff is the retry hint returned when the backend throttles
	throttleBackoff = 5 * time.Second
)

// S3Store keeps blobs and item records in an S3 compatible bucket:
//
//	<prefix>/<vaultID>/blobs/<itemID>
//	<prefix>/<vaultID>/records/<itemID>.json
//
// Each blob carries a blake3 checksum in its user metadata which is verified
// on fetch.
type S3Store struct {
	client    *minio.Client
	bucket    string
	keyPrefix string
}

// S3Config holds S3 configuration
type S3Config struct {
	Endpoint        string `json:"endpoint" mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key" yaml:"secret_access_key"`
	Bucket          string `json:"bucket" mapstructure:"bucket" yaml:"bucket"`
	KeyPrefix       string `json:"key_prefix" mapstructure:"key_prefix" yaml:"key_prefix"`
	UseSSL          bool   `json:"use_ssl" mapstructure:"use_ssl" yaml:"use_ssl"`
	Region          string `json:"region" mapstructure:"region" yaml:"region"`
}

// NewS3Store creates a new S3 store, creating the bucket when missing
func NewS3Store(ctx context.Context, config S3Config) (*S3Store, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	store := &S3Store{
		client:    client,
		bucket:    config.Bucket,
		keyPrefix: strings.Trim(config.KeyPrefix, "/"),
	}

	if err = store.ensureBucket(ctx, config.Region); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *S3Store) SaveItem(ctx context.Context, item familyvault.VaultItem, data []byte) error {
	if err := validateIDs(item.ID, item.VaultID); err != nil {
		return err
	}

	record, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	// blob before record so listed records always have a blob
	_, err = s.client.PutObject(ctx, s.bucket, s.blobKey(item.VaultID, item.ID),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType:  "application/octet-stream",
			UserMetadata: map[string]string{checksumMetaKey: crypto.CalculateChecksum(data)},
		})
	if err != nil {
		return classifyS3Error("save blob", item.ID, item.VaultID, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.recordKey(item.VaultID, item.ID),
		bytes.NewReader(record), int64(len(record)), minio.PutObjectOptions{
			ContentType: "application/json",
		})
	if err != nil {
		return classifyS3Error("save record", item.ID, item.VaultID, err)
	}
	return nil
}

func (s *S3Store) FetchItem(ctx context.Context, itemID, vaultID string) ([]byte, error) {
	if err := validateIDs(itemID, vaultID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	object, err := s.client.GetObject(ctx, s.bucket, s.blobKey(vaultID, itemID), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3Error("fetch blob", itemID, vaultID, err)
	}
	defer object.Close()

	info, err := object.Stat()
	if err != nil {
		return nil, classifyS3Error("stat blob", itemID, vaultID, err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, classifyS3Error("read blob", itemID, vaultID, err)
	}

	if expected := userMetadata(info.UserMetadata, checksumMetaKey); expected != "" {
		if actual := crypto.CalculateChecksum(data); actual != expected {
			return nil, familyvault.NewStorageError("fetch blob",
				fmt.Errorf("checksum mismatch for item %s in vault %s", itemID, vaultID))
		}
	}
	return data, nil
}

func (s *S3Store) ListItems(ctx context.Context, vaultID string) ([]familyvault.VaultItem, error) {
	if err := validateIDs("", vaultID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	items := []familyvault.VaultItem{}
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.buildPath(vaultID, "records") + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, classifyS3Error("list records", "", vaultID, object.Err)
		}

		item, err := s.readRecord(ctx, object.Key)
		if err != nil {
			if errors.Is(err, familyvault.ErrItemNotFound) {
				// removed between list and read
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}

	sortItems(items)
	return items, nil
}

func (s *S3Store) DeleteItem(ctx context.Context, itemID, vaultID string) error {
	if err := validateIDs(itemID, vaultID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	// record first so a partial delete does not list a missing blob
	if err := s.client.RemoveObject(ctx, s.bucket, s.recordKey(vaultID, itemID), minio.RemoveObjectOptions{}); err != nil && !isNotFoundError(err) {
		return classifyS3Error("delete record", itemID, vaultID, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.blobKey(vaultID, itemID), minio.RemoveObjectOptions{}); err != nil && !isNotFoundError(err) {
		return classifyS3Error("delete blob", itemID, vaultID, err)
	}
	return nil
}

// Synchronize is a no-op; objects are durable once written
func (s *S3Store) Synchronize(ctx context.Context) error {
	return ctx.Err()
}

// Ping tests the connection to S3
func (s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return familyvault.NewStorageError("ping", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s *S3Store) readRecord(ctx context.Context, key string) (familyvault.VaultItem, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return familyvault.VaultItem{}, classifyS3Error("fetch record", "", "", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return familyvault.VaultItem{}, classifyS3Error("read record", "", "", err)
	}

	var item familyvault.VaultItem
	if err = json.Unmarshal(data, &item); err != nil {
		return familyvault.VaultItem{}, familyvault.NewStorageError("read record",
			fmt.Errorf("failed to parse %s: %w", key, err))
	}
	return item, nil
}

// ensureBucket creates the bucket if it does not exist
func (s *S3Store) ensureBucket(ctx context.Context, region string) error {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *S3Store) blobKey(vaultID, itemID string) string {
	return s.buildPath(vaultID, "blobs", itemID)
}

func (s *S3Store) recordKey(vaultID, itemID string) string {
	return s.buildPath(vaultID, "records", itemID+".json")
}

func (s *S3Store) buildPath(components ...string) string {
	if s.keyPrefix == "" {
		return path.Join(components...)
	}
	return path.Join(append([]string{s.keyPrefix}, components...)...)
}

// userMetadata looks up a user metadata value regardless of key casing
func userMetadata(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) || strings.EqualFold(k, "X-Amz-Meta-"+key) {
			return v
		}
	}
	return ""
}

func isNotFoundError(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.Code == "NoSuchKey" || minioErr.Code == "NotFound" || minioErr.StatusCode == http.StatusNotFound
	}
	return false
}

func isThrottleError(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		switch minioErr.Code {
		case "SlowDown", "SlowDownRead", "SlowDownWrite", "ServiceUnavailable", "RequestTimeout", "XMinioServerNotInitialized":
			return true
		}
		return minioErr.StatusCode == http.StatusServiceUnavailable || minioErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func classifyS3Error(op, itemID, vaultID string, err error) error {
	switch {
	case isNotFoundError(err):
		return itemNotFound(itemID, vaultID)
	case isThrottleError(err):
		return &familyvault.RetryableError{After: throttleBackoff, Err: familyvault.NewStorageError(op, err)}
	default:
		return familyvault.NewStorageError(op, err)
	}
}
