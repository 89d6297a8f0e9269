// Package objectstore wraps the S3-compatible blob store holding versioned
// bot artifacts. Keys follow bots/<bot_id>/code/<version>/<filename>.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tradebot-platform/config"
	"tradebot-platform/internal/logging"
)

// Store is the versioned artifact store for bot code.
type Store struct {
	client *minio.Client
	bucket string
	logger *logging.Logger
}

// ObjectMeta describes a stored artifact.
type ObjectMeta struct {
	Key     string
	Version string
	SHA256  string
	Size    int64
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("error creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logging.Default().WithComponent("objectstore"),
	}, nil
}

// CodeKey builds the canonical key for a bot code artifact.
func CodeKey(botID int64, version, filename string) string {
	return fmt.Sprintf("bots/%d/code/%s/%s", botID, version, filename)
}

// Download fetches an object by key and returns its bytes.
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("error fetching object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("error reading object %s: %w", key, err)
	}
	return data, nil
}

// Upload stores an artifact under the canonical key with its version,
// digest and size in user metadata, and returns the metadata.
func (s *Store) Upload(ctx context.Context, botID int64, version, filename string, data []byte) (*ObjectMeta, error) {
	key := CodeKey(botID, version, filename)
	digest := sha256.Sum256(data)
	sum := hex.EncodeToString(digest[:])

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"version": version,
				"sha256":  sum,
			},
		})
	if err != nil {
		return nil, fmt.Errorf("error uploading object %s: %w", key, err)
	}

	s.logger.Info("artifact uploaded", "key", key, "size", len(data), "sha256", sum)
	return &ObjectMeta{Key: key, Version: version, SHA256: sum, Size: int64(len(data))}, nil
}

// ListVersions lists stored artifacts under a bot's code prefix.
func (s *Store) ListVersions(ctx context.Context, botID int64) ([]ObjectMeta, error) {
	prefix := fmt.Sprintf("bots/%d/code/", botID)
	var out []ObjectMeta
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("error listing %s: %w", prefix, obj.Err)
		}
		meta := ObjectMeta{Key: obj.Key, Size: obj.Size}
		// bots/<id>/code/<version>/<filename>
		if parts := strings.Split(strings.TrimPrefix(obj.Key, prefix), "/"); len(parts) >= 2 {
			meta.Version = parts[0]
		}
		out = append(out, meta)
	}
	return out, nil
}

// VerifySHA256 checks data against an expected hex digest.
func VerifySHA256(data []byte, expected string) error {
	digest := sha256.Sum256(data)
	actual := hex.EncodeToString(digest[:])
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("artifact checksum mismatch: have %s, want %s", actual, expected)
	}
	return nil
}
