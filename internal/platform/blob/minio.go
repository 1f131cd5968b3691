// Package blob stores result artifacts in a MinIO/S3-compatible bucket.
// Artifacts are immutable and keyed by job ID; callers never see the bucket
// directly, only presigned GET URLs minted on demand with a short expiry.
// Artifact garbage collection is delegated to a bucket lifecycle policy
// rather than coupled to the job sweeper.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the connection settings for the artifact bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioResultStore implements artifact storage on a MinIO/S3 bucket.
type MinioResultStore struct {
	client *minio.Client
	bucket string
}

// New creates a MinioResultStore and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*MinioResultStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioResultStore{client: client, bucket: cfg.Bucket}, nil
}

// PutResult uploads a job's result artifact and returns its reference.
func (s *MinioResultStore) PutResult(ctx context.Context, jobID uuid.UUID, data []byte) (string, error) {
	ref := path.Join("jobs", jobID.String(), "result.json")

	_, err := s.client.PutObject(ctx, s.bucket, ref,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("failed to put result artifact: %w", err)
	}
	return ref, nil
}

// SignedURL mints a fresh presigned GET URL for the artifact. URLs are cheap
// to regenerate and are never stored, so every poll of a completed job gets
// a locator with a full, renewed expiry.
func (s *MinioResultStore) SignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("result reference cannot be empty")
	}

	presignedURL, err := s.client.PresignedGetObject(ctx, s.bucket, ref, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presignedURL.String(), nil
}
