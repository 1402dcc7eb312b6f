// Package storage defines the pluggable sink the storage worker drains
// captured snapshots into: a local-filesystem adapter grounded on the
// teacher's own disk-spool handling in its audit failover path
// (MkdirAll the destination, then an atomic rename into place), and an
// S3-compatible adapter for STORAGE_MODE=s3 deployments.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Request is the input to one store operation.
type Request struct {
	LocalPath string
	DeviceID  string
	PayloadID string
	CapturedAt time.Time
	Day       string
}

// Result is the output of a successful store. DeleteLocal is only
// consulted when DeleteLocalSet is true; an adapter that leaves
// DeleteLocalSet false gets the worker's STORAGE_DELETE_LOCAL default.
type Result struct {
	Storage        string
	StoredURI      string
	DeleteLocal    bool
	DeleteLocalSet bool
}

// Adapter is the pluggable storage sink. Implementations must be
// idempotent on retry: the core never retries internally, but an
// operator or a future retry policy may call Store twice for the same
// request.
type Adapter interface {
	Store(ctx context.Context, req Request) (Result, error)
}

// LocalAdapter relocates snapshot files into a day-bucketed directory
// under root, the default STORAGE_MODE=local sink.
type LocalAdapter struct {
	root string
}

func NewLocalAdapter(root string) *LocalAdapter {
	return &LocalAdapter{root: root}
}

func (a *LocalAdapter) Store(ctx context.Context, req Request) (Result, error) {
	destDir := filepath.Join(a.root, req.DeviceID, req.Day)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("storage: mkdir %s: %w", destDir, err)
	}

	destPath := filepath.Join(destDir, filepath.Base(req.LocalPath))
	if err := os.Rename(req.LocalPath, destPath); err != nil {
		return Result{}, fmt.Errorf("storage: rename into place: %w", err)
	}

	return Result{
		Storage:        "local",
		StoredURI:      "file://" + destPath,
		DeleteLocal:    false,
		DeleteLocalSet: true,
	}, nil
}

// S3Config is the connection and bucket a S3Adapter stores into.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Adapter uploads snapshot files to an S3-compatible object store,
// the STORAGE_MODE=s3 sink. It leaves DeleteLocalSet unset: whether the
// local copy is removed after a successful upload is left to the
// worker's STORAGE_DELETE_LOCAL default, unlike LocalAdapter where the
// uploaded copy and the local copy are the same file.
type S3Adapter struct {
	client *minio.Client
	bucket string
}

func NewS3Adapter(cfg S3Config) (*S3Adapter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: new s3 client: %w", err)
	}
	return &S3Adapter{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Adapter) Store(ctx context.Context, req Request) (Result, error) {
	key := filepath.ToSlash(filepath.Join(req.DeviceID, req.Day, filepath.Base(req.LocalPath)))

	info, err := a.client.FPutObject(ctx, a.bucket, key, req.LocalPath, minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return Result{}, fmt.Errorf("storage: s3 put %s: %w", key, err)
	}

	return Result{
		Storage:   "s3",
		StoredURI: fmt.Sprintf("s3://%s/%s", info.Bucket, info.Key),
	}, nil
}

// DeriveDay computes the YYYY-MM-DD bucket for a capture. It is pure
// and idempotent. An out-of-range or otherwise unusable device offset
// is treated as 0 (UTC), and useDeviceTZOffset=false always uses UTC
// regardless of hasTZOffset.
func DeriveDay(capturedAt time.Time, tzOffsetHours int, hasTZOffset, useDeviceTZOffset bool) string {
	offset := 0
	if useDeviceTZOffset && hasTZOffset && tzOffsetHours >= -12 && tzOffsetHours <= 14 {
		offset = tzOffsetHours
	}
	return capturedAt.Add(time.Duration(offset) * time.Hour).Format("2006-01-02")
}
