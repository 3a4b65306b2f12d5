// Package objects stores requester working-directory files in MinIO;
// captured job output is not stored here. Trimmed from the teacher's
// internal/common/storage/minio.go: that file's multipart-upload
// machinery served large, resumable uploads neither open()/upload() nor
// a job's captured output need (spec.md job output is bounded by
// maxOutputFileSize, and input files are the small textual sources a
// Makefile-driven job takes); kept are four single-shot calls, of which
// the façade makes PutObject and StatObject. Nothing in the broker calls
// GetObject or RemoveObjects.
package objects

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tango/internal/common/tangoerr"
)

// Config holds the backing MinIO connection.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// Store wraps a MinIO client scoped to one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to MinIO and ensures the configured bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "connect to object store: %v", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "check bucket: %v", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, tangoerr.Wrapf(err, tangoerr.Internal, "create bucket: %v", err)
		}
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Stat is a file's size and content digest, backing open()'s manifest.
type Stat struct {
	Key    string
	Size   int64
	ETag   string
}

// PutObject uploads data under key, used by upload(key, filename, bytes).
func (s *Store) PutObject(ctx context.Context, key string, data []byte, contentType string) (Stat, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Stat{}, tangoerr.Wrapf(err, tangoerr.Internal, "put object %s: %v", key, err)
	}
	return Stat{Key: key, Size: info.Size, ETag: info.ETag}, nil
}

// GetObject downloads the object at key.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "get object %s: %v", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "read object %s: %v", key, err)
	}
	return data, nil
}

// StatObject reports key's size/digest without downloading it, used by
// open()'s manifest of known files.
func (s *Store) StatObject(ctx context.Context, key string) (Stat, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Stat{}, tangoerr.Wrapf(err, tangoerr.Internal, "stat object %s: %v", key, err)
	}
	return Stat{Key: key, Size: info.Size, ETag: info.ETag}, nil
}

// RemoveObjects deletes keys.
func (s *Store) RemoveObjects(ctx context.Context, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objectsCh <- minio.ObjectInfo{Key: k}
	}
	close(objectsCh)
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return tangoerr.Wrapf(result.Err, tangoerr.Internal, "remove object %s: %v", result.ObjectName, result.Err)
		}
	}
	return nil
}
