// Package s3 keeps exported result sets in an S3 compatible bucket via
// the minio client. All keys live under a configurable prefix so the
// gate can share a bucket with other writers.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/duckgate/duckgate/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// objectAPI is the slice of the minio client the store actually uses,
// narrowed so tests can stand in for the wire.
type objectAPI interface {
	putObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (storage.ObjectInfo, error)
	getObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	statObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error)
	removeObject(ctx context.Context, bucket, key string) error
	bucketExists(ctx context.Context, bucket string) (bool, error)
	makeBucket(ctx context.Context, bucket, region string) error
}

type Store struct {
	api    objectAPI
	bucket string
	keys   keyspace
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	api, err := dialMinio(cfg)
	if err != nil {
		return nil, err
	}
	store := &Store{api: api, bucket: bucket, keys: newKeyspace(cfg.Prefix)}
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func NewWithClient(bucket, prefix string, api objectAPI) (*Store, error) {
	if api == nil {
		return nil, fmt.Errorf("object api is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Store{api: api, bucket: bucket, keys: newKeyspace(prefix)}, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	resolved, err := s.keys.resolve(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.api.putObject(ctx, s.bucket, resolved, body, size, contentType)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("store object %q: %w", resolved, err)
	}
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resolved, err := s.keys.resolve(key)
	if err != nil {
		return nil, err
	}
	body, err := s.api.getObject(ctx, s.bucket, resolved)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("load object %q: %w", resolved, err)
	}
	return body, nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	resolved, err := s.keys.resolve(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.api.statObject(ctx, s.bucket, resolved)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return storage.ObjectInfo{}, storage.ErrObjectNotFound
		}
		return storage.ObjectInfo{}, fmt.Errorf("inspect object %q: %w", resolved, err)
	}
	return info, nil
}

// Delete removes an object. Objects that are already gone are treated
// as deleted.
func (s *Store) Delete(ctx context.Context, key string) error {
	resolved, err := s.keys.resolve(key)
	if err != nil {
		return err
	}
	if err := s.api.removeObject(ctx, s.bucket, resolved); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("remove object %q: %w", resolved, err)
	}
	return nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.api.bucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.api.makeBucket(ctx, s.bucket, region); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.bucket, err)
	}
	return nil
}

// keyspace cleans caller keys and pins them under the store prefix.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix = path.Clean(prefix)
		if prefix == "." {
			prefix = ""
		}
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) resolve(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("object key %q escapes the store", key)
	}
	if k.prefix == "" {
		return cleaned, nil
	}
	return path.Join(k.prefix, cleaned), nil
}

func dialMinio(cfg Config) (*minioAPI, error) {
	host, secure, err := endpointHost(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	mc, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &minioAPI{mc: mc}, nil
}

// endpointHost accepts either a bare host:port or a full URL. An https
// scheme forces TLS on regardless of the UseSSL setting.
func endpointHost(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("s3 endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint URL: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("endpoint host is required")
	}
	switch parsed.Scheme {
	case "https":
		return parsed.Host, true, nil
	case "http":
		return parsed.Host, useSSL, nil
	}
	return "", false, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
}

type minioAPI struct {
	mc *minio.Client
}

func (a *minioAPI) putObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (storage.ObjectInfo, error) {
	info, err := a.mc.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return storage.ObjectInfo{}, translateMinioErr(err)
	}
	return storage.ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag}, nil
}

func (a *minioAPI) getObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := a.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinioErr(err)
	}
	// GetObject is lazy; a missing key only surfaces on the first read,
	// so force it now.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translateMinioErr(err)
	}
	return obj, nil
}

func (a *minioAPI) statObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	info, err := a.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, translateMinioErr(err)
	}
	return storage.ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag, LastModified: info.LastModified}, nil
}

func (a *minioAPI) removeObject(ctx context.Context, bucket, key string) error {
	if err := a.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return translateMinioErr(err)
	}
	return nil
}

func (a *minioAPI) bucketExists(ctx context.Context, bucket string) (bool, error) {
	exists, err := a.mc.BucketExists(ctx, bucket)
	if err != nil {
		return false, translateMinioErr(err)
	}
	return exists, nil
}

func (a *minioAPI) makeBucket(ctx context.Context, bucket, region string) error {
	if err := a.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return translateMinioErr(err)
	}
	return nil
}

func translateMinioErr(err error) error {
	var response minio.ErrorResponse
	if errors.As(err, &response) {
		switch response.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return storage.ErrObjectNotFound
		}
	}
	return err
}
