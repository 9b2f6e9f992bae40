package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ImageStore keeps product images. MinioStore is the production
// implementation; tests use an in-memory one.
type ImageStore interface {
	PutImage(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	GetImage(ctx context.Context, key string) (io.ReadCloser, ImageInfo, error)
	RemoveImage(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// ImageInfo describes a stored object.
type ImageInfo struct {
	Size        int64
	ContentType string
	ETag        string
}

// errImageNotFound is returned by GetImage for unknown keys.
var errImageNotFound = errors.New("image not found")

// StorageConfig holds the object storage connection settings.
type StorageConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	CreateBucket bool
}

// MinioStore stores images in a MinIO or S3 bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		secure = (u.Scheme == "https")
		return u.Host, secure, nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// NewMinioStore connects to the bucket, creating it when allowed.
func NewMinioStore(ctx context.Context, cfg StorageConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !cfg.CreateBucket {
			return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
		}
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinioStore) PutImage(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=86400",
	})
	return err
}

func (m *MinioStore) GetImage(ctx context.Context, key string) (io.ReadCloser, ImageInfo, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ImageInfo{}, err
	}
	// GetObject is lazy; Stat surfaces a missing key.
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ImageInfo{}, errImageNotFound
		}
		return nil, ImageInfo{}, err
	}
	return obj, ImageInfo{Size: st.Size, ContentType: st.ContentType, ETag: st.ETag}, nil
}

func (m *MinioStore) RemoveImage(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

// Ping checks that the bucket is reachable.
func (m *MinioStore) Ping(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket does not exist: %s", m.bucket)
	}
	return nil
}
