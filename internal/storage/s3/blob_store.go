// Package s3 provides a BlobStore for S3-compatible object storage (MinIO,
// AWS S3, Ceph) using minio-go.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
)

// Config captures connection and bucket settings.
type Config struct {
	// Endpoint is host[:port] or a URL; an https scheme enables TLS.
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	// CreateBucket makes the bucket when it does not exist yet.
	CreateBucket bool `mapstructure:"create_bucket"`
}

// BlobStore uploads objects into one bucket.
type BlobStore struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ analyzer.BlobStore = (*BlobStore)(nil)

// NewClient builds a minio client from cfg.
func NewClient(cfg Config) (*minio.Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("s3 credentials are required")
	}
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client *minio.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Open builds a client, verifies (or creates) the bucket and returns a store.
func Open(ctx context.Context, cfg Config) (*BlobStore, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	store, err := New(client, cfg)
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check s3 bucket %q: %w", cfg.Bucket, err)
	}
	if exists {
		return store, nil
	}
	if !cfg.CreateBucket {
		return nil, fmt.Errorf("s3 bucket %q does not exist", cfg.Bucket)
	}
	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return nil, fmt.Errorf("create s3 bucket %q: %w", cfg.Bucket, err)
	}
	return store, nil
}

// PutObject uploads data and returns an s3:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("path is required")
	}
	key := name
	if s.prefix != "" {
		key = path.Join(s.prefix, name)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put s3 object %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
