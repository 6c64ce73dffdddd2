// Package storage uploads editor images to an S3-compatible object store.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Region     string
	PublicBase string
}

// MinIO implements asset.Storage. Objects are public-read and addressed by
// PublicBase/bucket/path.
type MinIO struct {
	client     *minio.Client
	publicBase string
}

func NewMinIO(cfg Config) (*MinIO, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("storage endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &MinIO{client: client, publicBase: PublicBase(cfg)}, nil
}

// PublicBase is the URL prefix visitors load objects from.
func PublicBase(cfg Config) string {
	if base := strings.TrimRight(strings.TrimSpace(cfg.PublicBase), "/"); base != "" {
		return base
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + cfg.Endpoint
}

// Upload stores data at bucket/objectPath, overwriting any previous object,
// and returns its public URL.
func (m *MinIO) Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error) {
	objectPath = strings.TrimLeft(objectPath, "/")
	if objectPath == "" {
		return "", errors.New("object path is required")
	}
	_, err := m.client.PutObject(ctx, bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000",
	})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", bucket, objectPath, err)
	}
	return m.PublicURL(bucket, objectPath), nil
}

func (m *MinIO) PublicURL(bucket, objectPath string) string {
	return ObjectURL(m.publicBase, bucket, objectPath)
}

// ObjectURL joins base, bucket and an object path, escaping each segment.
func ObjectURL(base, bucket, objectPath string) string {
	segments := strings.Split(strings.TrimLeft(objectPath, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

// EnsureBucket creates the bucket when missing and makes its objects
// publicly readable.
func (m *MinIO) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	if err := m.client.SetBucketPolicy(ctx, bucket, publicReadPolicy(bucket)); err != nil {
		log.Printf("storage: set public policy on %s: %v", bucket, err)
	}
	return nil
}

func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
}

// Ping lists buckets to confirm the endpoint answers with valid credentials.
func (m *MinIO) Ping(ctx context.Context) error {
	_, err := m.client.ListBuckets(ctx)
	return err
}
