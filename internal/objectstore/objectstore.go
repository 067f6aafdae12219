// Package objectstore wraps the MinIO client used to hold built
// bundles and hand out short-lived presigned URLs.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/toolgate/toolgate/internal/config"
)

// Bundles is the object-storage interface the bundle cache and the
// bundler depend on.
type Bundles interface {
	// Upload stores a bundle at path and returns its byte size.
	Upload(ctx context.Context, path string, data []byte) (int64, error)

	// SignedURL returns a presigned GET URL for path, valid for ttl.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Client is the MinIO-backed Bundles implementation.
type Client struct {
	mc     *minio.Client
	bucket string
}

// New builds a MinIO client and verifies the bundle bucket exists,
// creating it when absent.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("object store endpoint is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

func (c *Client) Upload(ctx context.Context, path string, data []byte) (int64, error) {
	info, err := c.mc.PutObject(ctx, c.bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/javascript"})
	if err != nil {
		return 0, fmt.Errorf("upload %q: %w", path, err)
	}
	return info.Size, nil
}

func (c *Client) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, path, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", path, err)
	}
	return u.String(), nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
