// Package objstore wraps an S3-compatible bucket store (MinIO) for avatars and captures.
package objstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	mc       *minio.Client
	endpoint string
	secure   bool
	region   string
}

// New builds a client. It does not contact the server; a region is required so that
// presigning works without a bucket-location lookup.
func New(endpoint, accessKey, secretKey, region string, useSSL bool) (*Client, error) {
	if region == "" {
		region = "us-east-1"
	}
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{mc: mc, endpoint: endpoint, secure: useSSL, region: region}, nil
}

// EnsureBucket creates bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}

// PresignPut returns a URL that accepts one PUT of key until ttl elapses.
func (c *Client) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedPutObject(ctx, bucket, key, ttl)
	if err != nil {
		return "", fmt.Errorf("presign put %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// Put uploads an object. size may be -1 when unknown.
func (c *Client) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := c.mc.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PublicURL is the path-style URL of an object in a public-read bucket.
func (c *Client) PublicURL(bucket, key string) string {
	scheme := "http"
	if c.secure {
		scheme = "https"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   c.endpoint,
		Path:   "/" + bucket + "/" + strings.TrimPrefix(key, "/"),
	}
	return u.String()
}
