// Package minio wraps the MinIO / S3-compatible object store that holds raw
// note documents and exported audit bundles.
package minio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/minio/minio-go/v7/pkg/tags"

	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// MinIOAPI is the subset of *minio.Client the package depends on.  The SDK
// exposes a concrete struct, so this seam is what makes the repository
// testable without a live server.
type MinIOAPI interface {
	ListBuckets(ctx context.Context) ([]minio.BucketInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	SetBucketLifecycle(ctx context.Context, bucketName string, config *lifecycle.Configuration) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expiry time.Duration) (*url.URL, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	RemoveObjects(ctx context.Context, bucketName string, objectsCh <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	PutObjectTagging(ctx context.Context, bucketName, objectName string, ot *tags.Tags, opts minio.PutObjectTaggingOptions) error
	GetObjectTagging(ctx context.Context, bucketName, objectName string, opts minio.GetObjectTaggingOptions) (*tags.Tags, error)
}

var (
	ErrClientClosed   = errors.New(errors.ErrCodeInternal, "minio client is closed")
	ErrBucketNotFound = errors.New(errors.ErrCodeNotFound, "bucket not found")
)

// Client manages the connection to the object store and owns the two buckets
// the platform uses: one for raw note documents, one for audit-bundle exports.
type Client struct {
	api    MinIOAPI
	cfg    config.MinIOConfig
	logger logging.Logger
	mu     sync.RWMutex
	closed bool
}

// NewClient connects to the configured endpoint, verifies connectivity,
// ensures both platform buckets exist, and installs the retention rule on the
// exports bucket.
func NewClient(cfg config.MinIOConfig, log logging.Logger) (*Client, error) {
	api, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create minio client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := api.ListBuckets(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to connect to minio")
	}

	c := &Client{
		api:    api,
		cfg:    cfg,
		logger: log.Named("minio"),
	}

	if err := c.EnsureBuckets(ctx); err != nil {
		return nil, err
	}
	if err := c.setupLifecycleRules(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("minio client connected",
		logging.String("endpoint", cfg.Endpoint),
		logging.Bool("ssl", cfg.UseSSL),
	)
	return c, nil
}

// EnsureBuckets creates the note-document and audit-export buckets when they
// do not already exist.
func (c *Client) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{c.cfg.Bucket, c.cfg.ExportsBucket} {
		exists, err := c.api.BucketExists(ctx, bucket)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check bucket existence")
		}
		if !exists {
			if err := c.api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.cfg.Region}); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to create bucket %s", bucket))
			}
			c.logger.Info("created bucket", logging.String("bucket", bucket))
		}
	}
	return nil
}

// setupLifecycleRules installs object expiry on the exports bucket.  Audit
// bundles are point-in-time snapshots; stale ones are regenerable from the
// result store, so keeping them forever only burns storage.
func (c *Client) setupLifecycleRules(ctx context.Context) error {
	expiry := lifecycle.NewConfiguration()
	expiry.Rules = []lifecycle.Rule{
		{
			ID:     "audit-export-expiry",
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(c.cfg.ExportExpiryDays),
			},
		},
	}
	if err := c.api.SetBucketLifecycle(ctx, c.cfg.ExportsBucket, expiry); err != nil {
		// Non-fatal: some S3-compatible backends reject lifecycle config.
		c.logger.Warn("failed to set exports bucket lifecycle", logging.Err(err))
	}
	return nil
}

// API exposes the underlying MinIO API for the repository layer.
func (c *Client) API() MinIOAPI {
	return c.api
}

// NoteBucket returns the bucket that holds raw note documents.
func (c *Client) NoteBucket() string {
	return c.cfg.Bucket
}

// ExportsBucket returns the bucket that holds exported audit bundles.
func (c *Client) ExportsBucket() string {
	return c.cfg.ExportsBucket
}

// PresignExpiry returns the configured validity window for presigned URLs.
func (c *Client) PresignExpiry() time.Duration {
	return c.cfg.PresignExpiry
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// HealthStatus reports connectivity and per-bucket availability.
type HealthStatus struct {
	Healthy        bool
	Latency        time.Duration
	BucketStatuses map[string]bool
	Error          string
}

// HealthCheck verifies the endpoint responds and both platform buckets exist.
func (c *Client) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	_, err := c.api.ListBuckets(ctx)
	status := &HealthStatus{
		Healthy:        err == nil,
		Latency:        time.Since(start),
		BucketStatuses: make(map[string]bool),
	}
	if err != nil {
		status.Error = err.Error()
		return status, err
	}

	for _, b := range []string{c.cfg.Bucket, c.cfg.ExportsBucket} {
		exists, _ := c.api.BucketExists(ctx, b)
		status.BucketStatuses[b] = exists
		if !exists {
			status.Healthy = false
			status.Error = fmt.Sprintf("bucket %s missing", b)
		}
	}
	return status, nil
}

// BucketStats aggregates object count and size for a bucket.
type BucketStats struct {
	ObjectCount  int64
	TotalSize    int64
	LastModified time.Time
}

// GetBucketStats walks a bucket and tallies its contents.  Intended for
// operational endpoints, not hot paths: it lists every object.
func (c *Client) GetBucketStats(ctx context.Context, bucketName string) (*BucketStats, error) {
	exists, err := c.api.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrBucketNotFound
	}

	stats := &BucketStats{}
	for obj := range c.api.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		stats.ObjectCount++
		stats.TotalSize += obj.Size
		if obj.LastModified.After(stats.LastModified) {
			stats.LastModified = obj.LastModified
		}
	}
	return stats, nil
}
