package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	appconfig "github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/metrics"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// S3BlobStore implements BlobStore for AWS S3 or MinIO. Artifact blobs are
// written once and never rewritten; deletion happens only through the
// garbage-collection path.
type S3BlobStore struct {
	client  *s3.Client
	bucket  string
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewS3BlobStore creates a new S3 blob store
func NewS3BlobStore(cfg appconfig.StorageConfig, m *metrics.Metrics, log *logger.Logger) (*S3BlobStore, error) {
	awsConfig, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsConfig.Credentials = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
			}, nil
		})
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		}
	})

	store := &S3BlobStore{
		client:  s3Client,
		bucket:  cfg.Bucket,
		metrics: m,
		logger:  log.WithService("blob_store"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.testConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	store.logger.Info("Blob store initialized",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", cfg.Region),
		zap.String("endpoint", cfg.Endpoint),
	)

	return store, nil
}

// Put uploads an artifact blob
func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ContentLength:        aws.Int64(int64(len(data))),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}

	_, err := s.client.PutObject(ctx, input)
	duration := time.Since(start).Seconds() * 1000

	if err != nil {
		s.metrics.RecordStorageOperation("put", "error", time.Since(start))
		s.logger.Error("Failed to upload blob",
			zap.String("key", key),
			zap.Int("size_bytes", len(data)),
			zap.Float64("duration_ms", duration),
			zap.Error(err),
		)
		return engerrors.Storage("failed to upload blob", err)
	}
	s.metrics.RecordStorageOperation("put", "success", time.Since(start))

	s.logger.Debug("Blob uploaded",
		zap.String("key", key),
		zap.Int("size_bytes", len(data)),
		zap.Float64("duration_ms", duration),
	)

	return nil
}

// Get downloads an artifact blob
func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}

	result, err := s.client.GetObject(ctx, input)
	if err != nil {
		s.metrics.RecordStorageOperation("get", "error", time.Since(start))
		s.logger.Error("Failed to download blob",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, engerrors.Storage("failed to download blob", err)
	}
	defer result.Body.Close()

	buf := bytes.NewBuffer(nil)
	_, err = buf.ReadFrom(result.Body)
	duration := time.Since(start).Seconds() * 1000

	if err != nil {
		return nil, engerrors.Storage("failed to read blob body", err)
	}

	data := buf.Bytes()
	s.metrics.RecordStorageOperation("get", "success", time.Since(start))
	s.logger.Debug("Blob downloaded",
		zap.String("key", key),
		zap.Int("size_bytes", len(data)),
		zap.Float64("duration_ms", duration),
	)

	return data, nil
}

// Exists checks whether a blob is present
func (s *S3BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}

	_, err := s.client.HeadObject(ctx, input)
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, engerrors.Storage("failed to check blob existence", err)
	}

	return true, nil
}

// Delete removes a blob; garbage-collection path only
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}

	_, err := s.client.DeleteObject(ctx, input)
	s.metrics.RecordStorageOperation("delete", statusLabel(err), time.Since(start))
	if err != nil {
		s.logger.Error("Failed to delete blob",
			zap.String("key", key),
			zap.Error(err),
		)
		return engerrors.Storage("failed to delete blob", err)
	}

	s.logger.Info("Blob deleted", zap.String("key", key))
	return nil
}

// HealthCheck performs a health check on the blob store
func (s *S3BlobStore) HealthCheck(ctx context.Context) error {
	return s.testConnection(ctx)
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (s *S3BlobStore) testConnection(ctx context.Context) error {
	input := &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	}

	_, err := s.client.HeadBucket(ctx, input)
	if err != nil {
		return fmt.Errorf("S3 connection test failed: %w", err)
	}

	return nil
}
