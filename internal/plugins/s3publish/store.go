package s3publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetpipe/internal/logging"
	"github.com/fruitsalade/assetpipe/internal/metrics"
	"github.com/fruitsalade/assetpipe/internal/retry"
)

// Store is the remote side of publishing.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// StoreConfig locates a bucket on S3 or an S3-compatible server.
type StoreConfig struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Store implements Store using S3/MinIO.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates a store for cfg. Without static keys the default AWS
// credential chain is used.
func NewS3Store(ctx context.Context, cfg StoreConfig) (*S3Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads body under key.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	start := time.Now()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		metrics.RecordPublish("put", time.Since(start), false)
		return classify(fmt.Errorf("put object %s: %w", key, err))
	}
	metrics.RecordPublish("put", time.Since(start), true)
	logging.Debug("object uploaded", zap.String("bucket", s.bucket), zap.String("key", key), zap.Int64("size", size))
	return nil
}

// Delete removes key. Deleting a missing key succeeds.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordPublish("delete", time.Since(start), false)
		return classify(fmt.Errorf("delete object %s: %w", key, err))
	}
	metrics.RecordPublish("delete", time.Since(start), true)
	return nil
}

// classify marks throttling, server errors and failures without any HTTP
// response as transient.
func classify(err error) error {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) {
		return retry.Transient(err)
	}
	code := re.HTTPStatusCode()
	if code == http.StatusTooManyRequests || code >= 500 {
		return retry.Transient(err)
	}
	return err
}
