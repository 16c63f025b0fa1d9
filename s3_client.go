package main

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// ObjectStore is the destination of the encrypted image stream. The
// pipeline depends on this interface so tests can fail the upload
// without touching the network.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	Delete(ctx context.Context, key string) error
}

type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Client creates a new S3 client for the destination bucket
func NewS3Client(ctx context.Context, bucket, region string) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("no AWS credentials available for upload: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}, nil
}

// Upload streams body to the bucket under key. The body is consumed
// exactly once; PutObject wants a seekable body and the encrypted
// device stream is not, so the transfer goes through the SDK uploader.
func (s *S3Client) Upload(ctx context.Context, key string, body io.Reader) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"bucket": s.bucket,
		"s3_key": key,
	})

	logger.Info("starting S3 upload")

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	logger.Info("upload completed")
	return nil
}

// Delete removes an object; used to clean up partial uploads after a
// failed transfer.
func (s *S3Client) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
