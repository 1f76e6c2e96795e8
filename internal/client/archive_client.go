package client

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shelfscope/api/internal/config"
)

// ArchiveClient writes completed job reports to an S3 compatible bucket.
type ArchiveClient struct {
	s3Client *s3.Client
	bucket   string
}

// NewArchiveClient creates an archive client. Endpoint may point at R2,
// MinIO or be empty for AWS.
func NewArchiveClient(cfg *config.ArchiveConfig) (*ArchiveClient, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("archive configuration incomplete")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &ArchiveClient{s3Client: s3Client, bucket: cfg.Bucket}, nil
}

// Put stores body under key.
func (c *ArchiveClient) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to archive: %w", err)
	}
	return nil
}

// Ping checks the bucket is reachable with the configured credentials.
func (c *ArchiveClient) Ping(ctx context.Context) error {
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err
}
