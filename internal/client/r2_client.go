package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clipvote/api/internal/config"
)

// objectPutter is the part of the S3 API the archive needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveClient writes accepted submissions to a Cloudflare R2 bucket.
type ArchiveClient struct {
	s3Client   objectPutter
	bucketName string
	logger     *slog.Logger
}

// NewArchiveClient creates an R2-backed archive. Endpoint overrides the
// account endpoint for S3-compatible stores such as MinIO.
func NewArchiveClient(ctx context.Context, cfg config.R2Config) (*ArchiveClient, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	endpoint := cfg.Endpoint
	pathStyle := endpoint != ""
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = pathStyle
	})

	return newArchiveClient(s3Client, cfg.BucketName), nil
}

func newArchiveClient(p objectPutter, bucket string) *ArchiveClient {
	return &ArchiveClient{
		s3Client:   p,
		bucketName: bucket,
		logger:     slog.Default().With("component", "archive"),
	}
}

// Archive stores body as a JSON object under key.
func (c *ArchiveClient) Archive(ctx context.Context, key string, body []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}
	c.logger.DebugContext(ctx, "archived submission", "key", key, "bytes", len(body))
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ArchiveClient) IsConfigured() bool {
	return c != nil && c.s3Client != nil && c.bucketName != ""
}
