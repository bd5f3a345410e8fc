package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"hlsfetch/internal/config"
	"hlsfetch/internal/logger"
)

// S3Writer spools stream bytes to a temporary file and uploads them on Close.
type S3Writer struct {
	ctx         context.Context
	client      *s3.Client
	bucket      string
	key         string
	contentType string
	spool       *os.File
	size        int64
	logger      logger.Logger
}

// NewS3Client creates an S3 client. Static credentials are used when both keys are set,
// otherwise the default credential chain.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		// S3-compatible services such as MinIO
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewS3Writer creates a writer that uploads to bucket/key.
func NewS3Writer(ctx context.Context, bucket, key string, cfg config.S3Config, log logger.Logger) (*S3Writer, error) {
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	spool, err := os.CreateTemp("", "hlsfetch-*.ts")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "video/mp2t"
	}
	return &S3Writer{
		ctx:         ctx,
		client:      client,
		bucket:      bucket,
		key:         key,
		contentType: contentType,
		spool:       spool,
		logger:      log,
	}, nil
}

func (w *S3Writer) Write(p []byte) (int, error) {
	n, err := w.spool.Write(p)
	w.size += int64(n)
	return n, err
}

// Close uploads the spooled stream and removes the spool file.
func (w *S3Writer) Close() error {
	defer os.Remove(w.spool.Name())
	defer w.spool.Close()

	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool file: %w", err)
	}

	// the stream context may already be cancelled by a shutdown signal
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(w.key),
		Body:          w.spool,
		ContentLength: aws.Int64(w.size),
		ContentType:   aws.String(w.contentType),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("failed to upload s3://%s/%s: %s: %w", w.bucket, w.key, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("failed to upload s3://%s/%s: %w", w.bucket, w.key, err)
	}

	w.logger.Infof("Uploaded %d bytes to s3://%s/%s", w.size, w.bucket, w.key)
	return nil
}
