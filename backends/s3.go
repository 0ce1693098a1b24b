package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Options configures the S3 backend.
type S3Options struct {
	Bucket string
	Region string
	// Endpoint overrides the service endpoint, e.g. for MinIO or R2.
	Endpoint     string
	UsePathStyle bool
	// MaxAttempts bounds the SDK's own retries. Zero keeps the SDK default.
	MaxAttempts int
}

// S3 implements Backend using Amazon S3 or an S3-compatible store.
type S3 struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3 creates an S3 backend using the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options, logger *slog.Logger) (*S3, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.MaxAttempts > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(opts.MaxAttempts))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return NewS3FromClient(client, opts.Bucket, logger), nil
}

// NewS3FromClient creates an S3 backend around an existing client.
func NewS3FromClient(client *s3.Client, bucket string, logger *slog.Logger) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		logger: logger,
	}
}

// Exists issues a HEAD request for the object.
func (b *S3) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head s3://%s/%s: %w", b.bucket, name, err)
}

// Upload puts the object with its metadata in a single request.
func (b *S3) Upload(ctx context.Context, name string, body io.Reader, size int64, opts UploadOptions) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(name),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		Metadata:      opts.Metadata,
	}
	if opts.IfAbsent {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		if opts.IfAbsent && isS3PreconditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to put s3://%s/%s: %w", b.bucket, name, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (b *S3) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func isS3PreconditionFailed(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusPreconditionFailed
}
