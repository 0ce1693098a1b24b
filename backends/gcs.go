package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSOptions configures the Google Cloud Storage backend.
type GCSOptions struct {
	Bucket string
	// Endpoint overrides the JSON API endpoint and disables authentication,
	// for use with emulators.
	Endpoint string
	// MaxAttempts bounds the client's own retries. Zero keeps the default.
	MaxAttempts int
}

// GCS implements Backend using Google Cloud Storage.
type GCS struct {
	client      *storage.Client
	bucket      *storage.BucketHandle
	bucketName  string
	maxAttempts int
	logger      *slog.Logger
}

// NewGCS creates a GCS backend using Application Default Credentials.
func NewGCS(ctx context.Context, opts GCSOptions, logger *slog.Logger) (*GCS, error) {
	var clientOpts []option.ClientOption
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCS{
		client:      client,
		bucket:      client.Bucket(opts.Bucket),
		bucketName:  opts.Bucket,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
	}, nil
}

func (b *GCS) object(name string) *storage.ObjectHandle {
	o := b.bucket.Object(name)
	if b.maxAttempts > 0 {
		o = o.Retryer(storage.WithMaxAttempts(b.maxAttempts))
	}
	return o
}

// Exists fetches the object's attributes.
func (b *GCS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.object(name).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat gs://%s/%s: %w", b.bucketName, name, err)
}

// Upload streams the body into a new object generation. The object is only
// committed when the writer closes cleanly.
func (b *GCS) Upload(ctx context.Context, name string, body io.Reader, size int64, opts UploadOptions) error {
	// Cancelling ctx before Close discards the upload instead of committing
	// whatever was written so far.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o := b.object(name)
	if opts.IfAbsent {
		o = o.If(storage.Conditions{DoesNotExist: true})
	}

	w := o.NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = opts.Metadata

	n, err := io.Copy(w, body)
	if err == nil && n != size {
		err = fmt.Errorf("expected %d bytes, read %d", size, n)
	}
	if err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", b.bucketName, name, err)
	}

	if err := w.Close(); err != nil {
		if opts.IfAbsent && isGCSPreconditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to upload gs://%s/%s: %w", b.bucketName, name, err)
	}
	return nil
}

// Close closes the underlying client.
func (b *GCS) Close() error {
	return b.client.Close()
}

func isGCSPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
