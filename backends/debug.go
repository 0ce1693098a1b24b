package backends

import (
	"context"
	"io"
	"log/slog"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "backend"),
	}
}

// Exists probes the backend with debug logging.
func (d *Debug) Exists(ctx context.Context, name string) (bool, error) {
	d.logger.Debug("exists", "name", name)

	ok, err := d.backend.Exists(ctx, name)
	if err != nil {
		d.logger.Debug("exists failed", "name", name, "error", err)
		return ok, err
	}

	d.logger.Debug("exists done", "name", name, "exists", ok)
	return ok, nil
}

// Upload writes to the backend with debug logging.
func (d *Debug) Upload(ctx context.Context, name string, body io.Reader, size int64, opts UploadOptions) error {
	d.logger.Debug("upload", "name", name, "size", size, "metadata", opts.Metadata, "ifAbsent", opts.IfAbsent)

	if err := d.backend.Upload(ctx, name, body, size, opts); err != nil {
		d.logger.Debug("upload failed", "name", name, "error", err)
		return err
	}

	d.logger.Debug("upload done", "name", name)
	return nil
}

// Close closes the backend with debug logging.
func (d *Debug) Close() error {
	d.logger.Debug("closing backend")

	err := d.backend.Close()
	if err != nil {
		d.logger.Debug("close failed", "error", err)
	}

	return err
}
