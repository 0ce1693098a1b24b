// Package archive packs a set of workspace paths into a single compressed tar
// file. The compression method is negotiated per archive and reported back to
// the caller, which is responsible for recording it next to the upload.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
)

// ErrNoPaths is returned when there is nothing to put in the archive.
var ErrNoPaths = errors.New("no paths to archive")

// Archiver creates cache archives.
type Archiver struct {
	preference []CompressionMethod
	codecs     map[CompressionMethod]codec
	logger     *slog.Logger
}

// NewArchiver creates an Archiver that tries the given methods in order.
func NewArchiver(preference []CompressionMethod, logger *slog.Logger) *Archiver {
	return &Archiver{
		preference: preference,
		codecs:     defaultCodecs,
		logger:     logger,
	}
}

// Create writes an archive of paths to dest. Relative paths are resolved
// against root and every entry is named relative to root. It returns the
// compression method that was actually used.
//
// On error dest may contain a partial archive and must not be published.
func (a *Archiver) Create(ctx context.Context, dest string, paths []string, root string) (method CompressionMethod, err error) {
	if len(paths) == 0 {
		return "", ErrNoPaths
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}

	method, cw, err := a.negotiate(f)
	if err != nil {
		f.Close()
		return "", err
	}
	a.logger.Debug("negotiated compression method", "method", method)

	tw := tar.NewWriter(cw)
	n, writeErr := writeEntries(ctx, tw, paths, root, dest)

	// Close in reverse order of construction so every layer flushes.
	var result *multierror.Error
	if writeErr != nil {
		result = multierror.Append(result, writeErr)
	}
	if err := tw.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close tar writer: %w", err))
	}
	if err := cw.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close %s writer: %w", method, err))
	}
	if err := f.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close archive file: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNoPaths
	}

	a.logger.Debug("archive created", "path", dest, "entries", n, "method", method)
	return method, nil
}

// negotiate returns the first preferred codec that is available and whose
// writer can be constructed.
func (a *Archiver) negotiate(w io.Writer) (CompressionMethod, io.WriteCloser, error) {
	var lastErr error
	for _, m := range a.preference {
		c, ok := a.codecs[m]
		if !ok {
			lastErr = fmt.Errorf("%w: %q", ErrUnsupportedCompression, m)
			continue
		}
		if !c.available() {
			a.logger.Debug("compression method unavailable", "method", m)
			continue
		}
		cw, err := c.newWriter(w)
		if err != nil {
			a.logger.Debug("failed to create compressor", "method", m, "error", err)
			lastErr = err
			continue
		}
		return m, cw, nil
	}
	if lastErr != nil {
		return "", nil, fmt.Errorf("%w: no usable method in %v: %v", ErrUnsupportedCompression, a.preference, lastErr)
	}
	return "", nil, fmt.Errorf("%w: no usable method in %v", ErrUnsupportedCompression, a.preference)
}
