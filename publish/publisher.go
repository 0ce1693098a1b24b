package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/richardartoul/cachesave/archive"
	"github.com/richardartoul/cachesave/backends"
	"github.com/richardartoul/cachesave/metrics"
)

// CompressionMethodMetadataKey is the object metadata entry that tells a
// restore which decompressor to use.
const CompressionMethodMetadataKey = "Cache-Action-Compression-Method"

// CacheActionMetadata returns the metadata attached to every uploaded archive.
func CacheActionMetadata(method archive.CompressionMethod) map[string]string {
	return map[string]string{
		CompressionMethodMetadataKey: string(method),
	}
}

// Archiver builds an archive of paths at dest and reports the compression
// method it chose.
type Archiver interface {
	Create(ctx context.Context, dest string, paths []string, root string) (archive.CompressionMethod, error)
}

// Uploader writes an object to the store.
type Uploader interface {
	Upload(ctx context.Context, name string, body io.Reader, size int64, opts backends.UploadOptions) error
}

// Artifact describes a published archive.
type Artifact struct {
	Method archive.CompressionMethod
	Size   int64
}

// Publisher archives paths and uploads the result.
type Publisher struct {
	archiver Archiver
	uploader Uploader
	tempDir  string
	tracker  *metrics.LatencyTracker
	logger   *slog.Logger
}

// NewPublisher creates a Publisher that stages archives in tempDir.
func NewPublisher(archiver Archiver, uploader Uploader, tempDir string, tracker *metrics.LatencyTracker, logger *slog.Logger) *Publisher {
	return &Publisher{
		archiver: archiver,
		uploader: uploader,
		tempDir:  tempDir,
		tracker:  tracker,
		logger:   logger,
	}
}

// Publish archives paths (relative to root) and uploads the archive to
// blobName in one write, tagged with the compression method the archiver
// used. Nothing is uploaded if archiving fails. The staged archive is removed
// before Publish returns.
//
// With ifAbsent set, losing the race to another writer returns
// backends.ErrAlreadyExists.
func (p *Publisher) Publish(ctx context.Context, blobName string, paths []string, root string, ifAbsent bool) (Artifact, error) {
	tmp, err := acquireTempArchive(p.tempDir)
	if err != nil {
		return Artifact{}, err
	}
	defer tmp.release(p.logger)

	p.logger.Info("creating cache archive", "paths", len(paths), "root", root)
	var method archive.CompressionMethod
	err = p.tracker.RecordFunc(metrics.StageArchive, func() error {
		var err error
		method, err = p.archiver.Create(ctx, tmp.path, paths, root)
		return err
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create cache archive: %w", err)
	}

	f, err := os.Open(tmp.path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to open cache archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to stat cache archive: %w", err)
	}
	artifact := Artifact{Method: method, Size: info.Size()}

	p.logger.Info("uploading cache archive", "blob", blobName, "method", method, "size", artifact.Size)
	err = p.tracker.RecordFunc(metrics.StageUpload, func() error {
		return p.uploader.Upload(ctx, blobName, f, artifact.Size, backends.UploadOptions{
			Metadata: CacheActionMetadata(method),
			IfAbsent: ifAbsent,
		})
	})
	if errors.Is(err, backends.ErrAlreadyExists) {
		return artifact, err
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to upload cache archive: %w", err)
	}
	return artifact, nil
}

// tempArchive owns the staging file of one Publish call.
type tempArchive struct {
	path string
}

func acquireTempArchive(dir string) (*tempArchive, error) {
	f, err := os.CreateTemp(dir, "cache-*.tar")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to close temporary archive: %w", err)
	}
	return &tempArchive{path: f.Name()}, nil
}

// release removes the staging file. A failure here does not change the
// outcome of the publish, so it is only logged.
func (t *tempArchive) release(logger *slog.Logger) {
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove temporary archive", "path", t.path, "error", err)
	}
}
