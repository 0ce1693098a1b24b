// Command cachesave is the save step of a CI build cache. It uploads an
// archive of the configured paths under a key derived from the repository and
// cache key, unless the restore step hit that key exactly or the entry is
// already in the bucket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/richardartoul/cachesave/archive"
	"github.com/richardartoul/cachesave/backends"
	"github.com/richardartoul/cachesave/locking"
	"github.com/richardartoul/cachesave/metrics"
	"github.com/richardartoul/cachesave/pathset"
	"github.com/richardartoul/cachesave/publish"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cachesave: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "cachesave",
		Short:         "Upload a build cache archive unless it already exists",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(v.GetBool(keyDebug))
			cfg, err := loadConfig(v, os.Getwd, logger)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
	registerFlags(cmd.Flags())
	if err := bindConfig(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newBackend(ctx context.Context, cfg Config, logger *slog.Logger) (backends.Backend, error) {
	var (
		backend backends.Backend
		err     error
	)
	switch cfg.Backend {
	case backendGCS:
		backend, err = backends.NewGCS(ctx, cfg.GCS, logger)
	case backendS3:
		backend, err = backends.NewS3(ctx, cfg.S3, logger)
	case backendDisk:
		backend, err = backends.NewDisk(filepath.Join(cfg.DiskRoot, cfg.Bucket), logger)
	default:
		err = fmt.Errorf("%w: unknown backend %q", errInvalidConfig, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		backend = backends.NewDebug(backend, logger)
	}
	return backend, nil
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	// An exact restore hit never touches the store, so skip before building a
	// client that may need credentials.
	if cfg.Publish.RestoreOutcome == publish.ExactMatch {
		blobName, err := publish.BlobName(cfg.Publish.Repository, cfg.Publish.Key)
		if err != nil {
			return err
		}
		decision := publish.DecisionSkipExactMatch
		logger.Info(decision.Reason(), "blob", blobName, "decision", decision)
		logger.Info("cache save finished", "blob", blobName, "bucket", cfg.Bucket, "decision", decision)
		return nil
	}

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("failed to close backend", "error", err)
		}
	}()

	locks, err := locking.NewFlockGroup(cfg.LockDir, logger)
	if err != nil {
		return err
	}

	tracker := metrics.NewLatencyTracker(0.01)
	pipeline, err := publish.NewPipeline(cfg.Publish, publish.Options{
		Store:    backend,
		Archiver: archive.NewArchiver(cfg.Compression, logger),
		Paths:    pathset.NewResolver(cfg.Publish.Workspace),
		Locks:    locks,
		TempDir:  cfg.TempDir,
		Tracker:  tracker,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	result, err := pipeline.Run(ctx)
	tracker.Log(logger)
	if err != nil {
		return err
	}

	attrs := []any{"blob", result.BlobName, "bucket", cfg.Bucket, "decision", result.Decision}
	if result.Artifact != nil {
		attrs = append(attrs, "method", result.Artifact.Method, "size", result.Artifact.Size)
	}
	logger.Info("cache save finished", attrs...)
	return nil
}
