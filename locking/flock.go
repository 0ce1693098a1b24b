package locking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const defaultRetryDelay = 100 * time.Millisecond

// FlockGroup is a Group implementation backed by advisory file locks, one
// lock file per key. It provides mutual exclusion between processes on the
// same host that share the lock directory, e.g. concurrent jobs on one runner.
type FlockGroup struct {
	dir        string
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewFlockGroup creates a FlockGroup keeping its lock files in dir.
func NewFlockGroup(dir string, logger *slog.Logger) (*FlockGroup, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FlockGroup{
		dir:        dir,
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}, nil
}

func (g *FlockGroup) DoWithLock(ctx context.Context, key string, fn func() error) error {
	path := g.lockPath(key)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		g.logger.Info("waiting for another job holding the cache lock", "key", key, "lock", path)
		locked, err = fl.TryLockContext(ctx, g.retryDelay)
		if err != nil {
			return err
		}
		if !locked {
			return ctx.Err()
		}
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			g.logger.Warn("failed to release lock", "lock", path, "error", err)
		}
	}()

	return fn()
}

// lockPath hashes the key so that arbitrary keys map to flat file names.
func (g *FlockGroup) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:])+".lock")
}
