package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/richardartoul/cachesave/archive"
	"github.com/richardartoul/cachesave/backends"
	"github.com/richardartoul/cachesave/pathset"
	"github.com/richardartoul/cachesave/publish"
)

var errInvalidConfig = errors.New("invalid configuration")

// Configuration keys. Each is a flag and is bound to the environment
// variables the CI platform uses to pass inputs and state.
const (
	keyBucket           = "bucket"
	keyKey              = "key"
	keyPath             = "path"
	keyWorkspace        = "workspace"
	keyRepository       = "repository"
	keyCacheHitKind     = "cache-hit-kind"
	keyBackend          = "backend"
	keyCompression      = "compression"
	keyConditionalWrite = "conditional-write"
	keyMaxAttempts      = "max-attempts"
	keyTempDir          = "temp-dir"
	keyLockDir          = "lock-dir"
	keyS3Region         = "s3-region"
	keyS3Endpoint       = "s3-endpoint"
	keyS3PathStyle      = "s3-path-style"
	keyGCSEndpoint      = "gcs-endpoint"
	keyDiskRoot         = "disk-root"
	keyDebug            = "debug"
)

var envBindings = map[string][]string{
	keyBucket:           {"INPUT_BUCKET"},
	keyKey:              {"INPUT_KEY"},
	keyPath:             {"INPUT_PATH"},
	keyWorkspace:        {"GITHUB_WORKSPACE"},
	keyRepository:       {"GITHUB_REPOSITORY"},
	keyCacheHitKind:     {"STATE_cache-hit-kind"},
	keyBackend:          {"INPUT_BACKEND"},
	keyCompression:      {"INPUT_COMPRESSION"},
	keyConditionalWrite: {"INPUT_CONDITIONAL_WRITE"},
	keyMaxAttempts:      {"INPUT_MAX_ATTEMPTS"},
	keyTempDir:          {"RUNNER_TEMP"},
	keyLockDir:          {"INPUT_LOCK_DIR"},
	keyS3Region:         {"INPUT_S3_REGION", "AWS_REGION"},
	keyS3Endpoint:       {"INPUT_S3_ENDPOINT"},
	keyS3PathStyle:      {"INPUT_S3_PATH_STYLE"},
	keyGCSEndpoint:      {"INPUT_GCS_ENDPOINT"},
	keyDiskRoot:         {"INPUT_DISK_ROOT"},
	keyDebug:            {"INPUT_DEBUG", "RUNNER_DEBUG"},
}

const (
	backendGCS  = "gcs"
	backendS3   = "s3"
	backendDisk = "disk"
)

// Config is the fully resolved configuration of one run.
type Config struct {
	Publish     publish.Config
	Bucket      string
	Backend     string
	Compression []archive.CompressionMethod
	MaxAttempts int
	TempDir     string
	LockDir     string
	S3          backends.S3Options
	GCS         backends.GCSOptions
	DiskRoot    string
	Debug       bool
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String(keyBucket, "", "bucket to upload the cache archive to")
	flags.String(keyKey, "", "cache key")
	flags.String(keyPath, "", "newline separated patterns of paths to cache")
	flags.String(keyWorkspace, "", "directory archive entries are relative to (default: current directory)")
	flags.String(keyRepository, "", "owner/name of the repository owning the cache")
	flags.String(keyCacheHitKind, "", "outcome of the restore step: exact, partial or none")
	flags.String(keyBackend, backendGCS, "object store: gcs, s3 or disk")
	flags.String(keyCompression, archive.Auto, "compression method, or auto to negotiate")
	flags.Bool(keyConditionalWrite, false, "only write the archive if no object exists at upload time")
	flags.Int(keyMaxAttempts, 3, "attempts per storage request, including retries done by the storage client")
	flags.String(keyTempDir, "", "directory for the temporary archive (default: system temp dir)")
	flags.String(keyLockDir, "", "directory for per-key lock files (default: <temp-dir>/cachesave-locks)")
	flags.String(keyS3Region, "", "S3 region")
	flags.String(keyS3Endpoint, "", "S3 endpoint override")
	flags.Bool(keyS3PathStyle, false, "use path-style S3 addressing")
	flags.String(keyGCSEndpoint, "", "GCS endpoint override (disables authentication)")
	flags.String(keyDiskRoot, "", "root directory of the disk backend")
	flags.Bool(keyDebug, false, "enable debug logging")
}

func bindConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, envs := range envBindings {
		if err := v.BindPFlag(key, flags.Lookup(key)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// loadConfig resolves and validates the configuration. getwd supplies the
// default workspace.
func loadConfig(v *viper.Viper, getwd func() (string, error), logger *slog.Logger) (Config, error) {
	cfg := Config{
		Bucket:      strings.TrimSpace(v.GetString(keyBucket)),
		Backend:     strings.ToLower(strings.TrimSpace(v.GetString(keyBackend))),
		MaxAttempts: v.GetInt(keyMaxAttempts),
		TempDir:     v.GetString(keyTempDir),
		LockDir:     v.GetString(keyLockDir),
		DiskRoot:    v.GetString(keyDiskRoot),
		Debug:       v.GetBool(keyDebug),
	}

	if cfg.Bucket == "" {
		return Config{}, fmt.Errorf("%w: %s is required", errInvalidConfig, keyBucket)
	}

	key := strings.TrimSpace(v.GetString(keyKey))
	if key == "" {
		return Config{}, fmt.Errorf("%w: %s is required", errInvalidConfig, keyKey)
	}

	patterns := pathset.SplitPatterns(v.GetString(keyPath))
	if len(patterns) == 0 {
		return Config{}, fmt.Errorf("%w: %s is required", errInvalidConfig, keyPath)
	}

	repo, err := publish.ParseRepository(v.GetString(keyRepository))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", errInvalidConfig, err)
	}

	workspace := v.GetString(keyWorkspace)
	if workspace == "" {
		if workspace, err = getwd(); err != nil {
			return Config{}, fmt.Errorf("failed to get working directory: %w", err)
		}
	}
	if workspace, err = filepath.Abs(workspace); err != nil {
		return Config{}, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	hitKind := v.GetString(keyCacheHitKind)
	outcome, ok := publish.ParseRestoreOutcome(hitKind)
	if !ok {
		logger.Warn("unknown cache hit kind, treating as no match", "cacheHitKind", hitKind)
	}

	if cfg.Compression, err = archive.ParsePreference(v.GetString(keyCompression)); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errInvalidConfig, err)
	}

	if cfg.MaxAttempts < 0 {
		return Config{}, fmt.Errorf("%w: %s must not be negative", errInvalidConfig, keyMaxAttempts)
	}

	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.LockDir == "" {
		cfg.LockDir = filepath.Join(cfg.TempDir, "cachesave-locks")
	}

	switch cfg.Backend {
	case backendGCS:
		cfg.GCS = backends.GCSOptions{
			Bucket:      cfg.Bucket,
			Endpoint:    v.GetString(keyGCSEndpoint),
			MaxAttempts: cfg.MaxAttempts,
		}
	case backendS3:
		cfg.S3 = backends.S3Options{
			Bucket:       cfg.Bucket,
			Region:       v.GetString(keyS3Region),
			Endpoint:     v.GetString(keyS3Endpoint),
			UsePathStyle: v.GetBool(keyS3PathStyle),
			MaxAttempts:  cfg.MaxAttempts,
		}
	case backendDisk:
		if cfg.DiskRoot == "" {
			return Config{}, fmt.Errorf("%w: %s is required for the disk backend", errInvalidConfig, keyDiskRoot)
		}
	default:
		return Config{}, fmt.Errorf("%w: unknown backend %q", errInvalidConfig, cfg.Backend)
	}

	cfg.Publish = publish.Config{
		Repository:       repo,
		Key:              key,
		Workspace:        workspace,
		Patterns:         patterns,
		RestoreOutcome:   outcome,
		ConditionalWrite: v.GetBool(keyConditionalWrite),
	}
	if _, err := publish.BlobName(repo, key); err != nil {
		return Config{}, fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	return cfg, nil
}
