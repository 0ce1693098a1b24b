package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/richardartoul/cachesave/archive"
	"github.com/richardartoul/cachesave/backends"
	"github.com/richardartoul/cachesave/locking"
	"github.com/richardartoul/cachesave/metrics"
)

// Config is everything a run needs to know about the job.
type Config struct {
	Repository Repository
	Key        string
	// Workspace is the absolute directory archive entries are relative to.
	Workspace string
	// Patterns select the cached paths; see package pathset.
	Patterns       []string
	RestoreOutcome RestoreOutcome
	// ConditionalWrite makes the upload an if-not-exists write, closing the
	// window between the existence probe and the upload.
	ConditionalWrite bool
}

// PathResolver expands patterns into paths.
type PathResolver interface {
	Resolve(patterns []string) ([]string, error)
	Relativize(paths []string) ([]string, error)
}

// Store is the object store a pipeline publishes to.
type Store interface {
	ExistenceChecker
	Uploader
}

// Options wires a Pipeline's collaborators.
type Options struct {
	Store    Store
	Archiver Archiver
	Paths    PathResolver
	// Locks serialises runs for the same blob; defaults to no locking.
	Locks   locking.Group
	TempDir string
	// Tracker records stage latencies; one is created if nil.
	Tracker *metrics.LatencyTracker
	Logger  *slog.Logger
}

// Result reports what a run did.
type Result struct {
	BlobName string
	Decision Decision
	// Artifact is only set when an archive was uploaded.
	Artifact *Artifact
}

// Pipeline runs Key & Skip Resolution followed, when needed, by Archive & Publish.
type Pipeline struct {
	cfg       Config
	blobName  string
	resolver  *Resolver
	publisher *Publisher
	paths     PathResolver
	locks     locking.Group
	tracker   *metrics.LatencyTracker
	logger    *slog.Logger
}

// NewPipeline validates cfg and derives the blob name.
func NewPipeline(cfg Config, opts Options) (*Pipeline, error) {
	blobName, err := BlobName(cfg.Repository, cfg.Key)
	if err != nil {
		return nil, err
	}
	if len(cfg.Patterns) == 0 {
		return nil, errors.New("no path patterns configured")
	}
	if !filepath.IsAbs(cfg.Workspace) {
		return nil, fmt.Errorf("workspace must be absolute, got %q", cfg.Workspace)
	}
	if opts.Store == nil || opts.Archiver == nil || opts.Paths == nil {
		return nil, errors.New("store, archiver and path resolver are required")
	}

	locks := opts.Locks
	if locks == nil {
		locks = locking.NewNoOpGroup()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = metrics.NewLatencyTracker(0.01)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("blob", blobName)

	return &Pipeline{
		cfg:       cfg,
		blobName:  blobName,
		resolver:  NewResolver(opts.Store, logger),
		publisher: NewPublisher(opts.Archiver, opts.Store, opts.TempDir, tracker, logger),
		paths:     opts.Paths,
		locks:     locks,
		tracker:   tracker,
		logger:    logger,
	}, nil
}

// Run executes the pipeline once. Both skip outcomes are successful runs.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	result := Result{BlobName: p.blobName}

	// An exact restore needs neither the lock nor the store.
	if p.cfg.RestoreOutcome == ExactMatch {
		decision, err := p.resolver.Resolve(ctx, p.cfg.RestoreOutcome, p.blobName)
		if err != nil {
			return result, err
		}
		result.Decision = decision
		p.logger.Info(decision.Reason(), "decision", decision)
		return result, nil
	}

	waitStart := time.Now()
	err := p.locks.DoWithLock(ctx, p.blobName, func() error {
		p.tracker.Record(metrics.StageLock, time.Since(waitStart))

		decision, err := p.decide(ctx)
		if err != nil {
			return err
		}
		result.Decision = decision
		if !decision.ShouldPublish() {
			p.logger.Info(decision.Reason(), "decision", decision)
			return nil
		}

		artifact, err := p.publish(ctx)
		if errors.Is(err, backends.ErrAlreadyExists) {
			result.Decision = DecisionSkipAlreadyExists
			p.logger.Info(result.Decision.Reason(), "decision", result.Decision, "detectedAt", "upload")
			return nil
		}
		if err != nil {
			return err
		}
		result.Artifact = &artifact
		p.logger.Info("cache uploaded", "method", artifact.Method, "size", artifact.Size)
		return nil
	})
	return result, err
}

func (p *Pipeline) decide(ctx context.Context) (Decision, error) {
	var decision Decision
	err := p.tracker.RecordFunc(metrics.StageProbe, func() error {
		var err error
		decision, err = p.resolver.Resolve(ctx, p.cfg.RestoreOutcome, p.blobName)
		return err
	})
	return decision, err
}

func (p *Pipeline) publish(ctx context.Context) (Artifact, error) {
	var rel []string
	err := p.tracker.RecordFunc(metrics.StageResolve, func() error {
		abs, err := p.paths.Resolve(p.cfg.Patterns)
		if err != nil {
			return fmt.Errorf("failed to resolve cache paths: %w", err)
		}
		if len(abs) == 0 {
			return fmt.Errorf("%w: nothing matched %q", archive.ErrNoPaths, p.cfg.Patterns)
		}
		rel, err = p.paths.Relativize(abs)
		return err
	})
	if err != nil {
		return Artifact{}, err
	}
	return p.publisher.Publish(ctx, p.blobName, rel, p.cfg.Workspace, p.cfg.ConditionalWrite)
}
