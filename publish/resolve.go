package publish

import (
	"context"
	"fmt"
	"log/slog"
)

// Decision is the outcome of Key & Skip Resolution.
type Decision int

const (
	// DecisionPublish means the entry must be archived and uploaded.
	DecisionPublish Decision = iota
	// DecisionSkipExactMatch means the restore step already found this key.
	DecisionSkipExactMatch
	// DecisionSkipAlreadyExists means another job already uploaded this key.
	DecisionSkipAlreadyExists
)

// ShouldPublish reports whether the publish stage should run.
func (d Decision) ShouldPublish() bool {
	return d == DecisionPublish
}

func (d Decision) String() string {
	switch d {
	case DecisionPublish:
		return "publish"
	case DecisionSkipExactMatch:
		return "skip-exact-match"
	case DecisionSkipAlreadyExists:
		return "skip-already-exists"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Reason is the operator-facing explanation of the decision.
func (d Decision) Reason() string {
	switch d {
	case DecisionSkipExactMatch:
		return "skipping cache upload: the cache was restored by exact match"
	case DecisionSkipAlreadyExists:
		return "skipping cache upload: the cache already exists (probably uploaded by another job)"
	default:
		return "cache entry is missing, uploading"
	}
}

// ExistenceChecker probes the object store.
type ExistenceChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Resolver decides whether a cache entry needs publishing.
type Resolver struct {
	store  ExistenceChecker
	logger *slog.Logger
}

// NewResolver creates a Resolver probing store.
func NewResolver(store ExistenceChecker, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// Resolve returns the decision for blobName. An exact restore skips without
// contacting the store. A failed probe is returned as an error: it is never
// taken to mean the object is missing.
func (r *Resolver) Resolve(ctx context.Context, outcome RestoreOutcome, blobName string) (Decision, error) {
	if outcome == ExactMatch {
		return DecisionSkipExactMatch, nil
	}

	exists, err := r.store.Exists(ctx, blobName)
	if err != nil {
		return DecisionPublish, fmt.Errorf("failed to check whether %s exists: %w", blobName, err)
	}
	if exists {
		return DecisionSkipAlreadyExists, nil
	}

	r.logger.Debug("cache entry not found", "blob", blobName, "restoreOutcome", outcome)
	return DecisionPublish, nil
}
