package locking

import "context"

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key.
	// It returns ctx.Err() if the lock could not be acquired before ctx ended.
	DoWithLock(ctx context.Context, key string, fn func() error) error
}
