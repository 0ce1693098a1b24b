package backends

import (
	"context"
	"errors"
	"io"
)

// ErrAlreadyExists is returned by a conditional Upload when the object was
// written by someone else first.
var ErrAlreadyExists = errors.New("object already exists")

// Backend is the object store that cache archives are published to.
//
// Implementations can be swapped to use different storage mechanisms.
// Neither method retries beyond what the underlying client does.
type Backend interface {
	// Exists reports whether an object with the given name is present.
	// A failed probe is an error, never a false.
	Exists(ctx context.Context, name string) (bool, error)

	// Upload writes size bytes from body to the named object with
	// opts.Metadata attached. The object becomes visible only once the
	// write has fully succeeded.
	Upload(ctx context.Context, name string, body io.Reader, size int64, opts UploadOptions) error

	// Close releases any resources held by the backend.
	Close() error
}

// UploadOptions controls a single Upload.
type UploadOptions struct {
	// Metadata is stored with the object.
	Metadata map[string]string
	// IfAbsent makes the write conditional on the object not existing yet.
	// If it does, Upload returns ErrAlreadyExists and nothing is written.
	IfAbsent bool
}

const contentType = "application/x-tar"
