// Package publish implements the save half of a remote CI build cache: it
// decides whether a cache entry needs uploading and, if so, archives the
// cached paths and uploads them with the metadata a restore needs.
//
// A run has two stages. The Resolver decides, without touching the
// filesystem, whether to publish at all. The Publisher then archives and
// uploads. Pipeline connects them through an explicit Decision.
package publish

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrInvalidKey        = errors.New("invalid cache key")
	ErrInvalidRepository = errors.New("invalid repository")
)

// Repository identifies the repository that owns a cache entry.
type Repository struct {
	Owner string
	Name  string
}

// ParseRepository parses an "owner/name" string.
func ParseRepository(s string) (Repository, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repository{}, fmt.Errorf("%w: %q, want owner/name", ErrInvalidRepository, s)
	}
	return Repository{Owner: owner, Name: name}, nil
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// BlobName returns the object name of the cache entry for key:
// {owner}/{name}/{key}.tar.
func BlobName(repo Repository, key string) (string, error) {
	if repo.Owner == "" || repo.Name == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRepository, repo.String())
	}
	if err := validateKey(key); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s.tar", repo.Owner, repo.Name, key), nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q starts with /", ErrInvalidKey, key)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains control characters", ErrInvalidKey, key)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q contains a .. segment", ErrInvalidKey, key)
		}
	}
	return nil
}
