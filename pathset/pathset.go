// Package pathset resolves cache path patterns into concrete filesystem paths.
//
// Patterns follow the conventions of CI cache inputs: one pattern per line,
// `**` matches any number of directories, a leading `!` excludes matches of
// earlier patterns, and a leading `~` expands to the home directory.
// Relative patterns are anchored at the workspace root.
package pathset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Resolver expands patterns relative to a workspace.
type Resolver struct {
	workspace string
	home      func() (string, error)
}

// NewResolver creates a Resolver anchored at workspace, which must be absolute.
func NewResolver(workspace string) *Resolver {
	return &Resolver{
		workspace: workspace,
		home:      os.UserHomeDir,
	}
}

// SplitPatterns splits a multi-line input into patterns, dropping blank
// lines and `#` comments.
func SplitPatterns(input string) []string {
	var patterns []string
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

// Resolve returns the absolute paths matched by patterns, in pattern order.
// Directories are returned as-is, not expanded into their contents.
// A path matched by several patterns appears once.
func (r *Resolver) Resolve(patterns []string) ([]string, error) {
	var (
		includes []string
		excludes []string
	)
	for _, p := range patterns {
		exclude := strings.HasPrefix(p, "!")
		if exclude {
			p = strings.TrimSpace(strings.TrimPrefix(p, "!"))
		}
		abs, err := r.absPattern(p)
		if err != nil {
			return nil, err
		}
		if !doublestar.ValidatePathPattern(abs) {
			return nil, fmt.Errorf("invalid path pattern %q", p)
		}
		if exclude {
			excludes = append(excludes, abs)
		} else {
			includes = append(includes, abs)
		}
	}

	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range includes {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFailOnIOErrors())
		if err != nil {
			return nil, fmt.Errorf("failed to glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			excluded, err := matchesAny(excludes, m)
			if err != nil {
				return nil, err
			}
			if excluded {
				continue
			}
			seen[m] = true
			paths = append(paths, m)
		}
	}
	return paths, nil
}

// Relativize rewrites absolute paths relative to the workspace using forward
// slashes, so the same inputs produce the same archive entries on every host.
func (r *Resolver) Relativize(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(r.workspace, p)
		if err != nil {
			return nil, fmt.Errorf("failed to relativize %s: %w", p, err)
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}

func (r *Resolver) absPattern(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := r.home()
		if err != nil {
			return "", fmt.Errorf("failed to expand %q: %w", p, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.workspace, p)
	}
	return filepath.Clean(p), nil
}

func matchesAny(patterns []string, path string) (bool, error) {
	for _, p := range patterns {
		ok, err := doublestar.PathMatch(p, path)
		if err != nil {
			return false, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
