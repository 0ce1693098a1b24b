package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// writeEntries writes every path, recursing into directories, and returns the
// number of entries written. Each entry name is written at most once, and the
// file at exclude (the archive itself) is never written.
func writeEntries(ctx context.Context, tw *tar.Writer, paths []string, root, exclude string) (int, error) {
	excludeAbs, _ := filepath.Abs(exclude)
	seen := make(map[string]bool)
	n := 0

	for _, p := range paths {
		start := p
		if !filepath.IsAbs(start) {
			start = filepath.Join(root, start)
		}
		err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if abs, _ := filepath.Abs(path); abs == excludeAbs {
				return nil
			}
			if d.Type()&fs.ModeSocket != 0 {
				return nil // tar cannot represent sockets
			}

			name, err := entryName(root, path)
			if err != nil {
				return err
			}
			if seen[name] {
				if d.IsDir() {
					// The whole subtree went in with the first occurrence.
					return filepath.SkipDir
				}
				return nil
			}
			seen[name] = true

			if err := writeEntry(tw, path, name, d); err != nil {
				return fmt.Errorf("failed to archive %s: %w", path, err)
			}
			n++
			return nil
		})
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func writeEntry(tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX
	// Ownership and access times differ between runners and carry no meaning
	// for a cache, so strip them.
	hdr.Uid = 0
	hdr.Gid = 0
	hdr.Uname = ""
	hdr.Gname = ""
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// entryName returns the slash-separated name of path relative to root.
func entryName(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("failed to relativise %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}
