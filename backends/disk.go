package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Disk is a Backend that stores objects as files under a root directory.
// Each object has a `.meta` sidecar holding its size, write time and
// metadata. An object exists once its sidecar exists.
type Disk struct {
	root   string // Absolute path to the store root
	logger *slog.Logger
}

// DiskObject describes a stored object.
type DiskObject struct {
	Size     int64
	PutTime  time.Time
	Metadata map[string]string
}

// NewDisk creates a disk backend rooted at root, creating it if needed.
func NewDisk(root string, logger *slog.Logger) (*Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk backend root: %w", err)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	return &Disk{
		root:   absRoot,
		logger: logger,
	}, nil
}

// Exists reports whether the object's metadata sidecar is present.
func (d *Disk) Exists(ctx context.Context, name string) (bool, error) {
	_, err := d.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stat returns the stored description of an object.
func (d *Disk) Stat(name string) (*DiskObject, error) {
	objPath, err := d.objectPath(name)
	if err != nil {
		return nil, err
	}
	return readMetadata(objPath + ".meta")
}

// Open opens the object's content for reading.
func (d *Disk) Open(name string) (*os.File, error) {
	objPath, err := d.objectPath(name)
	if err != nil {
		return nil, err
	}
	return os.Open(objPath)
}

// Upload writes the body to a temp file and moves it into place, then writes
// the sidecar the same way, so no partial object is ever observed.
func (d *Disk) Upload(ctx context.Context, name string, body io.Reader, size int64, opts UploadOptions) error {
	objPath, err := d.objectPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(objPath), filepath.Base(objPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	n, err := io.Copy(tmpFile, body)
	closeErr := tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if n != size {
		return fmt.Errorf("short upload for %s: expected %d bytes, got %d", name, size, n)
	}

	if opts.IfAbsent {
		// Link fails if the destination exists, unlike rename.
		if err := os.Link(tmpPath, objPath); err != nil {
			if errors.Is(err, os.ErrExist) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("failed to link object: %w", err)
		}
	} else if err := os.Rename(tmpPath, objPath); err != nil {
		return fmt.Errorf("failed to rename object: %w", err)
	}

	meta := DiskObject{Size: n, PutTime: time.Now(), Metadata: opts.Metadata}
	if err := writeMetadata(objPath+".meta", meta); err != nil {
		return err
	}

	d.logger.Debug("stored object", "name", name, "path", objPath, "size", n)
	return nil
}

// Close is a no-op.
func (d *Disk) Close() error {
	return nil
}

func (d *Disk) objectPath(name string) (string, error) {
	local := filepath.FromSlash(name)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(d.root, local), nil
}

// writeMetadata atomically writes a sidecar.
//
// Format: size:num\ntime:unix\nmeta:"key"="value"\n... with Go-quoted
// metadata so keys and values may hold any character.
func writeMetadata(metaPath string, meta DiskObject) error {
	var b strings.Builder
	fmt.Fprintf(&b, "size:%d\ntime:%d\n", meta.Size, meta.PutTime.Unix())
	keys := make([]string, 0, len(meta.Metadata))
	for k := range meta.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "meta:%s=%s\n", strconv.Quote(k), strconv.Quote(meta.Metadata[k]))
	}

	tmpPath := metaPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write temp metadata: %w", err)
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}

func readMetadata(metaPath string) (*DiskObject, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	obj := &DiskObject{Metadata: make(map[string]string)}
	var putTimeUnix int64
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "size:"):
			fmt.Sscanf(line, "size:%d", &obj.Size)
		case strings.HasPrefix(line, "time:"):
			fmt.Sscanf(line, "time:%d", &putTimeUnix)
		case strings.HasPrefix(line, "meta:"):
			k, v, err := parseMetaEntry(strings.TrimPrefix(line, "meta:"))
			if err != nil {
				return nil, fmt.Errorf("malformed metadata line %q: %w", line, err)
			}
			obj.Metadata[k] = v
		}
	}
	obj.PutTime = time.Unix(putTimeUnix, 0)
	return obj, nil
}

func parseMetaEntry(entry string) (string, string, error) {
	quotedKey, err := strconv.QuotedPrefix(entry)
	if err != nil {
		return "", "", err
	}
	rest, ok := strings.CutPrefix(entry[len(quotedKey):], "=")
	if !ok {
		return "", "", errors.New("missing '='")
	}
	k, err := strconv.Unquote(quotedKey)
	if err != nil {
		return "", "", err
	}
	v, err := strconv.Unquote(rest)
	if err != nil {
		return "", "", err
	}
	return k, v, nil
}
