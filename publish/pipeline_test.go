package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/cachesave/archive"
	"github.com/richardartoul/cachesave/backends"
	"github.com/richardartoul/cachesave/locking"
	"github.com/richardartoul/cachesave/pathset"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type uploadCall struct {
	name     string
	body     string
	size     int64
	opts     backends.UploadOptions
	tempPath string
}

// fakeStore counts calls and records uploads.
type fakeStore struct {
	mu        sync.Mutex
	exists    bool
	existsErr error
	uploadErr error
	probes    []string
	uploads   []uploadCall
}

func (s *fakeStore) Exists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, name)
	return s.exists, s.existsErr
}

func (s *fakeStore) Upload(ctx context.Context, name string, body io.Reader, size int64, opts backends.UploadOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	call := uploadCall{name: name, body: string(b), size: size, opts: opts}
	if f, ok := body.(*os.File); ok {
		call.tempPath = f.Name()
	}
	s.uploads = append(s.uploads, call)
	return s.uploadErr
}

// fakeArchiver writes a fixed body and reports a fixed method.
type fakeArchiver struct {
	method archive.CompressionMethod
	err    error
	calls  int
	dest   string
	paths  []string
	root   string
}

func (a *fakeArchiver) Create(ctx context.Context, dest string, paths []string, root string) (archive.CompressionMethod, error) {
	a.calls++
	a.dest, a.paths, a.root = dest, paths, root
	if err := os.WriteFile(dest, []byte("archive:"+string(a.method)), 0o644); err != nil {
		return "", err
	}
	if a.err != nil {
		return "", a.err
	}
	return a.method, nil
}

// fakePaths returns fixed paths.
type fakePaths struct {
	abs   []string
	err   error
	calls int
}

func (p *fakePaths) Resolve(patterns []string) ([]string, error) {
	p.calls++
	return p.abs, p.err
}

func (p *fakePaths) Relativize(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	for i, path := range paths {
		out[i] = filepath.Base(path)
	}
	return out, nil
}

type harness struct {
	store    *fakeStore
	archiver *fakeArchiver
	paths    *fakePaths
	locks    locking.Group
	tempDir  string
	cfg      Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		store:    &fakeStore{},
		archiver: &fakeArchiver{method: archive.Gzip},
		locks:    locking.NewMemLock(),
		paths:    &fakePaths{abs: []string{"/work/node_modules"}},
		tempDir:  t.TempDir(),
		cfg: Config{
			Repository:     Repository{Owner: "acme", Name: "widget"},
			Key:            "abc123",
			Workspace:      "/work",
			Patterns:       []string{"node_modules"},
			RestoreOutcome: NoMatch,
		},
	}
}

func (h *harness) run(t *testing.T) (Result, error) {
	t.Helper()
	p, err := NewPipeline(h.cfg, Options{
		Store:    h.store,
		Archiver: h.archiver,
		Paths:    h.paths,
		Locks:    h.locks,
		TempDir:  h.tempDir,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	return p.Run(context.Background())
}

func (h *harness) assertTempDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary archive was not removed")
}

func TestRunExactMatchSkips(t *testing.T) {
	h := newHarness(t)
	h.cfg.RestoreOutcome = ExactMatch

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, DecisionSkipExactMatch, res.Decision)
	assert.Nil(t, res.Artifact)
	assert.Empty(t, h.store.probes)
	assert.Empty(t, h.store.uploads)
	assert.Zero(t, h.archiver.calls)
	assert.Zero(t, h.paths.calls)
}

// unavailableLocks fails every acquisition.
type unavailableLocks struct{ calls int }

func (l *unavailableLocks) DoWithLock(ctx context.Context, key string, fn func() error) error {
	l.calls++
	return errors.New("lock directory is not writable")
}

func TestRunExactMatchSkipsWithoutLocking(t *testing.T) {
	h := newHarness(t)
	h.cfg.RestoreOutcome = ExactMatch
	locks := &unavailableLocks{}
	h.locks = locks

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, DecisionSkipExactMatch, res.Decision)
	assert.Zero(t, locks.calls)
	assert.Empty(t, h.store.probes)

	h.cfg.RestoreOutcome = PartialMatch
	_, err = h.run(t)
	assert.Error(t, err)
	assert.Equal(t, 1, locks.calls)
}

func TestRunAlreadyExistsSkips(t *testing.T) {
	for _, outcome := range []RestoreOutcome{NoMatch, PartialMatch} {
		h := newHarness(t)
		h.cfg.RestoreOutcome = outcome
		h.store.exists = true

		res, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, DecisionSkipAlreadyExists, res.Decision)
		assert.Equal(t, []string{"acme/widget/abc123.tar"}, h.store.probes)
		assert.Empty(t, h.store.uploads)
		assert.Zero(t, h.archiver.calls)
	}
}

func TestRunUploads(t *testing.T) {
	h := newHarness(t)

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, DecisionPublish, res.Decision)
	assert.Equal(t, "acme/widget/abc123.tar", res.BlobName)

	require.Len(t, h.store.uploads, 1)
	up := h.store.uploads[0]
	assert.Equal(t, "acme/widget/abc123.tar", up.name)
	assert.Equal(t, map[string]string{"Cache-Action-Compression-Method": "gzip"}, up.opts.Metadata)
	assert.False(t, up.opts.IfAbsent)
	assert.Equal(t, "archive:gzip", up.body)
	assert.Equal(t, int64(len(up.body)), up.size)

	// The archiver saw workspace-relative paths and the workspace root.
	assert.Equal(t, []string{"node_modules"}, h.archiver.paths)
	assert.Equal(t, "/work", h.archiver.root)
	assert.Equal(t, up.tempPath, h.archiver.dest)

	require.NotNil(t, res.Artifact)
	assert.Equal(t, archive.Gzip, res.Artifact.Method)

	_, err = os.Stat(up.tempPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
	h.assertTempDirEmpty(t)
}

func TestRunMetadataFollowsArchiver(t *testing.T) {
	for _, method := range []archive.CompressionMethod{archive.Zstd, archive.ZstdWithoutLong, archive.Gzip} {
		h := newHarness(t)
		h.archiver.method = method

		_, err := h.run(t)
		require.NoError(t, err)
		require.Len(t, h.store.uploads, 1)
		assert.Equal(t, string(method), h.store.uploads[0].opts.Metadata[CompressionMethodMetadataKey])
	}
}

func TestRunProbeErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.store.existsErr = errors.New("dial tcp: connection reset by peer")

	_, err := h.run(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, h.store.existsErr)
	assert.Empty(t, h.store.uploads)
	assert.Zero(t, h.archiver.calls)
	h.assertTempDirEmpty(t)
}

func TestRunUploadErrorCleansUp(t *testing.T) {
	h := newHarness(t)
	h.store.uploadErr = errors.New("quota exceeded")

	_, err := h.run(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, h.store.uploadErr)
	require.Len(t, h.store.uploads, 1)

	_, statErr := os.Stat(h.store.uploads[0].tempPath)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
	h.assertTempDirEmpty(t)
}

func TestRunArchiveErrorNeverUploads(t *testing.T) {
	h := newHarness(t)
	h.archiver.err = errors.New("codec unavailable")

	_, err := h.run(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, h.archiver.err)
	assert.Empty(t, h.store.uploads)
	h.assertTempDirEmpty(t)
}

func TestRunNoMatchingPaths(t *testing.T) {
	h := newHarness(t)
	h.paths.abs = nil

	_, err := h.run(t)
	assert.ErrorIs(t, err, archive.ErrNoPaths)
	assert.Zero(t, h.archiver.calls)
	assert.Empty(t, h.store.uploads)
	h.assertTempDirEmpty(t)
}

func TestRunConditionalWriteLostRace(t *testing.T) {
	h := newHarness(t)
	h.cfg.ConditionalWrite = true
	h.store.uploadErr = backends.ErrAlreadyExists

	res, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, DecisionSkipAlreadyExists, res.Decision)
	assert.Nil(t, res.Artifact)
	require.Len(t, h.store.uploads, 1)
	assert.True(t, h.store.uploads[0].opts.IfAbsent)
	h.assertTempDirEmpty(t)
}

func TestNewPipelineValidates(t *testing.T) {
	h := newHarness(t)
	opts := Options{Store: h.store, Archiver: h.archiver, Paths: h.paths, Logger: testLogger()}

	cfg := h.cfg
	cfg.Key = ""
	_, err := NewPipeline(cfg, opts)
	assert.ErrorIs(t, err, ErrInvalidKey)

	cfg = h.cfg
	cfg.Patterns = nil
	_, err = NewPipeline(cfg, opts)
	assert.Error(t, err)

	cfg = h.cfg
	cfg.Workspace = "relative"
	_, err = NewPipeline(cfg, opts)
	assert.Error(t, err)

	_, err = NewPipeline(h.cfg, Options{Logger: testLogger()})
	assert.Error(t, err)
}

func TestDecisionReasonsDiffer(t *testing.T) {
	assert.NotEqual(t, DecisionSkipExactMatch.Reason(), DecisionSkipAlreadyExists.Reason())
	assert.True(t, DecisionPublish.ShouldPublish())
	assert.False(t, DecisionSkipExactMatch.ShouldPublish())
	assert.False(t, DecisionSkipAlreadyExists.ShouldPublish())
}

// TestRunEndToEnd wires the real archiver, path resolver and disk backend.
func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	for name, content := range map[string]string{
		"node_modules/a/index.js": "a",
		"build/out.bin":           "bin",
		"build/debug.log":         "log",
	} {
		path := filepath.Join(ws, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	store, err := backends.NewDisk(t.TempDir(), testLogger())
	require.NoError(t, err)
	tempDir := t.TempDir()

	cfg := Config{
		Repository: Repository{Owner: "acme", Name: "widget"},
		Key:        "abc123",
		Workspace:  ws,
		// Duplicates are tolerated.
		Patterns:       []string{"node_modules", "node_modules", "build/*", "!**/*.log"},
		RestoreOutcome: PartialMatch,
	}
	opts := Options{
		Store:    store,
		Archiver: archive.NewArchiver(archive.DefaultPreference(), testLogger()),
		Paths:    pathset.NewResolver(ws),
		TempDir:  tempDir,
		Logger:   testLogger(),
	}

	p, err := NewPipeline(cfg, opts)
	require.NoError(t, err)
	res, err := p.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Artifact)

	obj, err := store.Stat("acme/widget/abc123.tar")
	require.NoError(t, err)
	assert.Equal(t, string(res.Artifact.Method), obj.Metadata[CompressionMethodMetadataKey])
	assert.Equal(t, res.Artifact.Size, obj.Size)

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// A second job with the same key finds the entry and skips.
	p, err = NewPipeline(cfg, opts)
	require.NoError(t, err)
	res, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, DecisionSkipAlreadyExists, res.Decision)
}
