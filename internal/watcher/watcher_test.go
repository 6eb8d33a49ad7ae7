package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/folder-sync/internal/pathcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder collects every delivered path.
type recorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *recorder) handle(_ context.Context, paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, paths)
}

func (r *recorder) seen(p string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		if slices.Contains(b, p) {
			return true
		}
	}
	return false
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

// watched starts a watcher on a fresh directory seeded with notes/.
func watched(t *testing.T) (string, *recorder) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".folder-sync"), 0o755))

	rec := &recorder{}
	ignored := func(rel string) bool { return strings.HasSuffix(rel, ".tmp") }

	w := New(dir, pathcodec.Default(), ignored, rec.handle, discardLogger)
	w.interval = 20 * time.Millisecond
	w.quiet = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- w.Watch(ctx)
	}()

	// Give fsnotify a moment to set up watches.
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		cancel()

		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("watcher error: %v", err)
		}
	})

	return dir, rec
}

func TestWatch_DeliversCreatedFile(t *testing.T) {
	dir, rec := watched(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", "new.txt"), []byte("x"), 0o644))

	waitFor(t, 2*time.Second, func() bool { return rec.seen("notes/new.txt") })
}

func TestWatch_DeliversRemovedFile(t *testing.T) {
	dir, rec := watched(t)
	abs := filepath.Join(dir, "notes", "gone.txt")
	require.NoError(t, os.WriteFile(abs, []byte("x"), 0o644))
	waitFor(t, 2*time.Second, func() bool { return rec.seen("notes/gone.txt") })

	rec.mu.Lock()
	rec.batches = nil
	rec.mu.Unlock()

	require.NoError(t, os.Remove(abs))
	waitFor(t, 2*time.Second, func() bool { return rec.seen("notes/gone.txt") })
}

func TestWatch_WatchesNewDirectories(t *testing.T) {
	dir, rec := watched(t)

	sub := filepath.Join(dir, "fresh")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	waitFor(t, 2*time.Second, func() bool { return rec.seen("fresh") })

	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("x"), 0o644))
	waitFor(t, 2*time.Second, func() bool { return rec.seen("fresh/inner.txt") })
}

func TestWatch_DecodesEscapedNames(t *testing.T) {
	dir, rec := watched(t)

	codec := pathcodec.Default()
	require.NoError(t, os.WriteFile(filepath.Join(dir, codec.Encode("what?.txt")), []byte("x"), 0o644))

	waitFor(t, 2*time.Second, func() bool { return rec.seen("what?.txt") })
}

func TestWatch_IgnoresMetaAndPatterns(t *testing.T) {
	dir, rec := watched(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".folder-sync", "state"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	waitFor(t, 2*time.Second, func() bool { return rec.seen("marker.txt") })

	assert.False(t, rec.seen(".folder-sync/state"))
	assert.False(t, rec.seen(".folder-sync"))
	assert.False(t, rec.seen("scratch.tmp"))
}

func TestRelPath(t *testing.T) {
	w := New("/root/folder", nil, nil, nil, discardLogger)

	tests := []struct {
		abs  string
		want string
		ok   bool
	}{
		{"/root/folder/a/b.txt", "a/b.txt", true},
		{"/root/folder", "", false},
		{"/root/other/x", "", false},
		{"/root/folder/..hidden", "..hidden", true},
		{"/root/folder/.folder-sync/db", "", false},
	}

	for _, tt := range tests {
		got, ok := w.relPath(tt.abs)
		assert.Equal(t, tt.ok, ok, tt.abs)
		assert.Equal(t, tt.want, got, tt.abs)
	}
}
