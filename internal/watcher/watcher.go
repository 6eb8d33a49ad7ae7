// Package watcher turns filesystem events under a folder root into
// debounced batches of record paths to rescan.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/folder-sync/internal/pathcodec"
	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/alexjbarnes/folder-sync/internal/scan"
	"github.com/fsnotify/fsnotify"
)

const (
	// debounceInterval is how often pending events are checked.
	debounceInterval = 500 * time.Millisecond

	// quietPeriod is how long a path must go without events before it is
	// delivered, so a burst of writes becomes one rescan.
	quietPeriod = 300 * time.Millisecond
)

// Handler receives a batch of record paths, sorted and deduplicated.
type Handler func(ctx context.Context, paths []string)

// Watcher watches a folder root recursively.
type Watcher struct {
	root    string
	codec   *pathcodec.Codec
	ignored func(rel string) bool
	handle  Handler
	logger  *slog.Logger

	interval time.Duration
	quiet    time.Duration
	fsw      *fsnotify.Watcher
}

// New creates a watcher for root. ignored may be nil; the metadata
// directory is always ignored.
func New(root string, codec *pathcodec.Codec, ignored func(rel string) bool, handle Handler, logger *slog.Logger) *Watcher {
	if codec == nil {
		codec = pathcodec.Default()
	}

	if ignored == nil {
		ignored = func(string) bool { return false }
	}

	return &Watcher{
		root:     filepath.Clean(root),
		codec:    codec,
		ignored:  ignored,
		handle:   handle,
		logger:   logger,
		interval: debounceInterval,
		quiet:    quietPeriod,
	}
}

// Watch blocks until ctx is cancelled, delivering batches to the handler
// from the watch goroutine.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.fsw = fsw
	defer fsw.Close()

	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("watching folder: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.root))

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			rel, ok := w.relPath(event.Name)
			if !ok {
				continue
			}

			pending[rel] = time.Now()

			// Lstat so a symlink to a directory outside the folder is
			// never watched.
			if event.Has(fsnotify.Create) {
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = fsw.Remove(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()

			var batch []string

			for rel, t := range pending {
				if now.Sub(t) < w.quiet {
					continue
				}

				delete(pending, rel)
				batch = append(batch, rel)
			}

			if len(batch) == 0 {
				continue
			}

			slices.Sort(batch)
			w.logger.Debug("filesystem changes", slog.Int("paths", len(batch)))
			w.handle(ctx, batch)
		}
	}
}

// relPath maps an absolute event path to a record path. ok is false for
// the root itself, paths outside it and ignored paths.
func (w *Watcher) relPath(abs string) (string, bool) {
	r, err := filepath.Rel(w.root, abs)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}

	rel, err := record.NormalizePath(w.codec.Decode(filepath.ToSlash(r)))
	if err != nil || rel == "" {
		return "", false
	}

	if rel == scan.MetaDir || strings.HasPrefix(rel, scan.MetaDir+"/") || w.ignored(rel) {
		return "", false
	}

	return rel, true
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if p != w.root {
			if _, ok := w.relPath(p); !ok {
				return filepath.SkipDir
			}
		}

		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.fsw.Add(p)
	})
}
