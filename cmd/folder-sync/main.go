package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/alexjbarnes/folder-sync/internal/config"
	"github.com/alexjbarnes/folder-sync/internal/dirfilter"
	"github.com/alexjbarnes/folder-sync/internal/folder"
	"github.com/alexjbarnes/folder-sync/internal/logging"
	"github.com/alexjbarnes/folder-sync/internal/pathcodec"
	"github.com/alexjbarnes/folder-sync/internal/peers"
	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/alexjbarnes/folder-sync/internal/scan"
	"github.com/alexjbarnes/folder-sync/internal/state"
	"github.com/alexjbarnes/folder-sync/internal/watcher"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Path codec subcommands run before config loading.
	if len(os.Args) > 1 && (os.Args[1] == "encode" || os.Args[1] == "decode") {
		if err := codecCommand(os.Args[1], os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// codecCommand prints each argument encoded for, or decoded from, the
// filesystem. FORBIDDEN_CHARS overrides the default character set.
func codecCommand(cmd string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: folder-sync %s <path>...", cmd)
	}

	codec := pathcodec.Default()
	if chars := os.Getenv("FORBIDDEN_CHARS"); chars != "" {
		codec = pathcodec.New(chars)
	}

	for _, p := range args {
		if cmd == "encode" {
			fmt.Println(codec.Encode(p))
		} else {
			fmt.Println(codec.Decode(p))
		}
	}

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	policy := cfg.Policy()

	logger.Info("folder-sync starting",
		slog.String("version", Version),
		slog.String("folder", cfg.FolderID),
		slog.String("dir", cfg.FolderDir),
		slog.String("device", cfg.DeviceID),
		slog.Bool("case_insensitive", policy.CaseInsensitive),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	folders := record.NewFolderRegistry()

	id, err := record.InternFolder(folders, cfg.FolderName, cfg.FolderID)
	if err != nil {
		return fmt.Errorf("folder identity: %w", err)
	}

	appState, err := state.LoadAt(cfg.StateDB, folders, policy)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if err := appState.InitFolder(id); err != nil {
		return fmt.Errorf("initializing folder buckets: %w", err)
	}

	directory, err := loadDirectory(cfg)
	if err != nil {
		return err
	}

	index := peers.NewIndex(cfg.DeviceID, directory, policy, logger)
	if cfg.PeersDir != "" {
		if err := index.LoadDir(cfg.PeersDir, id); err != nil {
			logger.Warn("loading peer snapshots", slog.String("error", err.Error()))
		}
	}

	if err := os.MkdirAll(cfg.FolderDir, 0o755); err != nil {
		return fmt.Errorf("creating folder dir: %w", err)
	}

	codec := pathcodec.New(cfg.ForbiddenChars)
	scanner := scan.NewScanner(scan.NewDisk(afero.NewOsFs(), cfg.FolderDir, codec), appState, id, scan.Options{
		Actor:  cfg.DeviceID,
		Policy: policy,
		Ignore: cfg.IgnorePatterns,
		Logger: logger,
	})

	f, err := folder.New(folder.Options{
		Identity:  id,
		Policy:    policy,
		Store:     appState,
		Scanner:   scanner,
		Replicas:  index,
		Directory: directory,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating folder: %w", err)
	}

	if _, err := f.Scan(ctx); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	logStats(f, logger)

	engine, err := dirfilter.New(f, dirfilter.Options{
		NewFileWindow: cfg.NewFileWindow,
		Exclude:       cfg.IgnorePatterns,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating filter engine: %w", err)
	}
	defer engine.Close()

	engine.SetFolder(id)
	engine.RequestFilter()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scanLoop(gctx, f, engine, cfg.ScanInterval, logger)
	})

	w := watcher.New(cfg.FolderDir, codec, scanner.Ignored, func(ctx context.Context, paths []string) {
		res, err := f.ScanPaths(ctx, paths)
		if err != nil {
			logger.Warn("rescan failed", slog.String("error", err.Error()))
			return
		}

		if res.Changed() == 0 {
			return
		}

		refreshView(engine, paths, logger)
	}, logger)

	g.Go(func() error {
		return w.Watch(gctx)
	})

	g.Go(func() error {
		logResults(gctx, engine, logger)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("folder-sync stopped")
		return nil
	}

	return err
}

func loadDirectory(cfg *config.Config) (*peers.Directory, error) {
	if cfg.DevicesFile == "" {
		return peers.NewDirectory(peers.Member{ID: cfg.DeviceID, Nickname: cfg.DeviceName, Connected: true}), nil
	}

	d, err := peers.LoadDirectory(cfg.DevicesFile)
	if err != nil {
		return nil, err
	}

	d.SetConnected(cfg.DeviceID, true)

	return d, nil
}

// scanLoop rescans the whole folder every interval until ctx is done.
func scanLoop(ctx context.Context, f *folder.Folder, engine *dirfilter.Engine, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		res, err := f.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger.Warn("scan failed", slog.String("error", err.Error()))

			continue
		}

		if res.Changed() > 0 {
			refreshView(engine, nil, logger)
		}

		logStats(f, logger)
	}
}

func logStats(f *folder.Folder, logger *slog.Logger) {
	s, err := f.Stats()
	if err != nil {
		logger.Warn("computing sync stats", slog.String("error", err.Error()))
		return
	}

	attrs := []any{
		slog.String("total", humanize.Bytes(uint64(s.TotalSize))),
		slog.Int("files", s.TotalFileCount),
		slog.Int("incoming", s.IncomingFileCount),
		slog.Float64("average_percent", f.Aggregator().AveragePercentage(s)),
	}

	if !s.EstimatedSyncDate.IsZero() {
		attrs = append(attrs, slog.String("estimated_sync", humanize.Time(s.EstimatedSyncDate)))
	}

	logger.Info("sync status", attrs...)
}

func logResults(ctx context.Context, engine *dirfilter.Engine, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-engine.Results():
			if !ok {
				return
			}

			if res.Err != nil {
				continue
			}

			logger.Debug("folder view refreshed",
				slog.Int("pass", res.Pass),
				slog.Bool("full", res.Full),
				slog.String("mode", res.Mode.String()),
				slog.Int("files", res.Counts.Original),
				slog.Int("shown", res.Counts.Filtered),
				slog.Int("incoming", res.Counts.Incoming),
				slog.Int("deleted", res.Counts.Deleted),
			)
		}
	}
}

// refreshView schedules a quick filter pass over the deepest directory
// holding every changed path. With no paths the whole tree is refreshed.
func refreshView(engine *dirfilter.Engine, paths []string, logger *slog.Logger) {
	if err := engine.RefreshPath(commonDir(paths)); err != nil {
		logger.Warn("refreshing folder view", slog.String("error", err.Error()))
	}
}

// commonDir returns the deepest directory containing every path, or the
// folder root.
func commonDir(paths []string) string {
	if len(paths) == 0 {
		return ""
	}

	dir := parent(paths[0])
	for _, p := range paths[1:] {
		for dir != "" && p != dir && !hasDirPrefix(p, dir) {
			dir = parent(dir)
		}
	}

	return dir
}

func parent(p string) string {
	d := path.Dir(p)
	if d == "." {
		return ""
	}

	return d
}

func hasDirPrefix(p, dir string) bool {
	return len(p) > len(dir) && p[:len(dir)] == dir && p[len(dir)] == '/'
}
