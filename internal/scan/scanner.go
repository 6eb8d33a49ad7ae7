package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	syncerr "github.com/alexjbarnes/folder-sync/internal/errors"
	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/jonboulle/clockwork"
	gitignore "github.com/sabhiram/go-gitignore"
)

// Store is the per-path current-record store. Update must run fn and
// publish its result atomically for the path: no two concurrent updates of
// one path may observe the same known record. fn returning a nil record
// publishes nothing.
type Store interface {
	Get(folder *record.FolderIdentity, path string) (*record.Record, error)
	Update(folder *record.FolderIdentity, path string, fn func(known *record.Record) (*record.Record, error)) (*record.Record, error)
	All(folder *record.FolderIdentity) ([]*record.Record, error)
}

// Skip is one entry a scan pass could not reconcile. IO failures are
// retried by the next pass; validation and identity failures are logged.
type Skip struct {
	Path string
	Err  error
}

// Result summarizes one scan pass.
type Result struct {
	Created   int
	Modified  int
	Deleted   int
	Restored  int
	Unchanged int
	Skipped   []Skip
	// Published holds every record written by the pass, in visit order.
	Published []*record.Record
}

// Changed returns the number of records the pass published.
func (r *Result) Changed() int {
	return r.Created + r.Modified + r.Deleted + r.Restored
}

func (r *Result) count(c Change, next *record.Record) {
	switch c {
	case ChangeNone:
		r.Unchanged++
		return
	case ChangeCreated:
		r.Created++
	case ChangeModified:
		r.Modified++
	case ChangeDeleted:
		r.Deleted++
	case ChangeRestored:
		r.Restored++
	}

	r.Published = append(r.Published, next)
}

// Options configures a Scanner.
type Options struct {
	// Actor is recorded as modified_by on every version the scanner builds.
	Actor  string
	Policy record.Policy
	// Ignore holds gitignore-style patterns of paths never recorded.
	Ignore []string
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Scanner walks a folder on disk and reconciles every entry against the
// store.
type Scanner struct {
	disk   *Disk
	store  Store
	rec    *Reconciler
	actor  string
	policy record.Policy
	ignore *gitignore.GitIgnore
	logger *slog.Logger
}

// NewScanner creates a scanner for one folder.
func NewScanner(disk *Disk, store Store, folder *record.FolderIdentity, opts Options) *Scanner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{
		disk:   disk,
		store:  store,
		rec:    NewReconciler(folder, opts.Policy, opts.Clock),
		actor:  opts.Actor,
		policy: opts.Policy,
		ignore: gitignore.CompileIgnoreLines(opts.Ignore...),
		logger: logger.With(slog.String("folder", folder.ID())),
	}
}

// Folder returns the scanned folder.
func (s *Scanner) Folder() *record.FolderIdentity { return s.rec.Folder() }

// Ignored reports whether a record path is excluded from scanning, either
// by pattern or because it is inside the metadata directory.
func (s *Scanner) Ignored(rel string) bool {
	if isMetaPath(rel) {
		return true
	}

	// Directory patterns ("build/") only match with the trailing slash.
	return s.ignore.MatchesPath(rel) || s.ignore.MatchesPath(rel+"/")
}

// Scan walks the whole folder, reconciles every entry and then tombstones
// known records whose paths were not seen. Entries that fail are skipped
// and reported in the result; nothing below a directory that could not be
// read is tombstoned.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	res := &Result{}
	p := newPass(s, res)

	err := s.disk.Walk(func(entry DiskEntry, err error) error {
		return p.visit(ctx, entry, err)
	})
	if err != nil {
		return res, fmt.Errorf("scanning folder %s: %w", s.Folder().ID(), err)
	}

	if err := p.sweep(ctx, ""); err != nil {
		return res, err
	}

	s.logger.Debug("scan complete",
		slog.Int("created", res.Created),
		slog.Int("modified", res.Modified),
		slog.Int("deleted", res.Deleted),
		slog.Int("restored", res.Restored),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("skipped", len(res.Skipped)),
	)

	return res, nil
}

// ScanPaths reconciles specific paths, typically reported by the watcher.
// An existing directory is rescanned with its whole subtree; a vanished
// one tombstones every known record below it.
func (s *Scanner) ScanPaths(ctx context.Context, paths []string) (*Result, error) {
	res := &Result{}
	p := newPass(s, res)

	for _, raw := range dedupe(paths) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rel, err := record.NormalizePath(raw)
		if err != nil {
			p.skip(raw, err)
			continue
		}

		if rel == "" {
			sub, err := s.Scan(ctx)
			if sub != nil {
				mergeResult(res, sub)
			}

			if err != nil {
				return res, err
			}

			continue
		}

		if s.Ignored(rel) {
			continue
		}

		entry, err := s.disk.Stat(rel)
		if err != nil {
			p.skip(rel, err)
			continue
		}

		if err := p.visit(ctx, entry, nil); err != nil && !errors.Is(err, SkipDir) {
			return res, err
		}

		if entry.Exists && entry.IsDir {
			err := s.disk.WalkFrom(rel, func(child DiskEntry, err error) error {
				return p.visit(ctx, child, err)
			})
			if err != nil {
				p.skip(rel, err)
				continue
			}
		}

		if err := p.sweep(ctx, rel); err != nil {
			return res, err
		}
	}

	return res, nil
}

// pass carries the bookkeeping of one scan invocation.
type pass struct {
	s      *Scanner
	res    *Result
	seen   map[record.Key]struct{}
	failed []string
}

func newPass(s *Scanner, res *Result) *pass {
	return &pass{s: s, res: res, seen: make(map[record.Key]struct{})}
}

func (p *pass) visit(ctx context.Context, entry DiskEntry, walkErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.s.Ignored(entry.Path) {
		if entry.IsDir {
			return SkipDir
		}

		return nil
	}

	if walkErr != nil {
		p.skip(entry.Path, walkErr)
		p.failed = append(p.failed, entry.Path)

		return nil
	}

	p.reconcile(entry)

	return nil
}

// sweep tombstones known live records under prefix that the pass did not
// see. Each candidate is stat-ed again so entries created since the walk
// are reconciled rather than deleted.
func (p *pass) sweep(ctx context.Context, prefix string) error {
	known, err := p.s.store.All(p.s.Folder())
	if err != nil {
		return fmt.Errorf("listing known records: %w", err)
	}

	for _, k := range known {
		if err := ctx.Err(); err != nil {
			return err
		}

		if k.Deleted() || k.Path() == "" || !under(k.Path(), prefix) {
			continue
		}

		if _, ok := p.seen[k.Key()]; ok {
			continue
		}

		if p.s.Ignored(k.Path()) || p.underFailed(k.Path()) {
			continue
		}

		entry, err := p.s.disk.Stat(k.Path())
		if err != nil {
			p.skip(k.Path(), err)
			continue
		}

		p.reconcile(entry)
	}

	return nil
}

func (p *pass) reconcile(entry DiskEntry) {
	rel, err := record.NormalizePath(entry.Path)
	if err != nil {
		p.skip(entry.Path, err)
		return
	}

	entry.Path = rel
	entry.Name = path.Base("/" + rel)

	if key, ok := p.key(entry); ok {
		p.seen[key] = struct{}{}
	}

	var known *record.Record

	next, err := p.s.store.Update(p.s.Folder(), rel, func(k *record.Record) (*record.Record, error) {
		known = k

		if !p.s.rec.InSync(k, entry) {
			if err := p.prepare(&entry); err != nil {
				return nil, err
			}
		}

		return p.s.rec.Reconcile(k, entry, p.s.actor)
	})
	if err != nil {
		p.skip(rel, err)
		return
	}

	p.res.count(Classify(known, next), next)

	if next != nil {
		p.s.logger.Debug("record published",
			slog.String("path", next.Path()),
			slog.String("change", Classify(known, next).String()),
			slog.Int64("version", next.Version()),
		)
	}
}

// prepare fills the attributes that are only worth computing for entries
// that changed: the content hash of files and the child count of
// directories.
func (p *pass) prepare(entry *DiskEntry) error {
	if !entry.Exists {
		return nil
	}

	raw := entry.raw
	if raw == "" {
		raw = entry.Path
	}

	if entry.IsDir {
		children, err := p.s.disk.ListChildren(raw)
		if err != nil {
			return err
		}

		n := 0

		for _, c := range children {
			if !p.s.Ignored(c.Path) {
				n++
			}
		}

		entry.Children = n

		return nil
	}

	h, err := p.s.disk.Hash(raw)
	if err != nil {
		return err
	}

	entry.Hash = h

	return nil
}

func (p *pass) key(entry DiskEntry) (record.Key, bool) {
	kind := record.KindFile
	if entry.IsDir {
		kind = record.KindDirectory
	}

	r, err := record.NewLookup(p.s.Folder(), kind, entry.Path, p.s.policy)
	if err != nil {
		return record.Key{}, false
	}

	return r.Key(), true
}

func (p *pass) skip(rel string, err error) {
	p.res.Skipped = append(p.res.Skipped, Skip{Path: rel, Err: err})

	level := slog.LevelWarn
	if errors.Is(err, syncerr.ErrIO) {
		level = slog.LevelInfo
	}

	p.s.logger.Log(context.Background(), level, "skipping entry",
		slog.String("path", rel),
		slog.String("error", err.Error()),
	)
}

func (p *pass) underFailed(rel string) bool {
	for _, f := range p.failed {
		if under(rel, f) {
			return true
		}
	}

	return false
}

// under reports whether rel is prefix itself or lies below it.
func under(rel, prefix string) bool {
	if prefix == "" {
		return true
	}

	return rel == prefix || strings.HasPrefix(rel, prefix+"/")
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))

	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}

		seen[p] = struct{}{}
		out = append(out, p)
	}

	return out
}

func mergeResult(dst, src *Result) {
	dst.Created += src.Created
	dst.Modified += src.Modified
	dst.Deleted += src.Deleted
	dst.Restored += src.Restored
	dst.Unchanged += src.Unchanged
	dst.Skipped = append(dst.Skipped, src.Skipped...)
	dst.Published = append(dst.Published, src.Published...)
}
