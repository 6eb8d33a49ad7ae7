// Package dirfilter maintains a filtered, incrementally refreshable view of
// a folder tree for interactive queries by keyword, sync state and scope.
package dirfilter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/jonboulle/clockwork"
	gitignore "github.com/sabhiram/go-gitignore"
)

const (
	// DefaultNewFileWindow is how long a completed download counts as new.
	DefaultNewFileWindow = 24 * time.Hour

	defaultQueryCacheSize = 128
	resultBuffer          = 16
)

// Source lists the entries of a folder below a prefix, the entry at the
// prefix itself included. The empty prefix lists the whole folder.
type Source interface {
	Entries(ctx context.Context, folder *record.FolderIdentity, prefix string) ([]Entry, error)
}

// Result is delivered once per completed pass. Full is set when the tree
// was rebuilt from the folder root after a folder, mode, query or scope
// change; consumers reset scroll and selection state on it. A quick pass
// only refreshed the subtree at Selected.
type Result struct {
	Folder   *record.FolderIdentity
	Mode     Mode
	Query    string
	Full     bool
	Selected string
	Tree     *Node
	Counts   Counts
	Pass     int
	Err      error
}

// Options configures an Engine.
type Options struct {
	Scope Scope
	// NewFileWindow defaults to DefaultNewFileWindow.
	NewFileWindow time.Duration
	// Exclude holds gitignore-style patterns of paths excluded from sync;
	// they never count as unsynchronized.
	Exclude        []string
	QueryCacheSize int
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Engine runs filter passes on a background goroutine. At most one pass
// runs at a time; requests arriving during a pass collapse into a single
// follow-up pass. A request never aborts a running pass.
type Engine struct {
	source    Source
	queries   *queryCache
	exclude   *gitignore.GitIgnore
	newWindow time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	results   chan Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	folder    *record.FolderIdentity
	mode      Mode
	scope     Scope
	query     string
	selected  string
	// refresh is set while paths passed to RefreshPath await a pass.
	refresh   bool
	full      bool
	filtering bool
	pending   bool
	closed    bool
	pass      int

	// tree is the last published tree and the parameters it was built for.
	tree       *Node
	treeFolder *record.FolderIdentity
	treeMode   Mode
}

// New creates an idle engine. Call SetFolder and RequestFilter to run the
// first pass.
func New(source Source, opts Options) (*Engine, error) {
	size := opts.QueryCacheSize
	if size <= 0 {
		size = defaultQueryCacheSize
	}

	queries, err := newQueryCache(size)
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}

	window := opts.NewFileWindow
	if window <= 0 {
		window = DefaultNewFileWindow
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		source:    source,
		queries:   queries,
		exclude:   gitignore.CompileIgnoreLines(opts.Exclude...),
		newWindow: window,
		clock:     clock,
		logger:    logger,
		results:   make(chan Result, resultBuffer),
		ctx:       ctx,
		cancel:    cancel,
		scope:     opts.Scope,
		full:      true,
	}, nil
}

// Results delivers one Result per completed pass. It is closed by Close.
func (e *Engine) Results() <-chan Result { return e.results }

// SetFolder switches the folder and marks the next pass as a full rebuild.
func (e *Engine) SetFolder(f *record.FolderIdentity) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.folder != nil && e.folder.Equal(f) {
		return
	}

	e.folder = f
	e.selected = ""
	e.full = true
}

// SetMode changes the sync-state mode and marks the next pass as a full
// rebuild.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode == m {
		return
	}

	e.mode = m
	e.full = true
}

// SetQuery changes the keyword query and marks the next pass as a full
// rebuild.
func (e *Engine) SetQuery(q string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.query == q {
		return
	}

	e.query = q
	e.full = true
}

// SetScope changes what keywords match against and marks the next pass as
// a full rebuild.
func (e *Engine) SetScope(s Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scope == s {
		return
	}

	e.scope = s
	e.full = true
}

// SetSelectedPath selects the subtree the next quick pass refreshes.
func (e *Engine) SetSelectedPath(p string) error {
	norm, err := record.NormalizePath(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.selected = norm

	return nil
}

// RefreshPath schedules a quick pass covering p. Paths requested before
// the pass starts merge into their deepest common directory, so every
// requested subtree is refreshed. The empty path refreshes the whole tree.
func (e *Engine) RefreshPath(p string) error {
	norm, err := record.NormalizePath(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.refresh {
		norm = commonDir(e.selected, norm)
	}

	e.selected = norm
	e.refresh = true
	e.mu.Unlock()

	e.RequestFilter()

	return nil
}

// RequestFilter schedules a pass. When a pass is already running the
// request is remembered and served by exactly one follow-up pass.
func (e *Engine) RequestFilter() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if e.filtering {
		e.pending = true
		return
	}

	e.filtering = true

	e.wg.Add(1)

	go e.loop()
}

// Busy reports whether a pass is running.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.filtering
}

// Close stops the engine after the running pass and closes Results.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	close(e.results)
}

// passParams is the engine state a pass runs with, captured under the lock.
type passParams struct {
	folder   *record.FolderIdentity
	mode     Mode
	scope    Scope
	query    string
	selected string
	full     bool
	tree     *Node
	pass     int
}

func (e *Engine) loop() {
	defer e.wg.Done()

	for {
		p, ok := e.begin()
		if ok {
			res := e.run(p)
			e.publish(res)
		}

		e.mu.Lock()

		if e.pending && !e.closed {
			e.pending = false
			e.mu.Unlock()

			continue
		}

		e.pending = false
		e.filtering = false
		e.mu.Unlock()

		return
	}
}

func (e *Engine) begin() (passParams, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.folder == nil || e.closed {
		return passParams{}, false
	}

	full := e.full || e.tree == nil || !e.treeFolder.Equal(e.folder) || e.treeMode != e.mode
	e.full = false
	e.refresh = false
	e.pass++

	return passParams{
		folder:   e.folder,
		mode:     e.mode,
		scope:    e.scope,
		query:    e.query,
		selected: e.selected,
		full:     full,
		tree:     e.tree,
		pass:     e.pass,
	}, true
}

// run executes one pass. Full and quick passes share the same subtree
// build; a quick pass then splices the rebuilt subtree into the previous
// tree.
func (e *Engine) run(p passParams) Result {
	res := Result{
		Folder:   p.folder,
		Mode:     p.mode,
		Query:    p.query,
		Full:     p.full,
		Selected: p.selected,
		Pass:     p.pass,
	}

	f := &filter{
		mode:      p.mode,
		scope:     p.scope,
		query:     e.queries.parse(p.query),
		now:       e.clock.Now(),
		newWindow: e.newWindow,
		exclude:   e.exclude,
	}

	prefix := p.selected
	if p.full {
		prefix = ""
	}

	prefix, entries, err := e.list(p.folder, prefix)
	res.Selected = prefix

	if err != nil {
		res.Err = fmt.Errorf("listing entries of %s under %q: %w", p.folder.ID(), prefix, err)
		res.Tree = p.tree

		if p.tree != nil {
			res.Counts = p.tree.Counts
		}

		return res
	}

	sub := f.build(prefix, entries)

	tree := sub
	if !p.full {
		tree = f.splice(p.tree, prefix, sub)
	}

	res.Tree = tree
	res.Counts = tree.Counts

	return res
}

// list fetches the entries below prefix. A prefix that names a file, or
// nothing at all, is widened to its parent directory.
func (e *Engine) list(folder *record.FolderIdentity, prefix string) (string, []Entry, error) {
	for {
		entries, err := e.source.Entries(e.ctx, folder, prefix)
		if err != nil || prefix == "" || isDirectory(prefix, entries) {
			return prefix, entries, err
		}

		prefix = parentOf(prefix)
	}
}

func isDirectory(p string, entries []Entry) bool {
	found := false

	for _, en := range entries {
		r := en.Record
		if r == nil {
			continue
		}

		if r.Path() == p {
			return r.IsDir()
		}

		found = found || within(r.Path(), p)
	}

	return found
}

func (e *Engine) publish(res Result) {
	if res.Err != nil {
		if res.Full {
			e.mu.Lock()
			e.full = true
			e.mu.Unlock()
		}

		e.logger.Warn("filter pass failed",
			slog.Int("pass", res.Pass),
			slog.String("error", res.Err.Error()),
		)
	} else {
		e.mu.Lock()
		e.tree = res.Tree
		e.treeFolder = res.Folder
		e.treeMode = res.Mode
		e.mu.Unlock()

		e.logger.Debug("filter pass complete",
			slog.Int("pass", res.Pass),
			slog.String("mode", res.Mode.String()),
			slog.Bool("full", res.Full),
			slog.Int("original", res.Counts.Original),
			slog.Int("filtered", res.Counts.Filtered),
		)
	}

	select {
	case e.results <- res:
	case <-e.ctx.Done():
	}
}
