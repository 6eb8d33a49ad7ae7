package dirfilter

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/folder-sync/internal/record"
	gitignore "github.com/sabhiram/go-gitignore"
)

// Mode selects which entries a pass keeps by sync state.
type Mode int

const (
	// ModeLocalAndIncoming keeps every present entry, local or incoming.
	ModeLocalAndIncoming Mode = iota
	// ModeLocalOnly keeps present entries that are not incoming.
	ModeLocalOnly
	// ModeIncomingOnly keeps entries being downloaded, expected or
	// superseded by a newer remote version.
	ModeIncomingOnly
	// ModeNewOnly keeps entries whose download completed recently.
	ModeNewOnly
	// ModeDeleted keeps tombstones.
	ModeDeleted
	// ModeUnsynchronized keeps entries at least one connected peer reports
	// at a different version.
	ModeUnsynchronized
)

func (m Mode) String() string {
	switch m {
	case ModeLocalAndIncoming:
		return "local_and_incoming"
	case ModeLocalOnly:
		return "local_only"
	case ModeIncomingOnly:
		return "incoming_only"
	case ModeNewOnly:
		return "new_only"
	case ModeDeleted:
		return "deleted"
	case ModeUnsynchronized:
		return "unsynchronized"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Scope selects the text a keyword query is matched against.
type Scope int

const (
	ScopeFilename Scope = iota
	ScopeFilenameAndDirectory
	ScopeContributor
	ScopeModifier
)

// Entry is one record with the sync context a filter pass needs.
type Entry struct {
	Record *record.Record
	// Incoming is set while the entry is downloading, expected, or a newer
	// remote version exists.
	Incoming bool
	// DownloadedAt is when the last download of the entry completed; zero
	// if it never was downloaded.
	DownloadedAt time.Time
	// PeerVersions maps connected peers to the version they report.
	PeerVersions map[string]int64
	// Contributor and Modifier are display nicknames.
	Contributor string
	Modifier    string
}

// File is a matched file entry in a filtered tree.
type File struct {
	Entry
	// New is set when the download completed inside the new-file window.
	New bool
}

// Name returns the file name.
func (f File) Name() string { return f.Record.Name() }

// Counts summarizes the file entries under a node. Original counts every
// file considered; Deleted, Incoming and Local classify those; Filtered is
// how many passed the filter.
type Counts struct {
	Deleted  int
	Incoming int
	Local    int
	Original int
	Filtered int
}

func (c *Counts) add(o Counts) {
	c.Deleted += o.Deleted
	c.Incoming += o.Incoming
	c.Local += o.Local
	c.Original += o.Original
	c.Filtered += o.Filtered
}

// Node is one directory of a filtered tree. Children holds only the
// subdirectories that have matching files below them, or that stay visible
// as empty directories when no keyword is set. Nodes are never modified after
// a pass publishes them; a quick pass copies the path from the root to the
// refreshed subtree and shares everything else.
type Node struct {
	Name     string
	Path     string
	Deleted  bool
	Files    []File
	Children []*Node

	HasFiles            bool
	HasFilesDeep        bool
	HasDeletedFilesDeep bool
	HasNewFilesDeep     bool

	// Counts covers this node and every descendant, shown or not.
	Counts Counts
	own    Counts

	// all holds every child including those pruned from Children.
	all  []*Node
	kept bool
}

// Find returns the node at p, or nil.
func (n *Node) Find(p string) *Node {
	if n == nil {
		return nil
	}

	if p == n.Path {
		return n
	}

	for _, c := range n.Children {
		if within(p, c.Path) {
			return c.Find(p)
		}
	}

	return nil
}

// Walk visits n and its descendants depth first.
func (n *Node) Walk(fn func(*Node)) {
	if n == nil {
		return
	}

	fn(n)

	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// filter holds the predicate inputs of one pass.
type filter struct {
	mode      Mode
	scope     Scope
	query     Query
	now       time.Time
	newWindow time.Duration
	exclude   *gitignore.GitIgnore
}

func (f *filter) isNew(e Entry) bool {
	if e.DownloadedAt.IsZero() || e.Record.Deleted() {
		return false
	}

	return f.now.Sub(e.DownloadedAt) <= f.newWindow
}

func (f *filter) keywordText(e Entry) string {
	switch f.scope {
	case ScopeFilenameAndDirectory:
		return e.Record.Path()
	case ScopeContributor:
		return e.Contributor
	case ScopeModifier:
		return e.Modifier
	default:
		return e.Record.Name()
	}
}

func (f *filter) modeMatches(e Entry) bool {
	deleted := e.Record.Deleted()

	switch f.mode {
	case ModeLocalOnly:
		return !deleted && !e.Incoming
	case ModeIncomingOnly:
		return e.Incoming
	case ModeNewOnly:
		return f.isNew(e)
	case ModeDeleted:
		return deleted
	case ModeUnsynchronized:
		if f.excluded(e.Record.Path()) {
			return false
		}

		for _, v := range e.PeerVersions {
			if v != e.Record.Version() {
				return true
			}
		}

		return false
	default:
		return !deleted
	}
}

func (f *filter) excluded(p string) bool {
	return f.exclude != nil && (f.exclude.MatchesPath(p) || f.exclude.MatchesPath(p+"/"))
}

func (f *filter) matches(e Entry) bool {
	return f.modeMatches(e) && f.query.Matches(f.keywordText(e))
}

// keepEmptyDir reports whether a directory without matching files stays
// in the tree.
func (f *filter) keepEmptyDir(n *Node) bool {
	if !f.query.Empty() {
		return false
	}

	switch f.mode {
	case ModeLocalAndIncoming, ModeLocalOnly:
		return !n.Deleted
	case ModeDeleted:
		return n.Deleted
	default:
		return false
	}
}

// build turns the entries found below prefix into a finished subtree
// rooted at prefix.
func (f *filter) build(prefix string, entries []Entry) *Node {
	nodes := map[string]*Node{}

	var node func(p string) *Node
	node = func(p string) *Node {
		if n, ok := nodes[p]; ok {
			return n
		}

		n := &Node{Name: path.Base("/" + p), Path: p}
		if p == "" {
			n.Name = ""
		}

		nodes[p] = n

		if p != prefix {
			parent := node(parentOf(p))
			parent.all = append(parent.all, n)
		}

		return n
	}

	root := node(prefix)

	for _, e := range entries {
		r := e.Record
		if r == nil || !within(r.Path(), prefix) {
			continue
		}

		if r.IsDir() {
			node(r.Path()).Deleted = r.Deleted()
			continue
		}

		if r.Path() == prefix {
			continue
		}

		n := node(r.Dir())
		n.own.Original++

		switch {
		case r.Deleted():
			n.own.Deleted++
		case e.Incoming:
			n.own.Incoming++
		default:
			n.own.Local++
		}

		if !f.matches(e) {
			continue
		}

		n.own.Filtered++
		n.Files = append(n.Files, File{Entry: e, New: f.isNew(e)})
	}

	f.finish(root, true)

	return root
}

// finish computes the aggregates of n bottom-up. With deep set every
// descendant is finished first; otherwise the children are taken as
// already finished and only n is recomputed.
func (f *filter) finish(n *Node, deep bool) {
	if deep {
		for _, c := range n.all {
			f.finish(c, true)
		}

		slices.SortFunc(n.Files, func(a, b File) int { return strings.Compare(a.Name(), b.Name()) })
	}

	slices.SortFunc(n.all, func(a, b *Node) int { return strings.Compare(a.Name, b.Name) })

	n.HasFiles = len(n.Files) > 0
	n.HasFilesDeep = n.HasFiles
	n.HasDeletedFilesDeep = false
	n.HasNewFilesDeep = false
	n.Counts = n.own
	n.Children = nil

	for _, file := range n.Files {
		n.HasDeletedFilesDeep = n.HasDeletedFilesDeep || file.Record.Deleted()
		n.HasNewFilesDeep = n.HasNewFilesDeep || file.New
	}

	for _, c := range n.all {
		n.Counts.add(c.Counts)

		if !c.kept {
			continue
		}

		n.Children = append(n.Children, c)
		n.HasFilesDeep = n.HasFilesDeep || c.HasFilesDeep
		n.HasDeletedFilesDeep = n.HasDeletedFilesDeep || c.HasDeletedFilesDeep
		n.HasNewFilesDeep = n.HasNewFilesDeep || c.HasNewFilesDeep
	}

	n.kept = n.HasFilesDeep || f.keepEmptyDir(n)
}

// splice replaces the subtree at target inside root with sub and returns
// the new root. Nodes on the path from root to target are copied and
// re-aggregated; everything else is shared with the old tree.
func (f *filter) splice(root *Node, target string, sub *Node) *Node {
	if root.Path == target {
		return sub
	}

	cp := *root
	cp.all = slices.Clone(root.all)

	idx := slices.IndexFunc(cp.all, func(c *Node) bool { return within(target, c.Path) })

	var child *Node
	if idx >= 0 {
		child = cp.all[idx]
	} else {
		p := nextSegment(root.Path, target)
		child = &Node{Name: path.Base("/" + p), Path: p}
	}

	next := f.splice(child, target, sub)

	if idx >= 0 {
		cp.all[idx] = next
	} else {
		cp.all = append(cp.all, next)
	}

	f.finish(&cp, false)

	return &cp
}

// within reports whether p is dir itself or lies below it.
func within(p, dir string) bool {
	if dir == "" {
		return true
	}

	return p == dir || strings.HasPrefix(p, dir+"/")
}

func parentOf(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}

	return ""
}

// commonDir returns the deepest path that a and b both lie within.
func commonDir(a, b string) string {
	for !within(b, a) {
		a = parentOf(a)
	}

	return a
}

// nextSegment returns the path of the child of dir on the way to target.
func nextSegment(dir, target string) string {
	rest := target
	if dir != "" {
		rest = strings.TrimPrefix(target, dir+"/")
	}

	seg, _, _ := strings.Cut(rest, "/")
	if dir == "" {
		return seg
	}

	return dir + "/" + seg
}
