// Package scan reconciles the local disk against the last known metadata
// records and produces the next record versions.
package scan

import (
	"fmt"
	"strings"

	syncerr "github.com/alexjbarnes/folder-sync/internal/errors"
	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/jonboulle/clockwork"
)

// Change classifies the outcome of one reconciliation.
type Change int

const (
	// ChangeNone means the disk agrees with the known record.
	ChangeNone Change = iota
	// ChangeCreated is a path seen for the first time.
	ChangeCreated
	// ChangeModified is an existing path whose size or mtime changed.
	ChangeModified
	// ChangeDeleted is a known path that is gone from disk.
	ChangeDeleted
	// ChangeRestored is a tombstoned path that reappeared on disk.
	ChangeRestored
)

func (c Change) String() string {
	switch c {
	case ChangeNone:
		return "none"
	case ChangeCreated:
		return "created"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	case ChangeRestored:
		return "restored"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

// Classify names the transition from known to next. next is nil when
// nothing changed.
func Classify(known, next *record.Record) Change {
	switch {
	case next == nil:
		return ChangeNone
	case known == nil:
		return ChangeCreated
	case next.Deleted():
		return ChangeDeleted
	case known.Deleted():
		return ChangeRestored
	default:
		return ChangeModified
	}
}

// Reconciler compares one disk entry with the last known record of the
// same path and builds the next version. It holds no per-path state and
// is safe for concurrent use; atomicity of read-reconcile-publish is the
// store's job.
type Reconciler struct {
	folder *record.FolderIdentity
	policy record.Policy
	clock  clockwork.Clock
}

// NewReconciler creates a reconciler for one folder. clock stamps
// tombstones; nil uses the real clock.
func NewReconciler(folder *record.FolderIdentity, policy record.Policy, clock clockwork.Clock) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Reconciler{folder: folder, policy: policy, clock: clock}
}

// Folder returns the folder this reconciler builds records for.
func (r *Reconciler) Folder() *record.FolderIdentity { return r.folder }

// InSync reports whether the disk entry agrees with known: existence must
// agree with the tombstone flag and, when both exist, size and mtime
// (within tolerance) must match. Directories only compare existence and
// kind; their mtime and child count move whenever a child changes.
func (r *Reconciler) InSync(known *record.Record, entry DiskEntry) bool {
	if known == nil {
		return !entry.Exists
	}

	if entry.Exists == known.Deleted() {
		return false
	}

	if !entry.Exists {
		return true
	}

	if entry.IsDir != known.IsDir() {
		return false
	}

	if entry.IsDir {
		return true
	}

	return entry.Size == known.SizeOrZero() &&
		record.SameTime(entry.ModTime, known.ModifiedAt(), r.policy.MTimeTolerance)
}

// Reconcile returns the next record for the path, or nil when the disk
// agrees with known. entry.Hash must already be filled for files that are
// not in sync.
//
// An entry whose name does not match known is a caller error and returns
// ErrIdentityMismatch; known is never modified.
func (r *Reconciler) Reconcile(known *record.Record, entry DiskEntry, actor string) (*record.Record, error) {
	if known != nil {
		if err := r.checkIdentity(known, entry); err != nil {
			return nil, err
		}
	}

	if r.InSync(known, entry) {
		return nil, nil
	}

	if known == nil {
		return r.create(entry, actor, 0)
	}

	if !entry.Exists {
		return known.AsDeleted(actor, r.clock.Now())
	}

	if entry.IsDir != known.IsDir() {
		// A file replaced by a directory (or the reverse) continues the
		// version history of the path under the new kind.
		return r.create(entry, actor, known.Version()+1)
	}

	p := known.Params()
	p.Path = entry.Path
	p.Version++
	p.ModifiedBy = actor
	p.ModifiedAt = entry.ModTime
	p.Deleted = false

	if entry.IsDir {
		p.Size = 0
		p.Children = entry.Children
	} else {
		p.Size = entry.Size
		p.Hash = entry.Hash
	}

	return known.With(p)
}

func (r *Reconciler) create(entry DiskEntry, actor string, version int64) (*record.Record, error) {
	p := record.Params{
		Path:       entry.Path,
		ModifiedBy: actor,
		ModifiedAt: entry.ModTime,
		Version:    version,
	}

	if entry.IsDir {
		p.Children = entry.Children
		return record.NewDirectory(r.folder, p, r.policy)
	}

	p.Size = entry.Size
	p.Hash = entry.Hash

	return record.NewFile(r.folder, p, r.policy)
}

func (r *Reconciler) checkIdentity(known *record.Record, entry DiskEntry) error {
	if !known.Folder().Equal(r.folder) {
		return fmt.Errorf("%w: record %q belongs to folder %s, reconciler to %s",
			syncerr.ErrIdentityMismatch, known.Path(), known.Folder().ID(), r.folder.ID())
	}

	name := known.Name()
	if entry.Name == name {
		return nil
	}

	if r.policy.CaseInsensitive && strings.EqualFold(entry.Name, name) {
		return nil
	}

	return fmt.Errorf("%w: disk entry %q reconciled against record %q",
		syncerr.ErrIdentityMismatch, entry.Name, known.Path())
}
