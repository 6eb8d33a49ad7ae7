// Package resolve ranks the local record of a path against the replicas
// reported by connected peers and picks the authoritative newest version.
package resolve

import (
	"cmp"

	"github.com/alexjbarnes/folder-sync/internal/record"
)

// ReplicaSource supplies the records connected peers report for a path.
// ConnectedReplicas never includes the local member's own record; the
// caller passes that as the base.
type ReplicaSource interface {
	ConnectedReplicas(folder *record.FolderIdentity, key record.Key) []*record.Record
	Self() string
}

// NewestIncludingDeleted returns the newest of base and replicas, counting
// tombstones. Replicas that are not the same identity as base are ignored.
// When no candidate is newer than base beyond the mtime tolerance, base is
// returned.
func NewestIncludingDeleted(base *record.Record, replicas []*record.Record) *record.Record {
	best, _ := newest(base, replicas, true)
	return best
}

// NewestExcludingDeleted is NewestIncludingDeleted with every tombstone,
// base included, skipped. ok is false when every candidate is deleted.
func NewestExcludingDeleted(base *record.Record, replicas []*record.Record) (*record.Record, bool) {
	return newest(base, replicas, false)
}

func newest(base *record.Record, replicas []*record.Record, includeDeleted bool) (*record.Record, bool) {
	if base == nil {
		return nil, false
	}

	baseEligible := includeDeleted || !base.Deleted()

	var best *record.Record
	if baseEligible {
		best = base
	}

	for _, r := range replicas {
		if r == nil || r == base || !r.Equal(base) {
			continue
		}

		if !includeDeleted && r.Deleted() {
			continue
		}

		if best == nil || compare(r, best) > 0 {
			best = r
		}
	}

	if best == nil {
		return nil, false
	}

	// base keeps its place against anything not strictly newer under the
	// tolerant ranking.
	if baseEligible && best != base && !record.IsNewerThan(best, base) {
		return base, true
	}

	return best, true
}

// compare is a total order over records of one path: version, then exact
// modification time, then fields that make equal-time replicas
// deterministic regardless of visit order.
func compare(a, b *record.Record) int {
	if c := cmp.Compare(a.Version(), b.Version()); c != 0 {
		return c
	}

	if c := a.ModifiedAt().Compare(b.ModifiedAt()); c != 0 {
		return c
	}

	if c := cmp.Compare(a.ModifiedBy(), b.ModifiedBy()); c != 0 {
		return c
	}

	if c := cmp.Compare(a.Hash(), b.Hash()); c != 0 {
		return c
	}

	// Live beats deleted at an otherwise identical point in history.
	if a.Deleted() != b.Deleted() {
		if b.Deleted() {
			return 1
		}

		return -1
	}

	if c := cmp.Compare(a.SizeOrZero(), b.SizeOrZero()); c != 0 {
		return c
	}

	// Case variants share a key under a case-insensitive policy.
	if c := cmp.Compare(a.Path(), b.Path()); c != 0 {
		return c
	}

	return cmp.Compare(a.Children(), b.Children())
}

// Resolver looks replicas up through a ReplicaSource.
type Resolver struct {
	source ReplicaSource
}

// New creates a resolver over source.
func New(source ReplicaSource) *Resolver {
	return &Resolver{source: source}
}

// Self returns the local member id.
func (r *Resolver) Self() string { return r.source.Self() }

// Replicas returns the connected replicas of base's path.
func (r *Resolver) Replicas(base *record.Record) []*record.Record {
	if base == nil {
		return nil
	}

	return r.source.ConnectedReplicas(base.Folder(), base.Key())
}

// Newest resolves base against the currently connected replicas.
func (r *Resolver) Newest(base *record.Record, includeDeleted bool) (*record.Record, bool) {
	return newest(base, r.Replicas(base), includeDeleted)
}

// IsOutdated reports whether a connected peer holds a version of base's
// path that is newer than base, tombstones included.
func (r *Resolver) IsOutdated(base *record.Record) bool {
	n, ok := r.Newest(base, true)
	return ok && n != base
}
