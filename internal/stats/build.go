package stats

import (
	"slices"

	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/alexjbarnes/folder-sync/internal/resolve"
)

// Input is everything a snapshot is computed from.
type Input struct {
	// Self is the local member id; Local holds its records.
	Self  string
	Local []*record.Record
	// Remote maps each other member to the records it reported.
	Remote map[string][]*record.Record
	// Transfers may be nil.
	Transfers *TransferTable
}

// Build computes a snapshot. Only file records count. The newest version of
// each path across all members defines the folder totals; a member is in
// sync for a path when its record is not older than that version.
func Build(in Input) *FolderSyncStats {
	s := NewFolderSyncStats()

	byMember := make(map[string]map[record.Key]*record.Record, len(in.Remote)+1)
	byMember[in.Self] = index(in.Local)

	for member, recs := range in.Remote {
		if member == in.Self {
			continue
		}

		byMember[member] = index(recs)
	}

	// Local first, then the other members in sorted order. The first
	// holder of a key is its resolution base.
	members := make([]string, 0, len(byMember))
	for member := range byMember {
		if member != in.Self {
			members = append(members, member)
		}
	}

	slices.Sort(members)
	members = append([]string{in.Self}, members...)

	candidates := make(map[record.Key][]*record.Record)

	for _, member := range members {
		for k, r := range byMember[member] {
			candidates[k] = append(candidates[k], r)
		}
	}

	newest := make(map[record.Key]*record.Record, len(candidates))
	for k, recs := range candidates {
		newest[k] = resolve.NewestIncludingDeleted(recs[0], recs[1:])
	}

	for member := range byMember {
		s.FileCount[member] = 0
		s.FileCountInSync[member] = 0
		s.Size[member] = 0
		s.SizeInSync[member] = 0
	}

	for k, n := range newest {
		if n.Deleted() {
			continue
		}

		s.TotalFileCount++
		s.TotalSize += n.SizeOrZero()

		local := byMember[in.Self][k]
		if local == nil || local.Deleted() || n.IsNewerThan(local) {
			s.IncomingFileCount++
		}
	}

	for member, recs := range byMember {
		for k, r := range recs {
			if r.Deleted() {
				continue
			}

			s.FileCount[member]++
			s.Size[member] += r.SizeOrZero()

			n := newest[k]
			if !n.Deleted() && !n.IsNewerThan(r) {
				s.FileCountInSync[member]++
				s.SizeInSync[member] += n.SizeOrZero()
			}
		}
	}

	if in.Transfers != nil {
		s.PartialBytesInFlight = in.Transfers.Snapshot()
	}

	return s
}

func index(recs []*record.Record) map[record.Key]*record.Record {
	out := make(map[record.Key]*record.Record, len(recs))

	for _, r := range recs {
		if r == nil || r.IsDir() {
			continue
		}

		if cur, ok := out[r.Key()]; ok && !r.IsNewerThan(cur) {
			continue
		}

		out[r.Key()] = r
	}

	return out
}
