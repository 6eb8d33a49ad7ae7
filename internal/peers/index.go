package peers

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	syncerr "github.com/alexjbarnes/folder-sync/internal/errors"
	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/tidwall/gjson"
)

// snapshotExt is the file extension of peer index snapshots in a peers
// directory. The file name without extension is the member id.
const snapshotExt = ".json"

// Index holds the latest record every member reported for each path. It
// implements resolve.ReplicaSource for the local member self.
type Index struct {
	self      string
	directory *Directory
	policy    record.Policy
	logger    *slog.Logger

	mu      sync.RWMutex
	records map[string]map[record.Key]*record.Record
}

// NewIndex creates an empty index. directory decides which members count
// as connected.
func NewIndex(self string, directory *Directory, policy record.Policy, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}

	return &Index{
		self:      self,
		directory: directory,
		policy:    policy,
		logger:    logger,
		records:   make(map[string]map[record.Key]*record.Record),
	}
}

// Self returns the local member id.
func (ix *Index) Self() string { return ix.self }

// Directory returns the device directory the index consults.
func (ix *Index) Directory() *Directory { return ix.directory }

// Put ingests a record reported by member. The stored record is replaced
// only when rec is a higher version or newer beyond the mtime tolerance,
// so replaying an old report never rolls a replica back. Returns whether
// rec was stored.
func (ix *Index) Put(member string, rec *record.Record) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	recs, ok := ix.records[member]
	if !ok {
		recs = make(map[record.Key]*record.Record)
		ix.records[member] = recs
	}

	cur, ok := recs[rec.Key()]
	if ok && !rec.IsNewerThan(cur) {
		return false
	}

	recs[rec.Key()] = rec

	return true
}

// LoadSnapshot ingests a JSON index snapshot of member for folder f:
//
//	{"folder_id": "...", "records": [{"path": "a.txt", "kind": "file",
//	  "size": 3, "modified_by": "DEV-B", "modified_at": "2024-...Z",
//	  "version": 2, "deleted": false, "hash": "...", "children": 0}]}
//
// Entries that fail validation are skipped and logged. A snapshot for a
// different folder is rejected. Returns the number of records stored.
func (ix *Index) LoadSnapshot(member string, f *record.FolderIdentity, data []byte) (int, error) {
	if !gjson.ValidBytes(data) {
		return 0, fmt.Errorf("%w: snapshot of %s is not valid JSON", syncerr.ErrValidation, member)
	}

	doc := gjson.ParseBytes(data)

	if id := doc.Get("folder_id"); id.Exists() && id.String() != f.ID() {
		return 0, fmt.Errorf("%w: snapshot of %s is for folder %s, not %s",
			syncerr.ErrIdentityMismatch, member, id.String(), f.ID())
	}

	stored := 0

	doc.Get("records").ForEach(func(_, v gjson.Result) bool {
		rec, err := ix.decode(f, v)
		if err != nil {
			ix.logger.Warn("skipping peer record",
				slog.String("member", member),
				slog.String("path", v.Get("path").String()),
				slog.String("error", err.Error()),
			)

			return true
		}

		if ix.Put(member, rec) {
			stored++
		}

		return true
	})

	return stored, nil
}

// LoadDir ingests every <member>.json snapshot in dir. The local member's
// own snapshot, if present, is ignored.
func (ix *Index) LoadDir(dir string, f *record.FolderIdentity) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading peers dir: %w", err)
	}

	var errs []error

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotExt) {
			continue
		}

		member := strings.TrimSuffix(e.Name(), snapshotExt)
		if member == ix.self {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("reading snapshot %s: %w", e.Name(), err))
			continue
		}

		n, err := ix.LoadSnapshot(member, f, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		ix.logger.Debug("loaded peer snapshot",
			slog.String("member", member),
			slog.Int("records", n),
		)
	}

	return errors.Join(errs...)
}

// ConnectedReplicas returns the record each connected member other than
// self holds for key. Members without a record for key contribute nothing.
func (ix *Index) ConnectedReplicas(f *record.FolderIdentity, key record.Key) []*record.Record {
	if key.FolderID != f.ID() {
		return nil
	}

	connected := ix.directory.Connected()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*record.Record

	for _, member := range ix.sortedMembers() {
		if member == ix.self || !connected.Contains(member) {
			continue
		}

		if r, ok := ix.records[member][key]; ok {
			out = append(out, r)
		}
	}

	return out
}

// Records returns every record member reported for folder f, ordered by
// identity key.
func (ix *Index) Records(member string, f *record.FolderIdentity) []*record.Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*record.Record

	for k, r := range ix.records[member] {
		if k.FolderID == f.ID() {
			out = append(out, r)
		}
	}

	slices.SortFunc(out, func(a, b *record.Record) int {
		return strings.Compare(a.Key().Path, b.Key().Path)
	})

	return out
}

// Members returns every member with at least one record, sorted.
func (ix *Index) Members() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return ix.sortedMembers()
}

func (ix *Index) sortedMembers() []string {
	members := make([]string, 0, len(ix.records))
	for m := range ix.records {
		members = append(members, m)
	}

	slices.Sort(members)

	return members
}

func (ix *Index) decode(f *record.FolderIdentity, v gjson.Result) (*record.Record, error) {
	var kind record.Kind

	switch k := v.Get("kind").String(); k {
	case "", "file":
		kind = record.KindFile
	case "directory":
		kind = record.KindDirectory
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", syncerr.ErrValidation, k)
	}

	at := v.Get("modified_at")
	if at.Exists() && at.Type == gjson.String && at.Time().IsZero() {
		return nil, fmt.Errorf("%w: modified_at %q is not RFC 3339", syncerr.ErrValidation, at.String())
	}

	return record.New(f, kind, record.Params{
		Path:       v.Get("path").String(),
		Size:       v.Get("size").Int(),
		ModifiedBy: v.Get("modified_by").String(),
		ModifiedAt: at.Time().UTC(),
		Version:    v.Get("version").Int(),
		Deleted:    v.Get("deleted").Bool(),
		Hash:       v.Get("hash").String(),
		Children:   int(v.Get("children").Int()),
	}, ix.policy)
}
