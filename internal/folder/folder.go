// Package folder ties one shared folder's scanner, record store, peer
// replicas and transfer progress together and answers the questions the
// rest of the client asks about it: what changed on disk, which version of
// a path is authoritative, how far each member is in sync, and which
// entries a filtered view should show.
package folder

//go:generate mockgen -destination=mock_folder_test.go -package=folder github.com/alexjbarnes/folder-sync/internal/folder Replicas

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/folder-sync/internal/dirfilter"
	syncerr "github.com/alexjbarnes/folder-sync/internal/errors"
	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/alexjbarnes/folder-sync/internal/resolve"
	"github.com/alexjbarnes/folder-sync/internal/scan"
	"github.com/alexjbarnes/folder-sync/internal/state"
	"github.com/alexjbarnes/folder-sync/internal/stats"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
)

// Store is the record store plus the per-folder scan cursor.
type Store interface {
	scan.Store
	GetFolderState(f *record.FolderIdentity) (state.FolderState, error)
	SetFolderState(f *record.FolderIdentity, st state.FolderState) error
}

// Replicas is the view of peer-reported records the folder needs.
type Replicas interface {
	resolve.ReplicaSource
	Members() []string
	Records(member string, f *record.FolderIdentity) []*record.Record
}

// Directory resolves member nicknames and connection state.
type Directory interface {
	Nickname(id string) string
	IsConnected(id string) bool
}

// Options configures a Folder. Transfers, Clock and Logger are optional.
type Options struct {
	Identity  *record.FolderIdentity
	Policy    record.Policy
	Store     Store
	Scanner   *scan.Scanner
	Replicas  Replicas
	Directory Directory
	Transfers *stats.TransferTable
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Folder is the orchestration point for one shared folder. Scans are
// serialized; every other method is safe to call concurrently with them.
type Folder struct {
	id        *record.FolderIdentity
	policy    record.Policy
	store     Store
	scanner   *scan.Scanner
	replicas  Replicas
	resolver  *resolve.Resolver
	directory Directory
	transfers *stats.TransferTable
	agg       *stats.Aggregator
	estimator *stats.Estimator
	clock     clockwork.Clock
	logger    *slog.Logger

	scanMu sync.Mutex
}

// New validates opts and builds a Folder.
func New(opts Options) (*Folder, error) {
	switch {
	case opts.Identity == nil:
		return nil, fmt.Errorf("%w: folder identity is required", syncerr.ErrValidation)
	case opts.Store == nil:
		return nil, fmt.Errorf("%w: store is required", syncerr.ErrValidation)
	case opts.Scanner == nil:
		return nil, fmt.Errorf("%w: scanner is required", syncerr.ErrValidation)
	case opts.Replicas == nil:
		return nil, fmt.Errorf("%w: replica source is required", syncerr.ErrValidation)
	case opts.Directory == nil:
		return nil, fmt.Errorf("%w: device directory is required", syncerr.ErrValidation)
	case !opts.Scanner.Folder().Equal(opts.Identity):
		return nil, fmt.Errorf("%w: scanner is bound to %s", syncerr.ErrIdentityMismatch, opts.Scanner.Folder())
	}

	transfers := opts.Transfers
	if transfers == nil {
		transfers = stats.NewTransferTable()
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("folder", opts.Identity.ID()))

	return &Folder{
		id:        opts.Identity,
		policy:    opts.Policy,
		store:     opts.Store,
		scanner:   opts.Scanner,
		replicas:  opts.Replicas,
		resolver:  resolve.New(opts.Replicas),
		directory: opts.Directory,
		transfers: transfers,
		agg:       stats.NewAggregator(logger),
		estimator: stats.NewEstimator(clock),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Identity returns the folder identity.
func (f *Folder) Identity() *record.FolderIdentity { return f.id }

// Transfers returns the transfer progress table.
func (f *Folder) Transfers() *stats.TransferTable { return f.transfers }

// Aggregator returns the percentage aggregator used for snapshots.
func (f *Folder) Aggregator() *stats.Aggregator { return f.agg }

// Scan runs a full scan pass and advances the scan cursor.
func (f *Folder) Scan(ctx context.Context) (*scan.Result, error) {
	f.scanMu.Lock()
	defer f.scanMu.Unlock()

	res, err := f.scanner.Scan(ctx)
	if err != nil {
		return res, err
	}

	f.finishScan(res, "full")

	return res, nil
}

// ScanPaths rescans the given paths, typically after filesystem events.
func (f *Folder) ScanPaths(ctx context.Context, paths []string) (*scan.Result, error) {
	f.scanMu.Lock()
	defer f.scanMu.Unlock()

	res, err := f.scanner.ScanPaths(ctx, paths)
	if err != nil {
		return res, err
	}

	f.finishScan(res, "paths")

	return res, nil
}

func (f *Folder) finishScan(res *scan.Result, kind string) {
	st, err := f.store.GetFolderState(f.id)
	if err != nil {
		f.logger.Warn("reading scan cursor", slog.String("error", err.Error()))
	}

	st.LastScan = f.clock.Now()
	st.Scans++

	if err := f.store.SetFolderState(f.id, st); err != nil {
		f.logger.Warn("saving scan cursor", slog.String("error", err.Error()))
	}

	var bytes int64
	for _, r := range res.Published {
		if !r.Deleted() {
			bytes += r.SizeOrZero()
		}
	}

	level := slog.LevelDebug
	if res.Changed() > 0 || len(res.Skipped) > 0 {
		level = slog.LevelInfo
	}

	f.logger.Log(context.Background(), level, "scan complete",
		slog.String("kind", kind),
		slog.Int64("scan", st.Scans),
		slog.Int("created", res.Created),
		slog.Int("modified", res.Modified),
		slog.Int("deleted", res.Deleted),
		slog.Int("restored", res.Restored),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("skipped", len(res.Skipped)),
		slog.String("published", humanize.Bytes(uint64(bytes))),
	)
}

// Newest returns the authoritative version of path across the local record
// and connected replicas. ok is false when nobody has a record for path,
// or, with includeDeleted unset, when every version is a tombstone.
func (f *Folder) Newest(path string, includeDeleted bool) (*record.Record, bool, error) {
	local, err := f.store.Get(f.id, path)
	if err != nil {
		return nil, false, err
	}

	if local != nil {
		best, ok := f.resolver.Newest(local, includeDeleted)
		return best, ok, nil
	}

	lookup, err := record.NewLookup(f.id, record.KindFile, path, f.policy)
	if err != nil {
		return nil, false, err
	}

	var candidates []*record.Record

	for _, r := range f.replicas.ConnectedReplicas(f.id, lookup.Key()) {
		if includeDeleted || !r.Deleted() {
			candidates = append(candidates, r)
		}
	}

	if len(candidates) == 0 {
		return nil, false, nil
	}

	return resolve.NewestIncludingDeleted(candidates[0], candidates[1:]), true, nil
}

// Stats computes a fresh sync snapshot of the folder and stamps the
// estimated sync date.
func (f *Folder) Stats() (*stats.FolderSyncStats, error) {
	local, err := f.store.All(f.id)
	if err != nil {
		return nil, fmt.Errorf("listing local records: %w", err)
	}

	self := f.replicas.Self()
	remote := make(map[string][]*record.Record)

	for _, m := range f.replicas.Members() {
		if m == self {
			continue
		}

		remote[m] = f.replicas.Records(m, f.id)
	}

	s := stats.Build(stats.Input{
		Self:      self,
		Local:     local,
		Remote:    remote,
		Transfers: f.transfers,
	})
	f.estimator.Apply(f.agg, s)

	f.logger.Debug("sync stats",
		slog.String("total", humanize.Bytes(uint64(s.TotalSize))),
		slog.Int("files", s.TotalFileCount),
		slog.Int("incoming", s.IncomingFileCount),
		slog.Float64("local_percent", f.agg.PercentageFor(self, s)),
	)

	return s, nil
}

// Entries implements dirfilter.Source. Every path the local member or a
// connected peer has a record for is listed once. Paths only peers know
// about are listed with the newest peer record and marked incoming.
func (f *Folder) Entries(ctx context.Context, folder *record.FolderIdentity, prefix string) ([]dirfilter.Entry, error) {
	if !folder.Equal(f.id) {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrFolderNotFound, folder)
	}

	local, err := f.store.All(f.id)
	if err != nil {
		return nil, fmt.Errorf("listing local records: %w", err)
	}

	self := f.replicas.Self()

	type peerRecords struct {
		member  string
		records map[record.Key]*record.Record
	}

	var peers []peerRecords

	for _, m := range f.replicas.Members() {
		if m == self || !f.directory.IsConnected(m) {
			continue
		}

		recs := make(map[record.Key]*record.Record)
		for _, r := range f.replicas.Records(m, f.id) {
			recs[r.Key()] = r
		}

		peers = append(peers, peerRecords{member: m, records: recs})
	}

	var (
		out  []dirfilter.Entry
		seen = make(map[record.Key]struct{}, len(local))
	)

	build := func(key record.Key, base *record.Record) dirfilter.Entry {
		var (
			replicas []*record.Record
			versions = make(map[string]int64)
			holders  = make(map[*record.Record]string)
		)

		for _, p := range peers {
			if r, ok := p.records[key]; ok {
				replicas = append(replicas, r)
				versions[p.member] = r.Version()
				holders[r] = p.member
			}
		}

		if base == nil {
			base = replicas[0]
		} else {
			holders[base] = self
		}

		newest := resolve.NewestIncludingDeleted(base, replicas)

		e := dirfilter.Entry{
			Record:       base,
			PeerVersions: versions,
			Contributor:  f.directory.Nickname(holders[newest]),
			Modifier:     f.directory.Nickname(newest.ModifiedBy()),
		}

		path := base.Path()
		if holders[base] != self {
			e.Record = newest
			e.Incoming = !newest.Deleted()
		} else if newest != base && newest.IsNewerThan(base) {
			e.Incoming = true
		}

		if f.transfers.IsInFlight(self, path) {
			e.Incoming = true
		}

		if at, ok := f.transfers.CompletedAt(self, path); ok {
			e.DownloadedAt = at
		}

		return e
	}

	for _, r := range local {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seen[r.Key()] = struct{}{}

		if within(r.Path(), prefix) {
			out = append(out, build(r.Key(), r))
		}
	}

	for _, p := range peers {
		for key, r := range p.records {
			if _, ok := seen[key]; ok {
				continue
			}

			seen[key] = struct{}{}

			if within(r.Path(), prefix) {
				out = append(out, build(key, nil))
			}
		}
	}

	return out, nil
}

// RecordTransfer updates the transfer table from a progress report of the
// local member. done marks the download complete.
func (f *Folder) RecordTransfer(path string, received int64, done bool) {
	self := f.replicas.Self()
	if done {
		f.transfers.Complete(self, path, f.clock.Now())
		return
	}

	f.transfers.SetPartial(self, path, received)
}

// LastScan returns when the folder was last scanned; zero if never.
func (f *Folder) LastScan() (time.Time, error) {
	st, err := f.store.GetFolderState(f.id)
	if err != nil {
		return time.Time{}, err
	}

	return st.LastScan, nil
}

// within reports whether p is prefix or below it.
func within(p, prefix string) bool {
	if prefix == "" || p == prefix {
		return true
	}

	return strings.HasPrefix(p, prefix+"/")
}
