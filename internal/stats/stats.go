// Package stats computes per-member synchronization figures for a folder.
package stats

import (
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
)

// FolderSyncStats is a snapshot of how much of a folder each member holds.
// It is recomputed from records and transfers and never mutated after
// Build returns it.
type FolderSyncStats struct {
	TotalSize      int64
	TotalFileCount int
	// EstimatedSyncDate is zero when no estimate is available.
	EstimatedSyncDate time.Time
	// IncomingFileCount is the number of files the local member still has
	// to receive.
	IncomingFileCount int

	FileCount       map[string]int
	FileCountInSync map[string]int
	Size            map[string]int64
	SizeInSync      map[string]int64
	// PartialBytesInFlight maps member to file path to bytes received so
	// far for an unfinished transfer.
	PartialBytesInFlight map[string]map[string]int64
}

// NewFolderSyncStats returns an empty snapshot with initialized maps.
func NewFolderSyncStats() *FolderSyncStats {
	return &FolderSyncStats{
		FileCount:            make(map[string]int),
		FileCountInSync:      make(map[string]int),
		Size:                 make(map[string]int64),
		SizeInSync:           make(map[string]int64),
		PartialBytesInFlight: make(map[string]map[string]int64),
	}
}

// Members returns every member with a size-in-sync entry.
func (s *FolderSyncStats) Members() mapset.Set[string] {
	set := mapset.NewSet[string]()
	for m := range s.SizeInSync {
		set.Add(m)
	}

	return set
}

// PartialBytes returns the sum of in-flight bytes for member.
func (s *FolderSyncStats) PartialBytes(member string) int64 {
	var n int64
	for _, b := range s.PartialBytesInFlight[member] {
		n += b
	}

	return n
}

// Aggregator turns snapshots into percentages. Out-of-range results point
// at broken byte bookkeeping upstream; they are clamped and logged.
type Aggregator struct {
	logger *slog.Logger
}

// NewAggregator creates an aggregator that reports accounting warnings to
// logger.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{logger: logger}
}

// PercentageFor returns how much of the folder member holds, in [0,100].
// An empty folder is fully in sync.
func (a *Aggregator) PercentageFor(member string, s *FolderSyncStats) float64 {
	if s == nil || s.TotalSize == 0 {
		return 100
	}

	held := s.SizeInSync[member] + s.PartialBytes(member)
	raw := 100 * float64(held) / float64(s.TotalSize)

	if raw > 100 || raw < 0 {
		a.logger.Warn("sync percentage out of range",
			slog.String("member", member),
			slog.Float64("raw", raw),
			slog.String("total_size", humanize.Bytes(uint64(max(s.TotalSize, 0)))),
			slog.Int64("size_in_sync", s.SizeInSync[member]),
			slog.Int64("partial_bytes", s.PartialBytes(member)),
		)

		return min(max(raw, 0), 100)
	}

	return raw
}

// AveragePercentage is the mean of PercentageFor over every member with a
// size-in-sync entry, or 100 when there are none.
func (a *Aggregator) AveragePercentage(s *FolderSyncStats) float64 {
	if s == nil {
		return 100
	}

	members := s.Members()
	if members.Cardinality() == 0 {
		return 100
	}

	var sum float64
	for _, m := range members.ToSlice() {
		sum += a.PercentageFor(m, s)
	}

	return sum / float64(members.Cardinality())
}
