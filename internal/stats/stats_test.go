package stats

import (
	"bytes"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPercentageFor_WithPartialBytes(t *testing.T) {
	a := NewAggregator(discardLogger)

	s := NewFolderSyncStats()
	s.TotalSize = 1000
	s.SizeInSync["m1"] = 500
	s.PartialBytesInFlight["m1"] = map[string]int64{"big.iso": 200}

	assert.InDelta(t, 70.0, a.PercentageFor("m1", s), 1e-9)
}

func TestPercentageFor_EmptyFolder(t *testing.T) {
	a := NewAggregator(discardLogger)
	assert.Equal(t, 100.0, a.PercentageFor("m1", NewFolderSyncStats()))
	assert.Equal(t, 100.0, a.PercentageFor("m1", nil))
}

func TestPercentageFor_UnknownMember(t *testing.T) {
	a := NewAggregator(discardLogger)

	s := NewFolderSyncStats()
	s.TotalSize = 10

	assert.Equal(t, 0.0, a.PercentageFor("ghost", s))
}

func TestPercentageFor_ClampsAndWarns(t *testing.T) {
	var buf bytes.Buffer
	a := NewAggregator(slog.New(slog.NewTextHandler(&buf, nil)))

	s := NewFolderSyncStats()
	s.TotalSize = 100
	s.SizeInSync["m1"] = 90
	s.PartialBytesInFlight["m1"] = map[string]int64{"a": 30}

	assert.Equal(t, 100.0, a.PercentageFor("m1", s))
	assert.Contains(t, buf.String(), "sync percentage out of range")
	assert.Contains(t, buf.String(), "member=m1")
}

// TestPercentageFor_AlwaysInRange checks random, partly inconsistent
// snapshots never produce a figure outside [0,100].
func TestPercentageFor_AlwaysInRange(t *testing.T) {
	a := NewAggregator(discardLogger)
	rng := rand.New(rand.NewPCG(7, 11))

	for range 2000 {
		s := NewFolderSyncStats()
		s.TotalSize = rng.Int64N(2000) - 100
		s.SizeInSync["m"] = rng.Int64N(3000) - 500
		s.PartialBytesInFlight["m"] = map[string]int64{
			"a": rng.Int64N(1000),
			"b": rng.Int64N(1000) - 200,
		}

		p := a.PercentageFor("m", s)
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 100.0)
	}
}

func TestAveragePercentage(t *testing.T) {
	a := NewAggregator(discardLogger)

	s := NewFolderSyncStats()
	assert.Equal(t, 100.0, a.AveragePercentage(s), "no members")

	s.TotalSize = 200
	s.SizeInSync["m1"] = 200
	s.SizeInSync["m2"] = 100
	s.PartialBytesInFlight["m3"] = map[string]int64{"x": 200}

	assert.InDelta(t, 75.0, a.AveragePercentage(s), 1e-9, "m3 has no size-in-sync entry")
}

func TestTransferTable(t *testing.T) {
	tt := NewTransferTable()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tt.SetPartial("m1", "a.bin", 10)
	tt.SetPartial("m1", "b.bin", 20)
	tt.SetPartial("m2", "a.bin", -5)

	assert.Equal(t, int64(10), tt.PartialBytes("m1", "a.bin"))
	assert.Equal(t, int64(0), tt.PartialBytes("m2", "a.bin"))
	assert.Equal(t, map[string]int64{"a.bin": 10, "b.bin": 20}, tt.InFlight("m1"))
	assert.True(t, tt.IsInFlight("m1", "b.bin"))

	tt.Complete("m1", "a.bin", at)
	assert.False(t, tt.IsInFlight("m1", "a.bin"))
	got, ok := tt.CompletedAt("m1", "a.bin")
	require.True(t, ok)
	assert.True(t, at.Equal(got))

	tt.Cancel("m1", "b.bin")
	tt.Cancel("m2", "a.bin")
	assert.Empty(t, tt.Snapshot())

	_, ok = tt.CompletedAt("m1", "b.bin")
	assert.False(t, ok)
}

func TestTransferTable_SnapshotIsCopy(t *testing.T) {
	tt := NewTransferTable()
	tt.SetPartial("m1", "a", 1)

	snap := tt.Snapshot()
	snap["m1"]["a"] = 999

	assert.Equal(t, int64(1), tt.PartialBytes("m1", "a"))
}

func TestBuild(t *testing.T) {
	f, err := record.InternFolder(record.NewFolderRegistry(), "Shared", "folder-1")
	require.NoError(t, err)
	policy := record.Policy{MTimeTolerance: record.DefaultMTimeTolerance}
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	file := func(path string, size, version int64, deleted bool) *record.Record {
		r, err := record.NewFile(f, record.Params{Path: path, Size: size, Version: version, ModifiedAt: t0, Deleted: deleted}, policy)
		require.NoError(t, err)
		return r
	}

	dir, err := record.NewDirectory(f, record.Params{Path: "d", ModifiedAt: t0}, policy)
	require.NoError(t, err)

	tt := NewTransferTable()
	tt.SetPartial("self", "b.txt", 50)

	s := Build(Input{
		Self:  "self",
		Local: []*record.Record{dir, file("a.txt", 100, 1, false), file("b.txt", 10, 0, false), file("gone.txt", 5, 2, true)},
		Remote: map[string][]*record.Record{
			"peer": {file("a.txt", 100, 1, false), file("b.txt", 300, 1, false), file("c.txt", 600, 0, false), file("gone.txt", 5, 1, false)},
		},
		Transfers: tt,
	})

	assert.Equal(t, 3, s.TotalFileCount, "a, b at v1, c; gone is deleted at its newest version")
	assert.Equal(t, int64(1000), s.TotalSize)
	assert.Equal(t, 2, s.IncomingFileCount, "b is outdated locally, c missing")

	assert.Equal(t, 2, s.FileCount["self"])
	assert.Equal(t, 1, s.FileCountInSync["self"])
	assert.Equal(t, int64(100), s.SizeInSync["self"])

	assert.Equal(t, 4, s.FileCount["peer"])
	assert.Equal(t, 3, s.FileCountInSync["peer"])
	assert.Equal(t, int64(1000), s.SizeInSync["peer"])

	a := NewAggregator(discardLogger)
	assert.InDelta(t, 15.0, a.PercentageFor("self", s), 1e-9)
	assert.InDelta(t, 100.0, a.PercentageFor("peer", s), 1e-9)
}

func TestBuild_TiesWithinToleranceAreStable(t *testing.T) {
	f, err := record.InternFolder(record.NewFolderRegistry(), "Shared", "folder-1")
	require.NoError(t, err)
	policy := record.Policy{MTimeTolerance: record.DefaultMTimeTolerance}
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	file := func(size int64, at time.Time, by string) *record.Record {
		r, err := record.NewFile(f, record.Params{Path: "a.txt", Size: size, Version: 3, ModifiedAt: at, ModifiedBy: by}, policy)
		require.NoError(t, err)
		return r
	}

	tests := []struct {
		name  string
		input Input
		want  int64
	}{
		{
			name: "local record is the base",
			input: Input{
				Self:  "self",
				Local: []*record.Record{file(100, t0, "self")},
				Remote: map[string][]*record.Record{
					"B": {file(200, t0.Add(time.Second), "B")},
					"C": {file(300, t0.Add(1500*time.Millisecond), "C")},
				},
			},
			want: 100,
		},
		{
			name: "first member in sorted order is the base",
			input: Input{
				Self: "self",
				Remote: map[string][]*record.Record{
					"C": {file(300, t0.Add(1500*time.Millisecond), "C")},
					"B": {file(200, t0.Add(time.Second), "B")},
					"D": {file(400, t0, "D")},
				},
			},
			want: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 200 {
				s := Build(tt.input)
				require.Equal(t, tt.want, s.TotalSize)
				require.Equal(t, 1, s.TotalFileCount)
			}
		})
	}
}

func TestEstimator(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	e := NewEstimator(clock)

	assert.True(t, e.Observe(40).IsZero(), "single observation")

	clock.Advance(time.Minute)
	eta := e.Observe(50)
	assert.Equal(t, clock.Now().Add(5*time.Minute), eta)

	clock.Advance(time.Minute)
	assert.True(t, e.Observe(45).IsZero(), "no forward progress")

	clock.Advance(time.Minute)
	assert.Equal(t, clock.Now(), e.Observe(100))
}

func TestEstimator_TinyProgressHasNoEstimate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	e := NewEstimator(clock)

	e.Observe(0)
	clock.Advance(time.Hour)
	assert.True(t, e.Observe(1e-12).IsZero())

	clock.Advance(time.Hour)
	eta := e.Observe(50)
	require.False(t, eta.IsZero())
	assert.True(t, eta.After(clock.Now()))
}

func TestEstimator_Apply(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := NewEstimator(clock)
	s := NewFolderSyncStats()

	e.Apply(NewAggregator(discardLogger), s)
	assert.Equal(t, clock.Now(), s.EstimatedSyncDate, "an empty folder is in sync")
}
