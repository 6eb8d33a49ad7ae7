package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	syncerr "github.com/alexjbarnes/folder-sync/internal/errors"
	"github.com/alexjbarnes/folder-sync/internal/record"
	"github.com/alexjbarnes/folder-sync/internal/scan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ scan.Store = (*State)(nil)

	t0        = time.Date(2024, 2, 3, 4, 5, 6, 789, time.UTC)
	sensitive = record.Policy{MTimeTolerance: record.DefaultMTimeTolerance}
)

func testDB(t *testing.T, policy record.Policy) (*State, *record.FolderIdentity) {
	t.Helper()
	reg := record.NewFolderRegistry()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath, reg, policy)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f, err := record.InternFolder(reg, "Shared", "folder-test-001")
	require.NoError(t, err)
	require.NoError(t, s.InitFolder(f))

	return s, f
}

func file(t *testing.T, f *record.FolderIdentity, path string, version int64, policy record.Policy) *record.Record {
	t.Helper()
	r, err := record.NewFile(f, record.Params{
		Path: path, Size: 42, ModifiedBy: "dev-a", ModifiedAt: t0, Version: version, Hash: "abc",
	}, policy)
	require.NoError(t, err)
	return r
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath, record.NewFolderRegistry(), sensitive)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	reg := record.NewFolderRegistry()
	s1, err := LoadAt(dbPath, reg, sensitive)
	require.NoError(t, err)

	f, err := record.InternFolder(reg, "Photos", "photos-1")
	require.NoError(t, err)
	require.NoError(t, s1.InitFolder(f))
	require.NoError(t, s1.Put(file(t, f, "a.jpg", 3, sensitive)))
	require.NoError(t, s1.Close())

	reg2 := record.NewFolderRegistry()
	s2, err := LoadAt(dbPath, reg2, sensitive)
	require.NoError(t, err)
	defer s2.Close()

	folders, err := s2.Folders()
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Photos", folders[0].Name())

	again, err := record.InternFolder(reg2, "ignored", "photos-1")
	require.NoError(t, err)
	assert.Same(t, folders[0], again, "folders read back are interned")

	r, err := s2.Get(folders[0], "a.jpg")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(3), r.Version())
	assert.Same(t, folders[0], r.Folder())
}

// --- FolderState ---

func TestGetFolderState_DefaultsToZero(t *testing.T) {
	s, _ := testDB(t, sensitive)
	other, err := record.NewFolderIdentity("x", "nonexistent")
	require.NoError(t, err)

	st, err := s.GetFolderState(other)
	require.NoError(t, err)
	assert.True(t, st.LastScan.IsZero())
	assert.Equal(t, int64(0), st.Scans)
}

func TestSetGetFolderState_RoundTrip(t *testing.T) {
	s, f := testDB(t, sensitive)

	require.NoError(t, s.SetFolderState(f, FolderState{LastScan: t0, Scans: 7}))

	st, err := s.GetFolderState(f)
	require.NoError(t, err)
	assert.True(t, t0.Equal(st.LastScan))
	assert.Equal(t, int64(7), st.Scans)
}

// --- Records ---

func TestGet_NilWhenNotFound(t *testing.T) {
	s, f := testDB(t, sensitive)

	r, err := s.Get(f, "missing.txt")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestPutGet_RoundTrip(t *testing.T) {
	s, f := testDB(t, sensitive)

	want, err := record.NewFile(f, record.Params{
		Path: "docs/report.txt", Size: 1024, ModifiedBy: "dev-b", ModifiedAt: t0, Version: 5, Deleted: true, Hash: "h",
	}, sensitive)
	require.NoError(t, err)
	require.NoError(t, s.Put(want))

	got, err := s.Get(f, "docs/report.txt")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, want.Params(), got.Params())
	assert.Equal(t, record.KindFile, got.Kind())
	assert.True(t, want.Equal(got))
}

func TestPutGet_Directory(t *testing.T) {
	s, f := testDB(t, sensitive)

	dir, err := record.NewDirectory(f, record.Params{Path: "photos", Children: 12, ModifiedAt: t0}, sensitive)
	require.NoError(t, err)
	require.NoError(t, s.Put(dir))

	root, err := record.NewDirectory(f, record.Params{Children: 1}, sensitive)
	require.NoError(t, err)
	require.NoError(t, s.Put(root))

	got, err := s.Get(f, "photos")
	require.NoError(t, err)
	assert.True(t, got.IsDir())
	assert.Equal(t, 12, got.Children())

	gotRoot, err := s.Get(f, "")
	require.NoError(t, err)
	require.NotNil(t, gotRoot)
	assert.Equal(t, "", gotRoot.Path())
}

func TestPut_ErrorBeforeInit(t *testing.T) {
	s, _ := testDB(t, sensitive)
	other, err := record.NewFolderIdentity("x", "uninitialized")
	require.NoError(t, err)

	err = s.Put(file(t, other, "a", 0, sensitive))
	assert.ErrorIs(t, err, syncerr.ErrStoreNotInitialized)

	_, err = s.Update(other, "a", func(*record.Record) (*record.Record, error) { return nil, nil })
	assert.ErrorIs(t, err, syncerr.ErrStoreNotInitialized)
}

func TestUpdate_PublishesAndReturns(t *testing.T) {
	s, f := testDB(t, sensitive)

	got, err := s.Update(f, "a.txt", func(known *record.Record) (*record.Record, error) {
		assert.Nil(t, known)
		return file(t, f, "a.txt", 0, sensitive), nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)

	stored, err := s.Get(f, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, got.Params(), stored.Params())
}

func TestUpdate_NilStoresNothing(t *testing.T) {
	s, f := testDB(t, sensitive)

	got, err := s.Update(f, "a.txt", func(*record.Record) (*record.Record, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, got)

	all, err := s.All(f)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdate_ErrorRollsBack(t *testing.T) {
	s, f := testDB(t, sensitive)
	require.NoError(t, s.Put(file(t, f, "a.txt", 1, sensitive)))

	boom := errors.New("boom")
	_, err := s.Update(f, "a.txt", func(known *record.Record) (*record.Record, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	r, err := s.Get(f, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Version())
}

func TestUpdate_RejectsOtherPath(t *testing.T) {
	s, f := testDB(t, sensitive)

	_, err := s.Update(f, "a.txt", func(*record.Record) (*record.Record, error) {
		return file(t, f, "b.txt", 0, sensitive), nil
	})
	assert.ErrorIs(t, err, syncerr.ErrIdentityMismatch)

	r, err := s.Get(f, "b.txt")
	require.NoError(t, err)
	assert.Nil(t, r)
}

// TestUpdate_SerializesSamePath increments one path from many goroutines;
// every increment must observe the previous one.
func TestUpdate_SerializesSamePath(t *testing.T) {
	s, f := testDB(t, sensitive)

	const workers = 16

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(f, "counter", func(known *record.Record) (*record.Record, error) {
				if known == nil {
					return record.NewFile(f, record.Params{Path: "counter", ModifiedAt: t0}, sensitive)
				}
				return known.WithNextVersion("dev-a", t0, 0, "")
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	r, err := s.Get(f, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(workers-1), r.Version())
}

func TestCaseInsensitiveKeys(t *testing.T) {
	insensitive := record.Policy{CaseInsensitive: true, MTimeTolerance: record.DefaultMTimeTolerance}
	s, f := testDB(t, insensitive)

	require.NoError(t, s.Put(file(t, f, "Docs/Report.TXT", 1, insensitive)))

	r, err := s.Get(f, "docs/report.txt")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "Docs/Report.TXT", r.Path(), "display path preserved")
}

func TestDelete(t *testing.T) {
	s, f := testDB(t, sensitive)
	require.NoError(t, s.Put(file(t, f, "a.txt", 0, sensitive)))
	require.NoError(t, s.Delete(f, "a.txt"))
	require.NoError(t, s.Delete(f, "never-existed"))

	r, err := s.Get(f, "a.txt")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestAll_IsolatedBetweenFolders(t *testing.T) {
	s, f := testDB(t, sensitive)
	other, err := record.NewFolderIdentity("Other", "folder-test-002")
	require.NoError(t, err)
	require.NoError(t, s.InitFolder(other))

	for i := range 3 {
		require.NoError(t, s.Put(file(t, f, fmt.Sprintf("f%d.txt", i), 0, sensitive)))
	}
	require.NoError(t, s.Put(file(t, other, "x.txt", 0, sensitive)))

	mine, err := s.All(f)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
	assert.Equal(t, "f0.txt", mine[0].Path())

	theirs, err := s.All(other)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "x.txt", theirs[0].Path())
}
