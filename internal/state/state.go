// Package state persists the current metadata record of every path in
// every known folder, plus a per-folder scan cursor, in a bbolt database.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	syncerr "github.com/alexjbarnes/folder-sync/internal/errors"
	"github.com/alexjbarnes/folder-sync/internal/record"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	foldersBucket = []byte("folders")
	stateKey      = []byte("state")
)

func folderMetaBucket(folderID string) []byte {
	return []byte("folder:" + folderID + ":meta")
}

func folderRecordsBucket(folderID string) []byte {
	return []byte("folder:" + folderID + ":records")
}

// FolderState holds the scan cursor of one folder.
type FolderState struct {
	LastScan time.Time `json:"last_scan"`
	Scans    int64     `json:"scans"`
}

// storedRecord is the on-disk form of a record. Decoding always goes back
// through the record constructors so a corrupt entry never yields a
// half-valid record.
type storedRecord struct {
	Path       string `json:"path"`
	Kind       string `json:"kind"`
	Size       int64  `json:"size"`
	ModifiedBy string `json:"modified_by"`
	ModifiedAt int64  `json:"modified_at"`
	Version    int64  `json:"version"`
	Deleted    bool   `json:"deleted,omitempty"`
	Hash       string `json:"hash,omitempty"`
	Children   int    `json:"children,omitempty"`
}

// State wraps a bbolt database. Update runs its callback inside one write
// transaction, which makes read-reconcile-publish atomic per path.
type State struct {
	db      *bolt.DB
	folders *record.FolderRegistry
	policy  record.Policy
}

// DefaultPath returns ~/.folder-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".folder-sync", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Folder identities read back from the database are
// interned in folders; records are rebuilt under policy.
func LoadAt(path string, folders *record.FolderRegistry, policy record.Policy) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(foldersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, folders: folders, policy: policy}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// InitFolder registers a folder and ensures its buckets exist. Call this
// once before reading or writing records of the folder.
func (s *State) InitFolder(f *record.FolderIdentity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(foldersBucket).Put([]byte(f.ID()), []byte(f.Name())); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(folderMetaBucket(f.ID())); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(folderRecordsBucket(f.ID()))

		return err
	})
}

// Folders returns the interned identities of every registered folder.
func (s *State) Folders() ([]*record.FolderIdentity, error) {
	var out []*record.FolderIdentity

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(foldersBucket).ForEach(func(k, v []byte) error {
			f, err := record.InternFolder(s.folders, string(v), string(k))
			if err != nil {
				return err
			}

			out = append(out, f)

			return nil
		})
	})

	return out, err
}

// GetFolderState returns the scan cursor of a folder, zero if never set.
func (s *State) GetFolderState(f *record.FolderIdentity) (FolderState, error) {
	var st FolderState

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(folderMetaBucket(f.ID()))
		if b == nil {
			return nil
		}

		v := b.Get(stateKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &st)
	})

	return st, err
}

// SetFolderState updates the scan cursor of a folder.
func (s *State) SetFolderState(f *record.FolderIdentity, st FolderState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(folderMetaBucket(f.ID()))
		if err != nil {
			return err
		}

		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		return b.Put(stateKey, data)
	})
}

// Get returns the current record of a path, or nil if none is stored.
func (s *State) Get(f *record.FolderIdentity, path string) (*record.Record, error) {
	key, err := s.key(f, path)
	if err != nil {
		return nil, err
	}

	var rec *record.Record

	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(folderRecordsBucket(f.ID()))
		if b == nil {
			return nil
		}

		v := b.Get(key)
		if v == nil {
			return nil
		}

		rec, err = s.decode(f, v)

		return err
	})

	return rec, err
}

// Update reads the current record of path, passes it to fn and stores the
// record fn returns. The whole sequence runs in one write transaction, so
// concurrent updates of the same path are serialized. A nil record from fn
// stores nothing; an error from fn rolls back and is returned.
func (s *State) Update(f *record.FolderIdentity, path string, fn func(known *record.Record) (*record.Record, error)) (*record.Record, error) {
	key, err := s.key(f, path)
	if err != nil {
		return nil, err
	}

	var next *record.Record

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(folderRecordsBucket(f.ID()))
		if b == nil {
			return fmt.Errorf("%w: folder %s", syncerr.ErrStoreNotInitialized, f.ID())
		}

		var known *record.Record

		if v := b.Get(key); v != nil {
			known, err = s.decode(f, v)
			if err != nil {
				return err
			}
		}

		next, err = fn(known)
		if err != nil || next == nil {
			return err
		}

		if string(recordKey(next)) != string(key) || !next.Folder().Equal(f) {
			return fmt.Errorf("%w: update of %q returned record %q", syncerr.ErrIdentityMismatch, path, next.Path())
		}

		return put(b, next)
	})
	if err != nil {
		return nil, err
	}

	return next, nil
}

// Put stores rec unconditionally, replacing any current record of its path.
func (s *State) Put(rec *record.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(folderRecordsBucket(rec.Folder().ID()))
		if b == nil {
			return fmt.Errorf("%w: folder %s", syncerr.ErrStoreNotInitialized, rec.Folder().ID())
		}

		return put(b, rec)
	})
}

// Delete removes the record of a path. Tombstones are records; Delete is
// for forgetting a path entirely.
func (s *State) Delete(f *record.FolderIdentity, path string) error {
	key, err := s.key(f, path)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(folderRecordsBucket(f.ID()))
		if b == nil {
			return nil
		}

		return b.Delete(key)
	})
}

// All returns every record of a folder ordered by identity key.
func (s *State) All(f *record.FolderIdentity) ([]*record.Record, error) {
	var out []*record.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(folderRecordsBucket(f.ID()))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			rec, err := s.decode(f, v)
			if err != nil {
				return err
			}

			out = append(out, rec)

			return nil
		})
	})

	return out, err
}

func (s *State) key(f *record.FolderIdentity, path string) ([]byte, error) {
	lookup, err := record.NewLookup(f, record.KindFile, path, s.policy)
	if err != nil {
		return nil, err
	}

	return recordKey(lookup), nil
}

// recordKey is the bbolt key of a record: its identity path behind a '/'
// so the folder root (empty path) still has a non-empty key.
func recordKey(r *record.Record) []byte {
	return []byte("/" + r.Key().Path)
}

func put(b *bolt.Bucket, r *record.Record) error {
	kind := "file"
	if r.IsDir() {
		kind = "directory"
	}

	data, err := json.Marshal(storedRecord{
		Path:       r.Path(),
		Kind:       kind,
		Size:       r.SizeOrZero(),
		ModifiedBy: r.ModifiedBy(),
		ModifiedAt: r.ModifiedAt().UnixNano(),
		Version:    r.Version(),
		Deleted:    r.Deleted(),
		Hash:       r.Hash(),
		Children:   r.Children(),
	})
	if err != nil {
		return err
	}

	return b.Put(recordKey(r), data)
}

func (s *State) decode(f *record.FolderIdentity, data []byte) (*record.Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("decoding stored record: %w", err)
	}

	var kind record.Kind

	switch sr.Kind {
	case "file":
		kind = record.KindFile
	case "directory":
		kind = record.KindDirectory
	default:
		return nil, fmt.Errorf("%w: stored record %q has unknown kind %q", syncerr.ErrValidation, sr.Path, sr.Kind)
	}

	rec, err := record.New(f, kind, record.Params{
		Path:       sr.Path,
		Size:       sr.Size,
		ModifiedBy: sr.ModifiedBy,
		ModifiedAt: time.Unix(0, sr.ModifiedAt).UTC(),
		Version:    sr.Version,
		Deleted:    sr.Deleted,
		Hash:       sr.Hash,
		Children:   sr.Children,
	}, s.policy)
	if err != nil {
		return nil, fmt.Errorf("stored record %q: %w", sr.Path, err)
	}

	return rec, nil
}
