package scan

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/folder-sync/internal/errors"
	"github.com/alexjbarnes/folder-sync/internal/pathcodec"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// MetaDir is the folder-local metadata directory. It is never scanned.
const MetaDir = ".folder-sync"

// DiskEntry is one stat result, expressed in record terms: Path is the
// decoded folder-relative path and Name its terminal component.
type DiskEntry struct {
	Name     string
	Path     string
	Exists   bool
	IsDir    bool
	Size     int64
	ModTime  time.Time
	Hash     string
	Children int

	// raw is the path as found on disk before NFC normalization, used to
	// reopen the entry.
	raw string
}

// Disk is the disk access provider for one folder root. On-disk names are
// escaped with the path codec; callers only ever see decoded record paths.
type Disk struct {
	fs    afero.Fs
	root  string
	codec *pathcodec.Codec
}

// NewDisk creates a disk provider rooted at root on fs.
func NewDisk(fs afero.Fs, root string, codec *pathcodec.Codec) *Disk {
	if codec == nil {
		codec = pathcodec.Default()
	}

	return &Disk{fs: fs, root: filepath.Clean(root), codec: codec}
}

// Root returns the absolute folder root.
func (d *Disk) Root() string { return d.root }

// Fs returns the underlying filesystem.
func (d *Disk) Fs() afero.Fs { return d.fs }

// abs maps a record path to the on-disk path.
func (d *Disk) abs(rel string) string {
	if rel == "" {
		return d.root
	}

	return filepath.Join(d.root, filepath.FromSlash(d.codec.Encode(rel)))
}

// rel maps an on-disk path under root back to a record path.
func (d *Disk) rel(abs string) (string, error) {
	r, err := filepath.Rel(d.root, abs)
	if err != nil {
		return "", err
	}

	if r == "." {
		return "", nil
	}

	return d.codec.Decode(filepath.ToSlash(r)), nil
}

// Stat returns the disk state of a record path. A missing path is not an
// error: it yields an entry with Exists false. Other failures wrap ErrIO.
func (d *Disk) Stat(rel string) (DiskEntry, error) {
	entry := DiskEntry{Name: path.Base("/" + rel), Path: rel, raw: rel}
	if rel == "" {
		entry.Name = ""
	}

	info, err := d.fs.Stat(d.abs(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return entry, nil
		}

		return entry, fmt.Errorf("%w: stat %q: %v", syncerr.ErrIO, rel, err)
	}

	fill(&entry, info)

	return entry, nil
}

// ListChildren returns the entries directly under a directory record path.
func (d *Disk) ListChildren(rel string) ([]DiskEntry, error) {
	infos, err := afero.ReadDir(d.fs, d.abs(rel))
	if err != nil {
		return nil, fmt.Errorf("%w: list %q: %v", syncerr.ErrIO, rel, err)
	}

	entries := make([]DiskEntry, 0, len(infos))

	for _, info := range infos {
		name := d.codec.Decode(info.Name())

		child := name
		if rel != "" {
			child = rel + "/" + name
		}

		e := DiskEntry{Name: name, Path: child, raw: child}
		fill(&e, info)
		entries = append(entries, e)
	}

	return entries, nil
}

// Hash returns the hex BLAKE2b-256 digest of a file's content.
func (d *Disk) Hash(rel string) (string, error) {
	f, err := d.fs.Open(d.abs(rel))
	if err != nil {
		return "", fmt.Errorf("%w: open %q: %v", syncerr.ErrIO, rel, err)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: read %q: %v", syncerr.ErrIO, rel, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// WalkFunc receives every entry below the root in lexical order. err is
// non-nil when the entry could not be read; returning SkipDir for a
// directory skips its subtree.
type WalkFunc func(entry DiskEntry, err error) error

// SkipDir is returned by a WalkFunc to skip a directory.
var SkipDir = filepath.SkipDir

// Walk visits the tree below the root. The root itself is not visited.
// Symlinks are skipped and never followed.
func (d *Disk) Walk(fn WalkFunc) error {
	return d.WalkFrom("", fn)
}

// WalkFrom visits the tree below the record path start, which itself is
// not visited. Returning SkipDir for a file entry aborts the walk.
func (d *Disk) WalkFrom(start string, fn WalkFunc) error {
	top := d.abs(start)

	return afero.Walk(d.fs, top, func(abs string, info os.FileInfo, err error) error {
		if abs == top {
			if err != nil {
				return fmt.Errorf("%w: walk %q: %v", syncerr.ErrIO, start, err)
			}

			return nil
		}

		rel, relErr := d.rel(abs)
		if relErr != nil {
			return relErr
		}

		entry := DiskEntry{Name: path.Base(rel), Path: rel, raw: rel}

		if err != nil {
			return fn(entry, fmt.Errorf("%w: walk %q: %v", syncerr.ErrIO, rel, err))
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		fill(&entry, info)

		return fn(entry, nil)
	})
}

func fill(e *DiskEntry, info os.FileInfo) {
	e.Exists = true
	e.IsDir = info.IsDir()
	e.ModTime = info.ModTime().UTC()

	if !e.IsDir {
		e.Size = info.Size()
	}
}

// isMetaPath reports whether rel is inside the metadata directory.
func isMetaPath(rel string) bool {
	return rel == MetaDir || strings.HasPrefix(rel, MetaDir+"/")
}
