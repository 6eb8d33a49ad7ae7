// Package record defines the immutable versioned metadata record that
// describes one file or directory path inside a shared folder, and the
// identity, equality and ranking rules built on it.
package record

import (
	"fmt"
	"hash/maphash"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/folder-sync/internal/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Kind distinguishes file and directory records.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// epoch is the earliest modification time a record may carry.
var epoch = time.Unix(0, 0).UTC()

var hashSeed = maphash.MakeSeed()

// Params carries the mutable-looking inputs of a record. Records are built
// from Params and evolved by building a new record from modified Params.
type Params struct {
	Path       string
	Size       int64
	ModifiedBy string
	ModifiedAt time.Time
	Version    int64
	Deleted    bool
	// Hash is the content hash of a file; empty for directories.
	Hash string
	// Children is the number of present child entries of a directory when
	// the record was created, restored or changed kind. Child changes alone
	// do not produce a new version, so the count is not kept current.
	Children int
}

// Key identifies a record: the folder id plus the normalized path, folded
// when the policy is case-insensitive. Key is comparable and suitable as a
// map key.
type Key struct {
	FolderID string
	Path     string
}

// Record is an immutable versioned description of one path within one
// folder. All fields are fixed at construction; use With and friends to
// derive the next version.
type Record struct {
	folder *FolderIdentity
	policy Policy
	kind   Kind
	lookup bool

	path       string
	key        Key
	size       int64
	modifiedBy string
	modifiedAt time.Time
	version    int64
	deleted    bool
	hash       string
	children   int
}

// NewFile builds a file record.
func NewFile(f *FolderIdentity, p Params, policy Policy) (*Record, error) {
	return build(f, KindFile, p, policy, false)
}

// NewDirectory builds a directory record. The folder root directory has
// an empty path.
func NewDirectory(f *FolderIdentity, p Params, policy Policy) (*Record, error) {
	return build(f, KindDirectory, p, policy, false)
}

// New builds a record of the given kind.
func New(f *FolderIdentity, k Kind, p Params, policy Policy) (*Record, error) {
	return build(f, k, p, policy, false)
}

// NewLookup builds a placeholder record carrying only identity. It is used
// to query stores and resolvers by path; its size is absent.
func NewLookup(f *FolderIdentity, k Kind, path string, policy Policy) (*Record, error) {
	return build(f, k, Params{Path: path}, policy, true)
}

func build(f *FolderIdentity, k Kind, p Params, policy Policy, lookup bool) (*Record, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: missing folder identity", syncerr.ErrValidation)
	}

	if k != KindFile && k != KindDirectory {
		return nil, fmt.Errorf("%w: unknown kind %d", syncerr.ErrValidation, k)
	}

	path, err := NormalizePath(p.Path)
	if err != nil {
		return nil, err
	}

	if path == "" && k == KindFile {
		return nil, fmt.Errorf("%w: file path is empty", syncerr.ErrValidation)
	}

	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = epoch
	}

	if !lookup {
		if err := validateParams(k, p); err != nil {
			return nil, err
		}
	}

	r := &Record{
		folder:   f,
		policy:   policy,
		kind:     k,
		lookup:   lookup,
		path:     path,
		key:      Key{FolderID: f.ID(), Path: identityPath(path, policy)},
		hash:     p.Hash,
		children: p.Children,
	}

	if !lookup {
		r.size = p.Size
		r.modifiedBy = p.ModifiedBy
		r.modifiedAt = p.ModifiedAt.UTC()
		r.version = p.Version
		r.deleted = p.Deleted
	}

	return r, nil
}

func validateParams(k Kind, p Params) error {
	if p.Size < 0 {
		return fmt.Errorf("%w: negative size %d for %q", syncerr.ErrValidation, p.Size, p.Path)
	}

	if p.Version < 0 {
		return fmt.Errorf("%w: negative version %d for %q", syncerr.ErrValidation, p.Version, p.Path)
	}

	if p.ModifiedAt.Before(epoch) {
		return fmt.Errorf("%w: modification time %s before epoch for %q", syncerr.ErrValidation, p.ModifiedAt, p.Path)
	}

	if p.Children < 0 {
		return fmt.Errorf("%w: negative child count for %q", syncerr.ErrValidation, p.Path)
	}

	if k == KindFile && p.Children != 0 {
		return fmt.Errorf("%w: file %q cannot have children", syncerr.ErrValidation, p.Path)
	}

	if k == KindDirectory && p.Hash != "" {
		return fmt.Errorf("%w: directory %q cannot carry a content hash", syncerr.ErrValidation, p.Path)
	}

	return nil
}

// NormalizePath converts a relative path to the canonical record form:
// forward slashes, no empty, "." or duplicate segments, no leading or
// trailing slash, Unicode NFC. Paths containing a ".." segment or a NUL
// byte are rejected.
func NormalizePath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: path contains null byte: %q", syncerr.ErrValidation, path)
	}

	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\u00A0", " ")
	path = strings.ReplaceAll(path, "\u202F", " ")

	segs := strings.Split(path, "/")
	out := segs[:0]

	for _, seg := range segs {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: path contains ..: %q", syncerr.ErrValidation, path)
		}

		out = append(out, seg)
	}

	return norm.NFC.String(strings.Join(out, "/")), nil
}

func identityPath(path string, policy Policy) string {
	if policy.CaseInsensitive {
		// Casers are stateful; build one per call.
		return cases.Fold().String(path)
	}

	return path
}

// Folder returns the shared folder identity.
func (r *Record) Folder() *FolderIdentity { return r.folder }

// Kind returns the record kind.
func (r *Record) Kind() Kind { return r.kind }

// IsDir reports whether the record describes a directory.
func (r *Record) IsDir() bool { return r.kind == KindDirectory }

// IsLookup reports whether the record is an identity-only placeholder.
func (r *Record) IsLookup() bool { return r.lookup }

// Path returns the normalized folder-relative path.
func (r *Record) Path() string { return r.path }

// Name returns the terminal path component.
func (r *Record) Name() string {
	if i := strings.LastIndexByte(r.path, '/'); i >= 0 {
		return r.path[i+1:]
	}

	return r.path
}

// Dir returns the parent directory path, "" for top-level entries.
func (r *Record) Dir() string {
	if i := strings.LastIndexByte(r.path, '/'); i >= 0 {
		return r.path[:i]
	}

	return ""
}

// Size returns the byte count and whether it is present. Lookup records
// have no size.
func (r *Record) Size() (int64, bool) { return r.size, !r.lookup }

// SizeOrZero returns the size, or 0 for lookup records.
func (r *Record) SizeOrZero() int64 { return r.size }

func (r *Record) ModifiedBy() string    { return r.modifiedBy }
func (r *Record) ModifiedAt() time.Time { return r.modifiedAt }
func (r *Record) Version() int64        { return r.version }
func (r *Record) Deleted() bool         { return r.deleted }
func (r *Record) Hash() string          { return r.hash }
func (r *Record) Children() int         { return r.children }
func (r *Record) Policy() Policy        { return r.policy }

// Key returns the identity key.
func (r *Record) Key() Key { return r.key }

// Equal reports identity equality: same folder and same normalized path
// (folded under a case-insensitive policy). Version and content are not
// part of identity.
func (r *Record) Equal(o *Record) bool {
	if r == o {
		return true
	}

	if r == nil || o == nil {
		return false
	}

	return r.key == o.key
}

// HashCode returns a process-local hash consistent with Equal.
func (r *Record) HashCode() uint64 {
	return maphash.Comparable(hashSeed, r.key)
}

// Params returns the inputs that would rebuild this record.
func (r *Record) Params() Params {
	return Params{
		Path:       r.path,
		Size:       r.size,
		ModifiedBy: r.modifiedBy,
		ModifiedAt: r.modifiedAt,
		Version:    r.version,
		Deleted:    r.deleted,
		Hash:       r.hash,
		Children:   r.children,
	}
}

// With builds a new record of the same folder, kind and policy from p.
// The receiver is left untouched.
func (r *Record) With(p Params) (*Record, error) {
	return build(r.folder, r.kind, p, r.policy, false)
}

// WithNextVersion returns the next version of r produced by actor at the
// given time, with refreshed content attributes. The path stays the same.
func (r *Record) WithNextVersion(actor string, at time.Time, size int64, hash string) (*Record, error) {
	p := r.Params()
	p.Version++
	p.ModifiedBy = actor
	p.ModifiedAt = at
	p.Size = size
	p.Hash = hash
	p.Deleted = false

	return r.With(p)
}

// AsDeleted returns the tombstone following r. Directories drop their size
// and child count; files keep their last known size.
func (r *Record) AsDeleted(actor string, at time.Time) (*Record, error) {
	p := r.Params()
	p.Version++
	p.ModifiedBy = actor
	p.ModifiedAt = at
	p.Deleted = true

	if r.kind == KindDirectory {
		p.Size = 0
		p.Children = 0
	}

	return r.With(p)
}

func (r *Record) String() string {
	state := "present"
	if r.deleted {
		state = "deleted"
	}

	return fmt.Sprintf("%s %s/%s v%d %s by %s at %s", r.kind, r.folder.ID(), r.path, r.version, state,
		r.modifiedBy, r.modifiedAt.Format(time.RFC3339))
}
