package record

import (
	"fmt"
	"runtime"
	"time"

	syncerr "github.com/alexjbarnes/folder-sync/internal/errors"
	"github.com/alexjbarnes/folder-sync/internal/registry"
)

// DefaultMTimeTolerance absorbs timestamp truncation by filesystems with
// coarse resolution (FAT stores modification times in 2 second steps).
const DefaultMTimeTolerance = 2 * time.Second

// FolderIdentity names one shared folder. Equality is by ID only. Records
// hold a pointer to the instance interned in a FolderRegistry so that
// records of the same folder share it.
type FolderIdentity struct {
	name string
	id   string
}

// NewFolderIdentity validates and builds a folder identity. The result is
// not interned; pass it through a FolderRegistry before attaching it to
// records.
func NewFolderIdentity(name, id string) (*FolderIdentity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: folder id is empty", syncerr.ErrValidation)
	}

	return &FolderIdentity{name: name, id: id}, nil
}

// Name returns the display name.
func (f *FolderIdentity) Name() string { return f.name }

// ID returns the stable identifier.
func (f *FolderIdentity) ID() string { return f.id }

// Equal compares by stable id.
func (f *FolderIdentity) Equal(o *FolderIdentity) bool {
	if f == o {
		return true
	}

	if f == nil || o == nil {
		return false
	}

	return f.id == o.id
}

func (f *FolderIdentity) String() string {
	return fmt.Sprintf("%s (%s)", f.name, f.id)
}

// FolderRegistry interns folder identities by stable id.
type FolderRegistry = registry.Registry[string, FolderIdentity]

// NewFolderRegistry creates an empty folder identity registry.
func NewFolderRegistry() *FolderRegistry {
	return registry.New(func(f *FolderIdentity) string { return f.id })
}

// InternFolder validates name/id and returns the shared instance from reg.
func InternFolder(reg *FolderRegistry, name, id string) (*FolderIdentity, error) {
	f, err := NewFolderIdentity(name, id)
	if err != nil {
		return nil, err
	}

	return reg.Intern(f), nil
}

// Policy holds the deployment-wide identity and time comparison rules. It
// is passed explicitly to every construction path.
type Policy struct {
	// CaseInsensitive folds paths before comparing and hashing them.
	CaseInsensitive bool

	// MTimeTolerance is the window inside which two modification times are
	// considered equal.
	MTimeTolerance time.Duration
}

// DefaultPolicy derives case folding from the host platform.
func DefaultPolicy() Policy {
	return Policy{
		CaseInsensitive: runtime.GOOS == "windows" || runtime.GOOS == "darwin",
		MTimeTolerance:  DefaultMTimeTolerance,
	}
}
