// Package peers tracks the other members sharing a folder: their display
// names, whether they are currently connected, and the records they last
// reported for each path.
package peers

import (
	"fmt"
	"os"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"
)

// Member is one entry of the device directory file.
type Member struct {
	ID        string `yaml:"id"`
	Nickname  string `yaml:"nickname"`
	Connected bool   `yaml:"connected"`
}

type directoryFile struct {
	Members []Member `yaml:"members"`
}

// Directory maps member ids to nicknames and holds the set of members that
// are currently connected. Safe for concurrent use.
type Directory struct {
	mu        sync.RWMutex
	nicknames map[string]string
	connected mapset.Set[string]
}

// NewDirectory builds a directory from an explicit member list.
func NewDirectory(members ...Member) *Directory {
	d := &Directory{
		nicknames: make(map[string]string, len(members)),
		connected: mapset.NewSet[string](),
	}

	for _, m := range members {
		d.nicknames[m.ID] = m.Nickname
		if m.Connected {
			d.connected.Add(m.ID)
		}
	}

	return d
}

// ParseDirectory decodes a YAML device directory:
//
//	members:
//	  - id: DEV-B
//	    nickname: Bob Phone
//	    connected: true
func ParseDirectory(data []byte) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing device directory: %w", err)
	}

	for i, m := range f.Members {
		if m.ID == "" {
			return nil, fmt.Errorf("device directory member %d has no id", i)
		}
	}

	return NewDirectory(f.Members...), nil
}

// LoadDirectory reads and parses a YAML device directory file.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device directory: %w", err)
	}

	return ParseDirectory(data)
}

// Nickname returns the display name of a member, or the id itself when
// the member has no nickname.
func (d *Directory) Nickname(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n := d.nicknames[id]; n != "" {
		return n
	}

	return id
}

// Connected returns a copy of the connected member set.
func (d *Directory) Connected() mapset.Set[string] {
	return d.connected.Clone()
}

// IsConnected reports whether a member is connected.
func (d *Directory) IsConnected(id string) bool {
	return d.connected.Contains(id)
}

// SetConnected marks a member as connected or disconnected. Unknown
// members are added without a nickname.
func (d *Directory) SetConnected(id string, connected bool) {
	d.mu.Lock()
	if _, ok := d.nicknames[id]; !ok {
		d.nicknames[id] = ""
	}
	d.mu.Unlock()

	if connected {
		d.connected.Add(id)
	} else {
		d.connected.Remove(id)
	}
}

// Members returns every known member id, sorted.
func (d *Directory) Members() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.nicknames))
	for id := range d.nicknames {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
