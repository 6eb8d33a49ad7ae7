package stats

import (
	"maps"
	"sync"
	"time"
)

// TransferTable tracks in-flight and recently completed downloads per
// member. It is the transfer progress provider the aggregator and the
// directory filter read from; the transfer layer writes to it.
type TransferTable struct {
	mu        sync.Mutex
	partial   map[string]map[string]int64
	completed map[string]map[string]time.Time
}

// NewTransferTable creates an empty table.
func NewTransferTable() *TransferTable {
	return &TransferTable{
		partial:   make(map[string]map[string]int64),
		completed: make(map[string]map[string]time.Time),
	}
}

// SetPartial records that member has received bytes of file so far.
func (t *TransferTable) SetPartial(member, file string, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.partial[member]
	if !ok {
		m = make(map[string]int64)
		t.partial[member] = m
	}

	m[file] = max(bytes, 0)
}

// Complete moves file out of the in-flight set for member and remembers
// when the download finished.
func (t *TransferTable) Complete(member, file string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dropPartial(member, file)

	m, ok := t.completed[member]
	if !ok {
		m = make(map[string]time.Time)
		t.completed[member] = m
	}

	m[file] = at
}

// Cancel forgets an in-flight transfer without marking it complete.
func (t *TransferTable) Cancel(member, file string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dropPartial(member, file)
}

func (t *TransferTable) dropPartial(member, file string) {
	m := t.partial[member]
	delete(m, file)

	if len(m) == 0 {
		delete(t.partial, member)
	}
}

// PartialBytes returns the bytes received so far for an in-flight file.
func (t *TransferTable) PartialBytes(member, file string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.partial[member][file]
}

// InFlight returns a copy of member's in-flight transfers.
func (t *TransferTable) InFlight(member string) map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return maps.Clone(t.partial[member])
}

// IsInFlight reports whether member is currently receiving file.
func (t *TransferTable) IsInFlight(member, file string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.partial[member][file]

	return ok
}

// CompletedAt returns when member last finished downloading file.
func (t *TransferTable) CompletedAt(member, file string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.completed[member][file]

	return at, ok
}

// Snapshot returns a deep copy of every in-flight transfer.
func (t *TransferTable) Snapshot() map[string]map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]map[string]int64, len(t.partial))
	for member, files := range t.partial {
		out[member] = maps.Clone(files)
	}

	return out
}
