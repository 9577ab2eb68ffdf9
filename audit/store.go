package audit

import (
	"sort"
	"sync"
	"time"
)

// Store persists audit entries. Implementations must be append-only:
// the only mutation besides Append is the bulk timestamp-range purge.
// There is deliberately no delete-by-id path anywhere in this interface;
// removing a single record without leaving a detectable hole must stay
// impossible.
type Store interface {
	// Append writes one finalized entry.
	Append(e Entry) error

	// Scan calls fn for every entry in ascending timestamp order
	// (ties broken by id). Returning an error from fn stops the scan.
	Scan(fn func(e Entry) error) error

	// PurgeBefore removes all entries with Timestamp < cutoff and
	// returns the number removed.
	PurgeBefore(cutoff time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-memory Store used by tests and as a fallback when
// no durable backend is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) Append(e Entry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries = append(ms.entries, e)
	return nil
}

func (ms *MemoryStore) Scan(fn func(e Entry) error) error {
	ms.mu.RLock()
	snapshot := make([]Entry, len(ms.entries))
	copy(snapshot, ms.entries)
	ms.mu.RUnlock()

	sortEntries(snapshot)
	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (ms *MemoryStore) PurgeBefore(cutoff time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	kept := ms.entries[:0]
	removed := 0
	for _, e := range ms.entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	ms.entries = kept
	return removed, nil
}

func (ms *MemoryStore) Close() error {
	return nil
}

// Corrupt overwrites a stored field of the entry with the given id.
// Test hook: simulates out-of-band tampering with the persisted log.
func (ms *MemoryStore) Corrupt(id int64, mutate func(e *Entry)) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i := range ms.entries {
		if ms.entries[i].ID == id {
			mutate(&ms.entries[i])
			return true
		}
	}
	return false
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
