package audit

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository for tests and single-process
// development. Entries are kept sorted by timestamp, then insertion order.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*Entry)}
}

func (r *MemoryRepository) Append(_ context.Context, entry *Entry) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[entry.ID]; ok {
		return nil, fmt.Errorf("%w: duplicate log id %s", ErrStorage, entry.ID)
	}

	tail := ""
	if n := len(r.entries); n > 0 {
		tail = r.entries[n-1].Checksum
	}
	if tail != entry.PreviousChecksum {
		return nil, ErrChainConflict
	}

	stored := entry.Clone()
	// Insert after every entry with an equal or earlier timestamp.
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].Timestamp.After(stored.Timestamp)
	})
	r.entries = append(r.entries, nil)
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = stored
	r.byID[stored.ID] = stored

	return stored.Clone(), nil
}

func (r *MemoryRepository) Latest(_ context.Context) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil, nil
	}
	return r.entries[len(r.entries)-1].Clone(), nil
}

func (r *MemoryRepository) Range(_ context.Context, from, to time.Time) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		r.mu.RLock()
		var snapshot []*Entry
		for _, e := range r.entries {
			if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
				snapshot = append(snapshot, e.Clone())
			}
		}
		r.mu.RUnlock()

		for _, e := range snapshot {
			if !yield(*e, nil) {
				return
			}
		}
	}
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, f Filters) ([]Entry, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if f.Match(r.entries[i]) {
			matched = append(matched, *r.entries[i].Clone())
		}
	}

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, _ map[string]any) error {
	return fmt.Errorf("%w: update of %s rejected", ErrImmutable, id)
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	return fmt.Errorf("%w: delete of %s rejected", ErrImmutable, id)
}

// Len returns the number of stored entries.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
