// Package memory holds key-tagged notes that outlive a single run. A run reads
// the notes tagged with its flow when it is planned and appends what it
// learned when it ends.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/regression-io/stratum/contracts"
)

// Store is an in-memory contracts.MemoryStore.
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []contracts.MemoryEntry
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Read returns the entries carrying any of tags, oldest first. With no tags
// every entry is returned.
func (s *Store) Read(_ context.Context, tags ...string) ([]contracts.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []contracts.MemoryEntry{}
	for _, e := range s.entries {
		if len(tags) == 0 || hasAny(e.Tags, tags) {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

// Append stores entries. Entries without a key are rejected as a whole
// batch; a zero CreatedAt is stamped with the current time.
func (s *Store) Append(_ context.Context, entries ...contracts.MemoryEntry) error {
	for i, e := range entries {
		if e.Key == "" {
			return fmt.Errorf("memory entry %d has no key: %w", i, contracts.ErrInvalidInput)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		s.entries = append(s.entries, copyEntry(e))
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.Before(s.entries[j].CreatedAt)
	})
	return nil
}

// Notes renders entries as "key: value" lines, keeping only the last n when
// n > 0.
func Notes(entries []contracts.MemoryEntry, n int) []string {
	if n > 0 && n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key+": "+e.Value)
	}
	return out
}

// FromTrace derives one entry per postcondition that fired during a run,
// tagged with the flow and the function.
func FromTrace(flow string, run contracts.RunID, attempts []contracts.Attempt) []contracts.MemoryEntry {
	type key struct{ fn, check string }
	counts := map[key]int{}
	var order []key
	for _, a := range attempts {
		for _, v := range a.Violations {
			if v.Kind != contracts.ViolationEnsure {
				continue
			}
			k := key{a.Function, v.Text()}
			if counts[k] == 0 {
				order = append(order, k)
			}
			counts[k]++
		}
	}

	out := make([]contracts.MemoryEntry, 0, len(order))
	for _, k := range order {
		out = append(out, contracts.MemoryEntry{
			Key:   "fired:" + k.fn,
			Tags:  []string{flow, k.fn},
			Value: fmt.Sprintf("%s failed %d time(s)", k.check, counts[k]),
			RunID: run,
		})
	}
	return out
}

func hasAny(have, want []string) bool {
	for _, t := range want {
		if slices.Contains(have, t) {
			return true
		}
	}
	return false
}

func copyEntry(e contracts.MemoryEntry) contracts.MemoryEntry {
	e.Tags = slices.Clone(e.Tags)
	return e
}
